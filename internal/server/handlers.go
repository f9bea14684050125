package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"Botify/internal/chatbot"
	"Botify/internal/config"
	"Botify/internal/document"
	"Botify/internal/session"
)

// Messages shown on the page
const (
	msgExtracted       = "PDF content extracted successfully!"
	msgMissingKey      = "API key not found! Please check your secrets settings."
	msgNoDocument      = "Please upload a PDF file first."
	msgFetchError      = "Error occurred while fetching response: %s"
	msgCallDuration    = "API call duration: %.2f seconds"
	msgChatUnavailable = "Chat is unavailable: %s"
)

// turnView is one line of the transcript
type turnView struct {
	Role    string
	Label   string
	Content string
}

// pageView is everything index.html renders
type pageView struct {
	SessionID     string
	DocumentName  string
	DocumentPages int
	HasDocument   bool
	ChatEnabled   bool
	Transcript    []turnView
	History       []turnView
	Success       string
	Error         string
	Info          string
}

// historyResponse is the JSON form of a session
type historyResponse struct {
	SessionID string         `json:"session_id"`
	Backend   string         `json:"backend"`
	StartTime time.Time      `json:"start_time"`
	Document  string         `json:"document,omitempty"`
	Turns     []session.Turn `json:"turns"`
}

func label(role session.Role) string {
	if role == session.RoleUser {
		return "User"
	}
	return "Botify"
}

func (s *Server) view(state *session.State) pageView {
	v := pageView{
		SessionID:     state.ID,
		ChatEnabled:   s.bot != nil,
		HasDocument:   state.HasDocument(),
		DocumentName:  state.DocumentName,
		DocumentPages: state.DocumentPages,
	}
	if !v.ChatEnabled {
		v.Error = s.unavailableMessage()
	}

	for _, turn := range state.Turns {
		tv := turnView{Role: string(turn.Role), Label: label(turn.Role), Content: turn.Content}
		v.History = append(v.History, tv)
		if turn.Role == session.RoleUser || turn.Role == session.RoleAssistant {
			v.Transcript = append(v.Transcript, tv)
		}
	}
	return v
}

func (s *Server) unavailableMessage() string {
	if errors.Is(s.chatUnavailable, config.ErrMissingCredential) {
		return msgMissingKey
	}
	return fmt.Sprintf(msgChatUnavailable, s.chatUnavailable)
}

func (s *Server) backendName() string {
	if s.bot == nil {
		return ""
	}
	return s.bot.Backend()
}

// currentSession loads the session named by the cookie. When the cookie is
// missing or stale it starts a new session, which is saved and handed to the
// client only if create is set; read-only requests get an unsaved one.
func (s *Server) currentSession(c echo.Context, create bool) (*session.State, error) {
	ctx := c.Request().Context()

	if cookie, err := c.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		state, err := s.sessions.Load(ctx, cookie.Value)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
	}

	if !create {
		return session.New(s.backendName(), s.persona), nil
	}
	return s.newSession(c, nil)
}

// newSession saves a fresh session and sets its cookie. The document bound to
// from, if any, carries over.
func (s *Server) newSession(c echo.Context, from *session.State) (*session.State, error) {
	state := session.New(s.backendName(), s.persona)
	if from != nil && from.HasDocument() {
		state.BindDocument(from.DocumentKey, from.DocumentName, from.DocumentText, from.DocumentPages)
	}
	if err := s.sessions.Save(c.Request().Context(), state); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    state.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.logger.Info("session started", "session_id", state.ID)
	return state, nil
}

// lockSession serializes work on one session and reloads it under the lock.
// A session deleted while waiting, by a reset in another tab, is replaced by
// a new one about the same document.
func (s *Server) lockSession(c echo.Context) (*session.State, func(), error) {
	stale, err := s.currentSession(c, true)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.locks.Lock(stale.ID)
	state, err := s.sessions.Load(c.Request().Context(), stale.ID)
	if err == nil {
		return state, unlock, nil
	}
	unlock()
	if !errors.Is(err, session.ErrNotFound) {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}

	s.logger.Warn("session vanished while waiting", "session_id", stale.ID)
	state, err = s.newSession(c, stale)
	if err != nil {
		return nil, nil, err
	}
	return state, s.locks.Lock(state.ID), nil
}

func (s *Server) render(c echo.Context, code int, v pageView) error {
	return c.Render(code, "index.html", v)
}

func (s *Server) handleIndex(c echo.Context) error {
	state, err := s.currentSession(c, false)
	if err != nil {
		return err
	}
	return s.render(c, http.StatusOK, s.view(state))
}

func (s *Server) handleUpload(c echo.Context) error {
	state, unlock, err := s.lockSession(c)
	if err != nil {
		return err
	}
	defer unlock()

	v := s.view(state)

	fh, err := c.FormFile("pdf")
	if err != nil {
		v.Error = "Upload your PDF file using the pdf field."
		return s.render(c, http.StatusBadRequest, v)
	}
	if s.maxUploadBytes > 0 && fh.Size > s.maxUploadBytes {
		v.Error = fmt.Sprintf("%s is too large (max %d MB).", fh.Filename, s.maxUploadBytes/(1024*1024))
		return s.render(c, http.StatusRequestEntityTooLarge, v)
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}

	doc, err := s.documents.Load(c.Request().Context(), fh.Filename, data)
	if err != nil {
		v.Error = err.Error()
		if errors.Is(err, document.ErrTooLarge) {
			return s.render(c, http.StatusRequestEntityTooLarge, v)
		}
		return s.render(c, http.StatusUnprocessableEntity, v)
	}

	state.BindDocument(doc.Key, doc.Name, doc.Text, doc.Pages)
	if err := s.sessions.Save(c.Request().Context(), state); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	v = s.view(state)
	v.Success = msgExtracted
	return s.render(c, http.StatusOK, v)
}

func (s *Server) handleChat(c echo.Context) error {
	state, unlock, err := s.lockSession(c)
	if err != nil {
		return err
	}
	defer unlock()

	v := s.view(state)

	if s.bot == nil {
		return s.render(c, http.StatusServiceUnavailable, v)
	}

	if !state.HasDocument() {
		v.Error = msgNoDocument
		return s.render(c, http.StatusBadRequest, v)
	}

	ctx := c.Request().Context()
	res, err := s.bot.HandleUserMessage(ctx, state, state.DocumentText, c.FormValue("message"))
	if errors.Is(err, chatbot.ErrEmptyMessage) {
		return s.render(c, http.StatusOK, v)
	}

	// the user and context turns are kept even when the call failed
	if saveErr := s.sessions.Save(ctx, state); saveErr != nil {
		return fmt.Errorf("failed to save session: %w", saveErr)
	}

	v = s.view(state)
	v.Info = fmt.Sprintf(msgCallDuration, res.Duration.Seconds())
	if err != nil {
		v.Error = fmt.Sprintf(msgFetchError, err.Error())
		return s.render(c, http.StatusBadGateway, v)
	}
	return s.render(c, http.StatusOK, v)
}

// handleReset starts a new conversation about the same document
func (s *Server) handleReset(c echo.Context) error {
	state, unlock, err := s.lockSession(c)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.sessions.Delete(c.Request().Context(), state.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if _, err := s.newSession(c, state); err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) handleHistory(c echo.Context) error {
	state, err := s.currentSession(c, false)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, historyResponse{
		SessionID: state.ID,
		Backend:   state.Backend,
		StartTime: state.StartTime,
		Document:  state.DocumentName,
		Turns:     state.RequestLog(),
	})
}
