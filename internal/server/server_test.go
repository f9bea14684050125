package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Botify/internal/backend"
	"Botify/internal/cache"
	"Botify/internal/chatbot"
	"Botify/internal/config"
	"Botify/internal/document"
	"Botify/internal/session"
)

type fakeClient struct {
	mu    sync.Mutex
	calls int
	send  func(req backend.Request) (string, error)
}

func (f *fakeClient) Send(ctx context.Context, req backend.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.send(req)
}

func (f *fakeClient) Name() string {
	return "fake"
}

type fakeExtractor struct {
	text string
	err  error
}

func (f fakeExtractor) Extract(ctx context.Context, data []byte) (string, int, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	return f.text, 2, nil
}

// echoExtractor gives every file its own text
type echoExtractor struct{}

func (echoExtractor) Extract(ctx context.Context, data []byte) (string, int, error) {
	return "text of " + string(data), 1, nil
}

// vanishingStore deletes the session on the second load after arm, the way a
// reset in another tab does while a chat waits for the session lock
type vanishingStore struct {
	*session.MemoryStore

	mu    sync.Mutex
	armed bool
	loads int
}

func (v *vanishingStore) arm() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.armed = true
	v.loads = 0
}

func (v *vanishingStore) Load(ctx context.Context, id string) (*session.State, error) {
	v.mu.Lock()
	vanish := false
	if v.armed {
		v.loads++
		if v.loads == 2 {
			v.armed = false
			vanish = true
		}
	}
	v.mu.Unlock()

	if vanish {
		if err := v.MemoryStore.Delete(ctx, id); err != nil {
			return nil, err
		}
		return nil, session.ErrNotFound
	}
	return v.MemoryStore.Load(ctx, id)
}

type testEnv struct {
	server   *Server
	client   *fakeClient
	sessions session.Store
	memory   *session.MemoryStore
	cookie   *http.Cookie
}

func newTestEnv(t *testing.T, send func(req backend.Request) (string, error), extractor document.Extractor) *testEnv {
	t.Helper()
	memory := session.NewMemoryStore(0, 0)
	env := newTestEnvWithStore(t, send, extractor, memory)
	env.memory = memory
	return env
}

func newTestEnvWithStore(t *testing.T, send func(req backend.Request) (string, error), extractor document.Extractor, sessions session.Store) *testEnv {
	t.Helper()

	client := &fakeClient{send: send}
	bot, err := chatbot.New(client, chatbot.Options{
		Model:          "Qwen2.5-72B-Instruct",
		Params:         backend.Params{Temperature: 0.1, TopP: 0.1, MaxTokens: 300},
		MaxChars:       500,
		PersistContext: true,
	})
	require.NoError(t, err)

	docs, err := document.NewStore(extractor, 4, 1024, nil)
	require.NoError(t, err)

	srv, err := New(Options{
		Bot:            bot,
		Documents:      docs,
		Sessions:       sessions,
		MaxUploadBytes: 1024,
	})
	require.NoError(t, err)

	return &testEnv{server: srv, client: client, sessions: sessions}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			e.cookie = c
		}
	}
	return rec
}

func (e *testEnv) upload(t *testing.T, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("pdf", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return e.do(t, req)
}

func (e *testEnv) chat(t *testing.T, message string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"message": {message}}
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(t, req)
}

func (e *testEnv) history(t *testing.T) historyResponse {
	t.Helper()
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var h historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	return h
}

func reply(text string) func(backend.Request) (string, error) {
	return func(backend.Request) (string, error) { return text, nil }
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, reply("ok"), fakeExtractor{text: "doc"})
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestIndexShowsUnsavedSession(t *testing.T) {
	env := newTestEnv(t, reply("ok"), fakeExtractor{text: "doc"})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Upload your PDF file")
	assert.NotContains(t, rec.Body.String(), "Your message:")
	assert.Nil(t, env.cookie)
	assert.Zero(t, env.memory.Len())

	// the first upload starts the session
	env.upload(t, "a.pdf", []byte("%PDF-a"))
	require.NotNil(t, env.cookie)
	state, err := env.sessions.Load(context.Background(), env.cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Len())
	assert.Equal(t, "fake", state.Backend)
}

func TestCookielessReadsDoNotStoreSessions(t *testing.T) {
	env := newTestEnv(t, reply("ok"), fakeExtractor{text: "doc"})

	for i := 0; i < 50; i++ {
		for _, path := range []string{"/", "/api/history"} {
			rec := httptest.NewRecorder()
			env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, rec.Result().Cookies())
		}
	}
	assert.Zero(t, env.memory.Len())

	h := env.history(t)
	require.Len(t, h.Turns, 1)
	assert.Equal(t, session.RoleSystem, h.Turns[0].Role)
}

func TestSessionOutlivesDocumentCache(t *testing.T) {
	env := newTestEnv(t, reply("ok"), echoExtractor{})

	first := []byte("%PDF-first")
	require.Equal(t, http.StatusOK, env.upload(t, "first.pdf", first).Code)
	require.Equal(t, http.StatusOK, env.chat(t, "q1").Code)

	// other sessions push the first file out of the four-entry cache
	for i := 0; i < 4; i++ {
		other := &testEnv{server: env.server}
		rec := other.upload(t, "other.pdf", []byte("%PDF-other-"+string(rune('a'+i))))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	_, cached := env.server.documents.Get(cache.Key(first))
	require.False(t, cached)

	rec := env.chat(t, "q2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Please upload a PDF file first.")
	assert.Contains(t, rec.Body.String(), "first.pdf")

	turns := env.history(t).Turns
	require.Len(t, turns, 7)
	assert.Equal(t, "Document content (truncated): text of %PDF-first...\n\nUser question: q2\nAnswer:", turns[5].Content)
}

func TestUploadThenChat(t *testing.T) {
	env := newTestEnv(t, reply("It is about testing."), fakeExtractor{text: "A report about testing."})

	rec := env.upload(t, "report.pdf", []byte("%PDF-fake"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "PDF content extracted successfully!")
	assert.Contains(t, rec.Body.String(), "report.pdf")
	assert.Contains(t, rec.Body.String(), "Your message:")

	rec = env.chat(t, "What is it about?")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<strong>User:</strong> What is it about?")
	assert.Contains(t, body, "<strong>Botify:</strong> It is about testing.")
	assert.Contains(t, body, "API call duration:")
	assert.Contains(t, body, "Chat History")

	h := env.history(t)
	require.Len(t, h.Turns, 4)
	assert.Equal(t, session.RoleSystem, h.Turns[0].Role)
	assert.Equal(t, session.RoleUser, h.Turns[1].Role)
	assert.Equal(t, session.RoleSystem, h.Turns[2].Role)
	assert.Equal(t, "Document content (truncated): A report about testing....\n\nUser question: What is it about?\nAnswer:", h.Turns[2].Content)
	assert.Equal(t, session.RoleAssistant, h.Turns[3].Role)
	assert.Equal(t, "report.pdf", h.Document)
	assert.Equal(t, "fake", h.Backend)
}

func TestChatFailureShowsError(t *testing.T) {
	env := newTestEnv(t, func(backend.Request) (string, error) {
		return "", &backend.ChatError{Backend: "fake", StatusCode: http.StatusUnauthorized, Message: "bad key"}
	}, fakeExtractor{text: "doc"})

	env.upload(t, "a.pdf", []byte("%PDF-a"))
	rec := env.chat(t, "Hello?")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Error occurred while fetching response: error while calling fake API: bad key")
	assert.Contains(t, rec.Body.String(), "API call duration:")

	h := env.history(t)
	require.Len(t, h.Turns, 3)
	assert.Equal(t, session.RoleSystem, h.Turns[2].Role)
}

func TestChatWithoutDocument(t *testing.T) {
	env := newTestEnv(t, reply("ok"), fakeExtractor{text: "doc"})

	rec := env.chat(t, "Hello?")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Please upload a PDF file first.")
	assert.Zero(t, env.client.calls)
}

func TestEmptyMessageDoesNothing(t *testing.T) {
	env := newTestEnv(t, reply("ok"), fakeExtractor{text: "doc"})
	env.upload(t, "a.pdf", []byte("%PDF-a"))

	rec := env.chat(t, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, env.client.calls)
	assert.Len(t, env.history(t).Turns, 1)
}

func TestUploadErrors(t *testing.T) {
	t.Run("unreadable pdf", func(t *testing.T) {
		env := newTestEnv(t, reply("ok"), fakeExtractor{err: errors.New("not a pdf")})
		rec := env.upload(t, "broken.pdf", []byte("garbage"))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "not a pdf")
		assert.NotContains(t, rec.Body.String(), "Your message:")
	})

	t.Run("too large", func(t *testing.T) {
		env := newTestEnv(t, reply("ok"), fakeExtractor{text: "doc"})
		rec := env.upload(t, "big.pdf", bytes.Repeat([]byte("x"), 2048))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("missing field", func(t *testing.T) {
		env := newTestEnv(t, reply("ok"), fakeExtractor{text: "doc"})
		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(""))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := env.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestResetKeepsDocument(t *testing.T) {
	env := newTestEnv(t, reply("ok"), fakeExtractor{text: "doc"})
	env.upload(t, "a.pdf", []byte("%PDF-a"))
	env.chat(t, "Hello?")
	before := env.cookie.Value

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/reset", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.NotEqual(t, before, env.cookie.Value)

	_, err := env.sessions.Load(context.Background(), before)
	assert.ErrorIs(t, err, session.ErrNotFound)

	h := env.history(t)
	assert.Len(t, h.Turns, 1)
	assert.Equal(t, "a.pdf", h.Document)
}

func TestChatAfterConcurrentResetStartsNewSession(t *testing.T) {
	store := &vanishingStore{MemoryStore: session.NewMemoryStore(0, 0)}
	env := newTestEnvWithStore(t, reply("fresh answer"), fakeExtractor{text: "doc"}, store)
	env.upload(t, "a.pdf", []byte("%PDF-a"))
	before := env.cookie.Value

	store.arm()
	rec := env.chat(t, "Hello?")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<strong>Botify:</strong> fresh answer")
	assert.NotEqual(t, before, env.cookie.Value)

	_, err := store.Load(context.Background(), before)
	assert.ErrorIs(t, err, session.ErrNotFound)

	h := env.history(t)
	assert.Equal(t, env.cookie.Value, h.SessionID)
	assert.Equal(t, "a.pdf", h.Document)
	require.Len(t, h.Turns, 4)
	assert.Equal(t, "Document content (truncated): doc...\n\nUser question: Hello?\nAnswer:", h.Turns[2].Content)
	assert.Zero(t, env.server.locks.len())
}

func TestChatDisabledWithoutCredential(t *testing.T) {
	docs, err := document.NewStore(fakeExtractor{text: "doc"}, 4, 0, nil)
	require.NoError(t, err)

	srv, err := New(Options{
		ChatUnavailable: config.ErrMissingCredential,
		Documents:       docs,
		Sessions:        session.NewMemoryStore(0, 0),
	})
	require.NoError(t, err)
	env := &testEnv{server: srv}

	rec := env.upload(t, "a.pdf", []byte("%PDF-a"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "API key not found! Please check your secrets settings.")
	assert.NotContains(t, rec.Body.String(), "Your message:")

	rec = env.chat(t, "Hello?")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "API key not found! Please check your secrets settings.")
}

func TestConcurrentChatsOnOneSessionDoNotInterleave(t *testing.T) {
	env := newTestEnv(t, func(backend.Request) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "done", nil
	}, fakeExtractor{text: "doc"})
	env.upload(t, "a.pdf", []byte("%PDF-a"))
	cookie := env.cookie

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			form := url.Values{"message": {"q"}}
			req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.AddCookie(cookie)
			rec := httptest.NewRecorder()
			env.server.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()

	turns := env.history(t).Turns
	require.Len(t, turns, 1+3*4)
	for i := 1; i < len(turns); i += 3 {
		assert.Equal(t, session.RoleUser, turns[i].Role)
		assert.Equal(t, session.RoleSystem, turns[i+1].Role)
		assert.Equal(t, session.RoleAssistant, turns[i+2].Role)
	}
	assert.Zero(t, env.server.locks.len())
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(Options{ChatUnavailable: config.ErrMissingCredential})
	assert.Error(t, err)
}
