// Package server is the browser UI: upload a PDF, then chat about it.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"Botify/internal/chatbot"
	"Botify/internal/document"
	"Botify/internal/session"
)

//go:embed templates/*
var templatesFS embed.FS

// SessionCookie holds the browser's session ID
const SessionCookie = "botify_session"

// Options wires the server to its collaborators
type Options struct {
	Addr string
	// Bot may be nil, in which case chat is disabled and ChatUnavailable
	// explains why.
	Bot             *chatbot.ChatBot
	ChatUnavailable error
	Documents       *document.Store
	Sessions        session.Store
	Persona         string
	MaxUploadBytes  int64
	Logger          *slog.Logger
}

// Server represents the web UI server
type Server struct {
	echo            *echo.Echo
	addr            string
	bot             *chatbot.ChatBot
	chatUnavailable error
	documents       *document.Store
	sessions        session.Store
	persona         string
	maxUploadBytes  int64
	logger          *slog.Logger
	locks           *keyedMutex
}

// New creates the server and registers its routes
func New(opts Options) (*Server, error) {
	if opts.Documents == nil || opts.Sessions == nil {
		return nil, errors.New("document and session stores are required")
	}
	if opts.Bot == nil && opts.ChatUnavailable == nil {
		return nil, errors.New("either a chatbot or the reason chat is unavailable is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = &templateRenderer{templates: tmpl}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	}))

	s := &Server{
		echo:            e,
		addr:            opts.Addr,
		bot:             opts.Bot,
		chatUnavailable: opts.ChatUnavailable,
		documents:       opts.Documents,
		sessions:        opts.Sessions,
		persona:         opts.Persona,
		maxUploadBytes:  opts.MaxUploadBytes,
		logger:          logger,
		locks:           newKeyedMutex(),
	}
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.GET("/", s.handleIndex)
	s.echo.POST("/upload", s.handleUpload)
	s.echo.POST("/chat", s.handleChat)
	s.echo.POST("/reset", s.handleReset)

	api := s.echo.Group("/api")
	api.GET("/history", s.handleHistory)
}

// ServeHTTP lets the server be mounted or tested as a plain http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.addr)
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

type templateRenderer struct {
	templates *template.Template
}

func (r *templateRenderer) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	return r.templates.ExecuteTemplate(w, name, data)
}

// keyedMutex serializes work per session ID. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock func
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
