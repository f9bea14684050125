// Package backend holds the chat-completion clients. A client sends the whole
// turn log in one blocking call and returns one assistant reply; it never
// retries and never streams.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"Botify/internal/config"
	"Botify/internal/session"
)

// Params are the generation parameters sent with every request
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// DefaultParams are used when a caller does not override them
func DefaultParams() Params {
	return Params{Temperature: 0.7, TopP: 1.0, MaxTokens: 500}
}

// Request is one chat call: the full ordered turn log plus parameters.
// An empty Model selects the client's configured model.
type Request struct {
	Model  string
	Turns  []session.Turn
	Params Params
}

// ChatClient sends a turn log to a chat-completion endpoint
type ChatClient interface {
	Send(ctx context.Context, req Request) (string, error)
	Name() string
}

// ChatError is any failure of the remote call: transport, authentication,
// rate limiting or an unusable response.
type ChatError struct {
	Backend    string
	StatusCode int
	Message    string
	Err        error
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("error while calling %s API: %s", e.Backend, e.Message)
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether the endpoint rejected the credential
func (e *ChatError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsRateLimited reports whether the endpoint throttled the call
func (e *ChatError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Options configures a client
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
}

// New creates the client selected by cfg.Backend
func New(cfg config.ChatConfig, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (ChatClient, error) {
	opts := Options{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
		Logger:  logger,
		Tracer:  tracer,
		Meter:   meter,
	}

	switch cfg.Backend {
	case config.BackendOpenAI:
		return NewOpenAIClient(opts), nil
	case config.BackendOllama:
		// the configured default points at SambaNova
		if opts.BaseURL == DefaultOpenAIBaseURL {
			opts.BaseURL = ""
		}
		return NewOllamaClient(opts), nil
	case config.BackendLangChain:
		return NewLangChainClient(opts)
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

// instruments is the telemetry shared by all clients
type instruments struct {
	name     string
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	duration metric.Float64Histogram
}

func newInstruments(name string, opts Options) instruments {
	in := instruments{
		name:   name,
		logger: opts.Logger,
		tracer: opts.Tracer,
		meter:  opts.Meter,
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	in.logger = in.logger.With("component", "backend", "backend", name)
	if in.tracer == nil {
		in.tracer = otel.Tracer("botify")
	}
	if in.meter == nil {
		in.meter = otel.Meter("botify")
	}

	histogram, err := in.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		in.logger.Warn("failed to create histogram", "error", err)
	}
	in.duration = histogram
	return in
}

func (in instruments) recordDuration(ctx context.Context, start time.Time) {
	if in.duration == nil {
		return
	}
	in.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
}

// recordUsage records token usage counters from the response usage object
func (in instruments) recordUsage(ctx context.Context, usage map[string]interface{}) {
	for key, value := range usage {
		intVal, ok := value.(float64)
		if !ok {
			continue
		}
		counter, err := in.meter.Int64Counter(
			fmt.Sprintf("llm.usage.%s", key),
			metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
		)
		if err != nil {
			in.logger.Warn("failed to create counter", "key", key, "error", err)
			continue
		}
		counter.Add(ctx, int64(intVal))
	}
}

// fail builds a ChatError and marks the span as failed
func (in instruments) fail(span trace.Span, status int, err error, format string, args ...interface{}) *ChatError {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	chatErr := &ChatError{
		Backend:    in.name,
		StatusCode: status,
		Message:    msg,
		Err:        err,
	}
	span.RecordError(chatErr)
	span.SetStatus(codes.Error, msg)
	in.logger.Error("chat request failed", "status", status, "error", msg)
	return chatErr
}

func httpClientFor(opts Options) *http.Client {
	if opts.HTTPClient != nil {
		return opts.HTTPClient
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// wireMessages converts turns to the role/content objects of the chat APIs
func wireMessages(turns []session.Turn) []Message {
	messages := make([]Message, len(turns))
	for i, turn := range turns {
		messages[i] = Message{
			Role:    string(turn.Role),
			Content: turn.Content,
		}
	}
	return messages
}

// Message is a role/content pair on the wire
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
