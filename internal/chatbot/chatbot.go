package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"Botify/internal/backend"
	"Botify/internal/config"
	"Botify/internal/prompt"
	"Botify/internal/session"
)

var (
	// ErrEmptyMessage is returned for empty input; the state is left untouched
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoState is returned when no conversation state is supplied
	ErrNoState = errors.New("conversation state is nil")
)

// Options configures a ChatBot
type Options struct {
	Model    string
	Params   backend.Params
	MaxChars int
	// PersistContext keeps the assembled document prompt in the saved log.
	// When false it is still sent, as the last turn of the request only.
	PersistContext bool
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// OptionsFromConfig maps the chat and prompt sections onto Options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Model: cfg.Chat.Model,
		Params: backend.Params{
			Temperature: cfg.Chat.Temperature,
			TopP:        cfg.Chat.TopP,
			MaxTokens:   cfg.Chat.MaxTokens,
		},
		MaxChars:       cfg.Prompt.MaxChars,
		PersistContext: cfg.Chat.PersistContext,
	}
}

// Result is the outcome of one message cycle
type Result struct {
	State    *session.State
	Reply    string
	Duration time.Duration
}

// DurationMs returns the elapsed call time in milliseconds
func (r Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// ChatBot drives one request cycle per user message. It holds no conversation
// state of its own; callers pass the session state in and persist it afterwards,
// and must not run two cycles on the same state concurrently.
type ChatBot struct {
	client         backend.ChatClient
	model          string
	params         backend.Params
	maxChars       int
	persistContext bool
	logger         *slog.Logger
	tracer         trace.Tracer
	duration       metric.Float64Histogram
	failures       metric.Int64Counter
}

// New creates a ChatBot around a chat client
func New(client backend.ChatClient, opts Options) (*ChatBot, error) {
	if client == nil {
		return nil, fmt.Errorf("chat client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("botify")
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("botify")
	}

	duration, err := meter.Float64Histogram(
		"botify.chat.duration",
		metric.WithDescription("Chat call duration per user message in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	failures, err := meter.Int64Counter(
		"botify.chat.failures",
		metric.WithDescription("Chat calls that returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &ChatBot{
		client:         client,
		model:          opts.Model,
		params:         opts.Params,
		maxChars:       opts.MaxChars,
		persistContext: opts.PersistContext,
		logger:         logger.With("component", "chatbot"),
		tracer:         tracer,
		duration:       duration,
		failures:       failures,
	}, nil
}

// Backend returns the name of the chat client in use
func (cb *ChatBot) Backend() string {
	return cb.client.Name()
}

// HandleUserMessage runs one cycle: append the user turn, add the document
// context, call the backend and append the reply.
//
// On a backend failure no assistant turn is appended, the returned error is a
// *backend.ChatError and the Result still carries the state and duration. The
// state is usable for the next message either way.
func (cb *ChatBot) HandleUserMessage(ctx context.Context, state *session.State, documentText, question string) (Result, error) {
	if state == nil {
		return Result{}, ErrNoState
	}
	if question == "" {
		return Result{State: state}, ErrEmptyMessage
	}

	ctx, span := cb.tracer.Start(ctx, "handle_user_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", state.ID),
		attribute.String("chat.backend", cb.client.Name()),
	)

	state.Append(session.RoleUser, question)

	contextPrompt := prompt.Assemble(documentText, cb.maxChars, question)
	var turns []session.Turn
	if cb.persistContext {
		state.Append(session.RoleSystem, contextPrompt)
		turns = state.RequestLog()
	} else {
		turns = append(state.RequestLog(), session.Turn{
			Role:      session.RoleSystem,
			Content:   contextPrompt,
			Timestamp: time.Now(),
		})
	}

	start := time.Now()
	reply, err := cb.client.Send(ctx, backend.Request{
		Model:  cb.model,
		Turns:  turns,
		Params: cb.params,
	})
	elapsed := time.Since(start)

	cb.duration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.Bool("success", err == nil)))

	result := Result{State: state, Duration: elapsed}

	if err != nil {
		cb.failures.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var chatErr *backend.ChatError
		if !errors.As(err, &chatErr) {
			chatErr = &backend.ChatError{Backend: cb.client.Name(), Message: err.Error(), Err: err}
		}
		cb.logger.Error("failed to send message",
			"session_id", state.ID,
			"duration_ms", elapsed.Milliseconds(),
			"error", chatErr)
		return result, chatErr
	}

	state.Append(session.RoleAssistant, reply)
	result.Reply = reply

	cb.logger.Info("message answered",
		"session_id", state.ID,
		"turns", state.Len(),
		"duration_ms", elapsed.Milliseconds())

	return result, nil
}
