package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ai-chat-sessions/backend/ai"
	"ai-chat-sessions/backend/internal/models"
	"ai-chat-sessions/backend/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "ai-chat-sessions/backend/internal/service"

// FallbackResponse is stored and returned when the model produces no text
const FallbackResponse = "Sorry, I couldn't generate a response. Please try again."

var (
	// ErrEmptyMessage is returned for blank user input
	ErrEmptyMessage = errors.New("message must not be empty")
	// ErrCompletion wraps failures of the completion call
	ErrCompletion = errors.New("completion failed")
)

// SessionStore is the part of the session store a conversation turn needs
type SessionStore interface {
	AppendMessage(ctx context.Context, id string, role models.Role, content string) (*models.Message, error)
	GetHistory(ctx context.Context, id string) ([]models.Message, error)
}

// Config holds the completion parameters of a turn
type Config struct {
	SystemPrompt  string
	ContextWindow int
	MaxTokens     int
	Temperature   float64
}

// ConversationService runs conversation turns against a completer
type ConversationService struct {
	completer ai.Completer
	config    Config
	log       *logger.Logger

	tracer    trace.Tracer
	turns     metric.Int64Counter
	fallbacks metric.Int64Counter
	latency   metric.Float64Histogram
}

// NewConversationService creates a service. Instruments are taken from the
// global otel providers.
func NewConversationService(completer ai.Completer, config Config, log *logger.Logger) (*ConversationService, error) {
	if config.ContextWindow < 1 {
		return nil, fmt.Errorf("context window must be positive, got %d", config.ContextWindow)
	}
	if log == nil {
		log = logger.GetGlobal()
	}

	meter := otel.Meter(instrumentationName)
	turns, err := meter.Int64Counter("chat_turns",
		metric.WithDescription("Conversation turns by outcome"))
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64Counter("chat_completion_fallbacks",
		metric.WithDescription("Turns answered with the fallback text"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("chat_completion_duration",
		metric.WithDescription("Completion call latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &ConversationService{
		completer: completer,
		config:    config,
		log:       log,
		tracer:    otel.Tracer(instrumentationName),
		turns:     turns,
		fallbacks: fallbacks,
		latency:   latency,
	}, nil
}

// Respond runs one turn: the user message is stored, the last
// ContextWindow messages are sent to the completer and the reply is stored
// and returned. A failed completion leaves the user message in place.
func (s *ConversationService) Respond(ctx context.Context, store SessionStore, sessionID, userText string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.respond",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	reply, outcome, err := s.respond(ctx, store, sessionID, userText)

	s.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return reply, err
}

func (s *ConversationService) respond(ctx context.Context, store SessionStore, sessionID, userText string) (string, string, error) {
	if strings.TrimSpace(userText) == "" {
		return "", "invalid", ErrEmptyMessage
	}

	if _, err := store.AppendMessage(ctx, sessionID, models.RoleUser, userText); err != nil {
		return "", "store_error", err
	}

	history, err := store.GetHistory(ctx, sessionID)
	if err != nil {
		return "", "store_error", err
	}

	req := ai.CompletionRequest{
		SystemPrompt: s.config.SystemPrompt,
		Messages:     Window(history, s.config.ContextWindow),
		MaxTokens:    s.config.MaxTokens,
		Temperature:  s.config.Temperature,
	}

	start := time.Now()
	text, err := s.completer.Complete(ctx, req)
	s.latency.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.log.LogError(err, "Completion failed",
			"session_id", sessionID,
			"window", len(req.Messages),
		)
		return "", "completion_error", fmt.Errorf("%w: %w", ErrCompletion, err)
	}

	outcome := "ok"
	if strings.TrimSpace(text) == "" {
		s.log.Warn("Completion returned no text, using fallback", "session_id", sessionID)
		s.fallbacks.Add(ctx, 1)
		text = FallbackResponse
		outcome = "fallback"
	}

	if _, err := store.AppendMessage(ctx, sessionID, models.RoleAssistant, text); err != nil {
		return "", "store_error", err
	}

	s.log.Debug("Turn completed",
		"session_id", sessionID,
		"window", len(req.Messages),
		"outcome", outcome,
	)
	return text, outcome, nil
}

// Window returns the last n messages as role/content pairs
func Window(history []models.Message, n int) []ai.ChatMessage {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	window := make([]ai.ChatMessage, len(history))
	for i, m := range history {
		window[i] = ai.ChatMessage{Role: string(m.Role), Content: m.Content}
	}
	return window
}
