package ai

import (
	"context"
	"fmt"

	"ai-chat-sessions/backend/pkg/config"
	"ai-chat-sessions/backend/pkg/logger"
	"ai-chat-sessions/backend/pkg/resilience"
	"ai-chat-sessions/backend/pkg/secrets"
)

// Provider names accepted by AI_PROVIDER
const (
	ProviderWorkersAI = "workers-ai"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// NewCompleter builds the configured provider wrapped in a circuit breaker.
// The API key is looked up as "ai.api-key" in sm, falling back to the
// configured value.
func NewCompleter(ctx context.Context, cfg *config.Config, sm secrets.Manager, log *logger.Logger) (*BreakerCompleter, error) {
	if log == nil {
		log = logger.GetGlobal()
	}

	apiKey := cfg.AI.APIKey
	if sm != nil {
		apiKey = sm.GetSecretWithDefault(ctx, "ai.api-key", apiKey)
	}

	var (
		inner Completer
		err   error
	)
	switch cfg.AI.Provider {
	case ProviderWorkersAI:
		inner, err = NewWorkersAIClient(cfg.AI.BaseURL, cfg.AI.AccountID, apiKey, cfg.AI.Model, log)
	case ProviderOpenAI:
		inner, err = NewOpenAIClient(apiKey, cfg.AI.BaseURL, cfg.AI.Model)
	case ProviderAnthropic:
		inner, err = NewAnthropicClient(apiKey, cfg.AI.BaseURL, cfg.AI.Model)
	case ProviderGemini:
		inner, err = NewGeminiClient(ctx, apiKey, cfg.AI.Model)
	default:
		err = fmt.Errorf("unknown ai provider %q", cfg.AI.Provider)
	}
	if err != nil {
		return nil, err
	}

	log.Info("Completion provider configured",
		"provider", cfg.AI.Provider,
		"model", cfg.AI.Model,
	)

	return NewBreakerCompleter(inner, resilience.CircuitBreakerConfig{
		Name:             "ai-" + cfg.AI.Provider,
		FailureThreshold: uint(cfg.AI.BreakerFailures),
		SuccessThreshold: 1,
		RetryTimeout:     cfg.AI.BreakerRetry,
	}, log), nil
}
