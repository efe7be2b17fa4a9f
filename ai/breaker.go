package ai

import (
	"context"

	"ai-chat-sessions/backend/pkg/logger"
	"ai-chat-sessions/backend/pkg/resilience"
)

// ErrCircuitOpen is returned while the provider breaker is open
var ErrCircuitOpen = resilience.ErrCircuitOpen

// BreakerCompleter fails fast once the wrapped provider keeps failing. Calls
// are never retried.
type BreakerCompleter struct {
	next    Completer
	breaker *resilience.CircuitBreaker
}

// NewBreakerCompleter wraps next with a circuit breaker
func NewBreakerCompleter(next Completer, config resilience.CircuitBreakerConfig, log *logger.Logger) *BreakerCompleter {
	return &BreakerCompleter{
		next:    next,
		breaker: resilience.NewCircuitBreaker(config, log),
	}
}

// Complete implements Completer. Errors caused by the caller cancelling ctx
// are neither provider failures nor successes.
func (b *BreakerCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	var text string
	err := b.breaker.ExecuteIgnoring(func() error {
		var err error
		text, err = b.next.Complete(ctx, req)
		return err
	}, func(error) bool {
		return ctx.Err() != nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// State reports the breaker state, used by health checks
func (b *BreakerCompleter) State() resilience.CircuitBreakerState {
	return b.breaker.GetState()
}

// Metrics returns the breaker counters
func (b *BreakerCompleter) Metrics() map[string]interface{} {
	return b.breaker.GetMetrics()
}
