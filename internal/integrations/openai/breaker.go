package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"restaurant-rag/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("openai: circuit open")

type completer interface {
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (domain.Completion, error)
}

// BreakerConfig configures the circuit breaker. Zero values use defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a single trial request is allowed.
	Timeout time.Duration
	// Interval clears failure counts while closed.
	Interval time.Duration
}

// Breaker fails completions fast after repeated upstream failures so a
// degraded provider does not hold every chat request for the full timeout.
type Breaker struct {
	inner   completer
	breaker *gobreaker.CircuitBreaker[domain.Completion]
}

// NewBreaker wraps inner with a circuit breaker.
func NewBreaker(inner completer, cfg BreakerConfig, logger *slog.Logger) (*Breaker, error) {
	if inner == nil {
		return nil, errors.New("openai: completer must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[domain.Completion](gobreaker.Settings{
		Name:        "openai:chat",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: isBreakerSuccess,
	})
	return &Breaker{inner: inner, breaker: cb}, nil
}

// isBreakerSuccess ignores caller cancellation and client errors other than
// 429; neither says anything about provider health.
func isBreakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 && statusErr.StatusCode != 429
	}
	return false
}

// Complete routes the call through the circuit breaker.
func (b *Breaker) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (domain.Completion, error) {
	out, err := b.breaker.Execute(func() (domain.Completion, error) {
		return b.inner.Complete(ctx, model, systemPrompt, userPrompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Completion{}, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return out, err
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}
