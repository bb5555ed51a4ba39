// Package execution funnels every platform call through the circuit
// breaker and a bounded retry policy. Trackers and the agent never talk
// to the platform directly.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/breaker"
	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/metrics"
	"github.com/marketmind/marketmind/internal/platform"
	"github.com/marketmind/marketmind/internal/trade"
)

// Sink owns the breaker protecting the platform adapter.
type Sink struct {
	platform   platform.Platform
	breaker    *breaker.Breaker
	maxRetries int
	baseDelay  time.Duration
	log        zerolog.Logger

	onOpen func()
}

// New creates a sink around p with a named breaker.
func New(p platform.Platform, cfg config.BreakerConfig, maxRetries int) *Sink {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Sink{
		platform:   p,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		log:        config.NewLogger("execution"),
	}
	s.breaker = breaker.New(breaker.Settings{
		Name:             "platform." + p.Name(),
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		OnStateChange: func(name, from, to string) {
			if to == "open" && s.onOpen != nil {
				s.onOpen()
			}
		},
	})
	return s
}

// OnBreakerOpen registers a callback fired when the breaker opens, so
// an operator can be alerted. Must be set before the sink is used.
func (s *Sink) OnBreakerOpen(fn func()) { s.onOpen = fn }

// BreakerState exposes the breaker state for the status endpoint.
func (s *Sink) BreakerState() string { return s.breaker.State() }

// Platform returns the wrapped adapter, for read-only queries that do
// not need breaker protection semantics.
func (s *Sink) Platform() platform.Platform { return s.platform }

// Execute places an order through the breaker. Transient failures are
// retried with exponential backoff; the platform's client-id
// idempotency makes the retries safe.
func (s *Sink) Execute(ctx context.Context, order trade.Order) (trade.Fill, error) {
	var fill trade.Fill
	err := s.withRetry(ctx, "execute", func() error {
		var err error
		fill, err = breaker.ExecuteValue(s.breaker, func() (trade.Fill, error) {
			return s.platform.Execute(ctx, order)
		})
		return err
	})
	if err != nil {
		return trade.Fill{}, err
	}
	metrics.TradesExecuted.Inc()
	return fill, nil
}

// Close closes a position through the breaker, with the same retry policy.
func (s *Sink) Close(ctx context.Context, positionID string) (platform.CloseResult, error) {
	var result platform.CloseResult
	err := s.withRetry(ctx, "close", func() error {
		var err error
		result, err = breaker.ExecuteValue(s.breaker, func() (platform.CloseResult, error) {
			return s.platform.Close(ctx, positionID)
		})
		return err
	})
	return result, err
}

// Balance queries platform balances through the breaker, no retries.
func (s *Sink) Balance(ctx context.Context) (map[string]float64, error) {
	return breaker.ExecuteValue(s.breaker, func() (map[string]float64, error) {
		return s.platform.Balance(ctx)
	})
}

// OpenPositions queries open positions through the breaker, no retries.
func (s *Sink) OpenPositions(ctx context.Context) ([]trade.Position, error) {
	return breaker.ExecuteValue(s.breaker, func() ([]trade.Position, error) {
		return s.platform.OpenPositions(ctx)
	})
}

// withRetry runs fn up to maxRetries+1 times. Permanent errors and an
// open breaker return immediately; retries back off exponentially.
func (s *Sink) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.baseDelay
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.log.Warn().
				Str("op", op).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(err).
				Msg("Retrying platform call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, breaker.ErrBreakerOpen) {
			return err
		}
		if trade.IsPermanent(err) || !trade.IsTransient(err) {
			return err
		}
	}
	return err
}
