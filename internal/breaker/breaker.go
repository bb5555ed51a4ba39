// Package breaker wraps calls to fallible external collaborators with a
// named circuit breaker so repeated failures do not cascade.
package breaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/marketmind/marketmind/internal/metrics"
	"github.com/marketmind/marketmind/internal/trade"
)

// ErrBreakerOpen is returned when the breaker rejects a call without
// invoking the collaborator.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Settings tunes one breaker instance.
type Settings struct {
	Name             string
	FailureThreshold uint32        // consecutive transient failures before opening
	RecoveryTimeout  time.Duration // how long the breaker stays open

	// OnStateChange, when set, observes every transition. Labels are
	// "closed", "open" and "half_open".
	OnStateChange func(name, from, to string)
}

// DefaultSettings returns the standard platform breaker configuration.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker protects a single collaborator. Closed passes calls through;
// Open rejects immediately; HalfOpen admits a single probe call.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New creates a named breaker. Only transient failures count toward the
// threshold; permanent errors (auth, bad request) pass through unchanged
// without tripping the breaker.
func New(s Settings) *Breaker {
	b := &Breaker{name: s.Name}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1, // single probe in half-open
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Permanent errors are the caller's problem, not the collaborator's health.
			return trade.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(name, stateLabel(from), stateLabel(to)).Inc()
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			log.Info().
				Str("breaker", name).
				Str("from", stateLabel(from)).
				Str("to", stateLabel(to)).
				Msg("Circuit breaker state change")
			if s.OnStateChange != nil {
				s.OnStateChange(name, stateLabel(from), stateLabel(to))
			}
		},
	})

	metrics.BreakerState.WithLabelValues(s.Name).Set(stateValue(b.cb.State()))
	return b
}

// Execute runs fn through the breaker. When open it returns
// ErrBreakerOpen without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return b.record(err)
}

// ExecuteValue runs fn through the breaker, passing its result through.
func ExecuteValue[T any](b *Breaker, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	err = b.record(err)
	if v == nil {
		var zero T
		return zero, err
	}
	return v.(T), err
}

func (b *Breaker) record(err error) error {
	switch {
	case err == nil:
		metrics.BreakerCalls.WithLabelValues(b.name, "success").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.BreakerCalls.WithLabelValues(b.name, "rejected_open").Inc()
		return ErrBreakerOpen
	default:
		metrics.BreakerCalls.WithLabelValues(b.name, "failure").Inc()
		return err
	}
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return stateLabel(b.cb.State())
}

// Name returns the breaker's label.
func (b *Breaker) Name() string {
	return b.name
}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return -1
	}
}
