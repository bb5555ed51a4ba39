// Package alerts delivers operator-facing notifications for the events
// that need a human: kill switch, breaker trips, pending approvals,
// emergency stops. Delivery failures are logged, never fatal.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketmind/marketmind/internal/config"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Known event names emitted by the loop and monitor.
const (
	EventKillSwitch        = "kill_switch"
	EventBreakerOpen       = "breaker_open"
	EventApprovalPending   = "approval_pending"
	EventEmergencyStop     = "emergency_stop"
	EventCloseFailure      = "close_failure"
	EventUnwatchedPosition = "unwatched_position"
)

// severityFor maps an event to how loudly it should be delivered.
func severityFor(event string) Severity {
	switch event {
	case EventKillSwitch, EventEmergencyStop, EventCloseFailure, EventUnwatchedPosition:
		return SeverityCritical
	case EventBreakerOpen:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Alert is one notification.
type Alert struct {
	Event     string    `json:"event"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerter is a single delivery channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans one alert out to every configured channel. It satisfies
// the agent's Notifier interface.
type Manager struct {
	alerters []Alerter
	log      zerolog.Logger
	now      func() time.Time
}

// NewManager creates a manager over the given channels. With no
// channels every alert still lands in the log.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
		log:      config.NewLogger("alerts"),
		now:      time.Now,
	}
}

// Notify builds an alert from an event name and fans it out.
func (m *Manager) Notify(ctx context.Context, event, message string) {
	alert := Alert{
		Event:     event,
		Message:   message,
		Severity:  severityFor(event),
		Timestamp: m.now().UTC(),
	}

	evt := m.log.Info()
	switch alert.Severity {
	case SeverityCritical:
		evt = m.log.Error()
	case SeverityWarning:
		evt = m.log.Warn()
	}
	evt.Str("event", event).Str("severity", string(alert.Severity)).Msg(message)

	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.log.Error().Err(err).Str("event", event).Msg("Alert delivery failed")
		}
	}
}
