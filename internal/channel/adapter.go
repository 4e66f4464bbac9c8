package channel

import (
	"context"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/pkg/circuitbreaker"
	"github.com/jwalitptl/notify-engine/pkg/metrics"
)

// Outcome of a successful Deliver call.
type Outcome int

const (
	// OutcomeDelivered means the recipient received the notification.
	OutcomeDelivered Outcome = iota + 1
	// OutcomeQueued means the user was offline; the caller must queue it.
	OutcomeQueued
	// OutcomeHandedOff means the message is on a durable queue and a
	// consumer owns the rest of its lifecycle.
	OutcomeHandedOff
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeQueued:
		return "queued"
	case OutcomeHandedOff:
		return "handed_off"
	default:
		return "unknown"
	}
}

// Adapter wraps one downstream transport behind its own circuit breaker.
type Adapter interface {
	Channel() model.Channel
	// Validate returns a PermanentValidationError when the notification can
	// never be delivered on this channel for these preferences.
	Validate(n *model.Notification, prefs *model.Preferences) error
	Deliver(ctx context.Context, rec *model.DeliveryRecord, n *model.Notification, prefs *model.Preferences) (Outcome, error)
}

// NewBreaker builds a breaker whose state is exported as a gauge.
func NewBreaker(name string, settings circuitbreaker.Settings, m *metrics.Metrics) *circuitbreaker.CircuitBreaker {
	settings.Name = name
	prev := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
		if m != nil {
			m.BreakerState.WithLabelValues(name).Set(float64(to))
		}
		if prev != nil {
			prev(name, from, to)
		}
	}
	if m != nil {
		m.BreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	}
	return circuitbreaker.NewCircuitBreaker(settings)
}
