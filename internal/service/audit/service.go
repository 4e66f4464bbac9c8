package audit

import (
	"context"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/messaging"
)

// DefaultTopic is the pub/sub channel audit events are published on.
const DefaultTopic = "notifications.audit"

// Sink receives delivery audit events. Emit must not block delivery for
// long; failures are logged, never returned to the delivery path.
type Sink interface {
	Emit(ctx context.Context, event *model.AuditEvent)
}

// Service publishes audit events to a broker and always logs them.
type Service struct {
	broker messaging.Broker
	topic  string
	log    *logger.Logger
}

var _ Sink = (*Service)(nil)

// NewService returns a sink. A nil broker makes it log-only.
func NewService(broker messaging.Broker, topic string, log *logger.Logger) *Service {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Service{broker: broker, topic: topic, log: log}
}

func (s *Service) Emit(ctx context.Context, event *model.AuditEvent) {
	s.log.Info("delivery audit",
		"action", event.Action,
		"notification_id", event.NotificationID,
		"channel", event.Channel.Key(),
		"user_id", event.UserID,
		"attempts", event.Attempts,
		"error_type", event.ErrorType,
	)

	if s.broker == nil {
		return
	}
	if err := s.broker.Publish(ctx, s.topic, event); err != nil {
		s.log.Error(err, "Failed to publish audit event",
			"notification_id", event.NotificationID,
			"channel", event.Channel.Key(),
		)
	}
}

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	events chan *model.AuditEvent
}

func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan *model.AuditEvent, size)}
}

func (r *Recorder) Emit(_ context.Context, event *model.AuditEvent) {
	select {
	case r.events <- event:
	default:
	}
}

func (r *Recorder) Events() <-chan *model.AuditEvent {
	return r.events
}
