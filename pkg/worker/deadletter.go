package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
	"github.com/jwalitptl/notify-engine/internal/service/audit"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/messaging"
	"github.com/jwalitptl/notify-engine/pkg/messaging/rabbitmq"
	"github.com/jwalitptl/notify-engine/pkg/metrics"
)

const MetaDeadLetterReason = "dead_letter_reason"

// DeadLetterConsumer makes records of dead-lettered messages terminal. The
// records are kept for inspection; only the message is consumed.
type DeadLetterConsumer struct {
	consumer   messaging.Consumer
	queue      string
	deliveries repository.DeliveryRepository
	sink       audit.Sink
	metrics    *metrics.Metrics
	logger     *logger.Logger
	now        func() time.Time
}

func NewDeadLetterConsumer(consumer messaging.Consumer, queue string, deliveries repository.DeliveryRepository, sink audit.Sink, m *metrics.Metrics, log *logger.Logger) *DeadLetterConsumer {
	if queue == "" {
		queue = rabbitmq.DefaultDeadLetterQueue
	}
	return &DeadLetterConsumer{
		consumer:   consumer,
		queue:      queue,
		deliveries: deliveries,
		sink:       sink,
		metrics:    m,
		logger:     log,
		now:        time.Now,
	}
}

func (c *DeadLetterConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting dead-letter consumer", "queue", c.queue)
	return c.consumer.Consume(ctx, c.queue, 10, c.Handle)
}

func (c *DeadLetterConsumer) Handle(ctx context.Context, d messaging.Delivery) {
	outcome := c.handle(ctx, d)
	c.metrics.QueueConsumed.WithLabelValues(c.queue, outcome).Inc()
}

func (c *DeadLetterConsumer) handle(ctx context.Context, d messaging.Delivery) string {
	death, _ := rabbitmq.LastDeath(d.Headers)

	var env model.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil || env.NotificationID == "" {
		c.logger.Warn("Dropping undecodable dead letter", "message_id", d.MessageID, "reason", death.Reason, "source_queue", death.Queue)
		c.settle(d.Ack())
		return outcomeSkipped
	}

	key := model.RecordKey{NotificationID: env.NotificationID, Channel: env.Channel}
	rec, err := c.claim(ctx, key, env.ClaimToken)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.logger.Warn("Dead letter without delivery record", "notification_id", key.NotificationID, "channel", key.Channel.Key(), "reason", death.Reason)
		c.settle(d.Ack())
		return outcomeSkipped
	case errors.Is(err, repository.ErrNotClaimable):
		// Already terminal, or a newer attempt owns the record.
		c.settle(d.Ack())
		return outcomeSkipped
	case err != nil:
		c.logger.Error(err, "Failed to load dead-lettered record", "notification_id", key.NotificationID)
		c.settle(d.Reject(true))
		return outcomeRequeued
	}

	rec.Status = model.DeliveryDeadLettered
	rec.NextRetryAt = nil
	if rec.ErrorType == "" && death.Reason != "" {
		rec.ErrorType = death.Reason
		rec.LastError = "message " + death.Reason + " in " + death.Queue
	}
	if death.Reason != "" {
		rec.SetMeta(MetaDeadLetterReason, death.Reason)
	}
	rec.UpdatedAt = c.now()
	if err := c.deliveries.UpdateClaimed(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			c.settle(d.Ack())
			return outcomeSkipped
		}
		c.logger.Error(err, "Failed to dead-letter record", "notification_id", key.NotificationID)
		c.settle(d.Reject(true))
		return outcomeRequeued
	}

	c.metrics.DeliveryFailures.WithLabelValues(rec.Channel.Key(), errorLabel(rec.ErrorType)).Inc()
	c.metrics.ObserveStatus(string(rec.NotificationType), string(model.DeliveryDeadLettered))
	c.logger.Warn("Delivery dead-lettered",
		"notification_id", rec.NotificationID,
		"channel", rec.Channel.Key(),
		"attempt", rec.Attempts,
		"error_type", rec.ErrorType,
		"reason", death.Reason)
	if c.sink != nil {
		c.sink.Emit(ctx, model.NewAuditEvent(model.AuditActionDeadLettered, rec, rec.UpdatedAt))
	}

	c.settle(d.Ack())
	return outcomeDeadLettered
}

// claim resumes the claim the message was published under, so a dead
// letter from a superseded attempt cannot end a newer one.
func (c *DeadLetterConsumer) claim(ctx context.Context, key model.RecordKey, token string) (*model.DeliveryRecord, error) {
	if token == "" {
		return c.deliveries.MarkInFlight(ctx, key, c.now())
	}
	return c.deliveries.ClaimHandoff(ctx, key, token, c.now(), time.Time{})
}

func (c *DeadLetterConsumer) settle(err error) {
	if err != nil {
		c.logger.Error(err, "Failed to settle dead letter", "queue", c.queue)
	}
}

func errorLabel(t string) string {
	if t == "" {
		return "unknown"
	}
	return t
}
