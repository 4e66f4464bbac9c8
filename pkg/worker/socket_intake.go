package worker

import (
	"context"
	"encoding/json"

	"github.com/jwalitptl/notify-engine/internal/model"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/messaging"
	"github.com/jwalitptl/notify-engine/pkg/messaging/rabbitmq"
	"github.com/jwalitptl/notify-engine/pkg/metrics"
)

// Intake accepts a notification for delivery.
type Intake interface {
	CreateNotification(ctx context.Context, n *model.Notification, channels []model.Channel) (*model.DeliveryResult, error)
}

// SocketIntakeConsumer feeds real-time notifications published by other
// services into the orchestrator. Messages left unconsumed past the queue
// TTL are dead-lettered by the broker.
type SocketIntakeConsumer struct {
	consumer messaging.Consumer
	queue    string
	prefetch int
	intake   Intake
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

func NewSocketIntakeConsumer(consumer messaging.Consumer, prefetch int, intake Intake, m *metrics.Metrics, log *logger.Logger) *SocketIntakeConsumer {
	if prefetch <= 0 {
		prefetch = 50
	}
	return &SocketIntakeConsumer{
		consumer: consumer,
		queue:    rabbitmq.QueueName(model.ChannelSocket.Key()),
		prefetch: prefetch,
		intake:   intake,
		metrics:  m,
		logger:   log,
	}
}

func (c *SocketIntakeConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting socket intake consumer", "queue", c.queue)
	return c.consumer.Consume(ctx, c.queue, c.prefetch, c.Handle)
}

func (c *SocketIntakeConsumer) Handle(ctx context.Context, d messaging.Delivery) {
	outcome := c.handle(ctx, d)
	c.metrics.QueueConsumed.WithLabelValues(c.queue, outcome).Inc()
}

func (c *SocketIntakeConsumer) handle(ctx context.Context, d messaging.Delivery) string {
	var env model.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil || env.Notification == nil {
		c.logger.Warn("Rejecting undecodable message", "queue", c.queue, "message_id", d.MessageID)
		c.settle(d.Reject(false))
		return outcomeRejected
	}

	_, err := c.intake.CreateNotification(ctx, env.Notification, []model.Channel{model.ChannelSocket})
	switch {
	case err == nil:
		c.settle(d.Ack())
		return outcomeDelivered
	case apperrors.IsPermanent(err):
		c.logger.Warn("Rejecting invalid notification", "notification_id", env.NotificationID, "error", err.Error())
		c.settle(d.Reject(false))
		return outcomeRejected
	case d.Redelivered:
		c.logger.Error(err, "Intake failed twice, dead-lettering", "notification_id", env.NotificationID)
		c.settle(d.Reject(false))
		return outcomeRejected
	default:
		c.logger.Error(err, "Intake failed, requeueing", "notification_id", env.NotificationID)
		c.settle(d.Reject(true))
		return outcomeRequeued
	}
}

func (c *SocketIntakeConsumer) settle(err error) {
	if err != nil {
		c.logger.Error(err, "Failed to settle delivery", "queue", c.queue)
	}
}
