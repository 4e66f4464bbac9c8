package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/notify-engine/internal/channel"
	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
	"github.com/jwalitptl/notify-engine/internal/service/audit"
	"github.com/jwalitptl/notify-engine/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/messaging"
	"github.com/jwalitptl/notify-engine/pkg/messaging/rabbitmq"
	"github.com/jwalitptl/notify-engine/pkg/metrics"
	"github.com/jwalitptl/notify-engine/pkg/retry"
)

// Consume outcomes, used as the outcome metric label.
const (
	outcomeDelivered = "delivered"
	outcomeRetried   = "retried"
	outcomeRejected  = "rejected"
	outcomeSkipped   = "skipped"
	outcomeRequeued  = "requeued"

	outcomeDeadLettered = "dead_lettered"
)

// Transport performs the downstream call for one envelope.
type Transport func(ctx context.Context, env *model.Envelope, prefs *model.Preferences) error

type ChannelConsumerConfig struct {
	Channel       model.Channel
	Queue         string
	Prefetch      int
	RatePerSecond float64
	Burst         int
	// ClaimLease is how long an attempt may stay IN_FLIGHT before a
	// redelivered message may take the record over.
	ClaimLease time.Duration
}

type ChannelConsumerDeps struct {
	Consumer    messaging.Consumer
	Publisher   messaging.Publisher
	Deliveries  repository.DeliveryRepository
	Preferences repository.PreferenceRepository
	Breaker     *circuitbreaker.CircuitBreaker
	Transport   Transport
	Policy      retry.Policy
	Audit       audit.Sink
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
}

// ChannelConsumer drains one queue-backed channel. Redelivery after a
// transient failure goes through the channel's retry queue, whose
// per-message TTL carries the backoff delay.
type ChannelConsumer struct {
	config      ChannelConsumerConfig
	consumer    messaging.Consumer
	publisher   messaging.Publisher
	deliveries  repository.DeliveryRepository
	preferences repository.PreferenceRepository
	breaker     *circuitbreaker.CircuitBreaker
	limiter     *rate.Limiter
	send        Transport
	policy      retry.Policy
	audit       audit.Sink
	metrics     *metrics.Metrics
	logger      *logger.Logger
	now         func() time.Time
}

func NewChannelConsumer(config ChannelConsumerConfig, deps ChannelConsumerDeps) *ChannelConsumer {
	if config.Queue == "" {
		config.Queue = rabbitmq.QueueName(config.Channel.Key())
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 10
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = 5 * time.Minute
	}

	return &ChannelConsumer{
		config:      config,
		consumer:    deps.Consumer,
		publisher:   deps.Publisher,
		deliveries:  deps.Deliveries,
		preferences: deps.Preferences,
		breaker:     deps.Breaker,
		limiter:     rate.NewLimiter(limit, config.Burst),
		send:        deps.Transport,
		policy:      deps.Policy,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         time.Now,
	}
}

// Start consumes until ctx is done.
func (c *ChannelConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting channel consumer", "channel", c.config.Channel.Key(), "queue", c.config.Queue)
	return c.consumer.Consume(ctx, c.config.Queue, c.config.Prefetch, c.Handle)
}

// Handle settles exactly one delivery.
func (c *ChannelConsumer) Handle(ctx context.Context, d messaging.Delivery) {
	outcome := c.handle(ctx, d)
	c.metrics.QueueConsumed.WithLabelValues(c.config.Queue, outcome).Inc()
}

func (c *ChannelConsumer) handle(ctx context.Context, d messaging.Delivery) string {
	var env model.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil || env.Notification == nil {
		c.logger.Warn("Rejecting undecodable message", "queue", c.config.Queue, "message_id", d.MessageID)
		c.settle(d.Reject(false))
		return outcomeRejected
	}
	key := model.RecordKey{NotificationID: env.NotificationID, Channel: c.config.Channel}

	rec, err := c.claim(ctx, key, env.ClaimToken)
	switch {
	case errors.Is(err, repository.ErrNotClaimable):
		// Terminal, superseded or being worked on: a duplicate delivery.
		c.settle(d.Ack())
		return outcomeSkipped
	case errors.Is(err, repository.ErrNotFound):
		c.logger.Warn("No delivery record for message", "notification_id", key.NotificationID, "channel", key.Channel.Key())
		c.settle(d.Reject(false))
		return outcomeRejected
	case err != nil:
		c.logger.Error(err, "Failed to claim delivery record", "notification_id", key.NotificationID)
		c.settle(d.Reject(true))
		return outcomeRequeued
	}

	if env.Notification.Expired(c.now()) {
		cause := apperrors.Validation("expiresAt", "notification expired before delivery")
		c.metrics.ObserveFailure(c.config.Channel.Key(), cause)
		return c.retryOrReject(ctx, d, &env, rec, cause)
	}

	prefs, err := c.preferences.GetPreferences(ctx, env.UserID)
	if err != nil {
		c.logger.Error(err, "Failed to get preferences", "user_id", env.UserID)
		cause := apperrors.Transient(c.config.Channel.Key(), err)
		c.metrics.ObserveFailure(c.config.Channel.Key(), cause)
		return c.retryOrReject(ctx, d, &env, rec, cause)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.settle(d.Reject(true))
		return outcomeRequeued
	}

	err = c.metrics.Instrument(c.config.Channel.Key(), func() error {
		return c.breaker.Execute(func() error {
			return c.send(ctx, &env, prefs)
		})
	})
	if err != nil {
		return c.retryOrReject(ctx, d, &env, rec, err)
	}

	now := c.now()
	rec.Status = model.DeliveryDelivered
	rec.AcknowledgedAt = &now
	rec.NextRetryAt = nil
	rec.UpdatedAt = now
	switch err := c.deliveries.UpdateClaimed(ctx, rec); {
	case errors.Is(err, repository.ErrClaimLost):
		c.logger.Warn("Delivery record was taken over during the attempt", "notification_id", rec.NotificationID, "channel", rec.Channel.Key())
	case err != nil:
		c.logger.Error(err, "Failed to mark delivered", "notification_id", rec.NotificationID)
	default:
		c.metrics.ObserveStatus(string(rec.NotificationType), string(model.DeliveryDelivered))
	}
	c.settle(d.Ack())
	return outcomeDelivered
}

// claim takes ownership of the record. A message carrying the publisher's
// claim token resumes that claim; exactly one of several copies wins
// because every successful claim rotates the token. Messages without a
// token can only claim PENDING or FAILED records.
func (c *ChannelConsumer) claim(ctx context.Context, key model.RecordKey, token string) (*model.DeliveryRecord, error) {
	now := c.now()
	if token == "" {
		return c.deliveries.MarkInFlight(ctx, key, now)
	}
	return c.deliveries.ClaimHandoff(ctx, key, token, now, now.Add(-c.config.ClaimLease))
}

func (c *ChannelConsumer) retryOrReject(ctx context.Context, d messaging.Delivery, env *model.Envelope, rec *model.DeliveryRecord, cause error) string {
	delay, retryable, err := c.fail(ctx, rec, cause)
	if errors.Is(err, repository.ErrClaimLost) {
		c.settle(d.Ack())
		return outcomeSkipped
	}
	if !retryable {
		c.settle(d.Reject(false))
		return outcomeRejected
	}

	// The retry copy carries the claim the FAILED record was left under.
	env.Attempt = rec.Attempts
	env.ClaimToken = rec.ClaimToken
	body, err := json.Marshal(env)
	if err != nil {
		c.logger.Error(err, "Failed to encode retry message", "notification_id", rec.NotificationID)
		c.settle(d.Reject(true))
		return outcomeRequeued
	}

	msg := d.Message
	msg.Body = body
	msg.RoutingKey = rabbitmq.RetryQueueName(c.config.Channel.Key())
	msg.Expiration = delay
	msg.Headers = copyHeaders(d.Headers)
	msg.Headers[channel.HeaderAttempt] = int32(rec.Attempts)
	delete(msg.Headers, "x-death")

	if err := c.publisher.Publish(ctx, "", msg); err != nil {
		c.logger.Error(err, "Failed to publish to retry queue", "notification_id", rec.NotificationID)
		c.settle(d.Reject(true))
		return outcomeRequeued
	}
	c.settle(d.Ack())
	return outcomeRetried
}

// fail records the failed attempt and reports whether the message should be
// retried, and after how long. Records that cannot be retried are
// dead-lettered here; the rejected message then only lands in the
// dead-letter queue for inspection.
func (c *ChannelConsumer) fail(ctx context.Context, rec *model.DeliveryRecord, cause error) (time.Duration, bool, error) {
	now := c.now()
	rec.LastError = cause.Error()
	rec.ErrorType = apperrors.Type(cause)
	rec.UpdatedAt = now

	retryable := !apperrors.IsPermanent(cause)
	if retryable {
		rec.Attempts++
		retryable = !c.policy.Exhausted(rec.Attempts)
	}

	var delay time.Duration
	if retryable {
		delay = c.policy.Backoff(rec.Attempts)
		next := now.Add(delay)
		rec.Status = model.DeliveryFailed
		rec.NextRetryAt = &next
	} else {
		rec.Status = model.DeliveryDeadLettered
		rec.NextRetryAt = nil
	}

	if err := c.deliveries.UpdateClaimed(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			c.logger.Debug("Delivery record was taken over, dropping failure", "notification_id", rec.NotificationID, "channel", rec.Channel.Key())
			return 0, false, err
		}
		c.logger.Error(err, "Failed to record delivery failure", "notification_id", rec.NotificationID)
	}

	if retryable {
		c.metrics.DeliveryRetries.WithLabelValues(c.config.Channel.Key()).Inc()
	} else {
		c.metrics.ObserveStatus(string(rec.NotificationType), string(model.DeliveryDeadLettered))
		if c.audit != nil {
			c.audit.Emit(ctx, model.NewAuditEvent(model.AuditActionDeadLettered, rec, now))
		}
	}
	c.logger.Warn("Delivery attempt failed",
		"notification_id", rec.NotificationID,
		"channel", c.config.Channel.Key(),
		"attempt", rec.Attempts,
		"error_type", rec.ErrorType,
		"retry", retryable,
		"retry_in", delay.String())
	return delay, retryable, nil
}

func (c *ChannelConsumer) settle(err error) {
	if err != nil {
		c.logger.Error(fmt.Errorf("settle delivery: %w", err), "Failed to settle delivery", "queue", c.config.Queue)
	}
}

func copyHeaders(h map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}
