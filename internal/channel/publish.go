package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
	"github.com/jwalitptl/notify-engine/pkg/messaging"
	"github.com/jwalitptl/notify-engine/pkg/messaging/rabbitmq"
)

// Broker message headers.
const (
	HeaderAttempt        = "x-attempt"
	HeaderNotificationID = "x-notification-id"
	HeaderChannel        = "x-channel"
)

// PublishAdapter hands email and webhook deliveries to their durable queue.
// The transport call happens later in a queue consumer.
type PublishAdapter struct {
	channel   model.Channel
	publisher messaging.Publisher
	exchange  string
	breaker   *circuitbreaker.CircuitBreaker
	validate  func(n *model.Notification, prefs *model.Preferences) error
}

var _ Adapter = (*PublishAdapter)(nil)

func NewEmailAdapter(publisher messaging.Publisher, exchange string, breaker *circuitbreaker.CircuitBreaker) *PublishAdapter {
	return &PublishAdapter{
		channel:   model.ChannelEmail,
		publisher: publisher,
		exchange:  exchange,
		breaker:   breaker,
		validate:  validateEmail,
	}
}

func NewWebhookAdapter(publisher messaging.Publisher, exchange string, breaker *circuitbreaker.CircuitBreaker) *PublishAdapter {
	return &PublishAdapter{
		channel:   model.ChannelWebhook,
		publisher: publisher,
		exchange:  exchange,
		breaker:   breaker,
		validate:  validateWebhook,
	}
}

func (a *PublishAdapter) Channel() model.Channel {
	return a.channel
}

func (a *PublishAdapter) Breaker() *circuitbreaker.CircuitBreaker {
	return a.breaker
}

func (a *PublishAdapter) Validate(n *model.Notification, prefs *model.Preferences) error {
	if prefs == nil {
		return apperrors.Validation("preferences", "missing")
	}
	return a.validate(n, prefs)
}

func (a *PublishAdapter) Deliver(ctx context.Context, rec *model.DeliveryRecord, n *model.Notification, _ *model.Preferences) (Outcome, error) {
	msg, err := EnvelopeMessage(a.channel, rec, n)
	if err != nil {
		return 0, err
	}

	err = a.breaker.Execute(func() error {
		return a.publisher.Publish(ctx, a.exchange, msg)
	})
	if err != nil {
		return 0, err
	}
	return OutcomeHandedOff, nil
}

// EnvelopeMessage builds the broker message for a queue-backed delivery.
// Preferences are not embedded; consumers look them up at send time.
func EnvelopeMessage(ch model.Channel, rec *model.DeliveryRecord, n *model.Notification) (messaging.Message, error) {
	env := model.Envelope{
		NotificationID: n.ID,
		Channel:        ch,
		UserID:         n.UserID,
		Attempt:        rec.Attempts,
		ClaimToken:     rec.ClaimToken,
		Notification:   n,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return messaging.Message{}, apperrors.Validation("payload", fmt.Sprintf("cannot encode: %v", err))
	}

	return messaging.Message{
		RoutingKey: rabbitmq.RoutingKey(ch.Key(), string(n.Type)),
		MessageID:  rec.Key().String(),
		Body:       body,
		Priority:   n.Priority.BrokerPriority(),
		Headers: map[string]interface{}{
			HeaderAttempt:        int32(rec.Attempts),
			HeaderNotificationID: n.ID,
			HeaderChannel:        ch.Key(),
		},
	}, nil
}

func validateEmail(_ *model.Notification, prefs *model.Preferences) error {
	if prefs.Email == "" {
		return apperrors.Validation("email", "missing recipient address")
	}
	return nil
}

func validateWebhook(_ *model.Notification, prefs *model.Preferences) error {
	if prefs.WebhookURL == "" {
		return apperrors.Validation("webhookUrl", "missing webhook url")
	}
	if prefs.WebhookSecret == "" {
		return apperrors.Validation("webhookSecret", "missing webhook secret")
	}
	u, err := url.Parse(prefs.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperrors.Validation("webhookUrl", "must be an absolute http(s) url")
	}
	return nil
}
