package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/notify-engine/internal/email"
	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/webhook"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

// EmailTransport renders the notification and sends it over SMTP.
func EmailTransport(svc email.Service) Transport {
	return func(ctx context.Context, env *model.Envelope, prefs *model.Preferences) error {
		if prefs == nil || prefs.Email == "" {
			return apperrors.Validation("email", "missing recipient address")
		}
		subject, body, err := email.Render(env.Notification)
		if err != nil {
			return err
		}
		return svc.SendCustom(ctx, prefs.Email, subject, body)
	}
}

// WebhookTransport posts the wire payload to the user's endpoint.
func WebhookTransport(client *webhook.Client) Transport {
	return func(ctx context.Context, env *model.Envelope, prefs *model.Preferences) error {
		if prefs == nil || prefs.WebhookURL == "" || prefs.WebhookSecret == "" {
			return apperrors.Validation("webhookSecret", "webhook url and secret are required")
		}
		return client.Send(ctx, prefs.WebhookURL, prefs.WebhookSecret, model.NewWirePayload(env.Notification, time.Now()))
	}
}
