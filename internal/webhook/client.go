package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jwalitptl/notify-engine/internal/model"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

const (
	HeaderSignature      = "X-Webhook-Signature"
	HeaderNotificationID = "X-Notification-ID"
	HeaderEvent          = "X-Webhook-Event"
)

type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send POSTs payload to url. Network errors and non-2xx responses are
// transient; the caller decides whether attempts remain.
func (c *Client) Send(ctx context.Context, url, secret string, payload model.WirePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Validation("payload", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Validation("webhookUrl", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(secret, body))
	req.Header.Set(HeaderNotificationID, payload.NotificationID)
	req.Header.Set(HeaderEvent, string(payload.Event))

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Transient(model.ChannelWebhook.Key(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.TransientStatus(model.ChannelWebhook.Key(), resp.StatusCode,
			fmt.Errorf("endpoint responded %s", resp.Status))
	}
	return nil
}
