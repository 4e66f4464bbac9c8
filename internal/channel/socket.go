package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

// Presence is the part of the presence registry the socket adapter needs.
type Presence interface {
	SendIfOnline(ctx context.Context, userID string, payload []byte) (bool, error)
	IsOnline(userID string) bool
}

type SocketAdapter struct {
	presence Presence
	breaker  *circuitbreaker.CircuitBreaker
	now      func() time.Time
}

var _ Adapter = (*SocketAdapter)(nil)

func NewSocketAdapter(presence Presence, breaker *circuitbreaker.CircuitBreaker) *SocketAdapter {
	return &SocketAdapter{
		presence: presence,
		breaker:  breaker,
		now:      time.Now,
	}
}

func (a *SocketAdapter) Channel() model.Channel {
	return model.ChannelSocket
}

func (a *SocketAdapter) Breaker() *circuitbreaker.CircuitBreaker {
	return a.breaker
}

func (a *SocketAdapter) Validate(n *model.Notification, _ *model.Preferences) error {
	if n.UserID == "" {
		return apperrors.Validation("userId", "required for real-time delivery")
	}
	return nil
}

// Encode renders the wire payload pushed to clients.
func (a *SocketAdapter) Encode(n *model.Notification) ([]byte, error) {
	payload, err := json.Marshal(model.NewWirePayload(n, a.now()))
	if err != nil {
		return nil, apperrors.Validation("payload", fmt.Sprintf("cannot encode: %v", err))
	}
	return payload, nil
}

func (a *SocketAdapter) Deliver(ctx context.Context, _ *model.DeliveryRecord, n *model.Notification, _ *model.Preferences) (Outcome, error) {
	payload, err := a.Encode(n)
	if err != nil {
		return 0, err
	}

	sent, err := a.Push(ctx, n.UserID, payload)
	if err != nil {
		return 0, err
	}
	if !sent {
		return OutcomeQueued, nil
	}
	return OutcomeDelivered, nil
}

// Push sends an encoded payload through the breaker. Offline users are not
// failures and do not count against the breaker.
func (a *SocketAdapter) Push(ctx context.Context, userID string, payload []byte) (bool, error) {
	var sent bool
	err := a.breaker.Execute(func() error {
		var err error
		sent, err = a.presence.SendIfOnline(ctx, userID, payload)
		return err
	})
	if err != nil {
		if apperrors.IsCircuitOpen(err) {
			return false, err
		}
		return false, apperrors.Transient(model.ChannelSocket.Key(), err)
	}
	return sent, nil
}

// IsOnline reports whether the user currently has an open connection.
func (a *SocketAdapter) IsOnline(userID string) bool {
	return a.presence.IsOnline(userID)
}
