package model

import (
	"strings"
	"time"
)

type Channel string

const (
	ChannelSocket  Channel = "SOCKET"
	ChannelEmail   Channel = "EMAIL"
	ChannelWebhook Channel = "WEBHOOK"
)

// AllChannels in fan-out order.
var AllChannels = []Channel{ChannelSocket, ChannelEmail, ChannelWebhook}

func (c Channel) Valid() bool {
	switch c {
	case ChannelSocket, ChannelEmail, ChannelWebhook:
		return true
	}
	return false
}

// Key is the lower-case form used in routing keys, queue names and metric labels.
func (c Channel) Key() string {
	return strings.ToLower(string(c))
}

// QueueBacked reports whether the channel is delivered through the broker.
func (c Channel) QueueBacked() bool {
	return c == ChannelEmail || c == ChannelWebhook
}

func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToUpper(strings.TrimSpace(s)))
	return c, c.Valid()
}

type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "PENDING"
	DeliveryInFlight     DeliveryStatus = "IN_FLIGHT"
	DeliveryDelivered    DeliveryStatus = "DELIVERED"
	DeliveryFailed       DeliveryStatus = "FAILED"
	DeliveryDeadLettered DeliveryStatus = "DEAD_LETTERED"
)

// Terminal reports whether no further attempt will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryDeadLettered
}

// Claimable reports whether an attempt may start from this status.
func (s DeliveryStatus) Claimable() bool {
	return s == DeliveryPending || s == DeliveryFailed
}

// DeliveryRecord tracks one notification on one channel.
type DeliveryRecord struct {
	NotificationID   string            `json:"notificationId" db:"notification_id"`
	Channel          Channel           `json:"channel" db:"channel"`
	UserID           string            `json:"userId" db:"user_id"`
	NotificationType NotificationType  `json:"type" db:"notification_type"`
	Status           DeliveryStatus    `json:"status" db:"status"`
	Attempts         int               `json:"attempts" db:"attempts"`
	LastAttemptAt    *time.Time        `json:"lastAttemptAt,omitempty" db:"last_attempt_at"`
	NextRetryAt      *time.Time        `json:"nextRetryAt,omitempty" db:"next_retry_at"`
	LastError        string            `json:"lastError,omitempty" db:"last_error"`
	ErrorType        string            `json:"errorType,omitempty" db:"error_type"`
	AcknowledgedAt   *time.Time        `json:"acknowledgedAt,omitempty" db:"acknowledged_at"`
	DeliveryMetadata map[string]string `json:"deliveryMetadata,omitempty" db:"-"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
	// ClaimToken is rotated by every successful claim. Writes made on behalf
	// of an attempt must present it.
	ClaimToken string `json:"-" db:"claim_token"`
}

// RecordKey identifies a delivery record.
type RecordKey struct {
	NotificationID string
	Channel        Channel
}

func (r *DeliveryRecord) Key() RecordKey {
	return RecordKey{NotificationID: r.NotificationID, Channel: r.Channel}
}

func (k RecordKey) String() string {
	return k.NotificationID + "/" + k.Channel.Key()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *DeliveryRecord) Clone() *DeliveryRecord {
	c := *r
	c.LastAttemptAt = cloneTime(r.LastAttemptAt)
	c.NextRetryAt = cloneTime(r.NextRetryAt)
	c.AcknowledgedAt = cloneTime(r.AcknowledgedAt)
	if r.DeliveryMetadata != nil {
		c.DeliveryMetadata = make(map[string]string, len(r.DeliveryMetadata))
		for k, v := range r.DeliveryMetadata {
			c.DeliveryMetadata[k] = v
		}
	}
	return &c
}

func (r *DeliveryRecord) SetMeta(key, value string) {
	if r.DeliveryMetadata == nil {
		r.DeliveryMetadata = make(map[string]string)
	}
	r.DeliveryMetadata[key] = value
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// DeliveryResult is returned to the producer when a notification is accepted.
type DeliveryResult struct {
	Notification *Notification     `json:"notification"`
	Deliveries   []*DeliveryRecord `json:"deliveries"`
}

// Envelope is the broker message body for queue-backed channels.
type Envelope struct {
	NotificationID string        `json:"notificationId"`
	Channel        Channel       `json:"channel"`
	UserID         string        `json:"userId"`
	Attempt        int           `json:"attempt"`
	ClaimToken     string        `json:"claimToken,omitempty"`
	Notification   *Notification `json:"notification"`
}

// WirePayload is what real-time clients and webhook endpoints receive.
type WirePayload struct {
	Event          NotificationType `json:"event"`
	Room           string           `json:"room"`
	NotificationID string           `json:"notificationId"`
	UserID         string           `json:"userId"`
	Timestamp      time.Time        `json:"timestamp"`
	Payload        *Notification    `json:"payload"`
}

func UserRoom(userID string) string {
	return "user:" + userID
}

func NewWirePayload(n *Notification, now time.Time) WirePayload {
	return WirePayload{
		Event:          n.Type,
		Room:           UserRoom(n.UserID),
		NotificationID: n.ID,
		UserID:         n.UserID,
		Timestamp:      now.UTC(),
		Payload:        n,
	}
}
