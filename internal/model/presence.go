package model

import "time"

type ConnectionState int

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionOpen
	ConnectionClosing
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "CONNECTING"
	case ConnectionOpen:
		return "OPEN"
	case ConnectionClosing:
		return "CLOSING"
	case ConnectionClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// QueuedMessage holds a real-time payload for an offline user. It shadows
// exactly one SOCKET delivery record and is removed when replayed.
type QueuedMessage struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notificationId"`
	UserID         string    `json:"userId"`
	Payload        []byte    `json:"payload"`
	QueuedAt       time.Time `json:"queuedAt"`
}

// Key of the delivery record this message shadows.
func (m *QueuedMessage) Key() RecordKey {
	return RecordKey{NotificationID: m.NotificationID, Channel: ChannelSocket}
}
