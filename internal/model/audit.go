package model

import (
	"time"
)

const (
	// Audit actions
	AuditActionDeadLettered = "dead_lettered"
	AuditActionDelivered    = "delivered"
	AuditActionReplayed     = "replayed"
)

// AuditEvent is emitted for delivery outcomes that must stay traceable
// after the fact, most importantly dead-lettered records.
type AuditEvent struct {
	Action         string            `json:"action"`
	NotificationID string            `json:"notification_id"`
	Channel        Channel           `json:"channel"`
	UserID         string            `json:"user_id"`
	Attempts       int               `json:"attempts"`
	ErrorType      string            `json:"error_type,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func NewAuditEvent(action string, rec *DeliveryRecord, now time.Time) *AuditEvent {
	return &AuditEvent{
		Action:         action,
		NotificationID: rec.NotificationID,
		Channel:        rec.Channel,
		UserID:         rec.UserID,
		Attempts:       rec.Attempts,
		ErrorType:      rec.ErrorType,
		LastError:      rec.LastError,
		Metadata:       rec.DeliveryMetadata,
		CreatedAt:      now.UTC(),
	}
}
