package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationType enumerates the domain events that produce notifications.
type NotificationType string

const (
	TypeTaskAssigned       NotificationType = "TASK_ASSIGNED"
	TypeTaskUpdated        NotificationType = "TASK_UPDATED"
	TypeTaskCompleted      NotificationType = "TASK_COMPLETED"
	TypeTaskCommented      NotificationType = "TASK_COMMENTED"
	TypeTaskDueSoon        NotificationType = "TASK_DUE_SOON"
	TypeProjectInvitation  NotificationType = "PROJECT_INVITATION"
	TypeProjectUpdated     NotificationType = "PROJECT_UPDATED"
	TypeMention            NotificationType = "MENTION"
	TypeSystemAnnouncement NotificationType = "SYSTEM_ANNOUNCEMENT"
)

func (t NotificationType) Valid() bool {
	switch t {
	case TypeTaskAssigned, TypeTaskUpdated, TypeTaskCompleted, TypeTaskCommented, TypeTaskDueSoon,
		TypeProjectInvitation, TypeProjectUpdated, TypeMention, TypeSystemAnnouncement:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// BrokerPriority maps to the AMQP 0-9 message priority range.
func (p Priority) BrokerPriority() uint8 {
	switch p {
	case PriorityHigh:
		return 9
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// Notification is produced upstream and is read-only to the engine.
type Notification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	UserID     string           `json:"userId"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	Priority   Priority         `json:"priority"`
	Payload    Payload          `json:"-"`
	TemplateID string           `json:"template,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	ExpiresAt  *time.Time       `json:"expiresAt,omitempty"`
}

// Expired reports whether the notification should no longer be delivered.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.IsZero() && now.After(*n.ExpiresAt)
}

type notificationJSON struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	UserID     string           `json:"userId"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	Priority   Priority         `json:"priority"`
	Metadata   json.RawMessage  `json:"metadata,omitempty"`
	TemplateID string           `json:"template,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	ExpiresAt  *time.Time       `json:"expiresAt,omitempty"`
}

func (n Notification) MarshalJSON() ([]byte, error) {
	out := notificationJSON{
		ID:         n.ID,
		Type:       n.Type,
		UserID:     n.UserID,
		Title:      n.Title,
		Message:    n.Message,
		Priority:   n.Priority,
		TemplateID: n.TemplateID,
		CreatedAt:  n.CreatedAt,
		ExpiresAt:  n.ExpiresAt,
	}
	if n.Payload != nil {
		raw, err := json.Marshal(n.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		out.Metadata = raw
	}
	return json.Marshal(out)
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	var in notificationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	payload, err := DecodePayload(in.Type, in.Metadata)
	if err != nil {
		return err
	}
	*n = Notification{
		ID:         in.ID,
		Type:       in.Type,
		UserID:     in.UserID,
		Title:      in.Title,
		Message:    in.Message,
		Priority:   in.Priority,
		Payload:    payload,
		TemplateID: in.TemplateID,
		CreatedAt:  in.CreatedAt,
		ExpiresAt:  in.ExpiresAt,
	}
	return nil
}
