package model

import (
	"encoding/json"
	"fmt"
)

// Payload is the type-specific body of a notification. The concrete type is
// selected by the notification type; Attributes is the only free-form field.
type Payload interface {
	Kind() PayloadKind
}

type PayloadKind string

const (
	KindTask    PayloadKind = "task"
	KindProject PayloadKind = "project"
	KindMention PayloadKind = "mention"
	KindSystem  PayloadKind = "system"
)

type TaskPayload struct {
	TaskID     string            `json:"taskId"`
	ProjectID  string            `json:"projectId,omitempty"`
	ActorID    string            `json:"actorId,omitempty"`
	DueAt      string            `json:"dueAt,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (TaskPayload) Kind() PayloadKind { return KindTask }

type ProjectPayload struct {
	ProjectID  string            `json:"projectId"`
	InviterID  string            `json:"inviterId,omitempty"`
	Role       string            `json:"role,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (ProjectPayload) Kind() PayloadKind { return KindProject }

type MentionPayload struct {
	SourceID   string            `json:"sourceId"`
	SourceType string            `json:"sourceType,omitempty"`
	AuthorID   string            `json:"authorId,omitempty"`
	Excerpt    string            `json:"excerpt,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (MentionPayload) Kind() PayloadKind { return KindMention }

type SystemPayload struct {
	Severity   string            `json:"severity,omitempty"`
	Link       string            `json:"link,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (SystemPayload) Kind() PayloadKind { return KindSystem }

// PayloadKindFor maps a notification type to the payload variant it carries.
func PayloadKindFor(t NotificationType) (PayloadKind, bool) {
	switch t {
	case TypeTaskAssigned, TypeTaskUpdated, TypeTaskCompleted, TypeTaskCommented, TypeTaskDueSoon:
		return KindTask, true
	case TypeProjectInvitation, TypeProjectUpdated:
		return KindProject, true
	case TypeMention:
		return KindMention, true
	case TypeSystemAnnouncement:
		return KindSystem, true
	}
	return "", false
}

// DecodePayload decodes raw metadata into the payload variant for t. Empty
// metadata yields the zero value of the variant.
func DecodePayload(t NotificationType, raw json.RawMessage) (Payload, error) {
	kind, ok := PayloadKindFor(t)
	if !ok {
		return nil, fmt.Errorf("unknown notification type %q", t)
	}
	empty := len(raw) == 0 || string(raw) == "null"

	switch kind {
	case KindTask:
		var p TaskPayload
		if !empty {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("invalid %s metadata: %w", t, err)
			}
		}
		return p, nil
	case KindProject:
		var p ProjectPayload
		if !empty {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("invalid %s metadata: %w", t, err)
			}
		}
		return p, nil
	case KindMention:
		var p MentionPayload
		if !empty {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("invalid %s metadata: %w", t, err)
			}
		}
		return p, nil
	default:
		var p SystemPayload
		if !empty {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("invalid %s metadata: %w", t, err)
			}
		}
		return p, nil
	}
}
