package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationDecodesPayloadByType(t *testing.T) {
	raw := `{
		"id": "n1",
		"type": "TASK_ASSIGNED",
		"userId": "u1",
		"title": "New task",
		"message": "You were assigned T-1",
		"priority": "HIGH",
		"metadata": {"taskId": "T-1", "projectId": "P-9", "attributes": {"board": "sprint-4"}},
		"createdAt": "2026-01-02T03:04:05Z"
	}`

	var n Notification
	require.NoError(t, json.Unmarshal([]byte(raw), &n))

	payload, ok := n.Payload.(TaskPayload)
	require.True(t, ok, "TASK_* types carry a TaskPayload")
	assert.Equal(t, "T-1", payload.TaskID)
	assert.Equal(t, "sprint-4", payload.Attributes["board"])

	out, err := json.Marshal(n)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"metadata":{"taskId":"T-1"`)
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	_, err := DecodePayload("TASK_EXPLODED", nil)
	assert.Error(t, err)
}

func TestDecodePayloadEmptyMetadata(t *testing.T) {
	p, err := DecodePayload(TypeSystemAnnouncement, json.RawMessage("null"))
	require.NoError(t, err)
	assert.Equal(t, KindSystem, p.Kind())
}

func TestNotificationExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	assert.False(t, (&Notification{}).Expired(now))
	assert.True(t, (&Notification{ExpiresAt: &past}).Expired(now))
}

func TestPreferencesEnabled(t *testing.T) {
	p := &Preferences{SocketEnabled: true, WebhookURL: "https://hooks.example.com/n"}

	assert.True(t, p.Enabled(ChannelSocket))
	assert.False(t, p.Enabled(ChannelEmail))
	assert.True(t, p.Enabled(ChannelWebhook), "secret is validated by the adapter, not here")
}
