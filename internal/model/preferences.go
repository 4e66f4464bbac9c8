package model

// Preferences are owned by the user-settings service; the engine only reads them.
type Preferences struct {
	UserID        string `json:"userId" db:"user_id"`
	Email         string `json:"email,omitempty" db:"email"`
	EmailEnabled  bool   `json:"emailEnabled" db:"email_enabled"`
	SocketEnabled bool   `json:"socketEnabled" db:"socket_enabled"`
	WebhookURL    string `json:"webhookUrl,omitempty" db:"webhook_url"`
	WebhookSecret string `json:"-" db:"webhook_secret"`
}

// DefaultPreferences applies when a user has no stored record.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:        userID,
		EmailEnabled:  false,
		SocketEnabled: true,
	}
}

// Enabled reports whether the user accepts notifications on c. A webhook
// counts as enabled once a URL is configured; the secret is validated later.
func (p *Preferences) Enabled(c Channel) bool {
	switch c {
	case ChannelSocket:
		return p.SocketEnabled
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelWebhook:
		return p.WebhookURL != ""
	}
	return false
}
