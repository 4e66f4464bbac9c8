package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
	"github.com/jwalitptl/notify-engine/pkg/security"
)

type preferenceRepository struct {
	BaseRepository
	secrets security.Encryptor
}

// NewPreferenceRepository reads notification_preferences. Webhook secrets
// sealed with security.SealString are opened with secrets, which may be nil
// when no sealed rows exist.
func NewPreferenceRepository(base BaseRepository, secrets security.Encryptor) repository.PreferenceRepository {
	return &preferenceRepository{BaseRepository: base, secrets: secrets}
}

func (r *preferenceRepository) GetPreferences(ctx context.Context, userID string) (*model.Preferences, error) {
	query := `
		SELECT user_id, email, email_enabled, socket_enabled, webhook_url, webhook_secret
		FROM notification_preferences
		WHERE user_id = $1
	`

	var prefs model.Preferences
	err := r.db.GetContext(ctx, &prefs, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	prefs.WebhookSecret, err = security.OpenString(r.secrets, prefs.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to open webhook secret for %s: %w", userID, err)
	}
	return &prefs, nil
}
