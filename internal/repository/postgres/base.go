package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db *sqlx.DB
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *sqlx.DB) BaseRepository {
	return BaseRepository{db: db}
}

// WithTx executes a function within a transaction
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

const schema = `
CREATE TABLE IF NOT EXISTS delivery_records (
	notification_id   TEXT        NOT NULL,
	channel           TEXT        NOT NULL,
	user_id           TEXT        NOT NULL,
	notification_type TEXT        NOT NULL,
	status            TEXT        NOT NULL,
	attempts          INTEGER     NOT NULL DEFAULT 0,
	last_attempt_at   TIMESTAMPTZ,
	next_retry_at     TIMESTAMPTZ,
	last_error        TEXT        NOT NULL DEFAULT '',
	error_type        TEXT        NOT NULL DEFAULT '',
	acknowledged_at   TIMESTAMPTZ,
	delivery_metadata JSONB       NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	claim_token       TEXT        NOT NULL DEFAULT '',
	PRIMARY KEY (notification_id, channel)
);
ALTER TABLE delivery_records ADD COLUMN IF NOT EXISTS claim_token TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS idx_delivery_records_terminal
	ON delivery_records (status, updated_at);

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id        TEXT PRIMARY KEY,
	email          TEXT    NOT NULL DEFAULT '',
	email_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
	socket_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	webhook_url    TEXT    NOT NULL DEFAULT '',
	webhook_secret TEXT    NOT NULL DEFAULT ''
);
`

// EnsureSchema creates the engine's tables when they do not exist yet.
func (r *BaseRepository) EnsureSchema(ctx context.Context) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
}
