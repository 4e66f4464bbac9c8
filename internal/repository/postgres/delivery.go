package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
)

const deliveryColumns = `notification_id, channel, user_id, notification_type, status, attempts,
	last_attempt_at, next_retry_at, last_error, error_type, acknowledged_at,
	delivery_metadata, created_at, updated_at, claim_token`

// deliveryRow adds the JSONB metadata column to the record.
type deliveryRow struct {
	model.DeliveryRecord
	Metadata []byte `db:"delivery_metadata"`
}

func (row *deliveryRow) toModel() (*model.DeliveryRecord, error) {
	rec := row.DeliveryRecord
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &rec.DeliveryMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode delivery metadata: %w", err)
		}
		if len(rec.DeliveryMetadata) == 0 {
			rec.DeliveryMetadata = nil
		}
	}
	return &rec, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

type deliveryRepository struct {
	BaseRepository
}

func NewDeliveryRepository(base BaseRepository) repository.DeliveryRepository {
	return &deliveryRepository{base}
}

func (r *deliveryRepository) Create(ctx context.Context, rec *model.DeliveryRecord) error {
	meta, err := encodeMetadata(rec.DeliveryMetadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO delivery_records (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.NotificationID,
		rec.Channel,
		rec.UserID,
		rec.NotificationType,
		rec.Status,
		rec.Attempts,
		rec.LastAttemptAt,
		rec.NextRetryAt,
		rec.LastError,
		rec.ErrorType,
		rec.AcknowledgedAt,
		meta,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.ClaimToken,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return repository.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create delivery record: %w", err)
	}
	return nil
}

func (r *deliveryRepository) Get(ctx context.Context, key model.RecordKey) (*model.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE notification_id = $1 AND channel = $2`

	var row deliveryRow
	err := r.db.GetContext(ctx, &row, query, key.NotificationID, key.Channel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery record: %w", err)
	}
	return row.toModel()
}

func (r *deliveryRepository) ListByNotification(ctx context.Context, notificationID string) ([]*model.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE notification_id = $1 ORDER BY channel`

	var rows []deliveryRow
	if err := r.db.SelectContext(ctx, &rows, query, notificationID); err != nil {
		return nil, fmt.Errorf("failed to list delivery records: %w", err)
	}

	out := make([]*model.DeliveryRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkInFlight relies on the status predicate in the UPDATE so that two
// workers racing for the same record cannot both win.
func (r *deliveryRepository) MarkInFlight(ctx context.Context, key model.RecordKey, at time.Time) (*model.DeliveryRecord, error) {
	query := `
		UPDATE delivery_records
		SET status = $3, last_attempt_at = $4, next_retry_at = NULL, updated_at = $4, claim_token = $5
		WHERE notification_id = $1 AND channel = $2
		AND status IN ($6, $7)
		RETURNING ` + deliveryColumns

	return r.claim(ctx, key, query,
		key.NotificationID,
		key.Channel,
		model.DeliveryInFlight,
		at,
		uuid.NewString(),
		model.DeliveryPending,
		model.DeliveryFailed,
	)
}

// ClaimHandoff rotates the token in the same UPDATE that checks it, so of
// several consumers presenting the same token only one gets a row back.
func (r *deliveryRepository) ClaimHandoff(ctx context.Context, key model.RecordKey, token string, at, staleBefore time.Time) (*model.DeliveryRecord, error) {
	if token == "" {
		return nil, repository.ErrNotClaimable
	}
	query := `
		UPDATE delivery_records
		SET status = $3, last_attempt_at = $4, next_retry_at = NULL, updated_at = $4, claim_token = $5
		WHERE notification_id = $1 AND channel = $2
		AND ((status IN ($3, $6) AND claim_token = $7) OR (status = $3 AND last_attempt_at < $8))
		RETURNING ` + deliveryColumns

	var stale *time.Time
	if !staleBefore.IsZero() {
		stale = &staleBefore
	}

	return r.claim(ctx, key, query,
		key.NotificationID,
		key.Channel,
		model.DeliveryInFlight,
		at,
		uuid.NewString(),
		model.DeliveryFailed,
		token,
		stale,
	)
}

func (r *deliveryRepository) claim(ctx context.Context, key model.RecordKey, query string, args ...interface{}) (*model.DeliveryRecord, error) {
	var row deliveryRow
	err := r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, key); getErr != nil {
			return nil, getErr
		}
		return nil, repository.ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim delivery record: %w", err)
	}
	return row.toModel()
}

func (r *deliveryRepository) UpdateClaimed(ctx context.Context, rec *model.DeliveryRecord) error {
	meta, err := encodeMetadata(rec.DeliveryMetadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE delivery_records
		SET status = $3,
			attempts = $4,
			last_attempt_at = $5,
			next_retry_at = $6,
			last_error = $7,
			error_type = $8,
			acknowledged_at = $9,
			delivery_metadata = $10,
			updated_at = $11
		WHERE notification_id = $1 AND channel = $2
		AND status = $12 AND claim_token = $13
	`
	result, err := r.db.ExecContext(ctx, query,
		rec.NotificationID,
		rec.Channel,
		rec.Status,
		rec.Attempts,
		rec.LastAttemptAt,
		rec.NextRetryAt,
		rec.LastError,
		rec.ErrorType,
		rec.AcknowledgedAt,
		meta,
		rec.UpdatedAt,
		model.DeliveryInFlight,
		rec.ClaimToken,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, getErr := r.Get(ctx, rec.Key()); getErr != nil {
			return getErr
		}
		return repository.ErrClaimLost
	}
	return nil
}

func (r *deliveryRepository) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM delivery_records
		WHERE status IN ($1, $2)
		AND updated_at < $3
	`
	result, err := r.db.ExecContext(ctx, query, model.DeliveryDelivered, model.DeliveryDeadLettered, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal records: %w", err)
	}
	return result.RowsAffected()
}
