package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
	"github.com/jwalitptl/notify-engine/pkg/security"
)

var columns = []string{
	"notification_id", "channel", "user_id", "notification_type", "status", "attempts",
	"last_attempt_at", "next_retry_at", "last_error", "error_type", "acknowledged_at",
	"delivery_metadata", "created_at", "updated_at", "claim_token",
}

func newMock(t *testing.T) (BaseRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewBaseRepository(sqlx.NewDb(db, "postgres")), mock
}

func recordRow(status model.DeliveryStatus, token string) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(columns).AddRow(
		"n1", "EMAIL", "u1", "TASK_ASSIGNED", string(status), 1,
		now, nil, "", "", nil,
		[]byte(`{"handedOff":"true"}`), now, now, token,
	)
}

var emailKey = model.RecordKey{NotificationID: "n1", Channel: model.ChannelEmail}

func TestMarkInFlightReturnsClaimedRecord(t *testing.T) {
	base, mock := newMock(t)
	repo := NewDeliveryRepository(base)
	at := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("AND status IN ($6, $7)")).
		WithArgs("n1", model.ChannelEmail, model.DeliveryInFlight, at, sqlmock.AnyArg(), model.DeliveryPending, model.DeliveryFailed).
		WillReturnRows(recordRow(model.DeliveryInFlight, "tok-1"))

	rec, err := repo.MarkInFlight(context.Background(), emailKey, at)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryInFlight, rec.Status)
	assert.Equal(t, "tok-1", rec.ClaimToken)
	assert.Equal(t, "true", rec.DeliveryMetadata["handedOff"])
	assert.NotNil(t, rec.LastAttemptAt)
	assert.Nil(t, rec.NextRetryAt)
}

func TestMarkInFlightLosesRace(t *testing.T) {
	base, mock := newMock(t)
	repo := NewDeliveryRepository(base)

	mock.ExpectQuery("UPDATE delivery_records").WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery(regexp.QuoteMeta("FROM delivery_records WHERE notification_id = $1 AND channel = $2")).
		WithArgs("n1", model.ChannelEmail).
		WillReturnRows(recordRow(model.DeliveryInFlight, "other"))

	_, err := repo.MarkInFlight(context.Background(), emailKey, time.Now())
	assert.ErrorIs(t, err, repository.ErrNotClaimable)
}

func TestMarkInFlightMissingRecord(t *testing.T) {
	base, mock := newMock(t)
	repo := NewDeliveryRepository(base)

	mock.ExpectQuery("UPDATE delivery_records").WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.MarkInFlight(context.Background(), emailKey, time.Now())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestClaimHandoffRequiresToken(t *testing.T) {
	base, mock := newMock(t)
	repo := NewDeliveryRepository(base)

	_, err := repo.ClaimHandoff(context.Background(), emailKey, "", time.Now(), time.Time{})
	assert.ErrorIs(t, err, repository.ErrNotClaimable)

	at := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("AND ((status IN ($3, $6) AND claim_token = $7) OR (status = $3 AND last_attempt_at < $8))")).
		WithArgs("n1", model.ChannelEmail, model.DeliveryInFlight, at, sqlmock.AnyArg(), model.DeliveryFailed, "tok-1", nil).
		WillReturnRows(recordRow(model.DeliveryInFlight, "tok-2"))

	rec, err := repo.ClaimHandoff(context.Background(), emailKey, "tok-1", at, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "tok-2", rec.ClaimToken)
}

func TestUpdateClaimed(t *testing.T) {
	base, mock := newMock(t)
	repo := NewDeliveryRepository(base)
	now := time.Now()
	rec := &model.DeliveryRecord{
		NotificationID: "n1",
		Channel:        model.ChannelEmail,
		Status:         model.DeliveryDelivered,
		Attempts:       1,
		AcknowledgedAt: &now,
		UpdatedAt:      now,
		ClaimToken:     "tok-1",
	}

	update := regexp.QuoteMeta("AND status = $12 AND claim_token = $13")
	mock.ExpectExec(update).
		WithArgs("n1", model.ChannelEmail, model.DeliveryDelivered, 1, nil, nil, "", "", &now, []byte("{}"), now, model.DeliveryInFlight, "tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateClaimed(context.Background(), rec))

	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT").WillReturnRows(recordRow(model.DeliveryDelivered, "tok-2"))
	assert.ErrorIs(t, repo.UpdateClaimed(context.Background(), rec), repository.ErrClaimLost)

	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(columns))
	assert.ErrorIs(t, repo.UpdateClaimed(context.Background(), rec), repository.ErrNotFound)
}

func TestCreateDuplicate(t *testing.T) {
	base, mock := newMock(t)
	repo := NewDeliveryRepository(base)

	mock.ExpectExec("INSERT INTO delivery_records").WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), &model.DeliveryRecord{NotificationID: "n1", Channel: model.ChannelEmail})
	assert.ErrorIs(t, err, repository.ErrAlreadyExists)
}

func TestDeleteTerminalBefore(t *testing.T) {
	base, mock := newMock(t)
	repo := NewDeliveryRepository(base)
	cutoff := time.Now()

	mock.ExpectExec("DELETE FROM delivery_records").
		WithArgs(model.DeliveryDelivered, model.DeliveryDeadLettered, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteTerminalBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestGetPreferences(t *testing.T) {
	base, mock := newMock(t)
	key, err := security.ParseKey("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	require.NoError(t, err)
	enc, err := security.NewAESEncryptor(key)
	require.NoError(t, err)
	sealed, err := security.SealString(enc, "s3cret")
	require.NoError(t, err)
	repo := NewPreferenceRepository(base, enc)

	prefCols := []string{"user_id", "email", "email_enabled", "socket_enabled", "webhook_url", "webhook_secret"}
	mock.ExpectQuery("FROM notification_preferences").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(prefCols).AddRow("u1", "u1@example.com", true, false, "https://hooks.example.com", sealed))

	p, err := repo.GetPreferences(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, p.EmailEnabled)
	assert.False(t, p.SocketEnabled)
	assert.Equal(t, "s3cret", p.WebhookSecret)

	mock.ExpectQuery("FROM notification_preferences").WithArgs("u2").WillReturnRows(sqlmock.NewRows(prefCols))

	p, err = repo.GetPreferences(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPreferences("u2"), p)
}
