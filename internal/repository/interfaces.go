package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jwalitptl/notify-engine/internal/model"
)

var (
	// ErrNotFound is returned when a delivery record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNotClaimable is returned by MarkInFlight when the record is already
	// in flight or terminal.
	ErrNotClaimable = errors.New("record is not claimable")
	// ErrAlreadyExists is returned when a record is created twice.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrClaimLost is returned by UpdateClaimed when the record is no longer
	// in flight under the caller's claim token.
	ErrClaimLost = errors.New("claim lost")
)

// All repository interfaces in one file
type (
	// DeliveryRepository stores delivery records. Implementations must return
	// copies; callers own the records they receive.
	DeliveryRepository interface {
		Create(ctx context.Context, rec *model.DeliveryRecord) error
		Get(ctx context.Context, key model.RecordKey) (*model.DeliveryRecord, error)
		ListByNotification(ctx context.Context, notificationID string) ([]*model.DeliveryRecord, error)
		// MarkInFlight atomically moves a PENDING or FAILED record to
		// IN_FLIGHT and stamps lastAttemptAt. It is the only way an attempt
		// may begin.
		// It issues a fresh claim token.
		MarkInFlight(ctx context.Context, key model.RecordKey, at time.Time) (*model.DeliveryRecord, error)
		// ClaimHandoff lets the holder of token resume a record that is
		// IN_FLIGHT or FAILED under that token, e.g. a broker consumer taking
		// over a published attempt. An IN_FLIGHT record whose last attempt
		// started before staleBefore may be taken over with any token; a zero
		// staleBefore disables that. The record is moved to IN_FLIGHT with a
		// fresh token; any other state yields ErrNotClaimable.
		ClaimHandoff(ctx context.Context, key model.RecordKey, token string, at, staleBefore time.Time) (*model.DeliveryRecord, error)
		// UpdateClaimed writes rec only while the stored record is IN_FLIGHT
		// under rec.ClaimToken, otherwise it returns ErrClaimLost. The token is
		// kept so a FAILED record can be handed off again.
		UpdateClaimed(ctx context.Context, rec *model.DeliveryRecord) error
		DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	}

	// OfflineQueue holds real-time payloads for users without an open connection.
	OfflineQueue interface {
		Enqueue(ctx context.Context, msg *model.QueuedMessage) error
		// Take atomically removes every message for userID and returns them
		// oldest first, split into those still within the TTL and those past it.
		Take(ctx context.Context, userID string) (live, expired []*model.QueuedMessage, err error)
		// Reap removes and returns every message past the TTL, for all users.
		Reap(ctx context.Context) ([]*model.QueuedMessage, error)
		Len(ctx context.Context, userID string) (int, error)
	}

	// PreferenceRepository reads per-user channel preferences.
	PreferenceRepository interface {
		GetPreferences(ctx context.Context, userID string) (*model.Preferences, error)
	}
)
