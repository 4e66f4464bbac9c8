package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
)

type deliveryRepository struct {
	mu      sync.RWMutex
	records map[model.RecordKey]*model.DeliveryRecord
}

// NewDeliveryRepository returns a process-local delivery record store.
func NewDeliveryRepository() repository.DeliveryRepository {
	return &deliveryRepository{
		records: make(map[model.RecordKey]*model.DeliveryRecord),
	}
}

func (r *deliveryRepository) Create(_ context.Context, rec *model.DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rec.Key()
	if _, exists := r.records[key]; exists {
		return repository.ErrAlreadyExists
	}
	r.records[key] = rec.Clone()
	return nil
}

func (r *deliveryRepository) Get(_ context.Context, key model.RecordKey) (*model.DeliveryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *deliveryRepository) ListByNotification(_ context.Context, notificationID string) ([]*model.DeliveryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.DeliveryRecord
	for key, rec := range r.records {
		if key.NotificationID == notificationID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (r *deliveryRepository) MarkInFlight(_ context.Context, key model.RecordKey, at time.Time) (*model.DeliveryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !rec.Status.Claimable() {
		return nil, repository.ErrNotClaimable
	}
	return claim(rec, at), nil
}

func (r *deliveryRepository) ClaimHandoff(_ context.Context, key model.RecordKey, token string, at, staleBefore time.Time) (*model.DeliveryRecord, error) {
	if token == "" {
		return nil, repository.ErrNotClaimable
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	inFlight := rec.Status == model.DeliveryInFlight
	held := (inFlight || rec.Status == model.DeliveryFailed) && rec.ClaimToken == token
	stale := inFlight && !staleBefore.IsZero() && rec.LastAttemptAt != nil && rec.LastAttemptAt.Before(staleBefore)
	if !held && !stale {
		return nil, repository.ErrNotClaimable
	}
	return claim(rec, at), nil
}

func (r *deliveryRepository) UpdateClaimed(_ context.Context, rec *model.DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rec.Key()
	cur, ok := r.records[key]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Status != model.DeliveryInFlight || cur.ClaimToken != rec.ClaimToken {
		return repository.ErrClaimLost
	}
	r.records[key] = rec.Clone()
	return nil
}

// claim must be called with the write lock held.
func claim(rec *model.DeliveryRecord, at time.Time) *model.DeliveryRecord {
	t := at
	rec.Status = model.DeliveryInFlight
	rec.LastAttemptAt = &t
	rec.NextRetryAt = nil
	rec.UpdatedAt = at
	rec.ClaimToken = uuid.NewString()
	return rec.Clone()
}

func (r *deliveryRepository) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for key, rec := range r.records {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(before) {
			delete(r.records, key)
			n++
		}
	}
	return n, nil
}
