package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
)

type offlineQueue struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	queue map[string][]*model.QueuedMessage
}

// NewOfflineQueue returns an in-process offline queue. Messages older than
// ttl are handed back as expired by Take and Reap; a zero ttl keeps them
// forever.
func NewOfflineQueue(ttl time.Duration) repository.OfflineQueue {
	return &offlineQueue{
		ttl:   ttl,
		now:   time.Now,
		queue: make(map[string][]*model.QueuedMessage),
	}
}

func (q *offlineQueue) Enqueue(_ context.Context, msg *model.QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := *msg
	q.queue[msg.UserID] = append(q.queue[msg.UserID], &cp)
	return nil
}

func (q *offlineQueue) Take(_ context.Context, userID string) ([]*model.QueuedMessage, []*model.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	live, expired := q.split(q.queue[userID])
	delete(q.queue, userID)
	return live, expired, nil
}

func (q *offlineQueue) Reap(_ context.Context) ([]*model.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var reaped []*model.QueuedMessage
	for userID, msgs := range q.queue {
		live, expired := q.split(msgs)
		if len(expired) == 0 {
			continue
		}
		reaped = append(reaped, expired...)
		if len(live) == 0 {
			delete(q.queue, userID)
		} else {
			q.queue[userID] = live
		}
	}
	return reaped, nil
}

func (q *offlineQueue) Len(_ context.Context, userID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	live, _ := q.split(q.queue[userID])
	return len(live), nil
}

func (q *offlineQueue) split(msgs []*model.QueuedMessage) (live, expired []*model.QueuedMessage) {
	if q.ttl <= 0 {
		return msgs, nil
	}
	cutoff := q.now().Add(-q.ttl)
	for _, m := range msgs {
		if m.QueuedAt.After(cutoff) {
			live = append(live, m)
		} else {
			expired = append(expired, m)
		}
	}
	return live, expired
}
