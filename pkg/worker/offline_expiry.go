package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/notify-engine/pkg/logger"
)

// OfflineExpirer dead-letters queued real-time messages past their TTL.
type OfflineExpirer interface {
	ExpireOffline(ctx context.Context) (int, error)
}

// OfflineExpiryWorker sweeps the offline queue on a ticker so messages for
// users who never reconnect still reach a terminal status.
type OfflineExpiryWorker struct {
	expirer  OfflineExpirer
	interval time.Duration
	logger   *logger.Logger
}

func NewOfflineExpiryWorker(expirer OfflineExpirer, interval time.Duration, log *logger.Logger) *OfflineExpiryWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &OfflineExpiryWorker{
		expirer:  expirer,
		interval: interval,
		logger:   log,
	}
}

func (w *OfflineExpiryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many records were dead-lettered.
func (w *OfflineExpiryWorker) Sweep(ctx context.Context) int {
	n, err := w.expirer.ExpireOffline(ctx)
	if err != nil {
		w.logger.Error(err, "Failed to expire offline messages")
	}
	return n
}
