package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/notify-engine/internal/repository"
	"github.com/jwalitptl/notify-engine/pkg/logger"
)

// RetentionWorker deletes terminal delivery records past the retention
// window. Non-terminal records are never deleted.
type RetentionWorker struct {
	repo      repository.DeliveryRepository
	retention time.Duration
	interval  time.Duration
	logger    *logger.Logger
	now       func() time.Time
}

func NewRetentionWorker(repo repository.DeliveryRepository, retention, interval time.Duration, log *logger.Logger) *RetentionWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionWorker{
		repo:      repo,
		retention: retention,
		interval:  interval,
		logger:    log,
		now:       time.Now,
	}
}

func (w *RetentionWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Cleanup(ctx); err != nil {
				w.logger.Error(err, "Failed to clean up delivery records")
			}
		}
	}
}

func (w *RetentionWorker) Cleanup(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.retention)

	rows, err := w.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup delivery records: %w", err)
	}
	if rows > 0 {
		w.logger.Info("Cleaned up delivery records", "count", rows, "cutoff", cutoff.Format(time.RFC3339))
	}
	return rows, nil
}
