package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
	"github.com/jwalitptl/notify-engine/internal/service/audit"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/metrics"
	"github.com/jwalitptl/notify-engine/pkg/retry"
)

// Scheduler turns failed attempts into either a delayed reattempt or a
// dead-lettered record. Reattempts run on timers, never by polling.
type Scheduler struct {
	policy     retry.Policy
	deliveries repository.DeliveryRepository
	audit      audit.Sink
	metrics    *metrics.Metrics
	log        *logger.Logger
	now        func() time.Time

	mu     sync.Mutex
	timers map[model.RecordKey]*time.Timer
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(policy retry.Policy, deliveries repository.DeliveryRepository, sink audit.Sink, m *metrics.Metrics, log *logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		policy:     policy,
		deliveries: deliveries,
		audit:      sink,
		metrics:    m,
		log:        log,
		now:        time.Now,
		timers:     make(map[model.RecordKey]*time.Timer),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Scheduler) Policy() retry.Policy {
	return s.policy
}

// Fail records a failed attempt on rec, which the caller holds IN_FLIGHT.
// Permanent errors dead-letter without consuming an attempt; otherwise the
// attempt is counted and either reattempt is scheduled after the backoff
// delay or the record is dead-lettered. A nil reattempt only records the
// schedule; the caller is then responsible for redelivery. If another
// worker has since settled or reclaimed the record, nothing is written or
// scheduled and repository.ErrClaimLost is returned.
func (s *Scheduler) Fail(ctx context.Context, rec *model.DeliveryRecord, cause error, reattempt func(ctx context.Context)) (*model.DeliveryRecord, error) {
	now := s.now()
	rec.LastError = cause.Error()
	rec.ErrorType = apperrors.Type(cause)
	rec.UpdatedAt = now

	if apperrors.IsPermanent(cause) {
		return rec, s.DeadLetter(ctx, rec)
	}

	rec.Attempts++
	if s.policy.Exhausted(rec.Attempts) {
		return rec, s.DeadLetter(ctx, rec)
	}

	delay := s.policy.Backoff(rec.Attempts)
	next := now.Add(delay)
	rec.Status = model.DeliveryFailed
	rec.NextRetryAt = &next
	if err := s.deliveries.UpdateClaimed(ctx, rec); err != nil {
		return rec, err
	}

	if s.metrics != nil {
		s.metrics.DeliveryRetries.WithLabelValues(rec.Channel.Key()).Inc()
	}
	s.log.Info("delivery attempt failed, retry scheduled",
		"notification_id", rec.NotificationID,
		"channel", rec.Channel.Key(),
		"attempt", rec.Attempts,
		"error_type", rec.ErrorType,
		"retry_in", delay.String(),
	)

	if reattempt != nil {
		s.schedule(rec.Key(), delay, reattempt)
	}
	return rec, nil
}

// DeadLetter makes rec, which the caller holds IN_FLIGHT, terminal. The
// record stays queryable.
func (s *Scheduler) DeadLetter(ctx context.Context, rec *model.DeliveryRecord) error {
	rec.Status = model.DeliveryDeadLettered
	rec.NextRetryAt = nil
	rec.UpdatedAt = s.now()
	if err := s.deliveries.UpdateClaimed(ctx, rec); err != nil {
		return err
	}
	s.cancelTimer(rec.Key())

	if s.metrics != nil {
		s.metrics.ObserveStatus(string(rec.NotificationType), string(model.DeliveryDeadLettered))
	}
	s.log.Warn("delivery dead-lettered",
		"notification_id", rec.NotificationID,
		"channel", rec.Channel.Key(),
		"attempt", rec.Attempts,
		"error_type", rec.ErrorType,
		"error", rec.LastError,
	)
	if s.audit != nil {
		s.audit.Emit(ctx, model.NewAuditEvent(model.AuditActionDeadLettered, rec, rec.UpdatedAt))
	}
	return nil
}

func (s *Scheduler) schedule(key model.RecordKey, delay time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed || s.timers[key] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.wg.Add(1)
		s.mu.Unlock()

		defer s.wg.Done()
		fn(s.ctx)
	})
	s.timers[key] = timer
}

func (s *Scheduler) cancelTimer(key model.RecordKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Pending returns the number of scheduled reattempts.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown stops all timers and waits for running reattempts. Records keep
// their FAILED status and nextRetryAt.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
