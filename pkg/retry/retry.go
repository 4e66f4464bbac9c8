package retry

import (
	"context"
	"time"

	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

// Policy describes exponential backoff with a cap.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy is 3 attempts, 1s base, 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Backoff returns the delay before the reattempt that follows the given
// failed attempt (1-based): min(MaxDelay, BaseDelay * 2^(attempt-1)).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether a record with this many failed attempts is terminal.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxRetries
}

// Do runs fn until it succeeds, returns a permanent error, the policy is
// exhausted, or ctx is done. Sleeps between attempts follow Backoff.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if apperrors.IsPermanent(err) || p.Exhausted(attempt) {
			return err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Forever is Do without an attempt limit; used for broker reconnects.
func Forever(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p.MaxRetries = int(^uint(0) >> 1)
	return Do(ctx, p, fn)
}
