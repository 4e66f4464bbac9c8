package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notify-engine/internal/channel"
	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
	"github.com/jwalitptl/notify-engine/internal/service/audit"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/messaging/rabbitmq"
	"github.com/jwalitptl/notify-engine/pkg/metrics"
)

// Delivery metadata keys.
const (
	MetaQueued     = "queued"
	MetaQueuedAt   = "queued_at"
	MetaQueue      = "queue"
	MetaReplayed   = "replayed"
	MetaHandedOff  = "handed_off_at"
	MetaRetryCount = "retry_count"
)

// Orchestrator is the entry point of the engine. It creates one delivery
// record per enabled channel and drives each channel independently.
type Orchestrator struct {
	deliveries  repository.DeliveryRepository
	preferences repository.PreferenceRepository
	offline     repository.OfflineQueue
	adapters    map[model.Channel]channel.Adapter
	socket      *channel.SocketAdapter
	scheduler   *Scheduler
	audit       audit.Sink
	metrics     *metrics.Metrics
	log         *logger.Logger
	now         func() time.Time

	attemptTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Dependencies struct {
	Deliveries     repository.DeliveryRepository
	Preferences    repository.PreferenceRepository
	Offline        repository.OfflineQueue
	Socket         *channel.SocketAdapter
	Adapters       []channel.Adapter
	Scheduler      *Scheduler
	Audit          audit.Sink
	Metrics        *metrics.Metrics
	Logger         *logger.Logger
	AttemptTimeout time.Duration
}

func NewOrchestrator(deps Dependencies) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		deliveries:     deps.Deliveries,
		preferences:    deps.Preferences,
		offline:        deps.Offline,
		adapters:       make(map[model.Channel]channel.Adapter),
		socket:         deps.Socket,
		scheduler:      deps.Scheduler,
		audit:          deps.Audit,
		metrics:        deps.Metrics,
		log:            deps.Logger,
		now:            time.Now,
		attemptTimeout: deps.AttemptTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
	if o.attemptTimeout <= 0 {
		o.attemptTimeout = 30 * time.Second
	}
	if deps.Socket != nil {
		o.adapters[model.ChannelSocket] = deps.Socket
	}
	for _, a := range deps.Adapters {
		o.adapters[a.Channel()] = a
	}
	return o
}

// ValidateNotification rejects notifications that cannot be delivered on
// any channel.
func ValidateNotification(n *model.Notification, now time.Time) error {
	switch {
	case n == nil:
		return apperrors.Validation("notification", "required")
	case n.ID == "":
		return apperrors.Validation("id", "required")
	case n.UserID == "":
		return apperrors.Validation("userId", "required")
	case !n.Type.Valid():
		return apperrors.Validation("type", fmt.Sprintf("unknown notification type %q", n.Type))
	case n.Expired(now):
		return apperrors.Validation("expiresAt", "notification already expired")
	}
	return nil
}

// EnabledChannels intersects the requested channels with the user's
// preferences and the adapters this process runs. No requested channels
// means every channel the user enabled.
func (o *Orchestrator) EnabledChannels(requested []model.Channel, prefs *model.Preferences) []model.Channel {
	want := requested
	if len(want) == 0 {
		want = model.AllChannels
	}

	seen := make(map[model.Channel]bool, len(want))
	var out []model.Channel
	for _, ch := range want {
		if seen[ch] || !ch.Valid() {
			continue
		}
		seen[ch] = true
		if _, ok := o.adapters[ch]; !ok || !prefs.Enabled(ch) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// CreateNotification fans n out to its enabled channels and returns at once
// with each record's initial status. Terminal statuses are observed through
// GetDeliveries. Submitting the same notification id twice returns the
// existing records without a new attempt.
func (o *Orchestrator) CreateNotification(ctx context.Context, n *model.Notification, requested []model.Channel) (*model.DeliveryResult, error) {
	now := o.now()
	if err := ValidateNotification(n, now); err != nil {
		return nil, err
	}
	if n.Priority == "" {
		n.Priority = model.PriorityMedium
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now.UTC()
	}

	existing, err := o.deliveries.ListByNotification(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing deliveries: %w", err)
	}
	if len(existing) > 0 {
		return &model.DeliveryResult{Notification: n, Deliveries: existing}, nil
	}

	prefs, err := o.preferences.GetPreferences(ctx, n.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}

	channels := o.EnabledChannels(requested, prefs)
	o.metrics.ObserveStatus(string(n.Type), "accepted")

	log := o.log.WithFields(map[string]interface{}{"notification_id": n.ID, "user_id": n.UserID})
	log.Info("notification accepted", "channels", len(channels))

	result := &model.DeliveryResult{Notification: n}
	var claimed []*model.DeliveryRecord
	for _, ch := range channels {
		rec := &model.DeliveryRecord{
			NotificationID:   n.ID,
			Channel:          ch,
			UserID:           n.UserID,
			NotificationType: n.Type,
			Status:           model.DeliveryPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := o.deliveries.Create(ctx, rec); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				continue
			}
			return nil, fmt.Errorf("failed to create delivery record: %w", err)
		}

		inFlight, err := o.deliveries.MarkInFlight(ctx, rec.Key(), now)
		if err != nil {
			log.Error(err, "Failed to claim delivery record", "channel", ch.Key())
			result.Deliveries = append(result.Deliveries, rec.Clone())
			continue
		}

		if err := o.adapters[ch].Validate(n, prefs); err != nil {
			if _, ferr := o.scheduler.Fail(ctx, inFlight, err, nil); ferr != nil {
				log.Error(ferr, "Failed to dead-letter delivery", "channel", ch.Key())
			}
			o.metrics.ObserveFailure(ch.Key(), err)
			result.Deliveries = append(result.Deliveries, inFlight.Clone())
			continue
		}
		claimed = append(claimed, inFlight)
		result.Deliveries = append(result.Deliveries, inFlight.Clone())
	}

	o.dispatch(n, prefs, claimed)
	return result, nil
}

// dispatch runs one attempt per claimed record concurrently. A failure in
// one channel never affects the others; outcomes are collected once all
// attempts return.
func (o *Orchestrator) dispatch(n *model.Notification, prefs *model.Preferences, recs []*model.DeliveryRecord) {
	if len(recs) == 0 {
		return
	}

	outcomes := make([]string, len(recs))
	var group sync.WaitGroup
	for i, rec := range recs {
		group.Add(1)
		o.wg.Add(1)
		go func(i int, rec *model.DeliveryRecord) {
			defer o.wg.Done()
			defer group.Done()
			outcomes[i] = rec.Channel.Key() + "=" + o.attempt(o.ctx, rec, n, prefs)
		}(i, rec)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		group.Wait()
		o.log.Debug("fan-out complete", "notification_id", n.ID, "outcomes", outcomes)
	}()
}

// attempt drives one IN_FLIGHT record through its adapter and reports what
// happened. The caller must have claimed rec with MarkInFlight.
func (o *Orchestrator) attempt(ctx context.Context, rec *model.DeliveryRecord, n *model.Notification, prefs *model.Preferences) string {
	adapter, ok := o.adapters[rec.Channel]
	if !ok {
		o.fail(ctx, rec, n, prefs, apperrors.Validation("channel", "no adapter for "+rec.Channel.Key()))
		return "dead_lettered"
	}

	ctx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	defer cancel()

	if rec.Channel.QueueBacked() {
		rec.SetMeta(MetaQueue, rabbitmq.QueueName(rec.Channel.Key()))
		rec.SetMeta(MetaHandedOff, o.now().UTC().Format(time.RFC3339))
		rec.UpdatedAt = o.now()
		if err := o.deliveries.UpdateClaimed(ctx, rec); err != nil {
			if errors.Is(err, repository.ErrClaimLost) {
				o.lostClaim(rec, "handoff")
				return "superseded"
			}
			o.log.Error(err, "Failed to update delivery record", "notification_id", rec.NotificationID, "channel", rec.Channel.Key())
		}
	}

	var outcome channel.Outcome
	err := o.metrics.Instrument(rec.Channel.Key(), func() error {
		var err error
		outcome, err = adapter.Deliver(ctx, rec, n, prefs)
		return err
	})
	if err != nil {
		return o.fail(ctx, rec, n, prefs, err)
	}

	switch outcome {
	case channel.OutcomeDelivered:
		o.markDelivered(ctx, rec, false)
	case channel.OutcomeQueued:
		o.queueOffline(ctx, rec, n, prefs)
	case channel.OutcomeHandedOff:
		// The queue consumer owns the record from here.
	}
	return outcome.String()
}

func (o *Orchestrator) fail(ctx context.Context, rec *model.DeliveryRecord, n *model.Notification, prefs *model.Preferences, cause error) string {
	key := rec.Key()
	updated, err := o.scheduler.Fail(context.WithoutCancel(ctx), rec, cause, func(ctx context.Context) {
		o.retry(ctx, key, n, prefs)
	})
	if errors.Is(err, repository.ErrClaimLost) {
		o.lostClaim(rec, "failure")
		return "superseded"
	}
	if err != nil {
		o.log.Error(err, "Failed to record delivery failure", "notification_id", key.NotificationID, "channel", key.Channel.Key())
		return "error"
	}
	return string(updated.Status)
}

// lostClaim notes that another worker settled or reclaimed rec while this
// attempt was running. Its outcome is dropped.
func (o *Orchestrator) lostClaim(rec *model.DeliveryRecord, what string) {
	o.log.Debug("delivery claim lost, discarding "+what,
		"notification_id", rec.NotificationID,
		"channel", rec.Channel.Key(),
	)
}

// retry reclaims a FAILED record and attempts it again.
func (o *Orchestrator) retry(ctx context.Context, key model.RecordKey, n *model.Notification, prefs *model.Preferences) {
	rec, err := o.deliveries.MarkInFlight(ctx, key, o.now())
	if err != nil {
		if !errors.Is(err, repository.ErrNotClaimable) {
			o.log.Error(err, "Failed to claim record for retry", "notification_id", key.NotificationID, "channel", key.Channel.Key())
		}
		return
	}
	rec.SetMeta(MetaRetryCount, fmt.Sprintf("%d", rec.Attempts))
	o.attempt(ctx, rec, n, prefs)
}

func (o *Orchestrator) markDelivered(ctx context.Context, rec *model.DeliveryRecord, replayed bool) bool {
	now := o.now()
	rec.Status = model.DeliveryDelivered
	rec.AcknowledgedAt = &now
	rec.NextRetryAt = nil
	rec.UpdatedAt = now
	if replayed {
		rec.SetMeta(MetaReplayed, "true")
	}
	if err := o.deliveries.UpdateClaimed(context.WithoutCancel(ctx), rec); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			o.lostClaim(rec, "delivery")
			return false
		}
		o.log.Error(err, "Failed to mark delivered", "notification_id", rec.NotificationID, "channel", rec.Channel.Key())
		return false
	}
	o.metrics.ObserveStatus(string(rec.NotificationType), string(model.DeliveryDelivered))
	return true
}

// queueOffline parks a socket record for replay. The record is made
// claimable before the message becomes visible to a replay.
func (o *Orchestrator) queueOffline(ctx context.Context, rec *model.DeliveryRecord, n *model.Notification, prefs *model.Preferences) {
	payload, err := o.socket.Encode(n)
	if err != nil {
		o.fail(ctx, rec, n, prefs, err)
		return
	}

	now := o.now()
	rec.Status = model.DeliveryPending
	rec.SetMeta(MetaQueued, "true")
	rec.SetMeta(MetaQueuedAt, now.UTC().Format(time.RFC3339))
	rec.UpdatedAt = now
	if err := o.deliveries.UpdateClaimed(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			o.lostClaim(rec, "offline queueing")
			return
		}
		o.log.Error(err, "Failed to update queued record", "notification_id", rec.NotificationID)
		return
	}

	msg := &model.QueuedMessage{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		UserID:         n.UserID,
		Payload:        payload,
		QueuedAt:       now,
	}
	if err := o.offline.Enqueue(ctx, msg); err != nil {
		claimed, claimErr := o.deliveries.MarkInFlight(ctx, rec.Key(), now)
		if claimErr == nil {
			o.fail(ctx, claimed, n, prefs, apperrors.Transient(model.ChannelSocket.Key(), err))
		}
		return
	}
	o.log.Debug("queued for offline user", "notification_id", n.ID, "user_id", n.UserID)

	// The user may have connected between the push and the enqueue.
	if o.socket.IsOnline(n.UserID) {
		if err := o.Replay(ctx, n.UserID); err != nil {
			o.log.Error(err, "Offline replay failed", "user_id", n.UserID)
		}
	}
}

// Replay delivers every queued message for userID. It is the registry's
// on-open hook. Each message is removed from the queue exactly once; its
// record is claimed before sending so a concurrent replay cannot deliver
// it twice. Messages that outlived the offline TTL are dead-lettered.
func (o *Orchestrator) Replay(ctx context.Context, userID string) error {
	msgs, expired, err := o.offline.Take(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to take offline messages: %w", err)
	}
	o.expireQueued(ctx, expired)
	if len(msgs) == 0 {
		return nil
	}
	o.log.Info("replaying offline messages", "user_id", userID, "count", len(msgs))

	for i, msg := range msgs {
		if ctx.Err() != nil {
			return o.park(userID, msgs[i:])
		}

		rec, err := o.deliveries.MarkInFlight(ctx, msg.Key(), o.now())
		if errors.Is(err, repository.ErrNotClaimable) || errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			if perr := o.park(userID, msgs[i:]); perr != nil {
				o.log.Error(perr, "Failed to park offline messages", "user_id", userID)
			}
			return err
		}

		var wire model.WirePayload
		if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &wire) != nil || wire.Payload == nil {
			cause := apperrors.Validation("payload", "undecodable queued message")
			o.metrics.ObserveFailure(model.ChannelSocket.Key(), cause)
			if _, err := o.scheduler.Fail(context.WithoutCancel(ctx), rec, cause, nil); err != nil {
				o.log.Error(err, "Failed to dead-letter queued message", "notification_id", rec.NotificationID, "user_id", userID)
			}
			continue
		}

		var sent bool
		err = o.metrics.Instrument(model.ChannelSocket.Key(), func() error {
			var err error
			sent, err = o.socket.Push(ctx, userID, msg.Payload)
			return err
		})
		if err != nil {
			o.fail(ctx, rec, wire.Payload, nil, err)
			continue
		}

		if !sent {
			// Went offline again: park this and the rest for the next connect.
			rec.Status = model.DeliveryPending
			rec.UpdatedAt = o.now()
			if err := o.deliveries.UpdateClaimed(context.WithoutCancel(ctx), rec); err != nil && !errors.Is(err, repository.ErrClaimLost) {
				return err
			}
			return o.park(userID, msgs[i:])
		}

		if !o.markDelivered(ctx, rec, true) {
			continue
		}
		o.metrics.OfflineReplayed.Inc()
		if o.audit != nil {
			o.audit.Emit(ctx, model.NewAuditEvent(model.AuditActionReplayed, rec, o.now()))
		}
	}
	return nil
}

// park puts msgs back on the queue. A connection that replaced the one this
// replay was using may already have replayed the emptied queue, so if the
// user is online again the parked messages are replayed at once.
func (o *Orchestrator) park(userID string, msgs []*model.QueuedMessage) error {
	ctx := context.WithoutCancel(o.ctx)
	for _, msg := range msgs {
		if err := o.offline.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("failed to requeue offline message: %w", err)
		}
	}
	if o.ctx.Err() != nil || !o.socket.IsOnline(userID) {
		return nil
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Replay(o.ctx, userID); err != nil {
			o.log.Error(err, "Offline replay failed", "user_id", userID)
		}
	}()
	return nil
}

// ExpireOffline dead-letters every queued message past the offline TTL,
// including those of users who never reconnect. It returns how many
// records were dead-lettered.
func (o *Orchestrator) ExpireOffline(ctx context.Context) (int, error) {
	msgs, err := o.offline.Reap(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reap offline messages: %w", err)
	}
	return o.expireQueued(ctx, msgs), nil
}

func (o *Orchestrator) expireQueued(ctx context.Context, msgs []*model.QueuedMessage) int {
	var n int
	for _, msg := range msgs {
		rec, err := o.deliveries.MarkInFlight(ctx, msg.Key(), o.now())
		if errors.Is(err, repository.ErrNotClaimable) || errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			o.log.Error(err, "Failed to claim expired offline message", "notification_id", msg.NotificationID, "user_id", msg.UserID)
			continue
		}

		cause := apperrors.Expired("offline message", o.now().Sub(msg.QueuedAt))
		o.metrics.ObserveFailure(model.ChannelSocket.Key(), cause)
		if _, err := o.scheduler.Fail(context.WithoutCancel(ctx), rec, cause, nil); err != nil {
			if !errors.Is(err, repository.ErrClaimLost) {
				o.log.Error(err, "Failed to dead-letter expired offline message", "notification_id", msg.NotificationID, "user_id", msg.UserID)
			}
			continue
		}
		n++
	}
	if n > 0 {
		o.log.Info("expired offline messages dead-lettered", "count", n)
	}
	return n
}

// GetDeliveries is the delivery-status read path.
func (o *Orchestrator) GetDeliveries(ctx context.Context, notificationID string) ([]*model.DeliveryRecord, error) {
	recs, err := o.deliveries.ListByNotification(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, repository.ErrNotFound
	}
	return recs, nil
}

// Wait blocks until all attempts started so far have returned. Scheduled
// reattempts are not included.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels in-flight attempts, stops the scheduler and waits for
// running goroutines or ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	if err := o.scheduler.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
