package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
	"github.com/jwalitptl/notify-engine/internal/repository/memory"
	"github.com/jwalitptl/notify-engine/internal/service/audit"
	"github.com/jwalitptl/notify-engine/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/messaging"
	"github.com/jwalitptl/notify-engine/pkg/metrics"
	"github.com/jwalitptl/notify-engine/pkg/retry"
)

type fakeAcker struct {
	acked    int
	rejected int
	requeue  bool
}

func (a *fakeAcker) Ack() error {
	a.acked++
	return nil
}

func (a *fakeAcker) Reject(requeue bool) error {
	a.rejected++
	a.requeue = requeue
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	exchange string
	msgs     []messaging.Message
}

func (p *fakePublisher) Publish(_ context.Context, exchange string, msg messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchange = exchange
	p.msgs = append(p.msgs, msg)
	return nil
}

type fixture struct {
	consumer   *ChannelConsumer
	deliveries repository.DeliveryRepository
	publisher  *fakePublisher
	metrics    *metrics.Metrics
	events     *audit.Recorder
	sendErr    error
	sendDelay  time.Duration
	sent       atomic.Int32
}

func newFixture(t *testing.T, ch model.Channel) *fixture {
	t.Helper()
	f := &fixture{
		deliveries: memory.NewDeliveryRepository(),
		publisher:  &fakePublisher{},
		metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
		events:     audit.NewRecorder(8),
	}
	prefs := memory.NewPreferenceRepository(&model.Preferences{
		UserID:        "u1",
		Email:         "u1@example.com",
		EmailEnabled:  true,
		WebhookURL:    "https://hooks.example.com",
		WebhookSecret: "k",
	})
	f.consumer = NewChannelConsumer(ChannelConsumerConfig{Channel: ch}, ChannelConsumerDeps{
		Publisher:   f.publisher,
		Deliveries:  f.deliveries,
		Preferences: prefs,
		Breaker:     circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: ch.Key()}),
		Transport: func(context.Context, *model.Envelope, *model.Preferences) error {
			f.sent.Add(1)
			time.Sleep(f.sendDelay)
			return f.sendErr
		},
		Policy:  retry.DefaultPolicy(),
		Audit:   f.events,
		Metrics: f.metrics,
		Logger:  logger.Nop(),
	})
	return f
}

// seed stores the record under claim token "tok-1", the token delivery
// puts on the message.
func (f *fixture) seed(t *testing.T, ch model.Channel, status model.DeliveryStatus, attempts int) {
	t.Helper()
	f.seedClaim(t, ch, status, attempts, "tok-1", time.Now())
}

func (f *fixture) seedClaim(t *testing.T, ch model.Channel, status model.DeliveryStatus, attempts int, token string, lastAttempt time.Time) {
	t.Helper()
	now := time.Now()
	require.NoError(t, f.deliveries.Create(context.Background(), &model.DeliveryRecord{
		NotificationID:   "n1",
		Channel:          ch,
		UserID:           "u1",
		NotificationType: model.TypeTaskAssigned,
		Status:           status,
		Attempts:         attempts,
		LastAttemptAt:    &lastAttempt,
		CreatedAt:        now,
		UpdatedAt:        now,
		ClaimToken:       token,
	}))
}

func (f *fixture) record(t *testing.T, ch model.Channel) *model.DeliveryRecord {
	t.Helper()
	rec, err := f.deliveries.Get(context.Background(), model.RecordKey{NotificationID: "n1", Channel: ch})
	require.NoError(t, err)
	return rec
}

func delivery(t *testing.T, ch model.Channel, acker *fakeAcker) messaging.Delivery {
	t.Helper()
	return claimedDelivery(t, ch, "tok-1", acker)
}

func claimedDelivery(t *testing.T, ch model.Channel, token string, acker *fakeAcker) messaging.Delivery {
	t.Helper()
	body, err := json.Marshal(model.Envelope{
		NotificationID: "n1",
		Channel:        ch,
		UserID:         "u1",
		ClaimToken:     token,
		Notification: &model.Notification{
			ID:     "n1",
			Type:   model.TypeTaskAssigned,
			UserID: "u1",
			Title:  "New task",
		},
	})
	require.NoError(t, err)
	return messaging.Delivery{
		Message: messaging.Message{
			RoutingKey: "notification." + ch.Key() + ".task_assigned",
			MessageID:  "n1/" + ch.Key(),
			Body:       body,
			Headers:    map[string]interface{}{"x-attempt": int32(0)},
		},
		Queue: "notifications." + ch.Key(),
		Acker: acker,
	}
}

func TestChannelConsumerDelivers(t *testing.T) {
	f := newFixture(t, model.ChannelEmail)
	f.seed(t, model.ChannelEmail, model.DeliveryInFlight, 0)
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), delivery(t, model.ChannelEmail, acker))

	assert.Equal(t, 1, acker.acked)
	assert.Equal(t, int32(1), f.sent.Load())
	rec := f.record(t, model.ChannelEmail)
	assert.Equal(t, model.DeliveryDelivered, rec.Status)
	assert.NotNil(t, rec.AcknowledgedAt)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.QueueConsumed.WithLabelValues("notifications.email", "delivered")))
}

func TestChannelConsumerSkipsTerminalRecords(t *testing.T) {
	f := newFixture(t, model.ChannelEmail)
	f.seed(t, model.ChannelEmail, model.DeliveryDelivered, 1)
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), delivery(t, model.ChannelEmail, acker))

	assert.Equal(t, 1, acker.acked)
	assert.Zero(t, f.sent.Load(), "duplicate redelivery must not send twice")
}

func TestChannelConsumerRetriesThroughRetryQueue(t *testing.T) {
	f := newFixture(t, model.ChannelWebhook)
	f.seed(t, model.ChannelWebhook, model.DeliveryInFlight, 0)
	f.sendErr = apperrors.TransientStatus("webhook", 503, errors.New("unavailable"))
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), delivery(t, model.ChannelWebhook, acker))

	assert.Equal(t, 1, acker.acked)
	assert.Zero(t, acker.rejected)
	rec := f.record(t, model.ChannelWebhook)
	assert.Equal(t, model.DeliveryFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.NextRetryAt)

	require.Len(t, f.publisher.msgs, 1)
	msg := f.publisher.msgs[0]
	assert.Equal(t, "", f.publisher.exchange)
	assert.Equal(t, "notifications.webhook.retry", msg.RoutingKey)
	assert.Equal(t, time.Second, msg.Expiration)
	assert.Equal(t, int32(1), msg.Headers["x-attempt"])

	var env model.Envelope
	require.NoError(t, json.Unmarshal(msg.Body, &env))
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, rec.ClaimToken, env.ClaimToken, "the retry copy resumes the FAILED record's claim")
	assert.NotEqual(t, "tok-1", env.ClaimToken)
}

func TestChannelConsumerClaimsFailedRecordOnRedelivery(t *testing.T) {
	f := newFixture(t, model.ChannelEmail)
	f.seed(t, model.ChannelEmail, model.DeliveryFailed, 1)
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), delivery(t, model.ChannelEmail, acker))

	assert.Equal(t, 1, acker.acked)
	assert.Equal(t, model.DeliveryDelivered, f.record(t, model.ChannelEmail).Status)
}

func TestChannelConsumerRejectsOnExhaustion(t *testing.T) {
	f := newFixture(t, model.ChannelEmail)
	f.seed(t, model.ChannelEmail, model.DeliveryFailed, 2)
	f.sendErr = apperrors.Transient("email", errors.New("connection reset"))
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), delivery(t, model.ChannelEmail, acker))

	assert.Equal(t, 1, acker.rejected)
	assert.False(t, acker.requeue, "exhausted messages go to the dead-letter queue")
	assert.Empty(t, f.publisher.msgs)
	rec := f.record(t, model.ChannelEmail)
	assert.Equal(t, model.DeliveryDeadLettered, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Nil(t, rec.NextRetryAt)

	select {
	case ev := <-f.events.Events():
		assert.Equal(t, model.AuditActionDeadLettered, ev.Action)
	default:
		t.Fatal("expected an audit event")
	}
}

func TestChannelConsumerRejectsPermanentFailures(t *testing.T) {
	f := newFixture(t, model.ChannelEmail)
	f.seed(t, model.ChannelEmail, model.DeliveryInFlight, 0)
	f.sendErr = apperrors.Validation("email", "mailbox does not exist")
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), delivery(t, model.ChannelEmail, acker))

	assert.Equal(t, 1, acker.rejected)
	assert.False(t, acker.requeue)
	rec := f.record(t, model.ChannelEmail)
	assert.Equal(t, model.DeliveryDeadLettered, rec.Status)
	assert.Equal(t, 0, rec.Attempts)
}

func TestChannelConsumerDeliversConcurrentDuplicatesOnce(t *testing.T) {
	f := newFixture(t, model.ChannelWebhook)
	f.seed(t, model.ChannelWebhook, model.DeliveryInFlight, 0)
	f.sendDelay = 20 * time.Millisecond

	ackers := make([]*fakeAcker, 4)
	copies := make([]messaging.Delivery, len(ackers))
	for i := range ackers {
		ackers[i] = &fakeAcker{}
		copies[i] = delivery(t, model.ChannelWebhook, ackers[i])
	}

	var wg sync.WaitGroup
	for _, d := range copies {
		wg.Add(1)
		go func(d messaging.Delivery) {
			defer wg.Done()
			f.consumer.Handle(context.Background(), d)
		}(d)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.sent.Load(), "only one copy may reach the transport")
	for _, a := range ackers {
		assert.Equal(t, 1, a.acked)
	}
	assert.Equal(t, model.DeliveryDelivered, f.record(t, model.ChannelWebhook).Status)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.QueueConsumed.WithLabelValues("notifications.webhook", "skipped")))
}

func TestChannelConsumerDropsSupersededCopy(t *testing.T) {
	f := newFixture(t, model.ChannelEmail)
	f.seedClaim(t, model.ChannelEmail, model.DeliveryFailed, 1, "tok-2", time.Now())
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), delivery(t, model.ChannelEmail, acker))

	assert.Equal(t, 1, acker.acked)
	assert.Zero(t, f.sent.Load())
	rec := f.record(t, model.ChannelEmail)
	assert.Equal(t, model.DeliveryFailed, rec.Status)
	assert.Equal(t, "tok-2", rec.ClaimToken)
}

func TestChannelConsumerTakesOverStaleAttempt(t *testing.T) {
	f := newFixture(t, model.ChannelEmail)
	f.seedClaim(t, model.ChannelEmail, model.DeliveryInFlight, 0, "crashed", time.Now().Add(-10*time.Minute))
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), delivery(t, model.ChannelEmail, acker))

	assert.Equal(t, 1, acker.acked)
	assert.Equal(t, int32(1), f.sent.Load())
	assert.Equal(t, model.DeliveryDelivered, f.record(t, model.ChannelEmail).Status)
}

func TestChannelConsumerRejectsGarbage(t *testing.T) {
	f := newFixture(t, model.ChannelEmail)
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), messaging.Delivery{Message: messaging.Message{Body: []byte("{")}, Acker: acker})

	assert.Equal(t, 1, acker.rejected)
	assert.False(t, acker.requeue)
}

func TestDeadLetterConsumerMarksRecordTerminal(t *testing.T) {
	f := newFixture(t, model.ChannelEmail)
	f.seed(t, model.ChannelEmail, model.DeliveryInFlight, 3)
	events := audit.NewRecorder(4)
	c := NewDeadLetterConsumer(nil, "", f.deliveries, events, f.metrics, logger.Nop())

	d := delivery(t, model.ChannelEmail, &fakeAcker{})
	d.Headers["x-death"] = []interface{}{amqp.Table{"reason": "rejected", "queue": "notifications.email", "count": int64(1)}}
	acker := d.Acker.(*fakeAcker)

	c.Handle(context.Background(), d)

	assert.Equal(t, 1, acker.acked)
	rec := f.record(t, model.ChannelEmail)
	assert.Equal(t, model.DeliveryDeadLettered, rec.Status)
	assert.Equal(t, "rejected", rec.DeliveryMetadata[MetaDeadLetterReason])

	select {
	case ev := <-events.Events():
		assert.Equal(t, model.AuditActionDeadLettered, ev.Action)
		assert.Equal(t, 3, ev.Attempts)
	default:
		t.Fatal("expected an audit event")
	}

	// A second copy of the same dead letter is acknowledged without effect.
	again := &fakeAcker{}
	c.Handle(context.Background(), delivery(t, model.ChannelEmail, again))
	assert.Equal(t, 1, again.acked)
	assert.Len(t, events.Events(), 0)
}

func TestDeadLetterConsumerExpiredMessage(t *testing.T) {
	f := newFixture(t, model.ChannelSocket)
	f.seed(t, model.ChannelSocket, model.DeliveryInFlight, 0)
	c := NewDeadLetterConsumer(nil, "", f.deliveries, nil, f.metrics, logger.Nop())

	d := delivery(t, model.ChannelSocket, &fakeAcker{})
	d.Headers["x-death"] = []interface{}{amqp.Table{"reason": "expired", "queue": "notifications.socket"}}
	c.Handle(context.Background(), d)

	rec := f.record(t, model.ChannelSocket)
	assert.Equal(t, model.DeliveryDeadLettered, rec.Status)
	assert.Equal(t, "expired", rec.ErrorType)
}

func TestDeadLetterConsumerLeavesNewerAttemptAlone(t *testing.T) {
	f := newFixture(t, model.ChannelEmail)
	f.seedClaim(t, model.ChannelEmail, model.DeliveryFailed, 1, "tok-2", time.Now())
	c := NewDeadLetterConsumer(nil, "", f.deliveries, f.events, f.metrics, logger.Nop())

	acker := &fakeAcker{}
	c.Handle(context.Background(), delivery(t, model.ChannelEmail, acker))

	assert.Equal(t, 1, acker.acked)
	assert.Equal(t, model.DeliveryFailed, f.record(t, model.ChannelEmail).Status)
	assert.Len(t, f.events.Events(), 0)
}

type fakeIntake struct {
	err   error
	calls []model.Channel
}

func (i *fakeIntake) CreateNotification(_ context.Context, n *model.Notification, channels []model.Channel) (*model.DeliveryResult, error) {
	i.calls = append(i.calls, channels...)
	if i.err != nil {
		return nil, i.err
	}
	return &model.DeliveryResult{Notification: n}, nil
}

func TestSocketIntakeConsumer(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())

	intake := &fakeIntake{}
	c := NewSocketIntakeConsumer(nil, 0, intake, m, logger.Nop())
	acker := &fakeAcker{}
	c.Handle(context.Background(), delivery(t, model.ChannelSocket, acker))
	assert.Equal(t, 1, acker.acked)
	assert.Equal(t, []model.Channel{model.ChannelSocket}, intake.calls)

	intake.err = apperrors.Validation("userId", "required")
	acker = &fakeAcker{}
	c.Handle(context.Background(), delivery(t, model.ChannelSocket, acker))
	assert.Equal(t, 1, acker.rejected)
	assert.False(t, acker.requeue)

	intake.err = errors.New("db down")
	acker = &fakeAcker{}
	c.Handle(context.Background(), delivery(t, model.ChannelSocket, acker))
	assert.True(t, acker.requeue)
}

type fakeExpirer struct {
	calls atomic.Int32
	err   error
}

func (e *fakeExpirer) ExpireOffline(context.Context) (int, error) {
	e.calls.Add(1)
	if e.err != nil {
		return 0, e.err
	}
	return 2, nil
}

func TestOfflineExpiryWorkerSweepsOnTicker(t *testing.T) {
	expirer := &fakeExpirer{}
	w := NewOfflineExpiryWorker(expirer, 5*time.Millisecond, logger.Nop())

	assert.Equal(t, 2, w.Sweep(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return expirer.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done

	expirer.err = errors.New("redis down")
	assert.Zero(t, w.Sweep(context.Background()))
}

func TestRetentionWorkerKeepsNonTerminal(t *testing.T) {
	repo := memory.NewDeliveryRepository()
	old := time.Now().Add(-48 * time.Hour)
	for _, rec := range []*model.DeliveryRecord{
		{NotificationID: "a", Channel: model.ChannelEmail, Status: model.DeliveryDelivered, UpdatedAt: old},
		{NotificationID: "b", Channel: model.ChannelEmail, Status: model.DeliveryDeadLettered, UpdatedAt: old},
		{NotificationID: "c", Channel: model.ChannelEmail, Status: model.DeliveryFailed, UpdatedAt: old},
		{NotificationID: "d", Channel: model.ChannelEmail, Status: model.DeliveryDelivered, UpdatedAt: time.Now()},
	} {
		require.NoError(t, repo.Create(context.Background(), rec))
	}

	w := NewRetentionWorker(repo, 24*time.Hour, time.Hour, logger.Nop())
	n, err := w.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = repo.Get(context.Background(), model.RecordKey{NotificationID: "c", Channel: model.ChannelEmail})
	assert.NoError(t, err)
}
