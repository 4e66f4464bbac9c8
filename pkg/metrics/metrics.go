package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/jwalitptl/notify-engine/pkg/errors"
)

// Metrics holds all delivery engine metrics
type Metrics struct {
	// Delivery metrics
	NotificationsTotal *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec
	DeliveryFailures   *prometheus.CounterVec
	DeliveryRetries    *prometheus.CounterVec

	// Presence metrics
	PresenceConnections prometheus.Gauge
	OfflineReplayed     prometheus.Counter

	// Breaker and broker metrics
	BreakerState    *prometheus.GaugeVec
	QueueConsumed   *prometheus.CounterVec
	BrokerReconnect prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification deliveries by type and resulting status",
		}, []string{"type", "status"}),
		DeliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Duration of a single delivery attempt per channel",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Failed delivery attempts by channel and error type",
		}, []string{"channel", "error_type"}),
		DeliveryRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_retries_total",
			Help: "Scheduled delivery reattempts by channel",
		}, []string{"channel"}),

		PresenceConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "presence_connections",
			Help: "Currently open real-time connections in this process",
		}),
		OfflineReplayed: f.NewCounter(prometheus.CounterOpts{
			Name: "offline_queue_replayed_total",
			Help: "Queued real-time messages delivered on reconnect",
		}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"breaker"}),
		QueueConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_queue_messages_total",
			Help: "Broker messages handled by consumers, by queue and outcome",
		}, []string{"queue", "outcome"}),
		BrokerReconnect: f.NewCounter(prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Broker reconnect attempts",
		}),
	}
}

// Instrument times op, observes the duration under channel and counts a
// failure labelled with the error type when op fails.
func (m *Metrics) Instrument(channel string, op func() error) error {
	start := time.Now()
	err := op()
	m.DeliveryDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	if err != nil {
		m.DeliveryFailures.WithLabelValues(channel, apperrors.Type(err)).Inc()
	}
	return err
}

// ObserveStatus counts a notification reaching status on some channel.
func (m *Metrics) ObserveStatus(notificationType, status string) {
	m.NotificationsTotal.WithLabelValues(notificationType, status).Inc()
}

// ObserveFailure counts a failure that did not pass through Instrument.
func (m *Metrics) ObserveFailure(channel string, err error) {
	m.DeliveryFailures.WithLabelValues(channel, apperrors.Type(err)).Inc()
}
