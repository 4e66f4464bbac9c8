// Package app wires the engine's infrastructure from config. Both the API
// and the worker binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/notify-engine/config"
	"github.com/jwalitptl/notify-engine/internal/channel"
	"github.com/jwalitptl/notify-engine/internal/email"
	"github.com/jwalitptl/notify-engine/internal/handler/health"
	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
	"github.com/jwalitptl/notify-engine/internal/repository/cache"
	"github.com/jwalitptl/notify-engine/internal/repository/memory"
	"github.com/jwalitptl/notify-engine/internal/repository/postgres"
	redisrepo "github.com/jwalitptl/notify-engine/internal/repository/redis"
	"github.com/jwalitptl/notify-engine/internal/service/audit"
	"github.com/jwalitptl/notify-engine/internal/webhook"
	"github.com/jwalitptl/notify-engine/pkg/circuitbreaker"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/messaging"
	"github.com/jwalitptl/notify-engine/pkg/messaging/rabbitmq"
	redisbroker "github.com/jwalitptl/notify-engine/pkg/messaging/redis"
	"github.com/jwalitptl/notify-engine/pkg/metrics"
	"github.com/jwalitptl/notify-engine/pkg/security"
	"github.com/jwalitptl/notify-engine/pkg/worker"
)

// Infra holds the connections and repositories shared by every component
// of a process.
type Infra struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	DB     *sqlx.DB
	Redis  *goredis.Client
	Broker *rabbitmq.Connection

	Deliveries  repository.DeliveryRepository
	Preferences repository.PreferenceRepository
	Offline     repository.OfflineQueue
	Audit       audit.Sink

	closers []func() error
}

// Bootstrap connects to every configured backend. Postgres and Redis are
// optional; RabbitMQ is required.
func Bootstrap(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Infra, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	infra := &Infra{
		Config:   cfg,
		Logger:   log,
		Registry: reg,
		Metrics:  metrics.NewMetrics(reg),
	}

	if err := infra.openStorage(ctx); err != nil {
		infra.Close()
		return nil, err
	}
	if err := infra.openBroker(ctx); err != nil {
		infra.Close()
		return nil, err
	}
	return infra, nil
}

func (i *Infra) openStorage(ctx context.Context) error {
	cfg := i.Config

	var prefs repository.PreferenceRepository
	if cfg.Database.Enabled {
		db, err := postgres.NewDB(cfg.Database)
		if err != nil {
			return err
		}
		i.DB = db
		i.closers = append(i.closers, db.Close)

		base := postgres.NewBaseRepository(db)
		if err := base.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		var secrets security.Encryptor
		if cfg.Database.SecretKey != "" {
			key, err := security.ParseKey(cfg.Database.SecretKey)
			if err != nil {
				return fmt.Errorf("invalid database.secret_key: %w", err)
			}
			if secrets, err = security.NewAESEncryptor(key); err != nil {
				return err
			}
		}
		i.Deliveries = postgres.NewDeliveryRepository(base)
		prefs = postgres.NewPreferenceRepository(base, secrets)
		i.Logger.Info("Using postgres storage", "host", cfg.Database.Host, "database", cfg.Database.Name)
	} else {
		i.Deliveries = memory.NewDeliveryRepository()
		prefs = memory.NewPreferenceRepository()
		i.Logger.Warn("Using in-memory storage; delivery records are lost on restart")
	}
	i.Preferences = cache.NewPreferenceRepository(prefs, cfg.Delivery.PreferencesTTL)

	var auditBroker messaging.Broker
	if cfg.Redis.Enabled {
		client, err := redisbroker.NewClient(ctx, cfg.Redis.ToBrokerConfig())
		if err != nil {
			return err
		}
		i.Redis = client
		i.closers = append(i.closers, client.Close)

		i.Offline = redisrepo.NewOfflineQueue(client, cfg.Delivery.OfflineTTL)
		auditBroker = redisbroker.NewRedisBroker(client, i.Logger)
	} else {
		i.Offline = memory.NewOfflineQueue(cfg.Delivery.OfflineTTL)
	}
	i.Audit = audit.NewService(auditBroker, cfg.Redis.AuditTopic, i.Logger)
	return nil
}

func (i *Infra) openBroker(ctx context.Context) error {
	brokerCfg := i.Config.RabbitMQ.ToBrokerConfig()
	brokerCfg.OnReconnect = i.Metrics.BrokerReconnect.Inc

	dialCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	conn, err := rabbitmq.Dial(dialCtx, brokerCfg, i.Config.Queues.ToTopology(), i.Logger)
	if err != nil {
		return err
	}
	i.Broker = conn
	i.closers = append(i.closers, conn.Close)
	return nil
}

// Breaker builds a named breaker from the configured settings.
func (i *Infra) Breaker(name string) *circuitbreaker.CircuitBreaker {
	return channel.NewBreaker(name, i.Config.Breaker.ToBreakerSettings(), i.Metrics)
}

// ChannelConsumers builds the email and webhook queue consumers.
func (i *Infra) ChannelConsumers() []*worker.ChannelConsumer {
	cfg := i.Config
	transports := map[model.Channel]worker.Transport{
		model.ChannelEmail:   worker.EmailTransport(email.NewSMTPService(cfg.SMTP.ToEmailConfig())),
		model.ChannelWebhook: worker.WebhookTransport(webhook.NewClient(cfg.Worker.WebhookTimeout)),
	}

	consumers := make([]*worker.ChannelConsumer, 0, len(transports))
	for _, ch := range []model.Channel{model.ChannelEmail, model.ChannelWebhook} {
		consumers = append(consumers, worker.NewChannelConsumer(worker.ChannelConsumerConfig{
			Channel:       ch,
			Prefetch:      cfg.Worker.Prefetch,
			RatePerSecond: cfg.Worker.RatePerSecond,
			Burst:         cfg.Worker.Burst,
			ClaimLease:    cfg.Worker.ClaimLease,
		}, worker.ChannelConsumerDeps{
			Consumer:    i.Broker,
			Publisher:   i.Broker,
			Deliveries:  i.Deliveries,
			Preferences: i.Preferences,
			Breaker:     i.Breaker(ch.Key()),
			Transport:   transports[ch],
			Policy:      cfg.Delivery.ToRetryPolicy(),
			Audit:       i.Audit,
			Metrics:     i.Metrics,
			Logger:      i.Logger.WithFields(map[string]interface{}{"consumer": ch.Key()}),
		}))
	}
	return consumers
}

// HealthChecks reports the backends this process depends on.
func (i *Infra) HealthChecks() map[string]health.Check {
	checks := map[string]health.Check{
		"rabbitmq": func(context.Context) error {
			if i.Broker == nil || !i.Broker.Connected() {
				return errors.New("broker disconnected")
			}
			return nil
		},
	}
	if i.DB != nil {
		checks["postgres"] = func(ctx context.Context) error {
			return i.DB.PingContext(ctx)
		}
	}
	if i.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return i.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// Close releases connections in reverse order of opening.
func (i *Infra) Close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		if err := i.closers[n](); err != nil {
			i.Logger.Error(err, "Failed to close resource")
		}
	}
	i.closers = nil
}
