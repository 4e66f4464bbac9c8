package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/notify-engine/config"
	"github.com/jwalitptl/notify-engine/internal/app"
	"github.com/jwalitptl/notify-engine/internal/channel"
	"github.com/jwalitptl/notify-engine/internal/handler/health"
	"github.com/jwalitptl/notify-engine/internal/handler/notification"
	"github.com/jwalitptl/notify-engine/internal/handler/ws"
	"github.com/jwalitptl/notify-engine/internal/middleware"
	"github.com/jwalitptl/notify-engine/internal/router"
	"github.com/jwalitptl/notify-engine/internal/service/delivery"
	"github.com/jwalitptl/notify-engine/internal/service/presence"
	"github.com/jwalitptl/notify-engine/pkg/auth"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/messaging/rabbitmq"
	"github.com/jwalitptl/notify-engine/pkg/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to config.yml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(cfg.Log.ToLoggerConfig())
	log.Logger = appLogger.ZL
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.Bootstrap(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal(err, "failed to initialize infrastructure")
	}
	defer infra.Close()

	// Presence and delivery
	registry := presence.NewRegistry(cfg.Presence.ToPresenceConfig(), appLogger, infra.Metrics)
	registry.Start()

	exchange := cfg.Queues.ToTopology().Exchange
	socket := channel.NewSocketAdapter(registry, infra.Breaker("socket"))
	scheduler := delivery.NewScheduler(cfg.Delivery.ToRetryPolicy(), infra.Deliveries, infra.Audit, infra.Metrics, appLogger)
	orchestrator := delivery.NewOrchestrator(delivery.Dependencies{
		Deliveries:  infra.Deliveries,
		Preferences: infra.Preferences,
		Offline:     infra.Offline,
		Socket:      socket,
		Adapters: []channel.Adapter{
			channel.NewEmailAdapter(infra.Broker, exchange, infra.Breaker("email.publish")),
			channel.NewWebhookAdapter(infra.Broker, exchange, infra.Breaker("webhook.publish")),
		},
		Scheduler:      scheduler,
		Audit:          infra.Audit,
		Metrics:        infra.Metrics,
		Logger:         appLogger,
		AttemptTimeout: cfg.Delivery.AttemptTimeout,
	})
	registry.OnOpen(func(ctx context.Context, userID string) {
		if err := orchestrator.Replay(ctx, userID); err != nil {
			appLogger.Error(err, "Failed to replay offline messages", "user_id", userID)
		}
	})

	// Broker consumers
	var wg sync.WaitGroup
	runConsumer := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error(err, "Consumer stopped", "consumer", name)
			}
		}()
	}

	intake := worker.NewSocketIntakeConsumer(infra.Broker, cfg.Worker.Prefetch, orchestrator, infra.Metrics, appLogger)
	runConsumer(rabbitmq.QueueName("socket"), intake.Start)

	if cfg.Worker.Embedded {
		for _, c := range infra.ChannelConsumers() {
			runConsumer("channel", c.Start)
		}
		dlq := worker.NewDeadLetterConsumer(infra.Broker, rabbitmq.DefaultDeadLetterQueue, infra.Deliveries, infra.Audit, infra.Metrics, appLogger)
		runConsumer(rabbitmq.DefaultDeadLetterQueue, dlq.Start)
	}

	expiry := worker.NewOfflineExpiryWorker(orchestrator, cfg.Delivery.OfflineReapInterval, appLogger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		expiry.Start(ctx)
	}()

	// HTTP
	jwtSvc := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	authMiddleware := middleware.NewAuthMiddleware(jwtSvc)

	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.Server.AllowedOrigins

	r, err := router.NewRouter(authMiddleware, router.Handlers{
		Health:        health.NewHandler(infra.HealthChecks()),
		Notifications: notification.NewHandler(orchestrator, authMiddleware),
		Socket: ws.NewHandler(registry, ws.Config{
			WriteWait:      cfg.Presence.WriteTimeout,
			MaxMessageSize: cfg.Presence.MaxMessageSize,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, appLogger).Connect,
	}, router.RouterConfig{
		RateLimit: middleware.RateLimitConfig{
			Limit:  cfg.RateLimit.Limit,
			Burst:  cfg.RateLimit.Burst,
			Window: cfg.RateLimit.Window,
		},
		CORSConfig:  cors,
		Timeout:     cfg.Server.RequestTimeout,
		MaxBodySize: cfg.Server.MaxBodySize,
		Registry:    infra.Registry,
	})
	if err != nil {
		appLogger.Fatal(err, "failed to build router")
	}
	r.Setup()

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		appLogger.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error(err, "HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(err, "Server forced to shutdown")
	}
	registry.Close()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(err, "Orchestrator shutdown incomplete")
	}
	wg.Wait()

	appLogger.Info("Server exited properly")
}
