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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/notify-engine/config"
	"github.com/jwalitptl/notify-engine/internal/app"
	"github.com/jwalitptl/notify-engine/internal/handler"
	"github.com/jwalitptl/notify-engine/internal/handler/health"
	"github.com/jwalitptl/notify-engine/internal/middleware"
	"github.com/jwalitptl/notify-engine/pkg/logger"
	"github.com/jwalitptl/notify-engine/pkg/messaging/rabbitmq"
	"github.com/jwalitptl/notify-engine/pkg/worker"
)

func setupHealthCheck(infra *app.Infra, port int) *http.Server {
	engine := gin.New()
	engine.Use(middleware.Recovery())
	health.NewHandler(infra.HealthChecks()).RegisterRoutes(&engine.RouterGroup)
	engine.GET("/metrics", handler.MetricsHandler(infra.Registry))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			infra.Logger.Error(err, "Health check server failed")
		}
	}()
	return srv
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to config.yml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatal().Err(err).Msg("Invalid worker config")
	}

	appLogger := logger.NewLogger(cfg.Log.ToLoggerConfig())
	log.Logger = appLogger.ZL
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.Bootstrap(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal(err, "Failed to initialize infrastructure")
	}
	defer infra.Close()

	healthSrv := setupHealthCheck(infra, cfg.Worker.HealthPort)

	var wg sync.WaitGroup
	run := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error(err, "Consumer stopped", "consumer", name)
				stop()
			}
		}()
	}

	consumers := infra.ChannelConsumers()
	for _, c := range consumers {
		run("channel", c.Start)
	}
	dlq := worker.NewDeadLetterConsumer(infra.Broker, rabbitmq.DefaultDeadLetterQueue, infra.Deliveries, infra.Audit, infra.Metrics, appLogger)
	run(rabbitmq.DefaultDeadLetterQueue, dlq.Start)

	if cfg.Retention.Enabled {
		retention := worker.NewRetentionWorker(infra.Deliveries, cfg.Retention.MaxAge, cfg.Retention.Interval, appLogger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			retention.Start(ctx)
		}()
	}

	appLogger.Info("Worker started", "channel_consumers", len(consumers), "retention", cfg.Retention.Enabled)
	<-ctx.Done()
	appLogger.Info("Shutting down...")

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(err, "Health check server forced to shutdown")
	}
}
