package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/ghuser/activitypipeline/pkg/app"
	"github.com/ghuser/activitypipeline/pkg/broker"
	"github.com/ghuser/activitypipeline/pkg/cache"
	"github.com/ghuser/activitypipeline/pkg/config"
	"github.com/ghuser/activitypipeline/pkg/database"
	"github.com/ghuser/activitypipeline/pkg/httpx"
	"github.com/ghuser/activitypipeline/pkg/logger"
	"github.com/ghuser/activitypipeline/pkg/telemetry"
	"github.com/ghuser/activitypipeline/services/activity/application/consumer"
	"github.com/ghuser/activitypipeline/services/activity/infrastructure/persistence/postgres"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup (store pool, Redis,
// telemetry, Sentry) runs on every path out of the worker.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	if err := config.ValidateForProduction(cfg); err != nil {
		slog.Error("production config validation failed", "error", err)
		return 1
	}

	log := logger.New(cfg, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, metricsHandler, err := telemetry.Setup(ctx, cfg, "worker")
	if err != nil {
		log.Error("failed to setup otel", "error", err)
		return 1
	}
	defer otelShutdown(context.Background()) //nolint:errcheck

	if err := telemetry.SetupSentry(cfg); err != nil {
		log.Warn("failed to setup sentry, continuing without crash reporting", "error", err)
	}
	defer telemetry.SentryFlush()

	// Connections are opened lazily; an unreachable store surfaces as
	// requeued deliveries rather than a startup failure.
	db, err := database.Open(cfg.DatabaseURL())
	if err != nil {
		log.Error("failed to open database", "error", err)
		return 1
	}
	defer db.Close() //nolint:errcheck

	appConfig := &app.Application{Db: db, Logger: log}
	if cfg.RedisURL != "" {
		redisClient, err := cache.NewRedisClient(cfg)
		if err != nil {
			log.Warn("redis unavailable, running without last-activity cache", "error", err)
		} else {
			defer redisClient.Close() //nolint:errcheck
			appConfig.Redis = redisClient
			log.Info("redis connected")
		}
	}

	c := newConsumer(cfg, appConfig)
	probe := httpx.NewServer(cfg.HealthAddr, httpx.NewProbeRouter(c, metricsHandler, logger.Recovery(log)))

	if err := serve(ctx, c.Run, probe, log); err != nil {
		log.Error("worker stopped with error", "error", err)
		return 1
	}
	log.Info("worker stopped")
	return 0
}

// serve runs the consume loop and the probe server until ctx ends or either
// of them fails; a probe listener failure also stops the consume loop.
func serve(ctx context.Context, consume func(context.Context), probe *http.Server, log logger.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		consume(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("probe server listening", "addr", probe.Addr)
		if err := probe.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("probe server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return probe.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newConsumer wires the queue consumer to the activity processor. Panics in
// the processor are reported to Sentry before the consumer requeues the message.
func newConsumer(cfg *config.Config, a *app.Application) *broker.Consumer {
	var recorder consumer.LastActivityRecorder
	if a.Redis != nil {
		recorder = cache.NewActivityCache(a.Redis)
	}
	processor := consumer.NewProcessor(postgres.NewActivityRepository(a.Db), recorder, a.Logger)

	handler := func(ctx context.Context, d amqp.Delivery) error {
		defer telemetry.RecoverWithSentry(ctx)
		return processor.Handle(ctx, d)
	}

	return broker.NewConsumer(
		broker.NewDialer(cfg.AMQPURL(), cfg.ServiceName+"-worker", cfg.RabbitMQHeartbeat),
		broker.ConsumerConfig{
			Queue:            cfg.RabbitMQQueue,
			DeadLetterQueue:  cfg.DeadLetterQueue,
			ConsumerTag:      cfg.ServiceName + "-worker",
			ReconnectBackoff: cfg.ReconnectBackoff,
			RequeueDelay:     cfg.RequeueDelay,
			HandlerTimeout:   cfg.HandlerTimeout,
		},
		handler,
		a.Logger,
	)
}
