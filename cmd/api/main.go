package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ghuser/activitypipeline/pkg/app"
	"github.com/ghuser/activitypipeline/pkg/broker"
	"github.com/ghuser/activitypipeline/pkg/config"
	"github.com/ghuser/activitypipeline/pkg/httpx"
	"github.com/ghuser/activitypipeline/pkg/logger"
	"github.com/ghuser/activitypipeline/pkg/telemetry"
	activityApi "github.com/ghuser/activitypipeline/services/activity/application/api"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup (publisher, telemetry,
// Sentry) runs on every path out of the server.
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

	log := logger.New(cfg, "api")

	// Telemetry: OTel tracing + metrics
	ctx := context.Background()
	otelShutdown, metricsHandler, err := telemetry.Setup(ctx, cfg, "api")
	if err != nil {
		log.Error("failed to setup otel", "error", err)
		return 1
	}
	defer otelShutdown(ctx) //nolint:errcheck

	// Crash reporting: Sentry (optional, log and continue on failure)
	if err := telemetry.SetupSentry(cfg); err != nil {
		log.Warn("failed to setup sentry, continuing without crash reporting", "error", err)
	}
	defer telemetry.SentryFlush()

	publisher := broker.NewPublisher(
		broker.NewDialer(cfg.AMQPURL(), cfg.ServiceName+"-api", cfg.RabbitMQHeartbeat),
		cfg.RabbitMQQueue,
		log,
	)
	// The gateway starts even when the broker is down; /health reports it and
	// the first publish reconnects.
	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
	if err := publisher.Connect(connectCtx); err != nil {
		log.Warn("broker unavailable at startup, will connect on first publish", "error", err)
	}
	cancelConnect()

	appConfig := &app.Application{
		Logger:    log,
		Publisher: publisher,
	}

	r := httpx.NewRouter(
		httpx.ServerConfig{
			ServiceName:        cfg.ServiceName,
			IsDevelopment:      cfg.Environment == config.EnvDevelopment,
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
		},
		logger.Middleware(log),
		logger.Recovery(log),
		telemetry.SentryMiddleware(),
		otelhttp.NewMiddleware(cfg.ServiceName+"-api"),
	)

	r.Get("/health", httpx.HealthHandler(publisher))
	r.Method(http.MethodGet, "/metrics", metricsHandler)
	r.Route("/api", func(r chi.Router) {
		registerRoutes(r, appConfig)
	})

	srv := httpx.NewServer(cfg.HTTPAddr, r)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr, "env", cfg.Environment, "queue", cfg.RabbitMQQueue)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	select {
	case <-sigCtx.Done():
		log.Info("shutting down...")
	case err := <-serverErr:
		log.Error("server error", "error", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx, srv.Shutdown, publisher); err != nil {
		log.Error("forced shutdown", "error", err)
		return 1
	}
	log.Info("server stopped")
	return code
}

// shutdown drains the HTTP server and then closes the publisher. The publisher
// is closed even when the server did not drain before ctx expired.
func shutdown(ctx context.Context, stopServer func(context.Context) error, publisher io.Closer) error {
	err := stopServer(ctx)
	if cerr := publisher.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close publisher: %w", cerr))
	}
	return err
}

// registerRoutes mounts all service routes under /api.
func registerRoutes(r chi.Router, a *app.Application) {
	activityApi.ActivityRoutes(r, a)
}
