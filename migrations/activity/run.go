package main

import (
	"context"
	"embed"
	"log/slog"
	"os"
	"time"

	"github.com/ghuser/activitypipeline/pkg/config"
	"github.com/ghuser/activitypipeline/pkg/logger"
	"github.com/ghuser/activitypipeline/pkg/migrator"
)

//go:embed *.sql
var MigrationsFS embed.FS

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg, "migrate")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := migrator.RunMigrations(ctx, cfg.DatabaseURL(), MigrationsFS, log); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1) //nolint:gocritic // startup failure
	}
}
