package app

import (
	"github.com/ghuser/activitypipeline/pkg/broker"
	"github.com/ghuser/activitypipeline/pkg/cache"
	"github.com/ghuser/activitypipeline/pkg/database"
	"github.com/ghuser/activitypipeline/pkg/logger"
)

// Application holds shared infrastructure dependencies for all services.
// Each binary fills in only what it owns: the api sets Publisher, the worker
// sets Db and (optionally) Redis.
//
// Logging: app.Logger is backed by a trace-aware handler. Use the context
// methods and trace_id, span_id and request_id are injected automatically:
//
//	app.Logger.InfoContext(ctx, "event accepted", "subject_id", id)
//
// Use app.Logger.Info/Error (no context) only for startup and shutdown messages.
type Application struct {
	Db        *database.Database
	Logger    logger.Logger
	Publisher *broker.Publisher
	Redis     *cache.RedisClient // nil when REDIS_URL is unset or unreachable
}
