// Package consumer turns queue deliveries into stored activity rows.
package consumer

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ghuser/activitypipeline/pkg/broker"
	"github.com/ghuser/activitypipeline/pkg/cache"
	"github.com/ghuser/activitypipeline/pkg/logger"
	"github.com/ghuser/activitypipeline/services/activity/domain/events"
	"github.com/ghuser/activitypipeline/services/activity/domain/models"
	"github.com/ghuser/activitypipeline/services/activity/domain/repositories"
)

// LastActivityRecorder updates the per-subject read model. Optional.
type LastActivityRecorder interface {
	RecordLast(ctx context.Context, a *cache.LastActivity) (bool, error)
}

// Processor decodes, persists and (optionally) caches one delivery at a time.
type Processor struct {
	repo  repositories.ActivityRepository
	cache LastActivityRecorder
	log   logger.Logger
}

// NewProcessor returns a Processor. recorder may be nil.
func NewProcessor(repo repositories.ActivityRepository, recorder LastActivityRecorder, log logger.Logger) *Processor {
	return &Processor{repo: repo, cache: recorder, log: log}
}

// Handle implements broker.Handler. A body that cannot be decoded into a valid
// Event is reported as broker.ErrMalformed (acked, never retried); a store
// failure is returned as-is so the delivery is requeued.
func (p *Processor) Handle(ctx context.Context, d amqp.Delivery) error {
	e, err := events.Decode(d.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrMalformed, err)
	}

	if err := p.repo.Save(ctx, e); err != nil {
		return fmt.Errorf("save activity: %w", err)
	}
	p.log.InfoContext(ctx, "activity persisted",
		"subject_id", e.SubjectID,
		"event_kind", e.EventKind,
		"timestamp", models.FormatTimestamp(e.Timestamp),
	)

	p.recordLast(ctx, e)
	return nil
}

// recordLast is best-effort: the row is already committed, so a cache error
// must not turn into a requeue.
func (p *Processor) recordLast(ctx context.Context, e *models.Event) {
	if p.cache == nil {
		return
	}
	if _, err := p.cache.RecordLast(ctx, &cache.LastActivity{
		SubjectID: e.SubjectID,
		EventKind: e.EventKind,
		Timestamp: e.Timestamp,
	}); err != nil {
		p.log.WarnContext(ctx, "last-activity cache update failed",
			"subject_id", e.SubjectID, "error", err)
	}
}
