package repositories

import (
	"context"

	"github.com/ghuser/activitypipeline/services/activity/domain/models"
)

// ActivityRepository is the persistence interface for activity events.
// The domain layer owns this interface; infrastructure implements it.
type ActivityRepository interface {
	// Save inserts one event. Each call acquires and releases its own store
	// connection, so a failed call leaves nothing held.
	Save(ctx context.Context, e *models.Event) error
}
