package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ghuser/activitypipeline/pkg/database"
	"github.com/ghuser/activitypipeline/services/activity/domain"
	"github.com/ghuser/activitypipeline/services/activity/domain/models"
	"github.com/ghuser/activitypipeline/services/activity/domain/repositories"
)

const insertActivity = `INSERT INTO user_activities (subject_id, event_kind, timestamp, metadata)
VALUES ($1, $2, $3, $4)`

// ActivityRepository implements repositories.ActivityRepository against PostgreSQL.
type ActivityRepository struct {
	db *database.Database
}

var _ repositories.ActivityRepository = (*ActivityRepository)(nil)

// NewActivityRepository returns an ActivityRepository backed by the given database.
func NewActivityRepository(db *database.Database) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Save inserts e in its own transaction. Every failure wraps domain.ErrPersistFailed.
func (r *ActivityRepository) Save(ctx context.Context, e *models.Event) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %w", domain.ErrPersistFailed, err)
	}

	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertActivity,
			e.SubjectID,
			e.EventKind,
			e.Timestamp.UTC(),
			string(payload),
		); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("%w: sqlstate %s: %w", domain.ErrPersistFailed, pgErr.Code, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrPersistFailed, err)
	}
	return nil
}
