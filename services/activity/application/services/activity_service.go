package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ghuser/activitypipeline/pkg/logger"
	activitydomain "github.com/ghuser/activitypipeline/services/activity/domain"
	"github.com/ghuser/activitypipeline/services/activity/domain/events"
	"github.com/ghuser/activitypipeline/services/activity/domain/models"
)

// Publisher hands an encoded event to the durable queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// ActivityService validates events and publishes them for asynchronous persistence.
type ActivityService struct {
	pub Publisher
	log logger.Logger
}

// NewActivityService returns an ActivityService publishing through pub.
func NewActivityService(pub Publisher, log logger.Logger) *ActivityService {
	return &ActivityService{pub: pub, log: log}
}

// Track builds an Event and publishes it. It returns once the publish attempt
// (including the publisher's single retry) has completed; persistence happens later.
func (s *ActivityService) Track(ctx context.Context, subjectID int64, eventKind string, ts time.Time, metadata map[string]any) (*models.Event, error) {
	e, err := models.NewEvent(subjectID, eventKind, ts, metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", activitydomain.ErrInvalidEvent, err)
	}

	body, err := events.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", activitydomain.ErrInvalidEvent, err)
	}

	if err := s.pub.Publish(ctx, body); err != nil {
		s.log.ErrorContext(ctx, "failed to publish activity event",
			"subject_id", e.SubjectID, "event_kind", e.EventKind, "error", err)
		return nil, fmt.Errorf("%w: %w", activitydomain.ErrPublishFailed, err)
	}

	s.log.InfoContext(ctx, "activity event published",
		"subject_id", e.SubjectID, "event_kind", e.EventKind)
	return e, nil
}
