// Package events defines the queue wire format for activity events.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ghuser/activitypipeline/services/activity/domain"
	"github.com/ghuser/activitypipeline/services/activity/domain/models"
)

// ActivityMessage is the JSON body of a queue message. Timestamp carries the
// canonical RFC 3339 UTC rendering of the event time.
type ActivityMessage struct {
	SubjectID int64          `json:"subject_id"`
	EventKind string         `json:"event_kind"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// Encode renders e as a queue message body.
func Encode(e *models.Event) ([]byte, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := json.Marshal(ActivityMessage{
		SubjectID: e.SubjectID,
		EventKind: e.EventKind,
		Timestamp: models.FormatTimestamp(e.Timestamp),
		Metadata:  metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode activity message: %w", err)
	}
	return body, nil
}

// Decode parses a queue message body into a validated Event. Metadata numbers
// are kept as json.Number so they are stored with the precision they arrived with.
// Every failure wraps domain.ErrMalformedPayload: no retry can fix the body.
func Decode(body []byte) (*models.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var msg ActivityMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedPayload, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON object", domain.ErrMalformedPayload)
	}

	ts, err := models.ParseTimestamp(msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedPayload, err)
	}
	e, err := models.NewEvent(msg.SubjectID, msg.EventKind, ts, msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedPayload, err)
	}
	return e, nil
}
