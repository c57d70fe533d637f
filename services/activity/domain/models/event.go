package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is a single user-activity record flowing from the gateway to the store.
// It is immutable once constructed.
type Event struct {
	SubjectID int64
	EventKind string
	Timestamp time.Time
	Metadata  map[string]any
}

// NewEvent validates the inputs and returns an Event with its timestamp in UTC.
// A nil metadata map becomes an empty one.
func NewEvent(subjectID int64, eventKind string, ts time.Time, metadata map[string]any) (*Event, error) {
	var errs []error
	if subjectID <= 0 {
		errs = append(errs, errors.New("subject_id must be a positive integer"))
	}
	if eventKind == "" {
		errs = append(errs, errors.New("event_kind must not be empty"))
	}
	if ts.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	if metadata == nil {
		metadata = map[string]any{}
	} else if _, err := json.Marshal(metadata); err != nil {
		errs = append(errs, fmt.Errorf("metadata is not JSON-representable: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Event{
		SubjectID: subjectID,
		EventKind: eventKind,
		Timestamp: ts.UTC(),
		Metadata:  metadata,
	}, nil
}
