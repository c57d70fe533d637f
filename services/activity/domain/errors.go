package domain

import "errors"

// Sentinel errors for the activity domain. Use errors.Is() to check these.
var (
	// ErrInvalidEvent indicates client input that violates the Event invariants.
	ErrInvalidEvent = errors.New("invalid activity event")

	// ErrMalformedPayload indicates a queue message that can never be decoded into an Event.
	ErrMalformedPayload = errors.New("malformed activity payload")

	// ErrPublishFailed indicates the event could not be handed to the queue, even after a retry.
	ErrPublishFailed = errors.New("failed to publish activity event")

	// ErrPersistFailed indicates the relational store rejected or could not take the insert.
	ErrPersistFailed = errors.New("failed to persist activity event")
)
