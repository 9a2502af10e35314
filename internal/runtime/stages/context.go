// Package stages adapts typed functions into pipeline stages. The stage
// decodes the event payload, calls the function and encodes the result back
// into the event.
package stages

import (
	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowdispatch/internal/runtime/metadata"
)

// Context exposes the decoded payload and the headers of the event to a
// typed stage function.
type Context[T any] struct {
	EventID  string
	Payload  T
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so stages can safely
// mutate headers for the outgoing event without touching the original map.
func (c Context[T]) CloneMetadata() metadatapkg.Metadata {
	return c.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (c Context[T]) Get(key string) string {
	return c.Metadata.Get(key)
}

// CorrelationID returns the correlation ID from metadata, if present.
func (c Context[T]) CorrelationID() string {
	return c.Metadata.Get(metadatapkg.KeyCorrelationID)
}

// Output is the result of a typed stage. Nil Metadata keeps the headers of
// the incoming event.
type Output[O any] struct {
	Message  O
	Metadata metadatapkg.Metadata
}

func newContext[T any](ev *eventpkg.Event, payload T, logger loggingpkg.ServiceLogger) Context[T] {
	return Context[T]{
		EventID:  ev.ID,
		Payload:  payload,
		Metadata: ev.Metadata,
		Logger:   logger,
	}
}

// result builds the outgoing event. It keeps the event id so the source can
// correlate the result with the message it came from.
func result(in *eventpkg.Event, payload []byte, md metadatapkg.Metadata, schema string) *eventpkg.Event {
	if md == nil {
		md = in.Metadata
	}
	return &eventpkg.Event{
		ID:       in.ID,
		Payload:  payload,
		Metadata: md.With(metadatapkg.KeySchema, schema),
	}
}
