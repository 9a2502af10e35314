// Package event defines the unit of work that travels through a flow.
package event

import (
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/drblury/flowdispatch/internal/runtime/ids"
	metadatapkg "github.com/drblury/flowdispatch/internal/runtime/metadata"
)

// Event carries a payload and its headers between stages. Stages return a new
// or updated Event; the dispatcher never copies payloads.
type Event struct {
	ID       string
	Payload  any
	Metadata metadatapkg.Metadata
}

// New creates an event with a fresh ULID and empty metadata.
func New(payload any) *Event {
	return &Event{
		ID:       idspkg.NewID(),
		Payload:  payload,
		Metadata: metadatapkg.Metadata{},
	}
}

// FromMessage converts a Watermill message into an event. The message UUID is
// kept as event id so acknowledgements can be correlated.
func FromMessage(msg *message.Message) *Event {
	id := msg.UUID
	if id == "" {
		id = idspkg.NewID()
	}
	return &Event{
		ID:       id,
		Payload:  []byte(msg.Payload),
		Metadata: metadatapkg.FromWatermill(msg.Metadata),
	}
}

// WithPayload returns a copy of e carrying payload. Metadata is cloned.
func (e *Event) WithPayload(payload any) *Event {
	return &Event{
		ID:       e.ID,
		Payload:  payload,
		Metadata: e.Metadata.Clone(),
	}
}

// PayloadBytes renders the payload as bytes. Streams are read to EOF.
func (e *Event) PayloadBytes() ([]byte, error) {
	switch p := e.Payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case message.Payload:
		return p, nil
	case string:
		return []byte(p), nil
	case io.Reader:
		return io.ReadAll(p)
	case fmt.Stringer:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("event %s: unsupported payload type %T", e.ID, e.Payload)
	}
}

// ToMessage converts the event into a Watermill message.
func (e *Event) ToMessage() (*message.Message, error) {
	payload, err := e.PayloadBytes()
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(e.ID, payload)
	msg.Metadata = metadatapkg.ToWatermill(e.Metadata)
	return msg, nil
}

// Stream reports whether payload is consumed incrementally (an io.Reader) and,
// when the reader exposes Len or Size, how many bytes it holds.
func Stream(payload any) (length int64, known bool, ok bool) {
	r, isReader := payload.(io.Reader)
	if !isReader {
		return 0, false, false
	}
	switch sized := r.(type) {
	case interface{ Len() int }:
		return int64(sized.Len()), true, true
	case interface{ Size() int64 }:
		return sized.Size(), true, true
	}
	return 0, false, true
}
