package stages

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/flowdispatch/internal/runtime/errors"
	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	"github.com/drblury/flowdispatch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
)

// JSONFunc processes a decoded JSON payload.
type JSONFunc[T any, O any] func(ctx context.Context, in Context[T]) (Output[O], error)

// JSONStage decodes the event payload into T, calls a JSONFunc and encodes
// its output as the new payload. T must be a pointer type.
type JSONStage[T any, O any] struct {
	name   string
	typ    processing.ProcessingType
	fn     JSONFunc[T, O]
	newT   func() T
	logger loggingpkg.ServiceLogger
}

// NewJSONStage builds a typed JSON stage. A nil logger discards stage logs.
func NewJSONStage[T any, O any](name string, typ processing.ProcessingType, fn JSONFunc[T, O], logger loggingpkg.ServiceLogger) (*JSONStage[T, O], error) {
	if fn == nil {
		return nil, errspkg.ErrStageRequired
	}
	newT, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	return &JSONStage[T, O]{
		name:   name,
		typ:    typ,
		fn:     fn,
		newT:   newT,
		logger: loggingpkg.OrNop(logger),
	}, nil
}

func (s *JSONStage[T, O]) Name() string                              { return s.name }
func (s *JSONStage[T, O]) ProcessingType() processing.ProcessingType { return s.typ }

// Process implements processing.Stage. A payload that already holds a T is
// used without decoding.
func (s *JSONStage[T, O]) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	typed, err := s.decode(ev)
	if err != nil {
		return nil, err
	}

	out, err := s.fn(ctx, newContext(ev, typed, s.logger))
	if err != nil {
		return nil, err
	}

	if isZero(out.Message) {
		return nil, errors.New("json stage emitted zero-value message")
	}
	payload, err := jsoncodec.Marshal(out.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T payload: %w", out.Message, err)
	}
	return result(ev, payload, out.Metadata, fmt.Sprintf("%T", out.Message)), nil
}

func (s *JSONStage[T, O]) decode(ev *eventpkg.Event) (T, error) {
	if typed, ok := ev.Payload.(T); ok {
		return typed, nil
	}
	var zero T
	raw, err := ev.PayloadBytes()
	if err != nil {
		return zero, err
	}
	typed := s.newT()
	if err := jsoncodec.Unmarshal(raw, typed); err != nil {
		return zero, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
	}
	return typed, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrConsumeMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func isZero(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}
