package stages

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/flowdispatch/internal/runtime/errors"
	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
)

// ProtoFunc processes a decoded protobuf payload.
type ProtoFunc[T proto.Message, O proto.Message] func(ctx context.Context, in Context[T]) (Output[O], error)

// ProtoOption customises a ProtoStage.
type ProtoOption func(*protoOptions)

type protoOptions struct {
	validate func(proto.Message) error
	logger   loggingpkg.ServiceLogger
}

// WithValidator checks every message the stage emits.
func WithValidator(validate func(proto.Message) error) ProtoOption {
	return func(o *protoOptions) {
		o.validate = validate
	}
}

// WithLogger sets the logger handed to the stage function.
func WithLogger(logger loggingpkg.ServiceLogger) ProtoOption {
	return func(o *protoOptions) {
		o.logger = logger
	}
}

// ProtoStage decodes the event payload as protojson into T, calls a
// ProtoFunc and encodes its output with protojson. The schema header carries
// the full name of the emitted message.
type ProtoStage[T proto.Message, O proto.Message] struct {
	name      string
	typ       processing.ProcessingType
	prototype T
	fn        ProtoFunc[T, O]
	opts      protoOptions
}

// NewProtoStage builds a typed protobuf stage. A nil prototype is replaced
// by a new instance of T.
func NewProtoStage[T proto.Message, O proto.Message](name string, typ processing.ProcessingType, prototype T, fn ProtoFunc[T, O], opts ...ProtoOption) (*ProtoStage[T, O], error) {
	if fn == nil {
		return nil, errspkg.ErrStageRequired
	}
	prototype, err := ensurePrototype(prototype)
	if err != nil {
		return nil, err
	}
	var resolved protoOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	resolved.logger = loggingpkg.OrNop(resolved.logger)
	return &ProtoStage[T, O]{
		name:      name,
		typ:       typ,
		prototype: prototype,
		fn:        fn,
		opts:      resolved,
	}, nil
}

func (s *ProtoStage[T, O]) Name() string                              { return s.name }
func (s *ProtoStage[T, O]) ProcessingType() processing.ProcessingType { return s.typ }

// Process implements processing.Stage. A payload that already holds a T is
// used without decoding.
func (s *ProtoStage[T, O]) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	typed, err := s.decode(ev)
	if err != nil {
		return nil, err
	}

	out, err := s.fn(ctx, newContext(ev, typed, s.opts.logger))
	if err != nil {
		return nil, err
	}

	if isNilProto(out.Message) {
		return nil, errors.New("proto stage emitted nil message")
	}
	if s.opts.validate != nil {
		if err := s.opts.validate(out.Message); err != nil {
			return nil, err
		}
	}
	payload, err := protojson.Marshal(out.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T payload: %w", out.Message, err)
	}
	schema := string(out.Message.ProtoReflect().Descriptor().FullName())
	return result(ev, payload, out.Metadata, schema), nil
}

func (s *ProtoStage[T, O]) decode(ev *eventpkg.Event) (T, error) {
	if typed, ok := ev.Payload.(T); ok && !isNilProto(typed) {
		return typed, nil
	}
	var zero T
	raw, err := ev.PayloadBytes()
	if err != nil {
		return zero, err
	}
	typed, err := clonePrototype(s.prototype)
	if err != nil {
		return zero, err
	}
	if err := protojson.Unmarshal(raw, typed); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %T payload: %w", s.prototype, err)
	}
	return typed, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

func ensurePrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		typ = reflect.TypeOf((*T)(nil)).Elem()
	}
	if typ.Kind() == reflect.Interface {
		return zero, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrConsumeMessagePointerNeeded
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](msg T) bool {
	m := proto.Message(msg)
	if m == nil {
		return true
	}

	val := reflect.ValueOf(m)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
