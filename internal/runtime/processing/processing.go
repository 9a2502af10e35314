// Package processing declares what a stage needs from the dispatcher: its
// processing type and the synchronous or asynchronous body to run.
package processing

import (
	"context"
	"fmt"

	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
)

// ProcessingType is the resource affinity a stage declares.
type ProcessingType int

const (
	// CPULight stages do short, non-blocking work and stay on the event loop.
	CPULight ProcessingType = iota
	// CPULightAsync stages start work that completes later on another goroutine.
	CPULightAsync
	// CPUIntensive stages burn CPU and are moved to the CPU-intensive pool.
	CPUIntensive
	// Blocking stages wait on I/O or locks and are moved to the blocking pool.
	Blocking
	// IOReadWrite is resolved per event from the payload shape.
	IOReadWrite
)

// StreamThreshold is the largest known stream length still handled as CPU-light.
const StreamThreshold = 16 * 1024

var processingTypeNames = map[ProcessingType]string{
	CPULight:      "CPU_LIGHT",
	CPULightAsync: "CPU_LIGHT_ASYNC",
	CPUIntensive:  "CPU_INTENSIVE",
	Blocking:      "BLOCKING",
	IOReadWrite:   "IO_READ_WRITE",
}

func (t ProcessingType) String() string {
	if name, ok := processingTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ProcessingType(%d)", int(t))
}

// Stage is a unit of work in a flow.
type Stage interface {
	ProcessingType() ProcessingType
	Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error)
}

// Completion delivers the result of an asynchronous stage. It must be called
// exactly once; ctx identifies the goroutine doing the delivery.
type Completion func(ctx context.Context, ev *eventpkg.Event, err error)

// AsyncStage is implemented by CPULightAsync stages. Process is still used when
// the dispatcher has to run the stage synchronously, for example under a
// transaction.
type AsyncStage interface {
	Stage
	ProcessAsync(ctx context.Context, ev *eventpkg.Event, complete Completion)
}

// Named is implemented by stages that want a stable name in logs, traces and
// metrics.
type Named interface {
	Name() string
}

// Func is the body of a synchronous stage.
type Func func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error)

// AsyncFunc is the body of an asynchronous stage.
type AsyncFunc func(ctx context.Context, ev *eventpkg.Event, complete Completion)

type funcStage struct {
	name string
	typ  ProcessingType
	fn   Func
}

// NewStage builds a Stage from a function.
func NewStage(name string, typ ProcessingType, fn Func) Stage {
	return &funcStage{name: name, typ: typ, fn: fn}
}

func (s *funcStage) Name() string                   { return s.name }
func (s *funcStage) ProcessingType() ProcessingType { return s.typ }

func (s *funcStage) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	return s.fn(ctx, ev)
}

type asyncFuncStage struct {
	name string
	fn   AsyncFunc
}

// NewAsyncStage builds a CPULightAsync stage from a function.
func NewAsyncStage(name string, fn AsyncFunc) AsyncStage {
	return &asyncFuncStage{name: name, fn: fn}
}

func (s *asyncFuncStage) Name() string                   { return s.name }
func (s *asyncFuncStage) ProcessingType() ProcessingType { return CPULightAsync }

func (s *asyncFuncStage) ProcessAsync(ctx context.Context, ev *eventpkg.Event, complete Completion) {
	s.fn(ctx, ev, complete)
}

func (s *asyncFuncStage) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	return Await(ctx, s, ev)
}

// Await runs an asynchronous stage and blocks until it completes or ctx is
// done.
func Await(ctx context.Context, stage AsyncStage, ev *eventpkg.Event) (*eventpkg.Event, error) {
	type result struct {
		ev  *eventpkg.Event
		err error
	}
	done := make(chan result, 1)
	stage.ProcessAsync(ctx, ev, func(_ context.Context, out *eventpkg.Event, err error) {
		done <- result{ev: out, err: err}
	})
	select {
	case r := <-done:
		return r.ev, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NameOf returns the stage name, or its Go type when it is unnamed.
func NameOf(stage Stage) string {
	if named, ok := stage.(Named); ok && named.Name() != "" {
		return named.Name()
	}
	return fmt.Sprintf("%T", stage)
}

// Resolve maps the declared type of a stage to the type used for placement.
// IOReadWrite becomes Blocking when the payload is a stream of unknown length
// or longer than StreamThreshold, and CPULight otherwise.
func Resolve(typ ProcessingType, ev *eventpkg.Event) ProcessingType {
	if typ != IOReadWrite {
		return typ
	}
	if ev == nil {
		return CPULight
	}
	length, known, isStream := eventpkg.Stream(ev.Payload)
	if !isStream {
		return CPULight
	}
	if !known || length > StreamThreshold {
		return Blocking
	}
	return CPULight
}
