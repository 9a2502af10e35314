package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	idspkg "github.com/drblury/flowdispatch/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowdispatch/internal/runtime/metadata"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
)

// TracerName is the instrumentation name of stage spans.
const TracerName = "github.com/drblury/flowdispatch"

// StageMiddleware decorates a stage. The result must keep the processing type
// of the stage it wraps and stay asynchronous when the stage is.
type StageMiddleware func(processing.Stage) processing.Stage

// StageMiddlewareBuilder constructs a stage middleware using the flow it is
// registered on.
type StageMiddlewareBuilder func(*Flow) (StageMiddleware, error)

// StageMiddlewareRegistration captures how a middleware is added to a flow.
// Exactly one of Middleware and Builder is used; a Builder returning nil
// skips the middleware.
type StageMiddlewareRegistration struct {
	Name       string
	Middleware StageMiddleware
	Builder    StageMiddlewareBuilder
}

// StageInfo identifies the stage an interceptor runs around.
type StageInfo struct {
	Name string                    `json:"name"`
	Type processing.ProcessingType `json:"-"`
	// TypeName is Type rendered for JSON.
	TypeName string `json:"processing_type"`
}

// Next continues with the wrapped stage.
type Next func(ctx context.Context, ev *eventpkg.Event, done processing.Completion)

// Interceptor runs around one stage execution. It calls next at most once and
// done exactly once, either from next's completion or on its own.
type Interceptor func(ctx context.Context, stage StageInfo, ev *eventpkg.Event, next Next, done processing.Completion)

// Intercept turns an interceptor into a middleware that works for
// synchronous and asynchronous stages alike.
func Intercept(icpt Interceptor) StageMiddleware {
	return func(stage processing.Stage) processing.Stage {
		typ := stage.ProcessingType()
		wrapped := &interceptedStage{
			inner: stage,
			info:  StageInfo{Name: processing.NameOf(stage), Type: typ, TypeName: typ.String()},
			icpt:  icpt,
		}
		if async, ok := stage.(processing.AsyncStage); ok {
			return &interceptedAsyncStage{interceptedStage: wrapped, async: async}
		}
		return wrapped
	}
}

var errNotCompleted = errors.New("flowdispatch: stage middleware did not complete")

type interceptedStage struct {
	inner processing.Stage
	info  StageInfo
	icpt  Interceptor
}

func (s *interceptedStage) Name() string                              { return s.info.Name }
func (s *interceptedStage) ProcessingType() processing.ProcessingType { return s.info.Type }

func (s *interceptedStage) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	var (
		out       *eventpkg.Event
		err       error
		completed bool
	)
	next := func(ctx context.Context, ev *eventpkg.Event, done processing.Completion) {
		res, resErr := s.inner.Process(ctx, ev)
		done(ctx, res, resErr)
	}
	s.icpt(ctx, s.info, ev, next, func(_ context.Context, res *eventpkg.Event, resErr error) {
		out, err, completed = res, resErr, true
	})
	if !completed {
		return nil, fmt.Errorf("%w: %s", errNotCompleted, s.info.Name)
	}
	return out, err
}

type interceptedAsyncStage struct {
	*interceptedStage
	async processing.AsyncStage
}

func (s *interceptedAsyncStage) ProcessAsync(ctx context.Context, ev *eventpkg.Event, complete processing.Completion) {
	next := func(ctx context.Context, ev *eventpkg.Event, done processing.Completion) {
		s.async.ProcessAsync(ctx, ev, done)
	}
	s.icpt(ctx, s.info, ev, next, complete)
}

// onceCompletion guards done against a second call, for example a panic
// after the stage already completed.
func onceCompletion(done processing.Completion) (processing.Completion, func() bool) {
	var (
		once   sync.Once
		called bool
		mu     sync.Mutex
	)
	guarded := func(ctx context.Context, ev *eventpkg.Event, err error) {
		once.Do(func() {
			mu.Lock()
			called = true
			mu.Unlock()
			done(ctx, ev, err)
		})
	}
	return guarded, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called
	}
}

// DefaultMiddlewares returns the stage middleware chain every flow gets
// unless disabled. The first entry is the outermost.
func DefaultMiddlewares() []StageMiddlewareRegistration {
	return []StageMiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogEventsMiddleware(nil),
		TracerMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures every event carries a correlation id and
// that stage results keep it.
func CorrelationIDMiddleware() StageMiddlewareRegistration {
	return StageMiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: Intercept(correlationID),
	}
}

func correlationID(ctx context.Context, _ StageInfo, ev *eventpkg.Event, next Next, done processing.Completion) {
	id := ev.Metadata.Get(metadatapkg.KeyCorrelationID)
	if id == "" {
		id = idspkg.NewID()
		ev.Metadata = ev.Metadata.With(metadatapkg.KeyCorrelationID, id)
	}
	next(ctx, ev, func(cctx context.Context, out *eventpkg.Event, err error) {
		if out != nil && out.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			out.Metadata = out.Metadata.With(metadatapkg.KeyCorrelationID, id)
		}
		done(cctx, out, err)
	})
}

// LogEventsMiddleware logs every stage execution at debug level. A nil
// logger uses the flow logger.
func LogEventsMiddleware(logger loggingpkg.ServiceLogger) StageMiddlewareRegistration {
	return StageMiddlewareRegistration{
		Name: "log_events",
		Builder: func(f *Flow) (StageMiddleware, error) {
			l := logger
			if l == nil {
				l = f.Logger
			}
			if l == nil {
				return nil, errors.New("log events middleware requires a logger")
			}
			return Intercept(logEvents(l)), nil
		},
	}
}

func logEvents(logger loggingpkg.ServiceLogger) Interceptor {
	return func(ctx context.Context, stage StageInfo, ev *eventpkg.Event, next Next, done processing.Completion) {
		started := time.Now()
		fields := loggingpkg.LogFields{
			"stage":           stage.Name,
			"processing_type": stage.TypeName,
			"event_id":        ev.ID,
			"worker":          poolpkg.WorkerName(ctx),
			"correlation_id":  ev.Metadata.Get(metadatapkg.KeyCorrelationID),
		}
		logger.Debug("Processing event", fields)
		next(ctx, ev, func(cctx context.Context, out *eventpkg.Event, err error) {
			fields := loggingpkg.LogFields{
				"stage":       stage.Name,
				"event_id":    ev.ID,
				"worker":      poolpkg.WorkerName(cctx),
				"duration_ms": time.Since(started).Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.Debug("Processed event", fields)
			done(cctx, out, err)
		})
	}
}

// TracerMiddleware wraps each stage execution in an OpenTelemetry span.
func TracerMiddleware() StageMiddlewareRegistration {
	return StageMiddlewareRegistration{
		Name: "tracer",
		Builder: func(f *Flow) (StageMiddleware, error) {
			return Intercept(traceStages(otel.Tracer(TracerName), f.Name())), nil
		},
	}
}

func traceStages(tracer trace.Tracer, flow string) Interceptor {
	return func(ctx context.Context, stage StageInfo, ev *eventpkg.Event, next Next, done processing.Completion) {
		ctx, span := tracer.Start(ctx, "flowdispatch.stage "+stage.Name,
			trace.WithAttributes(
				attribute.String("flowdispatch.flow", flow),
				attribute.String("flowdispatch.stage", stage.Name),
				attribute.String("flowdispatch.processing_type", stage.TypeName),
				attribute.String("flowdispatch.worker", poolpkg.WorkerName(ctx)),
				attribute.String("flowdispatch.event_id", ev.ID),
			),
		)
		next(ctx, ev, func(cctx context.Context, out *eventpkg.Event, err error) {
			if worker := poolpkg.WorkerName(cctx); worker != "" {
				span.SetAttributes(attribute.String("flowdispatch.completion_worker", worker))
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
			done(cctx, out, err)
		})
	}
}

// RecovererMiddleware converts panics raised while a stage starts into
// stage errors.
func RecovererMiddleware() StageMiddlewareRegistration {
	return StageMiddlewareRegistration{
		Name: "recoverer",
		Builder: func(f *Flow) (StageMiddleware, error) {
			return Intercept(recoverer(f.Logger)), nil
		},
	}
}

func recoverer(logger loggingpkg.ServiceLogger) Interceptor {
	logger = loggingpkg.OrNop(logger)
	return func(ctx context.Context, stage StageInfo, ev *eventpkg.Event, next Next, done processing.Completion) {
		guarded, called := onceCompletion(done)
		defer func() {
			if p := recover(); p != nil {
				err := fmt.Errorf("flowdispatch: stage %s panicked: %v", stage.Name, p)
				logger.Error("Stage panicked", err, loggingpkg.LogFields{
					"stage":    stage.Name,
					"event_id": ev.ID,
					"stack":    string(debug.Stack()),
				})
				if !called() {
					guarded(ctx, nil, err)
				}
			}
		}()
		next(ctx, ev, guarded)
	}
}

// RegisterMiddleware appends a middleware to the flow. It only affects
// stages bound afterwards.
func (f *Flow) RegisterMiddleware(reg StageMiddlewareRegistration) error {
	var mw StageMiddleware
	switch {
	case reg.Middleware != nil:
		mw = reg.Middleware
	case reg.Builder != nil:
		var err error
		mw, err = reg.Builder(f)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.middlewares = append(f.middlewares, mw)
	return nil
}

// wrap applies the middleware chain, first registered outermost.
func (f *Flow) wrap(stage processing.Stage) processing.Stage {
	f.mu.Lock()
	chain := append([]StageMiddleware(nil), f.middlewares...)
	f.mu.Unlock()

	for i := len(chain) - 1; i >= 0; i-- {
		stage = chain[i](stage)
	}
	return stage
}
