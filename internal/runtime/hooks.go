package runtime

import (
	"context"
	"time"

	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowdispatch/internal/runtime/metadata"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
)

// StageContext provides information about a stage execution to hooks.
type StageContext struct {
	// Stage is the name of the stage.
	Stage string
	// ProcessingType is the declared processing type of the stage.
	ProcessingType processing.ProcessingType
	// EventID is the id of the event entering the stage.
	EventID string
	// CorrelationID is read from the event metadata when present.
	CorrelationID string
	// Metadata contains the event metadata.
	Metadata metadatapkg.Metadata
	// Worker is the worker running the stage, empty on a caller goroutine.
	Worker string
	// Context is the context the stage runs with.
	Context context.Context
	// StartedAt is when the stage started.
	StartedAt time.Time
	// Duration is how long the stage took (only set in OnStageDone and OnStageError).
	Duration time.Duration
}

// StageHooks defines callbacks for stage lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type StageHooks struct {
	// OnStageStart is called before the stage runs.
	OnStageStart func(ctx StageContext)

	// OnStageDone is called when the stage completes successfully.
	OnStageDone func(ctx StageContext)

	// OnStageError is called when the stage fails.
	OnStageError func(ctx StageContext, err error)
}

// Merge combines two StageHooks, creating a new StageHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h StageHooks) Merge(other StageHooks) StageHooks {
	return StageHooks{
		OnStageStart: chainHooks(h.OnStageStart, other.OnStageStart),
		OnStageDone:  chainHooks(h.OnStageDone, other.OnStageDone),
		OnStageError: chainErrorHooks(h.OnStageError, other.OnStageError),
	}
}

func chainHooks(a, b func(StageContext)) func(StageContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx StageContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(StageContext, error)) func(StageContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx StageContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// StageHooksMiddleware creates a middleware that invokes the provided hooks
// around every stage execution.
func StageHooksMiddleware(hooks StageHooks) StageMiddlewareRegistration {
	return StageMiddlewareRegistration{
		Name:       "stage_hooks",
		Middleware: Intercept(stageHooks(hooks)),
	}
}

func stageHooks(hooks StageHooks) Interceptor {
	return func(ctx context.Context, stage StageInfo, ev *eventpkg.Event, next Next, done processing.Completion) {
		stageCtx := StageContext{
			Stage:          stage.Name,
			ProcessingType: stage.Type,
			EventID:        ev.ID,
			CorrelationID:  ev.Metadata.Get(metadatapkg.KeyCorrelationID),
			Metadata:       ev.Metadata,
			Worker:         poolpkg.WorkerName(ctx),
			Context:        ctx,
			StartedAt:      time.Now(),
		}

		if hooks.OnStageStart != nil {
			hooks.OnStageStart(stageCtx)
		}

		next(ctx, ev, func(cctx context.Context, out *eventpkg.Event, err error) {
			stageCtx.Duration = time.Since(stageCtx.StartedAt)
			if err != nil {
				if hooks.OnStageError != nil {
					hooks.OnStageError(stageCtx, err)
				}
			} else if hooks.OnStageDone != nil {
				hooks.OnStageDone(stageCtx)
			}
			done(cctx, out, err)
		})
	}
}

// LoggingHooks returns pre-built hooks that log stage lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) StageHooks {
	logger = loggingpkg.OrNop(logger)
	return StageHooks{
		OnStageStart: func(ctx StageContext) {
			logger.Info("Stage started", loggingpkg.LogFields{
				"stage":           ctx.Stage,
				"processing_type": ctx.ProcessingType.String(),
				"event_id":        ctx.EventID,
				"worker":          ctx.Worker,
			})
		},
		OnStageDone: func(ctx StageContext) {
			logger.Info("Stage completed", loggingpkg.LogFields{
				"stage":       ctx.Stage,
				"event_id":    ctx.EventID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnStageError: func(ctx StageContext, err error) {
			logger.Error("Stage failed", err, loggingpkg.LogFields{
				"stage":          ctx.Stage,
				"event_id":       ctx.EventID,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on stage errors.
func AlertingHooks(alertFunc func(ctx StageContext, err error)) StageHooks {
	return StageHooks{
		OnStageError: alertFunc,
	}
}
