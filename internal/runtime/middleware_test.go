package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	metadatapkg "github.com/drblury/flowdispatch/internal/runtime/metadata"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
)

func passThrough(ctx context.Context, _ StageInfo, ev *eventpkg.Event, next Next, done processing.Completion) {
	next(ctx, ev, done)
}

func TestInterceptKeepsProcessingTypeAndAsyncCapability(t *testing.T) {
	mw := Intercept(passThrough)

	blocking := mw(processing.NewStage("io", processing.Blocking, func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		return ev, nil
	}))
	assert.Equal(t, processing.Blocking, blocking.ProcessingType())
	assert.Equal(t, "io", processing.NameOf(blocking))
	_, isAsync := blocking.(processing.AsyncStage)
	assert.False(t, isAsync)

	async := mw(processing.NewAsyncStage("call", func(ctx context.Context, ev *eventpkg.Event, complete processing.Completion) {
		go complete(ctx, ev, nil)
	}))
	assert.Equal(t, processing.CPULightAsync, async.ProcessingType())
	asyncStage, isAsync := async.(processing.AsyncStage)
	require.True(t, isAsync)

	in := eventpkg.New("payload")
	out, err := processing.Await(context.Background(), asyncStage, in)
	require.NoError(t, err)
	assert.Same(t, in, out)
}

func TestInterceptReportsMissingCompletion(t *testing.T) {
	swallow := Intercept(func(context.Context, StageInfo, *eventpkg.Event, Next, processing.Completion) {})
	stage := swallow(passStage("lost"))

	_, err := stage.Process(context.Background(), eventpkg.New(nil))
	assert.ErrorIs(t, err, errNotCompleted)
	assert.ErrorContains(t, err, "lost")
}

func TestInterceptCanShortCircuit(t *testing.T) {
	denied := errors.New("denied")
	guard := Intercept(func(ctx context.Context, _ StageInfo, ev *eventpkg.Event, _ Next, done processing.Completion) {
		done(ctx, nil, denied)
	})
	called := false
	stage := guard(processing.NewStage("guarded", processing.CPULight, func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		called = true
		return ev, nil
	}))

	_, err := stage.Process(context.Background(), eventpkg.New(nil))
	assert.ErrorIs(t, err, denied)
	assert.False(t, called)
}

func TestCorrelationIDMiddleware(t *testing.T) {
	stage := CorrelationIDMiddleware().Middleware(processing.NewStage("fresh", processing.CPULight, func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		return &eventpkg.Event{ID: "out", Payload: ev.Payload}, nil
	}))

	in := eventpkg.New(nil)
	out, err := stage.Process(context.Background(), in)
	require.NoError(t, err)

	id := in.Metadata.Get(metadatapkg.KeyCorrelationID)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, out.Metadata.Get(metadatapkg.KeyCorrelationID))

	kept := eventpkg.New(nil)
	kept.Metadata = metadatapkg.New(metadatapkg.KeyCorrelationID, "given")
	out, err = stage.Process(context.Background(), kept)
	require.NoError(t, err)
	assert.Equal(t, "given", out.Metadata.Get(metadatapkg.KeyCorrelationID))
}

func TestRecovererMiddleware(t *testing.T) {
	logger := newRecordingLogger()
	stage := Intercept(recoverer(logger))(processing.NewStage("explode", processing.CPULight, func(context.Context, *eventpkg.Event) (*eventpkg.Event, error) {
		panic("boom")
	}))

	_, err := stage.Process(context.Background(), eventpkg.New(nil))
	require.Error(t, err)
	assert.ErrorContains(t, err, "stage explode panicked: boom")
	require.Len(t, logger.entries("Stage panicked"), 1)
}

func TestRecovererIgnoresPanicAfterCompletion(t *testing.T) {
	var results []error
	icpt := recoverer(nil)
	icpt(context.Background(), StageInfo{Name: "late"}, eventpkg.New(nil),
		func(ctx context.Context, ev *eventpkg.Event, done processing.Completion) {
			done(ctx, ev, nil)
			panic("after done")
		},
		func(_ context.Context, _ *eventpkg.Event, err error) {
			results = append(results, err)
		},
	)
	assert.Equal(t, []error{nil}, results)
}

func TestLogEventsMiddleware(t *testing.T) {
	logger := newRecordingLogger()
	flow := newTestFlow(t, testConfig(), FlowDependencies{DisableDefaultMiddlewares: true})

	mw, err := LogEventsMiddleware(logger).Builder(flow)
	require.NoError(t, err)

	failure := errors.New("nope")
	stage := mw(processing.NewStage("persist", processing.Blocking, func(context.Context, *eventpkg.Event) (*eventpkg.Event, error) {
		return nil, failure
	}))
	_, err = stage.Process(context.Background(), eventpkg.New(nil))
	assert.ErrorIs(t, err, failure)

	started := logger.entries("Processing event")
	require.Len(t, started, 1)
	assert.Equal(t, "persist", started[0].fields["stage"])
	assert.Equal(t, "BLOCKING", started[0].fields["processing_type"])

	finished := logger.entries("Processed event")
	require.Len(t, finished, 1)
	assert.Equal(t, "nope", finished[0].fields["error"])
}

func TestTracerMiddlewarePassesResults(t *testing.T) {
	flow := newTestFlow(t, testConfig(), FlowDependencies{DisableDefaultMiddlewares: true})
	mw, err := TracerMiddleware().Builder(flow)
	require.NoError(t, err)

	failure := errors.New("traced")
	stage := mw(processing.NewStage("traced", processing.CPUIntensive, func(context.Context, *eventpkg.Event) (*eventpkg.Event, error) {
		return nil, failure
	}))
	assert.Equal(t, processing.CPUIntensive, stage.ProcessingType())
	_, err = stage.Process(context.Background(), eventpkg.New(nil))
	assert.ErrorIs(t, err, failure)
}

func TestRegisterMiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) StageMiddlewareRegistration {
		return StageMiddlewareRegistration{
			Name: name,
			Middleware: Intercept(func(ctx context.Context, _ StageInfo, ev *eventpkg.Event, next Next, done processing.Completion) {
				order = append(order, name)
				next(ctx, ev, done)
			}),
		}
	}
	flow := newTestFlow(t, testConfig(), FlowDependencies{
		DisableDefaultMiddlewares: true,
		Middlewares:               []StageMiddlewareRegistration{tag("outer"), tag("inner")},
	})

	stage := flow.wrap(passStage("s"))
	_, err := stage.Process(context.Background(), eventpkg.New(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRegisterMiddlewareValidation(t *testing.T) {
	flow := newTestFlow(t, testConfig(), FlowDependencies{DisableDefaultMiddlewares: true})

	assert.Error(t, flow.RegisterMiddleware(StageMiddlewareRegistration{Name: "empty"}))

	failing := errors.New("cannot build")
	err := flow.RegisterMiddleware(StageMiddlewareRegistration{
		Name:    "broken",
		Builder: func(*Flow) (StageMiddleware, error) { return nil, failing },
	})
	assert.ErrorIs(t, err, failing)

	require.NoError(t, flow.RegisterMiddleware(StageMiddlewareRegistration{
		Name:    "skipped",
		Builder: func(*Flow) (StageMiddleware, error) { return nil, nil },
	}))
	assert.Empty(t, flow.middlewares)
}

func TestNewFlowReportsBrokenMiddleware(t *testing.T) {
	_, err := NewFlow(testConfig(), newRecordingLogger(), FlowDependencies{
		Middlewares: []StageMiddlewareRegistration{{
			Builder: func(*Flow) (StageMiddleware, error) { return nil, errors.New("bad") },
		}},
	})
	assert.ErrorContains(t, err, "register middleware anonymous_middleware: bad")
}
