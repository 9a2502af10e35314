package pool

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsOnNamedWorker(t *testing.T) {
	p := New(Config{Name: "flow.io", Workers: 2, QueueSize: Unbounded})
	defer p.Stop()

	names := make(chan string, 1)
	h, err := p.Submit(context.Background(), func(ctx context.Context) {
		names <- WorkerName(ctx)
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	name := <-names
	assert.True(t, strings.HasPrefix(name, "flow.io."), name)
	assert.Equal(t, "flow.io", p.Name())
}

func TestSubmitKeepsCallerValues(t *testing.T) {
	p := New(Config{Name: "cpu", Workers: 1})
	defer p.Stop()

	type key struct{}
	ctx := context.WithValue(WithWorker(context.Background(), "caller"), key{}, "value")

	got := make(chan context.Context, 1)
	h, err := p.Submit(ctx, func(ctx context.Context) { got <- ctx })
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	taskCtx := <-got
	assert.Equal(t, "value", taskCtx.Value(key{}))
	assert.True(t, InPool(taskCtx, "cpu"))
	assert.Equal(t, "cpu.01", WorkerName(taskCtx))
}

func TestSubmitRejectsWhenSaturated(t *testing.T) {
	p := New(Config{Name: "io", Workers: 1, QueueSize: 1})
	defer p.Stop()

	gate := make(chan struct{})
	started := make(chan struct{})
	_, err := p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-gate
	})
	require.NoError(t, err)
	<-started

	_, err = p.Submit(context.Background(), func(context.Context) {})
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), func(context.Context) {})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "io")

	close(gate)
	assert.EqualValues(t, 1, p.Stats().Rejected)
}

func TestZeroQueueAcceptsOnlyWhileWorkerFree(t *testing.T) {
	p := New(Config{Name: "direct", Workers: 1, QueueSize: 0})
	defer p.Stop()

	gate := make(chan struct{})
	_, err := p.Submit(context.Background(), func(context.Context) { <-gate })
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, ErrRejected)
	close(gate)
}

func TestStopIsIdempotentAndCancelsQueued(t *testing.T) {
	p := New(Config{Name: "io", Workers: 1, QueueSize: Unbounded})

	gate := make(chan struct{})
	started := make(chan struct{})
	running, err := p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-gate
	})
	require.NoError(t, err)
	<-started

	var ran atomic.Bool
	queued, err := p.Submit(context.Background(), func(context.Context) { ran.Store(true) })
	require.NoError(t, err)

	var cancelled atomic.Bool
	queued.OnDone(func(err error) { cancelled.Store(err == ErrTaskCancelled) })

	p.Stop()
	p.Stop()

	assert.ErrorIs(t, queued.Wait(context.Background()), ErrTaskCancelled)
	assert.True(t, cancelled.Load())

	select {
	case <-running.Done():
		t.Fatal("running task must not be interrupted by Stop")
	default:
	}

	close(gate)
	require.NoError(t, running.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.False(t, ran.Load())

	_, err = p.Submit(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, ErrPoolStopped)

	stats := p.Stats()
	assert.True(t, stats.Stopped)
	assert.EqualValues(t, 1, stats.Cancelled)
}

func TestPanickingTaskKeepsWorkerAlive(t *testing.T) {
	p := New(Config{Name: "cpu", Workers: 1})
	defer p.Stop()

	h, err := p.Submit(context.Background(), func(context.Context) { panic("boom") })
	require.NoError(t, err)
	err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	h, err = p.Submit(context.Background(), func(context.Context) {})
	require.NoError(t, err)
	assert.NoError(t, h.Wait(context.Background()))
}

func TestConcurrentSubmitsAllComplete(t *testing.T) {
	p := New(Config{Name: "cpu", Workers: 4, QueueSize: Unbounded})
	defer p.Stop()

	const total = 200
	var wg sync.WaitGroup
	var count atomic.Int64
	wg.Add(total)
	for i := 0; i < total; i++ {
		go func() {
			h, err := p.Submit(context.Background(), func(context.Context) { count.Add(1) })
			if assert.NoError(t, err) {
				assert.NoError(t, h.Wait(context.Background()))
			}
			wg.Done()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, total, count.Load())
	stats := p.Stats()
	assert.EqualValues(t, total, stats.Submitted)
	assert.EqualValues(t, total, stats.Completed)
}

func TestHandleOnDoneAfterSettle(t *testing.T) {
	h := newHandle()
	h.finish(nil)
	h.finish(ErrTaskCancelled)

	called := false
	h.OnDone(func(err error) {
		called = true
		assert.NoError(t, err)
	})
	assert.True(t, called)
}

func TestWorkerHelpers(t *testing.T) {
	assert.Equal(t, "flow.cpuLight.03", WorkerNameFor("flow.cpuLight", 3))
	assert.Empty(t, WorkerName(context.Background()))

	ctx := WithWorker(context.Background(), "caller")
	assert.Equal(t, "caller", WorkerName(ctx))
	assert.False(t, InPool(ctx, "cpu"))
	assert.True(t, HasPrefix(ctx, "call"))
}

func TestCarryWorker(t *testing.T) {
	caller := WithWorker(context.Background(), "caller")

	carried := CarryWorker(caller, withWorker(context.Background(), &Worker{Name: "cpu.02", Pool: "cpu"}))
	assert.Equal(t, "cpu.02", WorkerName(carried))
	assert.True(t, InPool(carried, "cpu"))

	cleared := CarryWorker(caller, context.Background())
	assert.Empty(t, WorkerName(cleared))
	_, ok := WorkerFrom(cleared)
	assert.False(t, ok)
}
