package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
)

// workers records the goroutines stages ran on.
type workers struct {
	mu    sync.Mutex
	names []string
}

func (w *workers) record(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.names = append(w.names, poolpkg.WorkerName(ctx))
}

func (w *workers) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.names...)
}

func (w *workers) distinct() []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range w.all() {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (w *workers) withPrefix(prefix string) int {
	count := 0
	for _, n := range w.distinct() {
		if strings.HasPrefix(n, prefix) {
			count++
		}
	}
	return count
}

func recordingStage(w *workers, typ processing.ProcessingType) processing.Stage {
	return processing.NewStage(typ.String(), typ, func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		w.record(ctx)
		return ev, nil
	})
}

// asyncStage completes from a goroutine of its own named "async".
func asyncStage(w *workers) processing.AsyncStage {
	return processing.NewAsyncStage("async", func(ctx context.Context, ev *eventpkg.Event, complete processing.Completion) {
		w.record(ctx)
		go complete(poolpkg.WithWorker(context.Background(), "async"), ev, nil)
	})
}

// gateStage blocks until gate is closed and reports every start on started.
func gateStage(started chan<- struct{}, gate <-chan struct{}) processing.Stage {
	return processing.NewStage("gate", processing.CPULight, func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		started <- struct{}{}
		<-gate
		return ev, nil
	})
}

func callerContext() context.Context {
	return poolpkg.WithWorker(context.Background(), "caller")
}

func testConfig() Config {
	return Config{
		Name:                  "test",
		CPULightWorkers:       2,
		BlockingWorkers:       4,
		BlockingQueueSize:     4,
		CPUIntensiveWorkers:   2,
		CPUIntensiveQueueSize: 2,
		BufferSize:            16,
	}
}

func startStrategy(t *testing.T, kind Kind, cfg Config, stages ...processing.Stage) *Strategy {
	t.Helper()
	s, err := New(kind, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Bind(stages...))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Dispose() })
	return s
}

// stopLog records the order pools are stopped in.
type stopLog struct {
	mu    sync.Mutex
	names []string
}

func (l *stopLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *stopLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

type spyPool struct {
	poolpkg.WorkerPool
	label string
	log   *stopLog
}

func (p *spyPool) Stop() {
	p.log.add(p.label)
	p.WorkerPool.Stop()
}

func spySupplier(label string, log *stopLog, cfg poolpkg.Config) poolpkg.Supplier {
	return func() (poolpkg.WorkerPool, error) {
		return &spyPool{WorkerPool: poolpkg.New(cfg), label: label, log: log}, nil
	}
}

// rejectingPool rejects the first `rejections` submissions.
type rejectingPool struct {
	poolpkg.WorkerPool
	rejections int64
	submits    atomic.Int64
}

func (p *rejectingPool) Submit(ctx context.Context, task poolpkg.Task) (*poolpkg.Handle, error) {
	if n := p.submits.Add(1); n <= p.rejections {
		return nil, fmt.Errorf("%w: %s", poolpkg.ErrRejected, p.Name())
	}
	return p.WorkerPool.Submit(ctx, task)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}
