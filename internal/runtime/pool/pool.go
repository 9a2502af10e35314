// Package pool provides the named, bounded worker pools the dispatcher moves
// stages onto.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
)

var (
	// ErrRejected is returned by Submit when the pool has no free capacity.
	ErrRejected = errors.New("flowdispatch: worker pool rejected task")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("flowdispatch: worker pool is stopped")
	// ErrTaskCancelled completes handles of tasks that were still queued when
	// the pool stopped.
	ErrTaskCancelled = errors.New("flowdispatch: task cancelled before it started")
)

// Task is the unit of work a pool runs. ctx carries the submitter's values
// plus the identity of the executing worker.
type Task func(ctx context.Context)

// WorkerPool is a named executor. Submit either schedules the task or fails
// immediately; it never blocks and never drops work silently.
type WorkerPool interface {
	Name() string
	Submit(ctx context.Context, task Task) (*Handle, error)
	Stop()
}

// Supplier lazily creates a pool when a strategy starts.
type Supplier func() (WorkerPool, error)

// Unbounded disables the queue limit.
const Unbounded = -1

// Config sizes a Fixed pool.
type Config struct {
	// Name prefixes every worker name as "<Name>.NN".
	Name string
	// Workers is the number of long-lived worker goroutines. Defaults to 1.
	Workers int
	// QueueSize is how many tasks may wait for a worker. Unbounded (any
	// negative value) never rejects; 0 only accepts while a worker is free.
	QueueSize int
	Logger    loggingpkg.ServiceLogger
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	QueueSize int    `json:"queue_size"`
	Queued    int    `json:"queued"`
	Active    int    `json:"active"`
	Submitted int64  `json:"submitted"`
	Completed int64  `json:"completed"`
	Rejected  int64  `json:"rejected"`
	Cancelled int64  `json:"cancelled"`
	Stopped   bool   `json:"stopped"`
}

type queuedTask struct {
	ctx    context.Context
	task   Task
	handle *Handle
}

// Fixed is a WorkerPool with a fixed number of workers and a bounded queue.
type Fixed struct {
	name      string
	workers   int
	queueSize int
	logger    loggingpkg.ServiceLogger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queuedTask
	busy    int
	stopped bool

	stopOnce sync.Once
	wg       sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	cancelled atomic.Int64
}

// New starts a Fixed pool.
func New(cfg Config) *Fixed {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = Unbounded
	}

	p := &Fixed{
		name:      cfg.Name,
		workers:   cfg.Workers,
		queueSize: cfg.QueueSize,
		logger:    loggingpkg.OrNop(cfg.Logger).With(loggingpkg.LogFields{"pool": cfg.Name}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(cfg.Workers)
	for i := 1; i <= cfg.Workers; i++ {
		go p.work(WorkerNameFor(cfg.Name, i))
	}
	return p
}

// Name returns the pool name.
func (p *Fixed) Name() string { return p.name }

// Submit queues task for execution.
func (p *Fixed) Submit(ctx context.Context, task Task) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPoolStopped, p.name)
	}
	if p.queueSize != Unbounded && len(p.queue)+p.busy >= p.workers+p.queueSize {
		p.mu.Unlock()
		p.rejected.Add(1)
		p.logger.Trace("Task rejected", loggingpkg.LogFields{"queued": len(p.queue), "active": p.busy})
		return nil, fmt.Errorf("%w: %s", ErrRejected, p.name)
	}
	h := newHandle()
	p.queue = append(p.queue, queuedTask{ctx: ctx, task: task, handle: h})
	p.mu.Unlock()

	p.submitted.Add(1)
	p.cond.Signal()
	return h, nil
}

// Stop cancels queued tasks and lets workers exit once their current task
// returns. Running tasks are not interrupted. Calling Stop again is a no-op.
func (p *Fixed) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		pending := p.queue
		p.queue = nil
		p.mu.Unlock()
		p.cond.Broadcast()

		for _, q := range pending {
			p.cancelled.Add(1)
			q.handle.finish(ErrTaskCancelled)
		}
		p.logger.Debug("Worker pool stopped", loggingpkg.LogFields{"cancelled": len(pending)})
	})
}

// Wait blocks until every worker goroutine has exited or ctx is done.
func (p *Fixed) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Fixed) Stats() Stats {
	p.mu.Lock()
	queued, active, stopped := len(p.queue), p.busy, p.stopped
	p.mu.Unlock()

	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		QueueSize: p.queueSize,
		Queued:    queued,
		Active:    active,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Cancelled: p.cancelled.Load(),
		Stopped:   stopped,
	}
}

func (p *Fixed) work(name string) {
	defer p.wg.Done()
	worker := &Worker{Name: name, Pool: p.name}

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue[0] = queuedTask{}
		p.queue = p.queue[1:]
		p.busy++
		p.mu.Unlock()

		err := p.run(withWorker(next.ctx, worker), next.task)

		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
		p.completed.Add(1)
		next.handle.finish(err)
	}
}

func (p *Fixed) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flowdispatch: task panicked on %s: %v", p.name, r)
			p.logger.Error("Task panicked", err, nil)
		}
	}()
	task(ctx)
	return nil
}
