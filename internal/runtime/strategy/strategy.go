// Package strategy places the stages of a flow onto worker pools. A Strategy
// is one of the named presets in Kind, composed from a lane placement, an
// async return lane, an ingestion mode, in-flight admission and transaction
// handling.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/flowdispatch/internal/runtime/backpressure"
	errspkg "github.com/drblury/flowdispatch/internal/runtime/errors"
	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
	"github.com/drblury/flowdispatch/internal/runtime/sink"
)

type state int

const (
	stateNew state = iota
	stateInitialised
	stateStarted
	stateStopped
	stateDisposed
)

var stateNames = [...]string{"new", "initialised", "started", "stopped", "disposed"}

func (s state) String() string { return stateNames[s] }

// Strategy dispatches events through a bound pipeline.
type Strategy struct {
	kind      Kind
	cfg       Config
	preset    preset
	logger    loggingpkg.ServiceLogger
	adm       *admission
	ringLocal bool

	mu      sync.Mutex
	state   state
	stages  []processing.Stage
	sinks   *sink.Registry[*run]
	current atomic.Pointer[lanes]

	// credit is signalled whenever a sink gets credit back.
	credit chan struct{}

	admitted       atomic.Int64
	completed      atomic.Int64
	failed         atomic.Int64
	poolRejections atomic.Int64
	backpressure   [backpressure.RequiredPoolBusy + 1]atomic.Int64
}

// Stats is a point-in-time snapshot of a strategy.
type Stats struct {
	Name           string           `json:"name"`
	Kind           string           `json:"kind"`
	State          string           `json:"state"`
	InFlight       int64            `json:"in_flight"`
	MaxConcurrency int              `json:"max_concurrency"`
	Admitted       int64            `json:"admitted"`
	Completed      int64            `json:"completed"`
	Failed         int64            `json:"failed"`
	PoolRejections int64            `json:"pool_rejections"`
	Backpressure   map[string]int64 `json:"backpressure"`
	RingBuffered   int              `json:"ring_buffered"`
	Sinks          int              `json:"sinks"`
	Pools          []poolpkg.Stats  `json:"pools"`
}

// New builds a strategy of the given kind. It does not create any pool until
// Start.
func New(kind Kind, cfg Config) (*Strategy, error) {
	if int(kind) < 0 || int(kind) >= len(kindNames) {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrStrategyRequired, kind)
	}
	cfg = cfg.withDefaults()
	p := presetFor(kind)

	s := &Strategy{
		kind:   kind,
		cfg:    cfg,
		preset: p,
		logger: cfg.Logger.With(loggingpkg.LogFields{"flow": cfg.Name, "strategy": kind.String()}),
		adm:    newAdmission(cfg.MaxConcurrency),
		credit: make(chan struct{}, 1),
	}
	s.ringLocal = p.ingest == ingestRingBuffer && cfg.MaxConcurrency == 1
	return s, nil
}

// Kind returns the preset the strategy was built from.
func (s *Strategy) Kind() Kind { return s.kind }

// Name returns the flow name the strategy was configured with.
func (s *Strategy) Name() string { return s.cfg.Name }

// Bind sets the pipeline. It can only change while the strategy is not
// running.
func (s *Strategy) Bind(stages ...processing.Stage) error {
	for i, stage := range stages {
		if stage == nil {
			return fmt.Errorf("%w: position %d", errspkg.ErrStageRequired, i)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateStarted {
		return fmt.Errorf("flowdispatch: cannot bind stages while %s processing strategy is started", s.kind)
	}
	s.stages = append([]processing.Stage(nil), stages...)
	return nil
}

// Stages returns the bound pipeline.
func (s *Strategy) Stages() []processing.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]processing.Stage(nil), s.stages...)
}

// Initialise prepares ingestion. It is called by Start when needed.
func (s *Strategy) Initialise() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialiseLocked()
}

func (s *Strategy) initialiseLocked() error {
	switch s.state {
	case stateDisposed:
		return errspkg.ErrStopped
	case stateNew:
	default:
		return nil
	}
	if s.preset.ingest == ingestSink {
		s.sinks = sink.NewRegistry(s.newSink, s.cfg.SinkIdleTimeout)
	}
	s.state = stateInitialised
	s.logger.Debug("Processing strategy initialised", nil)
	return nil
}

// Start acquires the pools of the preset from their suppliers. A failing
// supplier aborts the start and releases the pools acquired so far.
func (s *Strategy) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateStarted {
		return nil
	}
	if err := s.initialiseLocked(); err != nil {
		return err
	}

	l := &lanes{
		stages: append([]processing.Stage(nil), s.stages...),
		stop:   make(chan struct{}),
	}
	for _, target := range s.preset.pools {
		p, err := s.acquire(target)
		if err != nil {
			s.release(l)
			return err
		}
		l.pools[target] = p
	}
	if s.preset.ingest == ingestRingBuffer {
		l.ring = make(chan *run, s.cfg.BufferSize)
		if err := s.startConsumers(l); err != nil {
			close(l.stop)
			s.release(l)
			return err
		}
	}

	s.current.Store(l)
	s.state = stateStarted
	s.logger.Info("Processing strategy started", loggingpkg.LogFields{"stages": len(l.stages)})
	return nil
}

func (s *Strategy) acquire(target lane) (poolpkg.WorkerPool, error) {
	supplier := s.cfg.supplier(target)
	p, err := supplier()
	if err != nil {
		return nil, supplierError(target, err)
	}
	if p == nil {
		return nil, supplierError(target, fmt.Errorf("supplier returned no pool"))
	}
	return p, nil
}

// release stops the pools of l in stop order, each one once.
func (s *Strategy) release(l *lanes) {
	stopped := make(map[poolpkg.WorkerPool]bool, len(stopOrder))
	for _, target := range stopOrder {
		p := l.pools[target]
		if p == nil || stopped[p] {
			continue
		}
		stopped[p] = true
		p.Stop()
	}
}

// Stop quiesces the ring-buffer consumers, then stops the CPU-light,
// blocking and CPU-intensive pools. Events still buffered fail with
// ErrStopped. Calling Stop again is a no-op.
func (s *Strategy) Stop() error {
	s.mu.Lock()
	l := s.detachLocked()
	s.mu.Unlock()

	s.shutdown(l)
	return nil
}

func (s *Strategy) detachLocked() *lanes {
	if s.state != stateStarted {
		return nil
	}
	l := s.current.Swap(nil)
	close(l.stop)
	s.state = stateStopped
	return l
}

// shutdown runs outside the lock: cancelled events call back into user code.
func (s *Strategy) shutdown(l *lanes) {
	if l == nil {
		return
	}
	s.release(l)
	s.drainRing(l)
	s.logger.Info("Processing strategy stopped", nil)
}

// Dispose stops the strategy, completes every open sink and stops the sink
// reaper. A disposed strategy cannot be started again.
func (s *Strategy) Dispose() error {
	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return nil
	}
	l := s.detachLocked()
	sinks := s.sinks
	s.state = stateDisposed
	s.mu.Unlock()

	s.shutdown(l)
	if sinks != nil {
		sinks.Dispose()
	}
	s.logger.Debug("Processing strategy disposed", nil)
	return nil
}

// Dispatch starts processing ev. Refusals (not started, backpressure,
// unsupported transaction) are returned directly and no callback runs;
// otherwise exactly one callback reports the result.
func (s *Strategy) Dispatch(ctx context.Context, ev *eventpkg.Event, policy backpressure.Policy, cb Callbacks) error {
	if ev == nil {
		return errspkg.ErrEventRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l := s.current.Load()
	if l == nil {
		return errspkg.ErrNotStarted
	}

	r := &run{ctx: ctx, ev: ev, l: l, cb: cb, started: time.Now()}

	if _, ok := eventpkg.TransactionFrom(ctx); ok {
		if !s.preset.synchronous && !s.cfg.TransactionAware {
			return transactionalError(s.kind)
		}
		if err := s.admit(ctx, r, policy); err != nil {
			return err
		}
		r.tx = true
		s.step(ctx, r)
		return nil
	}

	switch s.preset.ingest {
	case ingestRingBuffer:
		return s.enqueue(ctx, r, policy)
	case ingestSink:
		return s.emit(ctx, r, policy)
	}

	if err := s.admit(ctx, r, policy); err != nil {
		return err
	}
	if s.preset.ingest == ingestWorkQueue {
		s.submit(laneCPULight, r)
		return nil
	}
	s.step(ctx, r)
	return nil
}

// Process dispatches ev and waits for its result.
func (s *Strategy) Process(ctx context.Context, ev *eventpkg.Event, policy backpressure.Policy) (*eventpkg.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	type result struct {
		ev  *eventpkg.Event
		err error
	}
	done := make(chan result, 1)
	err := s.Dispatch(ctx, ev, policy, Callbacks{
		OnComplete: func(out *eventpkg.Event) { done <- result{ev: out} },
		OnError:    func(err error) { done <- result{err: err} },
	})
	if err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.ev, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReleaseContext completes the sink cached for the calling context of ctx.
// Sources call it when one of their goroutines exits.
func (s *Strategy) ReleaseContext(ctx context.Context) {
	s.mu.Lock()
	sinks := s.sinks
	s.mu.Unlock()
	if sinks != nil {
		sinks.Release(poolpkg.WorkerName(ctx))
	}
}

// Stats returns a snapshot of counters and pools.
func (s *Strategy) Stats() Stats {
	s.mu.Lock()
	st, sinks := s.state, s.sinks
	s.mu.Unlock()

	stats := Stats{
		Name:           s.cfg.Name,
		Kind:           s.kind.String(),
		State:          st.String(),
		InFlight:       s.adm.current(),
		MaxConcurrency: s.cfg.MaxConcurrency,
		Admitted:       s.admitted.Load(),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		PoolRejections: s.poolRejections.Load(),
		Backpressure:   make(map[string]int64),
	}
	for reason := backpressure.EventsAccumulated; reason <= backpressure.RequiredPoolBusy; reason++ {
		if n := s.backpressure[reason].Load(); n > 0 {
			stats.Backpressure[reason.String()] = n
		}
	}
	if sinks != nil {
		stats.Sinks = sinks.Len()
	}
	if l := s.current.Load(); l != nil {
		stats.RingBuffered = len(l.ring)
		for _, p := range l.pools {
			if p == nil {
				continue
			}
			if sp, ok := p.(interface{ Stats() poolpkg.Stats }); ok {
				stats.Pools = append(stats.Pools, sp.Stats())
			} else {
				stats.Pools = append(stats.Pools, poolpkg.Stats{Name: p.Name()})
			}
		}
	}
	return stats
}
