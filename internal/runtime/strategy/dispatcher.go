package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
	"github.com/drblury/flowdispatch/internal/runtime/sink"
)

// Callbacks receive the outcome of a dispatched event. Exactly one of them is
// called, on whichever goroutine finished the event.
type Callbacks struct {
	OnComplete func(ev *eventpkg.Event)
	OnError    func(err error)
}

// run is one event travelling through the pipeline. Its fields are handed
// from goroutine to goroutine through pool submissions and channels, so only
// the goroutine currently holding it touches them.
type run struct {
	ctx     context.Context
	ev      *eventpkg.Event
	idx     int
	l       *lanes
	cb      Callbacks
	started time.Time

	tx       bool
	admitted bool
	sink     *sink.Sink[*run]

	once sync.Once
}

// step runs stages starting at r.idx until the event has to move to another
// lane, waits on an async stage, or finishes.
func (s *Strategy) step(ctx context.Context, r *run) {
	stages := r.l.stages
	for r.idx < len(stages) {
		stage := stages[r.idx]
		typ := processing.Resolve(stage.ProcessingType(), r.ev)

		target := s.placement(r, typ)
		if target != laneCurrent && !r.l.on(ctx, target) {
			s.submit(target, r)
			return
		}

		if async, ok := stage.(processing.AsyncStage); ok && typ == processing.CPULightAsync && !s.preset.awaitAsync && !r.tx {
			s.runAsync(ctx, r, async)
			return
		}

		out, err := s.runStage(ctx, r, stage, typ)
		if err != nil {
			s.finish(r, nil, err)
			return
		}
		if out != nil {
			r.ev = out
		}
		r.idx++
	}
	s.finish(r, r.ev, nil)
}

func (s *Strategy) placement(r *run, typ processing.ProcessingType) lane {
	if r.tx {
		return laneCurrent
	}
	target := s.preset.laneFor(typ)
	if target == laneCPULight && s.ringLocal {
		return laneCurrent
	}
	return target
}

func (s *Strategy) runStage(ctx context.Context, r *run, stage processing.Stage, typ processing.ProcessingType) (out *eventpkg.Event, err error) {
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("flowdispatch: stage %s panicked: %v", processing.NameOf(stage), rec)
		}
		s.observeStage(ctx, stage, typ, started, err)
	}()

	if async, ok := stage.(processing.AsyncStage); ok && typ == processing.CPULightAsync {
		return processing.Await(ctx, async, r.ev)
	}
	return stage.Process(ctx, r.ev)
}

// runAsync starts an async stage. Its completion picks the event up again on
// the return lane of the preset.
func (s *Strategy) runAsync(ctx context.Context, r *run, stage processing.AsyncStage) {
	started := time.Now()
	var once sync.Once
	complete := func(cctx context.Context, out *eventpkg.Event, err error) {
		once.Do(func() {
			if cctx == nil {
				cctx = context.Background()
			}
			s.observeStage(cctx, stage, processing.CPULightAsync, started, err)
			if err != nil {
				s.finish(r, nil, err)
				return
			}
			if out != nil {
				r.ev = out
			}
			r.idx++
			s.resume(cctx, r)
		})
	}

	defer func() {
		if rec := recover(); rec != nil {
			complete(ctx, nil, fmt.Errorf("flowdispatch: stage %s panicked: %v", processing.NameOf(stage), rec))
		}
	}()
	stage.ProcessAsync(ctx, r.ev, complete)
}

func (s *Strategy) resume(cctx context.Context, r *run) {
	ctx := poolpkg.CarryWorker(r.ctx, cctx)
	target := s.preset.asyncReturn
	if target != laneCurrent && !r.l.on(ctx, target) {
		s.submit(target, r)
		return
	}
	s.step(ctx, r)
}

func (s *Strategy) submit(target lane, r *run) {
	s.trySubmit(target, r, nil, 0)
}

// trySubmit hands the event to the pool behind target. A rejected submission
// is retried from a timer so the current worker is never held.
func (s *Strategy) trySubmit(target lane, r *run, retry *backoff.ExponentialBackOff, attempt int) {
	p := r.l.pool(target)
	if p == nil {
		s.finish(r, nil, fmt.Errorf("flowdispatch: no %s pool for %s processing strategy", target, s.kind))
		return
	}

	h, err := p.Submit(r.ctx, func(wctx context.Context) { s.step(wctx, r) })
	if err == nil {
		h.OnDone(func(err error) {
			if err != nil {
				s.finish(r, nil, err)
			}
		})
		return
	}
	if !errors.Is(err, poolpkg.ErrRejected) {
		s.finish(r, nil, err)
		return
	}

	s.poolRejections.Add(1)
	s.cfg.Observer.PoolRejected(s.cfg.Name, p.Name())

	if retry == nil {
		retry = s.newBackOff()
	}
	delay := retry.NextBackOff()
	if s.cfg.MaxRetries == NoRetries || attempt >= s.cfg.MaxRetries || delay < 0 {
		s.logger.Trace("Pool kept rejecting event", loggingpkg.LogFields{"pool": p.Name(), "attempts": attempt + 1})
		s.finish(r, nil, s.poolBusy(p.Name(), err))
		return
	}
	time.AfterFunc(delay, func() { s.trySubmit(target, r, retry, attempt+1) })
}

func (s *Strategy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = s.cfg.RetryMaxInterval
	b.Reset()
	return b
}

// finish settles the event once: it frees admission and sink credit before
// the callbacks run.
func (s *Strategy) finish(r *run, ev *eventpkg.Event, err error) {
	r.once.Do(func() {
		if r.admitted {
			s.adm.release()
			s.cfg.Observer.EventReleased(s.cfg.Name)
		}
		if r.sink != nil {
			r.sink.Request(1)
			select {
			case s.credit <- struct{}{}:
			default:
			}
		}

		if err != nil {
			s.failed.Add(1)
		} else {
			s.completed.Add(1)
		}
		s.cfg.Observer.EventFinished(s.cfg.Name, time.Since(r.started), err)

		if err != nil {
			if r.cb.OnError != nil {
				r.cb.OnError(err)
			}
			return
		}
		if r.cb.OnComplete != nil {
			r.cb.OnComplete(ev)
		}
	})
}

func (s *Strategy) observeStage(ctx context.Context, stage processing.Stage, typ processing.ProcessingType, started time.Time, err error) {
	s.cfg.Observer.StageExecuted(s.cfg.Name, StageExecution{
		Stage:   processing.NameOf(stage),
		Type:    typ,
		Worker:  poolpkg.WorkerName(ctx),
		Elapsed: time.Since(started),
		Err:     err,
	})
}
