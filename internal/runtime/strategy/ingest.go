package strategy

import (
	"context"
	"fmt"

	"github.com/drblury/flowdispatch/internal/runtime/backpressure"
	errspkg "github.com/drblury/flowdispatch/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/sink"
)

// admit takes an in-flight slot for r. Wait blocks until one frees up; Fail
// and Drop refuse immediately.
func (s *Strategy) admit(ctx context.Context, r *run, policy backpressure.Policy) error {
	if !s.adm.tryAcquire() {
		if policy != backpressure.Wait {
			return s.overload(backpressure.MaxConcurrencyExceeded)
		}
		if err := s.adm.acquire(ctx, s.cfg.WaitStrategy, r.l.stop); err != nil {
			return err
		}
	}
	s.markAdmitted(r)
	return nil
}

func (s *Strategy) markAdmitted(r *run) {
	r.admitted = true
	s.admitted.Add(1)
	s.cfg.Observer.EventAdmitted(s.cfg.Name)
}

// unadmit gives back the slot of an event that was refused after admission.
func (s *Strategy) unadmit(r *run) {
	if !r.admitted {
		return
	}
	r.admitted = false
	s.adm.release()
	s.cfg.Observer.EventReleased(s.cfg.Name)
}

// enqueue publishes r into the ring buffer. Without the eager check the
// in-flight limit is applied by the consumer, so a full limit makes events
// accumulate in the ring instead of failing here.
func (s *Strategy) enqueue(ctx context.Context, r *run, policy backpressure.Policy) error {
	if s.cfg.MaxConcurrencyEagerCheck {
		if err := s.admit(ctx, r, policy); err != nil {
			return err
		}
	}

	select {
	case r.l.ring <- r:
		s.afterEnqueue(r.l)
		return nil
	default:
	}

	if policy != backpressure.Wait {
		s.unadmit(r)
		return s.overload(backpressure.EventsAccumulated)
	}
	select {
	case r.l.ring <- r:
		s.afterEnqueue(r.l)
		return nil
	case <-ctx.Done():
		s.unadmit(r)
		return ctx.Err()
	case <-r.l.stop:
		s.unadmit(r)
		return errspkg.ErrStopped
	}
}

// afterEnqueue covers a publish that raced with Stop: nobody consumes the
// ring any more, so whatever is left is failed here.
func (s *Strategy) afterEnqueue(l *lanes) {
	if l.stopped() {
		s.drainRing(l)
	}
}

// consume is the body of a ring-buffer consumer.
func (s *Strategy) consume(wctx context.Context, l *lanes) {
	for {
		select {
		case r := <-l.ring:
			if !r.admitted {
				if err := s.adm.acquire(r.ctx, s.cfg.WaitStrategy, l.stop); err != nil {
					s.finish(r, nil, err)
					continue
				}
				s.markAdmitted(r)
			}
			s.step(poolpkg.CarryWorker(r.ctx, wctx), r)
		case <-l.stop:
			return
		}
	}
}

func (s *Strategy) drainRing(l *lanes) {
	if l.ring == nil {
		return
	}
	for {
		select {
		case r := <-l.ring:
			s.finish(r, nil, errspkg.ErrStopped)
		default:
			return
		}
	}
}

func (s *Strategy) startConsumers(l *lanes) error {
	p := l.pool(laneRingBuffer)
	started := 0
	for i := 0; i < s.cfg.Subscribers; i++ {
		if _, err := p.Submit(context.Background(), func(wctx context.Context) { s.consume(wctx, l) }); err != nil {
			s.logger.Error("Ring buffer consumer not started", err, loggingpkg.LogFields{"pool": p.Name()})
			continue
		}
		started++
	}
	if started == 0 {
		return supplierError(laneRingBuffer, fmt.Errorf("no consumer accepted by %s: %w", p.Name(), poolpkg.ErrRejected))
	}
	return nil
}

// emit hands r to the sink of the calling context. Callers without a worker
// identity share the sink keyed by the empty name.
func (s *Strategy) emit(ctx context.Context, r *run, policy backpressure.Policy) error {
	if err := s.admit(ctx, r, policy); err != nil {
		return err
	}
	key := poolpkg.WorkerName(ctx)
	for {
		reason := s.sinks.Emit(key, r)
		if reason == backpressure.None {
			return nil
		}
		if policy != backpressure.Wait {
			s.unadmit(r)
			return s.overload(reason)
		}
		if err := s.cfg.WaitStrategy.pause(ctx, s.credit, r.l.stop); err != nil {
			s.unadmit(r)
			return err
		}
	}
}

func (s *Strategy) newSink(key string) *sink.Sink[*run] {
	inline := s.preset.inlineSink
	var sk *sink.Sink[*run]
	sk = sink.New(key, sink.Options{BufferSize: s.cfg.BufferSize, Inline: inline}, func(r *run) {
		r.sink = sk
		if inline {
			s.step(r.ctx, r)
			return
		}
		s.step(poolpkg.CarryWorker(r.ctx, context.Background()), r)
	})
	return sk
}

func (s *Strategy) overload(reason backpressure.Reason) error {
	s.recordBackpressure(reason)
	return backpressure.NewOverload(s.cfg.Name, reason)
}

func (s *Strategy) poolBusy(pool string, err error) error {
	s.recordBackpressure(backpressure.RequiredPoolBusy)
	overload := backpressure.NewOverload(s.cfg.Name, backpressure.RequiredPoolBusy)
	overload.Pool = pool
	overload.Err = err
	return overload
}

func (s *Strategy) recordBackpressure(reason backpressure.Reason) {
	if int(reason) < len(s.backpressure) {
		s.backpressure[reason].Add(1)
	}
	s.cfg.Observer.Backpressure(s.cfg.Name, reason)
	s.logger.Trace("Backpressure", loggingpkg.LogFields{"reason": reason.String()})
}
