package strategy

import (
	"context"
	"sync/atomic"
)

// admission limits the number of in-flight events with a single atomic
// counter. freed is signalled whenever an event leaves.
type admission struct {
	max      int64
	inFlight atomic.Int64
	freed    chan struct{}
}

func newAdmission(max int) *admission {
	return &admission{max: int64(max), freed: make(chan struct{}, 1)}
}

func (a *admission) bounded() bool { return a.max > 0 }

func (a *admission) tryAcquire() bool {
	if !a.bounded() {
		a.inFlight.Add(1)
		return true
	}
	for {
		current := a.inFlight.Load()
		if current >= a.max {
			return false
		}
		if a.inFlight.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// acquire waits for a slot. A waiter that gets one passes the signal on so a
// single release wakes every waiter in turn.
func (a *admission) acquire(ctx context.Context, wait WaitStrategy, stop <-chan struct{}) error {
	for {
		if a.tryAcquire() {
			a.notify()
			return nil
		}
		if err := wait.pause(ctx, a.freed, stop); err != nil {
			return err
		}
	}
}

func (a *admission) release() {
	a.inFlight.Add(-1)
	a.notify()
}

func (a *admission) notify() {
	select {
	case a.freed <- struct{}{}:
	default:
	}
}

func (a *admission) current() int64 { return a.inFlight.Load() }
