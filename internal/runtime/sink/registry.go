package sink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/flowdispatch/internal/runtime/backpressure"
)

// Factory creates the sink for a calling-context key.
type Factory[T any] func(key string) *Sink[T]

// Registry caches one sink per calling context. Lookups are lock-free; only
// the creation of a new sink is serialised.
type Registry[T any] struct {
	factory     Factory[T]
	idleTimeout time.Duration

	sinks    sync.Map
	createMu sync.Mutex
	size     atomic.Int64
	disposed atomic.Bool

	reaperOnce sync.Once
	stopReaper chan struct{}
}

// NewRegistry creates a registry. With a positive idleTimeout a reaper
// completes sinks that were not emitted into for that long.
func NewRegistry[T any](factory Factory[T], idleTimeout time.Duration) *Registry[T] {
	return &Registry[T]{
		factory:     factory,
		idleTimeout: idleTimeout,
		stopReaper:  make(chan struct{}),
	}
}

// Get returns the sink cached for key, creating it on first use. It returns
// false once the registry has been disposed.
func (r *Registry[T]) Get(key string) (*Sink[T], bool) {
	if r.disposed.Load() {
		return nil, false
	}
	if v, ok := r.sinks.Load(key); ok {
		return v.(*Sink[T]), true
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()
	if r.disposed.Load() {
		return nil, false
	}
	if v, ok := r.sinks.Load(key); ok {
		return v.(*Sink[T]), true
	}
	s := r.factory(key)
	r.sinks.Store(key, s)
	r.size.Add(1)
	r.startReaper()
	return s, true
}

// Emit offers item to the sink for key. A sink that was completed by the
// reaper between lookup and emit is replaced transparently.
func (r *Registry[T]) Emit(key string, item T) backpressure.Reason {
	for {
		s, ok := r.Get(key)
		if !ok {
			return backpressure.EventsAccumulated
		}
		reason := s.Emit(item)
		if reason == backpressure.None || !s.Completed() || r.disposed.Load() {
			return reason
		}
		r.remove(key, s)
	}
}

// Release completes and forgets the sink for key. The owner of a calling
// context calls it when the context ends.
func (r *Registry[T]) Release(key string) {
	if v, ok := r.sinks.Load(key); ok {
		s := v.(*Sink[T])
		r.remove(key, s)
		s.Complete()
	}
}

// Len returns the number of cached sinks.
func (r *Registry[T]) Len() int { return int(r.size.Load()) }

// Dispose completes every open sink and stops the reaper. Further Get calls
// fail.
func (r *Registry[T]) Dispose() {
	if !r.disposed.CompareAndSwap(false, true) {
		return
	}
	close(r.stopReaper)

	r.createMu.Lock()
	defer r.createMu.Unlock()
	r.sinks.Range(func(key, value any) bool {
		s := value.(*Sink[T])
		r.remove(key.(string), s)
		s.Complete()
		return true
	})
}

// Sweep completes sinks idle for longer than the idle timeout and returns how
// many it removed. Sinks with queued items are left alone.
func (r *Registry[T]) Sweep(now time.Time) int {
	if r.idleTimeout <= 0 {
		return 0
	}
	removed := 0
	r.sinks.Range(func(key, value any) bool {
		s := value.(*Sink[T])
		if s.Queued() == 0 && now.Sub(s.IdleSince()) > r.idleTimeout {
			if r.remove(key.(string), s) {
				s.Complete()
				removed++
			}
		}
		return true
	})
	return removed
}

func (r *Registry[T]) remove(key string, s *Sink[T]) bool {
	if r.sinks.CompareAndDelete(key, s) {
		r.size.Add(-1)
		return true
	}
	return false
}

func (r *Registry[T]) startReaper() {
	if r.idleTimeout <= 0 {
		return
	}
	r.reaperOnce.Do(func() {
		go func() {
			interval := r.idleTimeout / 2
			if interval <= 0 {
				interval = r.idleTimeout
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case now := <-ticker.C:
					r.Sweep(now)
				case <-r.stopReaper:
					return
				}
			}
		}()
	})
}
