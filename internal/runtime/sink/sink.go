// Package sink implements credit-based ingestion into a flow. A sink accepts
// an item only while its consumer has outstanding credit and the buffer has
// room; everything else is reported as backpressure.
package sink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/flowdispatch/internal/runtime/backpressure"
)

// Consumer receives items emitted into a sink.
type Consumer[T any] func(item T)

// Sink is a buffered ingestion handle with a credit counter.
type Sink[T any] struct {
	key      string
	consumer Consumer[T]
	inline   bool

	buf  chan T
	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	credit   atomic.Int64
	queued   atomic.Int64
	lastUsed atomic.Int64

	// emit holds the read lock while sending so Complete never races a send
	// into a buffer that is being drained for the last time.
	mu        sync.RWMutex
	completed bool
	closeOnce sync.Once
}

// Options configure a sink.
type Options struct {
	// BufferSize bounds queued items and is also the initial credit.
	BufferSize int
	// Inline delivers on the emitting goroutine instead of a drain goroutine.
	Inline bool
}

// New creates a sink keyed by key and starts its drain goroutine unless the
// sink is inline.
func New[T any](key string, opts Options, consumer Consumer[T]) *Sink[T] {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1
	}
	s := &Sink[T]{
		key:      key,
		consumer: consumer,
		inline:   opts.Inline,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.credit.Store(int64(opts.BufferSize))
	s.touch()

	if s.inline {
		close(s.done)
		return s
	}
	s.buf = make(chan T, opts.BufferSize)
	go s.drain()
	return s
}

// Key returns the calling-context key the sink was created for.
func (s *Sink[T]) Key() string { return s.key }

// Emit offers item to the sink. It returns backpressure.None when the item was
// accepted and backpressure.EventsAccumulated otherwise. Emitting does not
// consume credit; delivery to the consumer does.
func (s *Sink[T]) Emit(item T) backpressure.Reason {
	s.touch()

	s.mu.RLock()
	if s.completed {
		s.mu.RUnlock()
		return backpressure.EventsAccumulated
	}
	// A non-positive credit is always backpressure, whatever drove it there.
	if s.credit.Load() <= 0 {
		s.mu.RUnlock()
		return backpressure.EventsAccumulated
	}

	if s.inline {
		s.mu.RUnlock()
		if !s.takeCredit() {
			return backpressure.EventsAccumulated
		}
		s.consumer(item)
		return backpressure.None
	}

	s.queued.Add(1)
	select {
	case s.buf <- item:
		s.mu.RUnlock()
		return backpressure.None
	default:
		s.queued.Add(-1)
		s.mu.RUnlock()
		return backpressure.EventsAccumulated
	}
}

// Request grants n more units of credit. The consumer calls it as it finishes
// items.
func (s *Sink[T]) Request(n int64) {
	if n <= 0 {
		return
	}
	s.credit.Add(n)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Credit returns the outstanding credit.
func (s *Sink[T]) Credit() int64 { return s.credit.Load() }

// Queued returns how many accepted items wait for delivery.
func (s *Sink[T]) Queued() int64 { return s.queued.Load() }

// IdleSince returns the last time the sink was emitted into.
func (s *Sink[T]) IdleSince() time.Time { return time.Unix(0, s.lastUsed.Load()) }

// Completed reports whether Complete has been called.
func (s *Sink[T]) Completed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed
}

// Complete stops accepting items. Items already buffered are still delivered.
// Calling Complete more than once is a no-op.
func (s *Sink[T]) Complete() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.completed = true
		s.mu.Unlock()
		close(s.stop)
	})
}

// Done is closed when every accepted item has been delivered after Complete.
func (s *Sink[T]) Done() <-chan struct{} { return s.done }

// takeCredit consumes one unit of credit if any is left.
func (s *Sink[T]) takeCredit() bool {
	for c := s.credit.Load(); c > 0; c = s.credit.Load() {
		if s.credit.CompareAndSwap(c, c-1) {
			return true
		}
	}
	return false
}

func (s *Sink[T]) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

func (s *Sink[T]) drain() {
	defer close(s.done)
	for {
		if s.credit.Load() <= 0 {
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				s.flush()
				return
			}
		}

		select {
		case item := <-s.buf:
			s.deliver(item)
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *Sink[T]) flush() {
	for {
		select {
		case item := <-s.buf:
			s.deliver(item)
		default:
			return
		}
	}
}

func (s *Sink[T]) deliver(item T) {
	s.queued.Add(-1)
	s.credit.Add(-1)
	s.consumer(item)
}
