package pool

import (
	"context"
	"sync"
)

// Handle tracks a submitted task.
type Handle struct {
	done chan struct{}

	mu      sync.Mutex
	err     error
	settled bool
	onDone  []func(error)
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Done is closed once the task has run or was cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports ErrTaskCancelled for tasks dropped by Stop, a panic error for
// tasks that panicked, and nil otherwise. It is only meaningful after Done.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the task settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnDone registers fn to run when the task settles. fn runs immediately when
// the task already settled.
func (h *Handle) OnDone(fn func(err error)) {
	h.mu.Lock()
	if h.settled {
		err := h.err
		h.mu.Unlock()
		fn(err)
		return
	}
	h.onDone = append(h.onDone, fn)
	h.mu.Unlock()
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		return
	}
	h.settled = true
	h.err = err
	callbacks := h.onDone
	h.onDone = nil
	h.mu.Unlock()

	close(h.done)
	for _, fn := range callbacks {
		fn(err)
	}
}
