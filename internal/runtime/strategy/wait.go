package strategy

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	errspkg "github.com/drblury/flowdispatch/internal/runtime/errors"
)

// WaitStrategy is how a goroutine waits for capacity to free up.
type WaitStrategy int

const (
	// WaitBlocking parks until signalled, polling as a fallback.
	WaitBlocking WaitStrategy = iota
	// WaitYielding yields the processor between attempts.
	WaitYielding
	// WaitBusySpin retries without yielding.
	WaitBusySpin
)

// blockingPoll bounds how long a parked waiter sleeps without a signal.
const blockingPoll = 2 * time.Millisecond

func (w WaitStrategy) String() string {
	switch w {
	case WaitBlocking:
		return "BLOCKING"
	case WaitYielding:
		return "YIELDING"
	case WaitBusySpin:
		return "BUSY_SPIN"
	default:
		return fmt.Sprintf("WaitStrategy(%d)", int(w))
	}
}

// ParseWaitStrategy accepts BLOCKING, YIELDING or BUSY_SPIN in any case.
func ParseWaitStrategy(s string) (WaitStrategy, error) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_") {
	case "", "BLOCKING":
		return WaitBlocking, nil
	case "YIELDING":
		return WaitYielding, nil
	case "BUSY_SPIN", "BUSYSPIN":
		return WaitBusySpin, nil
	default:
		return WaitBlocking, fmt.Errorf("unknown wait strategy %q", s)
	}
}

// pause waits once. It returns ctx.Err() when ctx is done and ErrStopped when
// stop is closed.
func (w WaitStrategy) pause(ctx context.Context, signal <-chan struct{}, stop <-chan struct{}) error {
	switch w {
	case WaitYielding:
		runtime.Gosched()
	case WaitBusySpin:
	default:
		timer := time.NewTimer(blockingPoll)
		defer timer.Stop()
		select {
		case <-signal:
		case <-timer.C:
		case <-ctx.Done():
		case <-stop:
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-stop:
		return errspkg.ErrStopped
	default:
		return nil
	}
}
