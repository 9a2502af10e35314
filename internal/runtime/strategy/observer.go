package strategy

import (
	"time"

	"github.com/drblury/flowdispatch/internal/runtime/backpressure"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
)

// StageExecution describes one stage run.
type StageExecution struct {
	Stage   string
	Type    processing.ProcessingType
	Worker  string
	Elapsed time.Duration
	Err     error
}

// Observer receives dispatch events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	EventAdmitted(flow string)
	EventReleased(flow string)
	EventFinished(flow string, elapsed time.Duration, err error)
	Backpressure(flow string, reason backpressure.Reason)
	PoolRejected(flow, pool string)
	StageExecuted(flow string, exec StageExecution)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) EventAdmitted(string)                       {}
func (NopObserver) EventReleased(string)                       {}
func (NopObserver) EventFinished(string, time.Duration, error) {}
func (NopObserver) Backpressure(string, backpressure.Reason)   {}
func (NopObserver) PoolRejected(string, string)                {}
func (NopObserver) StageExecuted(string, StageExecution)       {}

// Observers fans out to several observers in order.
type Observers []Observer

func (o Observers) EventAdmitted(flow string) {
	for _, obs := range o {
		obs.EventAdmitted(flow)
	}
}

func (o Observers) EventReleased(flow string) {
	for _, obs := range o {
		obs.EventReleased(flow)
	}
}

func (o Observers) EventFinished(flow string, elapsed time.Duration, err error) {
	for _, obs := range o {
		obs.EventFinished(flow, elapsed, err)
	}
}

func (o Observers) Backpressure(flow string, reason backpressure.Reason) {
	for _, obs := range o {
		obs.Backpressure(flow, reason)
	}
}

func (o Observers) PoolRejected(flow, pool string) {
	for _, obs := range o {
		obs.PoolRejected(flow, pool)
	}
}

func (o Observers) StageExecuted(flow string, exec StageExecution) {
	for _, obs := range o {
		obs.StageExecuted(flow, exec)
	}
}
