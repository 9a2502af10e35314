package strategy

import (
	"context"

	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
)

type lane int

const (
	// laneCurrent keeps running on whichever goroutine holds the event.
	laneCurrent lane = iota
	laneCPULight
	laneBlocking
	laneCPUIntensive
	laneRingBuffer
	laneCount
)

var laneNames = [laneCount]string{"current", "cpuLight", "blocking", "cpuIntensive", "ringBuffer"}

func (l lane) String() string { return laneNames[l] }

// stopOrder is the order pools are released in. A CPU-light worker that is
// still running must never dispatch into a pool that is already stopped.
var stopOrder = []lane{laneRingBuffer, laneCPULight, laneBlocking, laneCPUIntensive}

type ingestMode int

const (
	ingestInline ingestMode = iota
	ingestRingBuffer
	ingestSink
	ingestWorkQueue
)

// preset is the composition a Kind stands for: where each processing type
// runs, where async completions resume, and how events enter.
type preset struct {
	cpuLight     lane
	cpuIntensive lane
	blocking     lane
	asyncReturn  lane
	// awaitAsync makes the caller wait for async stages.
	awaitAsync bool
	ingest     ingestMode
	inlineSink bool
	// synchronous presets never leave the caller and support transactions.
	synchronous bool
	pools       []lane
}

var proactorPools = []lane{laneCPULight, laneBlocking, laneCPUIntensive}

func presetFor(kind Kind) preset {
	switch kind {
	case Direct:
		return preset{synchronous: true}
	case DirectPerThread:
		return preset{synchronous: true, ingest: ingestSink, inlineSink: true}
	case Blocking:
		return preset{synchronous: true, awaitAsync: true}
	case WorkQueue:
		return preset{
			cpuLight: laneBlocking, cpuIntensive: laneBlocking, blocking: laneBlocking,
			asyncReturn: laneBlocking,
			pools:       []lane{laneBlocking},
		}
	case Reactor, ReactorStream:
		p := preset{
			cpuLight: laneCPULight, cpuIntensive: laneCPULight, blocking: laneCPULight,
			asyncReturn: laneCPULight,
			pools:       []lane{laneCPULight},
		}
		if kind == ReactorStream {
			p.ingest = ingestRingBuffer
			p.pools = append(p.pools, laneRingBuffer)
		}
		return p
	default:
		p := preset{
			cpuLight: laneCPULight, cpuIntensive: laneCPUIntensive, blocking: laneBlocking,
			asyncReturn: laneCPULight,
			pools:       proactorPools,
		}
		switch kind {
		case ProactorStream:
			p.ingest = ingestRingBuffer
			p.pools = append(append([]lane{}, proactorPools...), laneRingBuffer)
		case ProactorStreamEmitter:
			p.ingest = ingestSink
		case ProactorStreamWorkQueue:
			p.ingest = ingestWorkQueue
		}
		return p
	}
}

func (p preset) laneFor(typ processing.ProcessingType) lane {
	switch typ {
	case processing.Blocking:
		return p.blocking
	case processing.CPUIntensive:
		return p.cpuIntensive
	default:
		return p.cpuLight
	}
}

// lanes holds the pools and pipeline of one started run of a strategy.
type lanes struct {
	pools  [laneCount]poolpkg.WorkerPool
	stages []processing.Stage
	ring   chan *run
	stop   chan struct{}
}

func (l *lanes) pool(target lane) poolpkg.WorkerPool { return l.pools[target] }

// on reports whether ctx already runs on the pool behind target.
func (l *lanes) on(ctx context.Context, target lane) bool {
	p := l.pools[target]
	return p != nil && poolpkg.InPool(ctx, p.Name())
}

func (l *lanes) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}
