package strategy

import (
	"fmt"
	"strings"
)

// Kind selects one of the named strategy presets.
type Kind int

const (
	// Direct runs every stage on the calling goroutine.
	Direct Kind = iota
	// DirectPerThread is Direct with a cached inline sink per calling context.
	DirectPerThread
	// Blocking runs every stage on the caller and waits for async stages.
	Blocking
	// WorkQueue runs every stage on a single blocking pool.
	WorkQueue
	// Reactor runs every stage on the CPU-light pool.
	Reactor
	// ReactorStream is Reactor fed through a ring buffer.
	ReactorStream
	// Proactor uses the CPU-light pool as event loop and hands blocking and
	// CPU-intensive stages to their own pools.
	Proactor
	// ProactorStream is Proactor fed through a ring buffer.
	ProactorStream
	// ProactorStreamEmitter is Proactor fed through a sink per calling context.
	ProactorStreamEmitter
	// ProactorStreamWorkQueue is Proactor fed through the CPU-light work queue.
	ProactorStreamWorkQueue
)

var kindNames = []string{
	Direct:                  "direct",
	DirectPerThread:         "direct-per-thread",
	Blocking:                "blocking",
	WorkQueue:               "work-queue",
	Reactor:                 "reactor",
	ReactorStream:           "reactor-stream",
	Proactor:                "proactor",
	ProactorStream:          "proactor-stream",
	ProactorStreamEmitter:   "proactor-stream-emitter",
	ProactorStreamWorkQueue: "proactor-stream-work-queue",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kinds lists every preset.
func Kinds() []Kind {
	kinds := make([]Kind, len(kindNames))
	for i := range kindNames {
		kinds[i] = Kind(i)
	}
	return kinds
}

// ParseKind resolves a preset by name. Underscores and case are ignored; the
// empty string selects ProactorStreamEmitter, the default for flows.
func ParseKind(name string) (Kind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	if normalized == "" {
		return ProactorStreamEmitter, nil
	}
	for i, n := range kindNames {
		if n == normalized {
			return Kind(i), nil
		}
	}
	return Direct, fmt.Errorf("unknown processing strategy %q", name)
}
