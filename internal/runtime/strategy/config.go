package strategy

import (
	"runtime"
	"time"

	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
)

const (
	DefaultBufferSize      = 1024
	DefaultMaxRetries      = 10
	DefaultBlockingWorkers = 32
	DefaultSinkIdleTimeout = time.Minute

	// NoRetries disables resubmission of rejected tasks.
	NoRetries = -1
	// Unbounded disables the in-flight limit.
	Unbounded = 0
)

// Config is the factory configuration a flow hands to its strategy.
type Config struct {
	// Name identifies the flow in errors, logs and metrics.
	Name string
	// SchedulersNamePrefix prefixes default pool names. Defaults to Name.
	SchedulersNamePrefix string

	// BufferSize bounds the ring buffer and every per-context sink.
	BufferSize int
	// Subscribers is the number of ring-buffer consumers.
	Subscribers int
	// MaxConcurrency caps in-flight events; Unbounded (0) disables the cap.
	MaxConcurrency int
	// MaxConcurrencyEagerCheck rejects over-limit events before they enter
	// the ring buffer instead of holding them there.
	MaxConcurrencyEagerCheck bool
	WaitStrategy             WaitStrategy
	// TransactionAware runs events with a bound transaction synchronously on
	// the caller instead of failing them.
	TransactionAware bool

	// Pool suppliers. Nil suppliers get a default Fixed pool.
	CPULight     poolpkg.Supplier
	Blocking     poolpkg.Supplier
	CPUIntensive poolpkg.Supplier
	RingBuffer   poolpkg.Supplier

	// Default pool sizing, ignored for custom suppliers.
	CPULightWorkers       int
	BlockingWorkers       int
	BlockingQueueSize     int
	CPUIntensiveWorkers   int
	CPUIntensiveQueueSize int

	// MaxRetries bounds resubmissions after a pool rejection.
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// SinkIdleTimeout completes per-context sinks that were unused this long.
	SinkIdleTimeout time.Duration

	Observer Observer
	Logger   loggingpkg.ServiceLogger
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "flow"
	}
	if c.SchedulersNamePrefix == "" {
		c.SchedulersNamePrefix = c.Name
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Subscribers <= 0 {
		c.Subscribers = 1
	}
	if c.MaxConcurrency < 0 {
		c.MaxConcurrency = Unbounded
	}
	if c.CPULightWorkers <= 0 {
		c.CPULightWorkers = runtime.NumCPU()
	}
	if c.BlockingWorkers <= 0 {
		c.BlockingWorkers = DefaultBlockingWorkers
	}
	if c.BlockingQueueSize == 0 {
		c.BlockingQueueSize = poolpkg.Unbounded
	}
	if c.CPUIntensiveWorkers <= 0 {
		c.CPUIntensiveWorkers = runtime.NumCPU()
	}
	if c.CPUIntensiveQueueSize == 0 {
		c.CPUIntensiveQueueSize = 2 * c.CPUIntensiveWorkers
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 20 * time.Millisecond
	}
	if c.SinkIdleTimeout == 0 {
		c.SinkIdleTimeout = DefaultSinkIdleTimeout
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	c.Logger = loggingpkg.OrNop(c.Logger)
	return c
}

func (c Config) supplier(l lane) poolpkg.Supplier {
	switch l {
	case laneCPULight:
		if c.CPULight != nil {
			return c.CPULight
		}
		return c.fixed(".cpuLight", c.CPULightWorkers, poolpkg.Unbounded)
	case laneBlocking:
		if c.Blocking != nil {
			return c.Blocking
		}
		return c.fixed(".io", c.BlockingWorkers, c.BlockingQueueSize)
	case laneCPUIntensive:
		if c.CPUIntensive != nil {
			return c.CPUIntensive
		}
		return c.fixed(".cpuIntensive", c.CPUIntensiveWorkers, c.CPUIntensiveQueueSize)
	case laneRingBuffer:
		if c.RingBuffer != nil {
			return c.RingBuffer
		}
		return c.fixed(".ringBuffer", c.Subscribers, 0)
	}
	return nil
}

func (c Config) fixed(suffix string, workers, queue int) poolpkg.Supplier {
	return func() (poolpkg.WorkerPool, error) {
		return poolpkg.New(poolpkg.Config{
			Name:      c.SchedulersNamePrefix + suffix,
			Workers:   workers,
			QueueSize: queue,
			Logger:    c.Logger,
		}), nil
	}
}
