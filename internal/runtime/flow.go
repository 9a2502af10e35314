package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/flowdispatch/internal/runtime/backpressure"
	configpkg "github.com/drblury/flowdispatch/internal/runtime/config"
	errspkg "github.com/drblury/flowdispatch/internal/runtime/errors"
	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
	"github.com/drblury/flowdispatch/internal/runtime/strategy"
	"github.com/drblury/flowdispatch/transport"
)

const shutdownTimeout = 5 * time.Second

var listen = net.Listen

// PoolSuppliers overrides the worker pools a flow's strategy acquires.
// Nil suppliers get the strategy defaults.
type PoolSuppliers struct {
	CPULight     poolpkg.Supplier
	Blocking     poolpkg.Supplier
	CPUIntensive poolpkg.Supplier
	RingBuffer   poolpkg.Supplier
}

// FlowDependencies holds the optional collaborators a Flow can use.
type FlowDependencies struct {
	// Strategy replaces the one built from the configuration. Its observer
	// and pools are left as they are.
	Strategy *strategy.Strategy
	Pools    PoolSuppliers
	// Observers receive strategy events next to the flow metrics.
	Observers                 []strategy.Observer
	Middlewares               []StageMiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                          // Skips registering the default middleware chain when true.
	// Transports resolves Conf.PubSubSystem in Run. Defaults to
	// transport.DefaultRegistry.
	Transports *transport.Registry
	// Registerer receives the flow metrics. Defaults to the Prometheus
	// default registerer.
	Registerer prometheus.Registerer
}

// Flow owns a processing strategy, the stages bound to it and the services
// around it: stage middleware, metrics and the stats endpoint.
type Flow struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	strategy   *strategy.Strategy
	policy     backpressure.Policy
	metrics    *Metrics
	registerer prometheus.Registerer
	transports *transport.Registry

	mu          sync.Mutex
	middlewares []StageMiddleware
	source      *Source

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	httpServersMu sync.Mutex

	resourceTracker *resourceTracker
}

// FlowStats is the snapshot served by the stats endpoint.
type FlowStats struct {
	Flow        string          `json:"flow"`
	Strategy    strategy.Stats  `json:"strategy"`
	Source      *SourceStats    `json:"source,omitempty"`
	Stages      []StageInfo     `json:"stages"`
	Metrics     MetricsSnapshot `json:"metrics"`
	Resources   ResourceUsage   `json:"resources"`
	CollectedAt time.Time       `json:"collected_at"`
}

// NewFlow validates conf and builds the flow strategy. Bind stages on the
// returned Flow before calling Start.
func NewFlow(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps FlowDependencies) (*Flow, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	policy, err := conf.Policy()
	if err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating flow", loggingpkg.LogFields{
		"flow":     conf.FlowName,
		"strategy": conf.ProcessingStrategy,
		"config":   conf,
	})

	f := &Flow{
		Conf:            conf,
		Logger:          log,
		policy:          policy,
		registerer:      deps.Registerer,
		transports:      deps.Transports,
		resourceTracker: newResourceTracker(),
	}
	if f.registerer == nil {
		f.registerer = prometheus.DefaultRegisterer
	}
	if f.transports == nil {
		f.transports = transport.DefaultRegistry
	}

	f.metrics = NewMetrics(f.registerer)
	if err := f.metrics.Register(); err != nil {
		return nil, fmt.Errorf("register flow metrics: %w", err)
	}

	f.strategy = deps.Strategy
	if f.strategy == nil {
		observers := append(strategy.Observers{f.metrics}, deps.Observers...)
		f.strategy, err = newStrategy(conf, log, deps.Pools, observers)
		if err != nil {
			return nil, err
		}
	}

	if err := f.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	f.registerStatsServers()
	return f, nil
}

func newStrategy(conf *configpkg.Config, log loggingpkg.ServiceLogger, pools PoolSuppliers, observer strategy.Observer) (*strategy.Strategy, error) {
	kind, err := conf.Strategy()
	if err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	wait, err := conf.Wait()
	if err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	return strategy.New(kind, strategy.Config{
		Name:                     conf.FlowName,
		SchedulersNamePrefix:     conf.SchedulersNamePrefix,
		BufferSize:               conf.BufferSize,
		Subscribers:              conf.Subscribers,
		MaxConcurrency:           conf.MaxConcurrency,
		MaxConcurrencyEagerCheck: conf.MaxConcurrencyEagerCheck,
		WaitStrategy:             wait,
		TransactionAware:         conf.TransactionAware,
		CPULight:                 pools.CPULight,
		Blocking:                 pools.Blocking,
		CPUIntensive:             pools.CPUIntensive,
		RingBuffer:               pools.RingBuffer,
		CPULightWorkers:          conf.CPULightWorkers,
		BlockingWorkers:          conf.BlockingWorkers,
		BlockingQueueSize:        conf.BlockingQueueSize,
		CPUIntensiveWorkers:      conf.CPUIntensiveWorkers,
		CPUIntensiveQueueSize:    conf.CPUIntensiveQueueSize,
		MaxRetries:               conf.RetryMaxRetries,
		RetryInitialInterval:     conf.RetryInitialInterval,
		RetryMaxInterval:         conf.RetryMaxInterval,
		SinkIdleTimeout:          conf.SinkIdleTimeout,
		Observer:                 observer,
		Logger:                   log,
	})
}

func (f *Flow) registerConfiguredMiddlewares(deps FlowDependencies) error {
	var defaults []StageMiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]StageMiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := f.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Name returns the flow name the strategy reports.
func (f *Flow) Name() string {
	if f.strategy != nil {
		return f.strategy.Name()
	}
	return f.Conf.FlowName
}

// Strategy returns the underlying processing strategy.
func (f *Flow) Strategy() *strategy.Strategy { return f.strategy }

// Metrics returns the flow metrics observer.
func (f *Flow) Metrics() *Metrics { return f.metrics }

// Policy returns the configured backpressure policy.
func (f *Flow) Policy() backpressure.Policy { return f.policy }

// Bind wraps the stages with the registered middleware and binds them to the
// strategy in order.
func (f *Flow) Bind(stages ...processing.Stage) error {
	wrapped := make([]processing.Stage, 0, len(stages))
	for _, stage := range stages {
		if stage == nil {
			return errspkg.ErrStageRequired
		}
		wrapped = append(wrapped, f.wrap(stage))
	}
	return f.strategy.Bind(wrapped...)
}

// Stages describes the bound pipeline.
func (f *Flow) Stages() []StageInfo {
	stages := f.strategy.Stages()
	infos := make([]StageInfo, 0, len(stages))
	for _, stage := range stages {
		typ := stage.ProcessingType()
		infos = append(infos, StageInfo{Name: processing.NameOf(stage), Type: typ, TypeName: typ.String()})
	}
	return infos
}

// Initialise prepares the strategy without acquiring pools.
func (f *Flow) Initialise() error {
	return f.strategy.Initialise()
}

// Start starts the strategy and the HTTP servers registered on the flow.
func (f *Flow) Start() error {
	if err := f.strategy.Start(); err != nil {
		return err
	}
	if err := f.startHTTPServers(); err != nil {
		return errors.Join(err, f.strategy.Stop())
	}
	f.Logger.Info("Flow started", loggingpkg.LogFields{"flow": f.Name(), "strategy": f.strategy.Kind().String()})
	return nil
}

// Stop shuts the HTTP servers down and stops the strategy. In-flight events
// finish first.
func (f *Flow) Stop() error {
	err := errors.Join(f.stopHTTPServers(), f.strategy.Stop())
	f.Logger.Info("Flow stopped", loggingpkg.LogFields{"flow": f.Name()})
	return err
}

// Dispose stops the flow for good.
func (f *Flow) Dispose() error {
	return errors.Join(f.stopHTTPServers(), f.strategy.Dispose())
}

// Process runs ev through the pipeline and waits for the result, applying
// the configured backpressure policy.
func (f *Flow) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	return f.strategy.Process(ctx, ev, f.policy)
}

// Dispatch hands ev to the pipeline with the configured backpressure policy.
// A refusal is returned and no callback runs.
func (f *Flow) Dispatch(ctx context.Context, ev *eventpkg.Event, cb strategy.Callbacks) error {
	return f.strategy.Dispatch(ctx, ev, f.policy, cb)
}

// Run starts the flow, consumes Conf.InputTopic from the configured
// transport until ctx is done and stops the flow again.
func (f *Flow) Run(ctx context.Context) error {
	tr, err := f.transports.Build(ctx, f.Conf, loggingpkg.NewWatermillAdapter(f.Logger))
	if err != nil {
		return err
	}

	source, err := NewSource(f, tr, f.transports.GetCapabilities(f.Conf.PubSubSystem), SourceConfig{
		Topic:       f.Conf.InputTopic,
		OutputTopic: f.Conf.OutputTopic,
		Workers:     f.Conf.SourceWorkers,
		Policy:      f.policy,
	})
	if err != nil {
		return errors.Join(err, tr.Close())
	}

	if err := f.Start(); err != nil {
		return errors.Join(err, tr.Close())
	}

	runErr := source.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, tr.Close(), f.Stop())
}

func (f *Flow) attachSource(s *Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = s
}

// Stats returns a snapshot of the strategy, the source and the process.
func (f *Flow) Stats() FlowStats {
	f.mu.Lock()
	source := f.source
	f.mu.Unlock()

	stats := FlowStats{
		Flow:        f.Name(),
		Strategy:    f.strategy.Stats(),
		Stages:      f.Stages(),
		Metrics:     f.metrics.Snapshot(),
		Resources:   f.getResourceTracker().Snapshot(),
		CollectedAt: time.Now(),
	}
	if source != nil {
		ss := source.Stats()
		stats.Source = &ss
	}
	return stats
}

func (f *Flow) getResourceTracker() *resourceTracker {
	if f.resourceTracker == nil {
		f.resourceTracker = newResourceTracker()
	}
	return f.resourceTracker
}

// RegisterHTTPHandler mounts handler on the server for port, started with
// the flow.
func (f *Flow) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	f.httpServersMu.Lock()
	defer f.httpServersMu.Unlock()

	if f.httpServers == nil {
		f.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := f.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		f.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (f *Flow) startHTTPServers() error {
	f.httpServersMu.Lock()
	defer f.httpServersMu.Unlock()

	if len(f.servers) > 0 {
		return nil
	}

	for port, mux := range f.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		f.servers = append(f.servers, server)
		f.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": ln.Addr().String()})
		go func(addr string) {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				f.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr)
	}
	return nil
}

func (f *Flow) stopHTTPServers() error {
	f.httpServersMu.Lock()
	servers := f.servers
	f.servers = nil
	f.httpServersMu.Unlock()

	var errs []error
	for _, server := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, server.Shutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}
