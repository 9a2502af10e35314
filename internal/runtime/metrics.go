package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/flowdispatch/internal/runtime/backpressure"
	"github.com/drblury/flowdispatch/internal/runtime/strategy"
)

const (
	metricsNamespace = "flowdispatch"
	metricsSubsystem = "strategy"
)

// Metrics exports strategy activity to Prometheus. It implements
// strategy.Observer and keeps per-flow totals for the stats endpoint.
type Metrics struct {
	mu    sync.RWMutex
	flows map[string]*FlowMetrics

	inFlight         *prometheus.GaugeVec
	admittedTotal    *prometheus.CounterVec
	finishedTotal    *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec
	backpressureHits *prometheus.CounterVec
	poolRejections   *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	stageExecutions  *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// FlowMetrics holds the totals recorded for one flow.
type FlowMetrics struct {
	InFlight       int64             `json:"in_flight"`
	Admitted       uint64            `json:"admitted"`
	Completed      uint64            `json:"completed"`
	Failed         uint64            `json:"failed"`
	PoolRejections map[string]uint64 `json:"pool_rejections"`
	Backpressure   map[string]uint64 `json:"backpressure"`
	StageRuns      map[string]uint64 `json:"stage_runs"`
	LastUpdatedAt  time.Time         `json:"last_updated_at"`
}

// MetricsSnapshot provides a point-in-time view of the recorded metrics.
type MetricsSnapshot struct {
	Flows       map[string]FlowMetrics `json:"flows"`
	CollectedAt time.Time              `json:"collected_at"`
}

var _ strategy.Observer = (*Metrics)(nil)

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the strategy collectors. A nil registerer uses the
// Prometheus default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		flows:            make(map[string]*FlowMetrics),
		registerer:       registerer,
		inFlight:         newGaugeVec("in_flight", "Events admitted and not yet finished", []string{"flow"}),
		admittedTotal:    newCounterVec("events_admitted_total", "Total number of events admitted by the strategy", []string{"flow"}),
		finishedTotal:    newCounterVec("events_finished_total", "Total number of events that left the pipeline", []string{"flow", "outcome"}),
		eventDuration:    newHistogramVec("event_duration_seconds", "Time from admission to completion", prometheus.DefBuckets, []string{"flow"}),
		backpressureHits: newCounterVec("backpressure_total", "Total number of events refused or held by backpressure", []string{"flow", "reason"}),
		poolRejections:   newCounterVec("pool_rejections_total", "Total number of tasks rejected by a worker pool", []string{"flow", "pool"}),
		stageDuration:    newHistogramVec("stage_duration_seconds", "Stage execution time by processing type", prometheus.DefBuckets, []string{"flow", "processing_type"}),
		stageExecutions:  newCounterVec("stage_executions_total", "Total number of stage executions", []string{"flow", "processing_type", "outcome"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
// Collectors already registered by another Metrics are reused.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	if err := registerVec(m.registerer, &m.inFlight); err != nil {
		return err
	}
	for _, vec := range []**prometheus.CounterVec{&m.admittedTotal, &m.finishedTotal, &m.backpressureHits, &m.poolRejections, &m.stageExecutions} {
		if err := registerVec(m.registerer, vec); err != nil {
			return err
		}
	}
	for _, vec := range []**prometheus.HistogramVec{&m.eventDuration, &m.stageDuration} {
		if err := registerVec(m.registerer, vec); err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

func registerVec[C prometheus.Collector](registerer prometheus.Registerer, vec *C) error {
	err := registerer.Register(*vec)
	if err == nil {
		return nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	if existing, ok := already.ExistingCollector.(C); ok {
		*vec = existing
	}
	return nil
}

func (m *Metrics) flow(name string) *FlowMetrics {
	fm, ok := m.flows[name]
	if !ok {
		fm = &FlowMetrics{
			PoolRejections: make(map[string]uint64),
			Backpressure:   make(map[string]uint64),
			StageRuns:      make(map[string]uint64),
		}
		m.flows[name] = fm
	}
	fm.LastUpdatedAt = time.Now()
	return fm
}

// EventAdmitted implements strategy.Observer.
func (m *Metrics) EventAdmitted(flow string) {
	m.admittedTotal.WithLabelValues(flow).Inc()
	m.inFlight.WithLabelValues(flow).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	fm := m.flow(flow)
	fm.Admitted++
	fm.InFlight++
}

// EventReleased implements strategy.Observer.
func (m *Metrics) EventReleased(flow string) {
	m.inFlight.WithLabelValues(flow).Dec()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow(flow).InFlight--
}

// EventFinished implements strategy.Observer.
func (m *Metrics) EventFinished(flow string, elapsed time.Duration, err error) {
	m.finishedTotal.WithLabelValues(flow, outcome(err)).Inc()
	m.eventDuration.WithLabelValues(flow).Observe(elapsed.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	fm := m.flow(flow)
	if err != nil {
		fm.Failed++
	} else {
		fm.Completed++
	}
}

// Backpressure implements strategy.Observer.
func (m *Metrics) Backpressure(flow string, reason backpressure.Reason) {
	m.backpressureHits.WithLabelValues(flow, reason.String()).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow(flow).Backpressure[reason.String()]++
}

// PoolRejected implements strategy.Observer.
func (m *Metrics) PoolRejected(flow, pool string) {
	m.poolRejections.WithLabelValues(flow, pool).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow(flow).PoolRejections[pool]++
}

// StageExecuted implements strategy.Observer.
func (m *Metrics) StageExecuted(flow string, exec strategy.StageExecution) {
	typ := exec.Type.String()
	m.stageDuration.WithLabelValues(flow, typ).Observe(exec.Elapsed.Seconds())
	m.stageExecutions.WithLabelValues(flow, typ, outcome(exec.Err)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow(flow).StageRuns[typ]++
}

// Snapshot returns a copy of the per-flow totals.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Flows:       make(map[string]FlowMetrics, len(m.flows)),
		CollectedAt: time.Now(),
	}
	for name, fm := range m.flows {
		cp := *fm
		cp.PoolRejections = copyCounts(fm.PoolRejections)
		cp.Backpressure = copyCounts(fm.Backpressure)
		cp.StageRuns = copyCounts(fm.StageRuns)
		snapshot.Flows[name] = cp
	}
	return snapshot
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
