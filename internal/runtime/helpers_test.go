package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/flowdispatch/internal/runtime/config"
	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
	"github.com/drblury/flowdispatch/internal/runtime/strategy"
)

type loggedEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type logRecorder struct {
	mu   sync.Mutex
	logs []loggedEntry
}

// recordingLogger keeps every entry so tests can assert on them.
type recordingLogger struct {
	rec    *logRecorder
	fields loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{rec: &logRecorder{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{rec: l.rec, fields: merged}
}

func (l *recordingLogger) log(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()
	l.rec.logs = append(l.rec.logs, loggedEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.log("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.log("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.log("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.log("trace", msg, nil, fields)
}

func (l *recordingLogger) entries(msg string) []loggedEntry {
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()
	var out []loggedEntry
	for _, e := range l.rec.logs {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		FlowName:              "orders",
		ProcessingStrategy:    "proactor",
		CPULightWorkers:       2,
		BlockingWorkers:       4,
		CPUIntensiveWorkers:   2,
		CPUIntensiveQueueSize: 2,
		BufferSize:            16,
		InputTopic:            "orders.in",
	}
}

func newTestFlow(t *testing.T, conf *configpkg.Config, deps FlowDependencies) *Flow {
	t.Helper()
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	flow, err := NewFlow(conf, loggingpkg.NopLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = flow.Dispose() })
	return flow
}

func startFlow(t *testing.T, conf *configpkg.Config, deps FlowDependencies, stages ...processing.Stage) *Flow {
	t.Helper()
	flow := newTestFlow(t, conf, deps)
	require.NoError(t, flow.Bind(stages...))
	require.NoError(t, flow.Start())
	return flow
}

// workers records the worker each stage execution ran on.
type workers struct {
	mu    sync.Mutex
	names []string
}

func (w *workers) record(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.names = append(w.names, poolpkg.WorkerName(ctx))
}

func (w *workers) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.names...)
}

func recordingStage(name string, w *workers, typ processing.ProcessingType) processing.Stage {
	return processing.NewStage(name, typ, func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		w.record(ctx)
		return ev, nil
	})
}

func passStage(name string) processing.Stage {
	return processing.NewStage(name, processing.CPULight, func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		return ev, nil
	})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}

// pushSubscriber delivers queued messages without waiting for their ack,
// which lets a source outrun the flow.
type pushSubscriber struct {
	messages chan *message.Message
	closed   bool
	mu       sync.Mutex
}

func newPushSubscriber(msgs ...*message.Message) *pushSubscriber {
	ch := make(chan *message.Message, len(msgs))
	for _, msg := range msgs {
		ch <- msg
	}
	close(ch)
	return &pushSubscriber{messages: ch}
}

func (s *pushSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return s.messages, nil
}

func (s *pushSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type settlement int

const (
	unsettled settlement = iota
	acked
	nacked
)

func settled(msg *message.Message) settlement {
	select {
	case <-msg.Acked():
		return acked
	case <-msg.Nacked():
		return nacked
	default:
		return unsettled
	}
}

// recordingPublisher keeps every published message.
type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][]*message.Message
	err      error
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = make(map[string][]*message.Message)
	}
	p.messages[topic] = append(p.messages[topic], messages...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.messages[topic]...)
}

// countingObserver counts finished events.
type countingObserver struct {
	strategy.NopObserver
	finished atomic.Int64
}

func (o *countingObserver) EventFinished(string, time.Duration, error) {
	o.finished.Add(1)
}
