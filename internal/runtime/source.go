package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowdispatch/internal/runtime/backpressure"
	errspkg "github.com/drblury/flowdispatch/internal/runtime/errors"
	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/strategy"
	"github.com/drblury/flowdispatch/transport"
)

// ErrPublisherRequired is returned when an output topic is set on a source
// whose transport has no publisher.
var ErrPublisherRequired = errors.New("flowdispatch: publisher is required for an output topic")

// SourceConfig configures how a Source feeds a flow.
type SourceConfig struct {
	// Topic is consumed by the source.
	Topic string
	// OutputTopic receives the resulting events. Empty disables publishing.
	OutputTopic string
	// Workers is the number of goroutines reading the subscription.
	// Defaults to 1.
	Workers int
	// Policy decides what happens to refused events.
	Policy backpressure.Policy
}

// SourceStats counts how the source settled messages.
type SourceStats struct {
	Topic     string `json:"topic"`
	Policy    string `json:"policy"`
	Workers   int    `json:"workers"`
	Received  int64  `json:"received"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Rejected  int64  `json:"rejected"`
	Dropped   int64  `json:"dropped"`
	Published int64  `json:"published"`
	Acked     int64  `json:"acked"`
	Nacked    int64  `json:"nacked"`
}

// Source subscribes to a topic and dispatches every message into a flow.
// A message is settled once its event left the pipeline: successes are
// acked, business failures nacked, and refusals acked (Drop) or nacked.
type Source struct {
	flow      *Flow
	transport transport.Transport
	caps      transport.Capabilities
	cfg       SourceConfig
	logger    loggingpkg.ServiceLogger

	pending sync.WaitGroup
	running atomic.Bool

	received  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	dropped   atomic.Int64
	published atomic.Int64
	acked     atomic.Int64
	nacked    atomic.Int64
}

// NewSource binds a transport to a flow. The flow reports the source in
// its stats.
func NewSource(flow *Flow, tr transport.Transport, caps transport.Capabilities, cfg SourceConfig) (*Source, error) {
	if flow == nil {
		return nil, errspkg.ErrFlowRequired
	}
	if tr.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if cfg.OutputTopic != "" && tr.Publisher == nil {
		return nil, ErrPublisherRequired
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	s := &Source{
		flow:      flow,
		transport: tr,
		caps:      caps,
		cfg:       cfg,
		logger: flow.Logger.With(loggingpkg.LogFields{
			"flow":   flow.Name(),
			"topic":  cfg.Topic,
			"policy": cfg.Policy.String(),
		}),
	}

	if cfg.Policy == backpressure.Fail && !caps.SupportsReliableDelivery() {
		s.logger.Info("Transport does not redeliver nacked messages, FAIL behaves like DROP", loggingpkg.LogFields{
			"pubsub_system": caps.Name,
		})
	}

	flow.attachSource(s)
	return s, nil
}

// Run consumes the topic until ctx is done or the subscription closes, then
// waits for every dispatched event to be settled.
func (s *Source) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("flowdispatch: source is already running")
	}
	defer s.running.Store(false)

	messages, err := s.transport.Subscriber.Subscribe(ctx, s.cfg.Topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.Topic, err)
	}

	s.logger.Info("Source started", loggingpkg.LogFields{"workers": s.cfg.Workers})

	var workers sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		workers.Add(1)
		go func(i int) {
			defer workers.Done()
			s.work(ctx, i, messages)
		}(i)
	}
	workers.Wait()
	s.pending.Wait()

	s.logger.Info("Source stopped", loggingpkg.LogFields{"received": s.received.Load()})
	return ctx.Err()
}

func (s *Source) work(ctx context.Context, index int, messages <-chan *message.Message) {
	wctx := poolpkg.WithWorker(ctx, poolpkg.WorkerNameFor(s.flow.Name()+".source", index))
	defer s.flow.strategy.ReleaseContext(wctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.handle(wctx, msg)
		}
	}
}

func (s *Source) handle(ctx context.Context, msg *message.Message) {
	s.received.Add(1)
	ev := eventpkg.FromMessage(msg)

	s.pending.Add(1)
	err := s.flow.strategy.Dispatch(ctx, ev, s.cfg.Policy, strategy.Callbacks{
		OnComplete: func(out *eventpkg.Event) {
			defer s.pending.Done()
			s.complete(msg, out)
		},
		OnError: func(err error) {
			defer s.pending.Done()
			s.fail(msg, err)
		},
	})
	if err != nil {
		s.pending.Done()
		s.fail(msg, err)
	}
}

func (s *Source) complete(msg *message.Message, out *eventpkg.Event) {
	s.completed.Add(1)
	if s.cfg.OutputTopic != "" && out != nil {
		if err := s.publish(out); err != nil {
			s.logger.Error("Failed to publish event", err, loggingpkg.LogFields{
				"event_id":     out.ID,
				"output_topic": s.cfg.OutputTopic,
			})
			s.nack(msg)
			return
		}
	}
	s.ack(msg)
}

func (s *Source) publish(out *eventpkg.Event) error {
	outMsg, err := out.ToMessage()
	if err != nil {
		return err
	}
	if err := s.transport.Publisher.Publish(s.cfg.OutputTopic, outMsg); err != nil {
		return err
	}
	s.published.Add(1)
	return nil
}

func (s *Source) fail(msg *message.Message, err error) {
	if !backpressure.IsOverload(err) {
		s.failed.Add(1)
		s.logger.Error("Event failed", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		s.nack(msg)
		return
	}

	fields := loggingpkg.LogFields{
		"message_uuid": msg.UUID,
		"reason":       backpressure.ReasonOf(err).String(),
	}
	if s.cfg.Policy == backpressure.Drop {
		s.dropped.Add(1)
		s.logger.Debug("Event dropped", fields)
		s.ack(msg)
		return
	}
	s.rejected.Add(1)
	s.logger.Debug("Event rejected", fields)
	s.nack(msg)
}

func (s *Source) ack(msg *message.Message) {
	msg.Ack()
	s.acked.Add(1)
}

func (s *Source) nack(msg *message.Message) {
	msg.Nack()
	s.nacked.Add(1)
}

// Stats returns the settlement counters.
func (s *Source) Stats() SourceStats {
	return SourceStats{
		Topic:     s.cfg.Topic,
		Policy:    s.cfg.Policy.String(),
		Workers:   s.cfg.Workers,
		Received:  s.received.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Rejected:  s.rejected.Load(),
		Dropped:   s.dropped.Load(),
		Published: s.published.Load(),
		Acked:     s.acked.Load(),
		Nacked:    s.nacked.Load(),
	}
}
