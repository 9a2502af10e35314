// Package file provides a transport backed by an append-only JSON lines file.
// It lets a flow replay recorded traffic or run without a broker.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowdispatch/internal/runtime/jsoncodec"
	"github.com/drblury/flowdispatch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "file"

// DefaultPath is used when the config names no file.
const DefaultPath = "messages.jsonl"

// PollInterval is how long a subscriber waits at the end of the file before
// looking for appended lines again.
var PollInterval = 50 * time.Millisecond

// ErrClosed is returned by a closed publisher or subscriber.
var ErrClosed = errors.New("file transport closed")

// PublisherFactory creates the publisher. Tests replace it.
var PublisherFactory = func(path string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(path, logger), nil
}

// SubscriberFactory creates the subscriber. Tests replace it.
var SubscriberFactory = func(path string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(path, logger), nil
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.FileCapabilities)
}

// Build creates a file transport reading and writing the same file.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetFilePath()
	if path == "" {
		path = DefaultPath
	}

	pub, err := PublisherFactory(path, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	sub, err := SubscriberFactory(path, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}
	logger.Info("file transport configured", watermill.LogFields{"path": path})
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

// record is one line of the file.
type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to the file.
type Publisher struct {
	path   string
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

func NewPublisher(path string, logger watermill.LoggerAdapter) *Publisher {
	return &Publisher{path: path, logger: logger}
}

// Publish writes one line per message. Lines of one call are written with a
// single write.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	for _, msg := range messages {
		if err := jsoncodec.Encode(&buf, record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		}); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Subscriber tails the file from its start. Each subscription delivers the
// messages of its topic one at a time and redelivers a nacked message until
// it is acked.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSubscriber(path string, logger watermill.LoggerAdapter) *Subscriber {
	return &Subscriber{path: path, logger: logger, closing: make(chan struct{})}
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, ErrClosed
	default:
	}

	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Close ends every subscription and waits for their channels to close.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if errors.Is(err, io.EOF) {
			if !sleep(ctx, PollInterval) {
				return
			}
			continue
		}
		if err != nil {
			s.logger.Error("file read failed", err, watermill.LogFields{"path": s.path})
			return
		}

		line := partial
		partial = nil
		var rec record
		if err := jsoncodec.Unmarshal(line, &rec); err != nil {
			s.logger.Error("skipping malformed line", err, watermill.LogFields{"path": s.path})
			continue
		}
		if rec.Topic != topic {
			continue
		}

		msg := message.NewMessage(rec.UUID, rec.Payload)
		for k, v := range rec.Metadata {
			msg.Metadata.Set(k, v)
		}
		if !s.deliver(ctx, msg, out) {
			return
		}
	}
}

// deliver hands msg out until it is acked. It reports false once ctx ends.
func (s *Subscriber) deliver(ctx context.Context, msg *message.Message, out chan<- *message.Message) bool {
	for {
		msg.SetContext(ctx)
		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		}

		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			s.logger.Debug("message nacked, redelivering", watermill.LogFields{"uuid": msg.UUID})
			msg = msg.Copy()
		case <-ctx.Done():
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
