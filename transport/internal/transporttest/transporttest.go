// Package transporttest holds publisher and subscriber fakes for builder
// tests.
package transporttest

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

type Publisher struct {
	Closed int
}

func (p *Publisher) Publish(string, ...*message.Message) error { return nil }

func (p *Publisher) Close() error {
	p.Closed++
	return nil
}

type Subscriber struct {
	Closed int
}

func (s *Subscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (s *Subscriber) Close() error {
	s.Closed++
	return nil
}
