// Package nats provides the NATS transports. "nats" uses core NATS
// subscriptions; "nats-jetstream" uses durable JetStream consumers whose
// streams are provisioned on first use.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/flowdispatch/transport"
)

const (
	TransportName          = "nats"
	JetStreamTransportName = "nats-jetstream"
)

const (
	// ClientName identifies flow connections on the server.
	ClientName = "flowdispatch"
	// DurablePrefix prefixes JetStream consumer names.
	DurablePrefix = "flowdispatch"
	// AckWait bounds how long a delivered event may stay unsettled.
	AckWait = 30 * time.Second
)

// PublisherFactory creates the publisher. Tests replace it.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory creates the subscriber. Tests replace it.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
	transport.RegisterWithCapabilities(JetStreamTransportName, BuildJetStream, transport.NATSJetStreamCapabilities)
}

// Build creates a core NATS transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return build(cfg, nats.JetStreamConfig{Disabled: true}, logger)
}

// BuildJetStream creates a JetStream transport with explicit acks.
func BuildJetStream(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return build(cfg, nats.JetStreamConfig{
		AutoProvision: true,
		TrackMsgId:    true,
		DurablePrefix: DurablePrefix,
		SubscribeOptions: []natsgo.SubOpt{
			natsgo.DeliverAll(),
			natsgo.AckExplicit(),
		},
	}, logger)
}

func build(cfg transport.Config, js nats.JetStreamConfig, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	marshaler := &nats.NATSMarshaler{}
	options := connectOptions()

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   js,
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(nats.SubscriberConfig{
		URL:            url,
		NatsOptions:    options,
		Unmarshaler:    marshaler,
		AckWaitTimeout: AckWait,
		JetStream:      js,
	}, logger)
	if err != nil {
		return transport.Transport{}, errors.Join(fmt.Errorf("nats subscriber: %w", err), publisher.Close())
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func connectOptions() []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name(ClientName),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
	}
}
