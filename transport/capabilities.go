package transport

// Capabilities describes what a transport backend guarantees to a flow
// source. The source consults it to decide how refused events are handed
// back to the broker.
type Capabilities struct {
	// Name is the PubSubSystem the capabilities belong to.
	Name string

	// SupportsAck indicates the transport settles messages explicitly.
	SupportsAck bool
	// SupportsNack indicates a negative acknowledgement triggers redelivery.
	SupportsNack bool
	// SupportsOrdering indicates messages of one partition or stream arrive in
	// order.
	SupportsOrdering bool
	// SupportsPartitioning indicates the transport spreads a topic over
	// partitions.
	SupportsPartitioning bool
	// SupportsTracing indicates trace headers are propagated natively.
	SupportsTracing bool

	// MaxMessageSize is the largest payload in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once semantics: a refused event
// that is nacked comes back.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// PreservesOrder reports whether a single source worker sees events in
// publish order.
func (c Capabilities) PreservesOrder() bool {
	return c.SupportsOrdering
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsAck:          true,
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsTracing:      true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		MaxMessageSize:   1 << 20,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsAck:     true,
		SupportsNack:    true,
		SupportsTracing: true,
		MaxMessageSize:  256 << 10,
	}

	FileCapabilities = Capabilities{
		Name:             "file",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport in the
// default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
