/*
Package runtime hosts flows: a processing strategy, the stages bound to it and
the services around them.

# Architecture Overview

A Flow owns one strategy.Strategy. The strategy decides on which worker pool
every stage of an event runs, how many events may be in flight and how
ingestion reacts to overload. The runtime package adds everything a deployed
flow needs on top of that: stage middleware, Prometheus metrics, a Watermill
source and an HTTP stats endpoint.

# Package Structure

## Flow (flow.go)

NewFlow builds the strategy from config.Config and registers the default
stage middleware. Bind wraps every stage before handing it to the strategy.
Run builds the configured transport, feeds the input topic through a Source
and stops the flow when the context ends.

## Stage middleware (middleware.go, hooks.go)

Middleware wraps stages without changing their processing type or their
asynchronous capability, so placement is unaffected:
  - CorrelationID: ensures event traceability
  - LogEvents: debug logging of stage executions
  - Tracer: OpenTelemetry span per stage execution
  - Recoverer: turns stage panics into errors
  - StageHooks: OnStageStart, OnStageDone and OnStageError callbacks

## Source (source.go)

Source subscribes to a topic and dispatches messages with the configured
backpressure policy. WAIT holds the subscription until the event is
admitted, FAIL nacks refused messages and DROP acks them.

## Metrics and stats (metrics.go, webui.go, resources.go)

Metrics implements strategy.Observer. The stats endpoint serves
/api/strategy with the strategy, source and process snapshot, and
/metrics for Prometheus.

# Sub-packages

  - backpressure/: overload reasons and source policies
  - config/: flow configuration with validation
  - errors/: sentinel errors and error types
  - event/: the event type and transaction binding
  - ids/: ULID generation for event ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: event metadata utilities
  - pool/: named worker pools
  - processing/: stages and processing types
  - sink/: per-context ingestion sinks
  - stages/: typed JSON and protobuf stages
  - strategy/: processing strategies

# Usage Example

	cfg := &flowdispatch.Config{
		FlowName:           "orders",
		ProcessingStrategy: "proactor",
		MaxConcurrency:     64,
		BackPressurePolicy: "wait",
		PubSubSystem:       "kafka",
		KafkaBrokers:       []string{"localhost:9092"},
		InputTopic:         "orders.created",
		OutputTopic:        "orders.priced",
	}

	flow, err := flowdispatch.NewFlow(cfg, logger, flowdispatch.FlowDependencies{})
	if err != nil {
		return err
	}
	if err := flow.Bind(decode, price, persist); err != nil {
		return err
	}
	return flow.Run(ctx)
*/
package runtime
