// Package flowdispatch runs message pipelines under pluggable processing
// strategies. A Flow binds an ordered list of stages to one strategy, which
// decides on which worker pool every stage runs, how many events may be in
// flight and what happens when the flow is overloaded.
//
// Stages declare a ProcessingType. CPU-light stages stay on the event loop,
// blocking stages move to the io pool and CPU-intensive stages to their own
// bounded pool. IOReadWrite stages are resolved per event from the payload.
//
// # Strategies
//
// The processing strategy is selected by name in Config.ProcessingStrategy:
//   - direct, direct-per-thread: every stage on the caller
//   - blocking: on the caller, waiting for asynchronous stages
//   - work-queue: every stage on one blocking pool
//   - reactor, reactor-stream: every stage on the CPU-light pool
//   - proactor: CPU-light event loop handing off blocking and CPU-intensive work
//   - proactor-stream, proactor-stream-emitter, proactor-stream-work-queue:
//     proactor placement fed through a ring buffer, a per-caller sink or the
//     CPU-light work queue
//
// # Backpressure
//
// MaxConcurrency bounds the events in flight. Dispatch refuses an event
// synchronously with an OverloadError under the FAIL and DROP policies and
// blocks under WAIT. Pools that keep rejecting work are retried with
// exponential backoff before the event fails with REQUIRED_POOL_BUSY.
//
// # Transports
//
// Flow.Run consumes Config.InputTopic from a Watermill transport and
// optionally publishes results to Config.OutputTopic. The built-in transports
// are registered on import: channel, kafka, rabbitmq, aws, nats,
// nats-jetstream, http and file. Custom transports can be added with
// RegisterTransport or passed per flow through FlowDependencies.Transports.
//
// # Middleware
//
// The default stage middleware chain injects correlation IDs, logs stage
// executions, opens an OpenTelemetry span per stage and recovers panics.
// StageHooksMiddleware adds OnStageStart, OnStageDone and OnStageError
// callbacks. Middleware keeps the processing type of the wrapped stage, so
// placement is unaffected.
package flowdispatch
