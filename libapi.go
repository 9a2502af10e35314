package flowdispatch

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/flowdispatch/internal/runtime"
	"github.com/drblury/flowdispatch/internal/runtime/backpressure"
	configpkg "github.com/drblury/flowdispatch/internal/runtime/config"
	errspkg "github.com/drblury/flowdispatch/internal/runtime/errors"
	eventpkg "github.com/drblury/flowdispatch/internal/runtime/event"
	idspkg "github.com/drblury/flowdispatch/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowdispatch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowdispatch/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowdispatch/internal/runtime/metadata"
	poolpkg "github.com/drblury/flowdispatch/internal/runtime/pool"
	"github.com/drblury/flowdispatch/internal/runtime/processing"
	"github.com/drblury/flowdispatch/internal/runtime/stages"
	"github.com/drblury/flowdispatch/internal/runtime/strategy"
	"github.com/drblury/flowdispatch/transport"
	_ "github.com/drblury/flowdispatch/transport/transports"
)

type (
	Config           = configpkg.Config
	Flow             = runtimepkg.Flow
	FlowDependencies = runtimepkg.FlowDependencies
	FlowStats        = runtimepkg.FlowStats
	PoolSuppliers    = runtimepkg.PoolSuppliers

	Source       = runtimepkg.Source
	SourceConfig = runtimepkg.SourceConfig
	SourceStats  = runtimepkg.SourceStats

	Strategy       = strategy.Strategy
	StrategyConfig = strategy.Config
	StrategyKind   = strategy.Kind
	StrategyStats  = strategy.Stats
	WaitStrategy   = strategy.WaitStrategy
	Callbacks      = strategy.Callbacks
	Observer       = strategy.Observer
	Observers      = strategy.Observers
	NopObserver    = strategy.NopObserver
	StageExecution = strategy.StageExecution

	Policy        = backpressure.Policy
	Reason        = backpressure.Reason
	OverloadError = backpressure.OverloadError

	Event          = eventpkg.Event
	Transaction    = eventpkg.Transaction
	Stage          = processing.Stage
	AsyncStage     = processing.AsyncStage
	Completion     = processing.Completion
	StageFunc      = processing.Func
	AsyncStageFunc = processing.AsyncFunc
	ProcessingType = processing.ProcessingType

	WorkerPool     = poolpkg.WorkerPool
	WorkerPoolConf = poolpkg.Config
	PoolSupplier   = poolpkg.Supplier

	StageContext[T any]            = stages.Context[T]
	StageOutput[O any]             = stages.Output[O]
	JSONFunc[T any, O any]         = stages.JSONFunc[T, O]
	JSONStage[T any, O any]        = stages.JSONStage[T, O]
	ProtoFunc[T, O proto.Message]  = stages.ProtoFunc[T, O]
	ProtoStage[T, O proto.Message] = stages.ProtoStage[T, O]
	ProtoOption                    = stages.ProtoOption

	StageMiddleware             = runtimepkg.StageMiddleware
	StageMiddlewareBuilder      = runtimepkg.StageMiddlewareBuilder
	StageMiddlewareRegistration = runtimepkg.StageMiddlewareRegistration
	StageInfo                   = runtimepkg.StageInfo
	Interceptor                 = runtimepkg.Interceptor
	Next                        = runtimepkg.Next
	StageHookContext            = runtimepkg.StageContext
	StageHooks                  = runtimepkg.StageHooks

	Metrics         = runtimepkg.Metrics
	FlowMetrics     = runtimepkg.FlowMetrics
	MetricsSnapshot = runtimepkg.MetricsSnapshot

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	Transport             = transport.Transport
)

// Processing strategies.
const (
	StrategyDirect                  = strategy.Direct
	StrategyDirectPerThread         = strategy.DirectPerThread
	StrategyBlocking                = strategy.Blocking
	StrategyWorkQueue               = strategy.WorkQueue
	StrategyReactor                 = strategy.Reactor
	StrategyReactorStream           = strategy.ReactorStream
	StrategyProactor                = strategy.Proactor
	StrategyProactorStream          = strategy.ProactorStream
	StrategyProactorStreamEmitter   = strategy.ProactorStreamEmitter
	StrategyProactorStreamWorkQueue = strategy.ProactorStreamWorkQueue
)

// Wait strategies for blocked producers.
const (
	WaitBlocking = strategy.WaitBlocking
	WaitYielding = strategy.WaitYielding
	WaitBusySpin = strategy.WaitBusySpin
)

// Backpressure policies and reasons.
const (
	PolicyWait = backpressure.Wait
	PolicyFail = backpressure.Fail
	PolicyDrop = backpressure.Drop

	ReasonNone                   = backpressure.None
	ReasonEventsAccumulated      = backpressure.EventsAccumulated
	ReasonMaxConcurrencyExceeded = backpressure.MaxConcurrencyExceeded
	ReasonRequiredPoolBusy       = backpressure.RequiredPoolBusy
)

// Processing types.
const (
	CPULight      = processing.CPULight
	CPULightAsync = processing.CPULightAsync
	CPUIntensive  = processing.CPUIntensive
	Blocking      = processing.Blocking
	IOReadWrite   = processing.IOReadWrite
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyEventSchema   = metadatapkg.KeySchema
	MetadataKeyStage         = metadatapkg.KeyStage
	MetadataKeyWorker        = metadatapkg.KeyWorker
)

var (
	NewFlow        = runtimepkg.NewFlow
	NewSource      = runtimepkg.NewSource
	ValidateConfig = configpkg.ValidateConfig

	NewStrategy       = strategy.New
	ParseStrategyKind = strategy.ParseKind
	ParseWaitStrategy = strategy.ParseWaitStrategy
	StrategyKinds     = strategy.Kinds
	ParsePolicy       = backpressure.ParsePolicy
	IsOverload        = backpressure.IsOverload
	ReasonOf          = backpressure.ReasonOf

	NewEvent         = eventpkg.New
	EventFromMessage = eventpkg.FromMessage
	WithTransaction  = eventpkg.WithTransaction
	NewStage         = processing.NewStage
	NewAsyncStage    = processing.NewAsyncStage
	Await            = processing.Await

	NewWorkerPool = poolpkg.New
	WithWorker    = poolpkg.WithWorker
	WorkerName    = poolpkg.WorkerName

	WithValidator   = stages.WithValidator
	WithStageLogger = stages.WithLogger

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogEventsMiddleware     = runtimepkg.LogEventsMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	Intercept               = runtimepkg.Intercept

	StageHooksMiddleware = runtimepkg.StageHooksMiddleware
	LoggingHooks         = runtimepkg.LoggingHooks
	AlertingHooks        = runtimepkg.AlertingHooks

	NewMetrics = runtimepkg.NewMetrics

	DefaultTransportRegistry = transport.DefaultRegistry
	NewTransportRegistry     = transport.NewRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrFlowRequired                = errspkg.ErrFlowRequired
	ErrStageRequired               = errspkg.ErrStageRequired
	ErrEventRequired               = errspkg.ErrEventRequired
	ErrNotStarted                  = errspkg.ErrNotStarted
	ErrStopped                     = errspkg.ErrStopped
	ErrSubscriberRequired          = errspkg.ErrSubscriberRequired
	ErrTopicRequired               = errspkg.ErrTopicRequired
	ErrConfigRequired              = errspkg.ErrConfigRequired
	ErrLoggerRequired              = errspkg.ErrLoggerRequired
	ErrConsumeMessageTypeRequired  = errspkg.ErrConsumeMessageTypeRequired
	ErrConsumeMessagePointerNeeded = errspkg.ErrConsumeMessagePointerNeeded
	ErrPublisherRequired           = runtimepkg.ErrPublisherRequired

	ErrOverload               = backpressure.ErrOverload
	ErrEventsAccumulated      = backpressure.ErrEventsAccumulated
	ErrMaxConcurrencyExceeded = backpressure.ErrMaxConcurrencyExceeded
	ErrRequiredPoolBusy       = backpressure.ErrRequiredPoolBusy

	ErrTransactionalExecutionUnsupported = strategy.ErrTransactionalExecutionUnsupported

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	NewMetadata = metadatapkg.New

	// NewEventID generates a unique, time-ordered event ID.
	NewEventID = idspkg.NewID
)

// NewJSONStage builds a stage that decodes the event payload into T and
// encodes the O returned by fn.
func NewJSONStage[T any, O any](name string, typ ProcessingType, fn JSONFunc[T, O], logger ServiceLogger) (*JSONStage[T, O], error) {
	return stages.NewJSONStage(name, typ, fn, logger)
}

// NewProtoStage builds a stage that decodes the event payload into a clone of
// prototype and encodes the O returned by fn.
func NewProtoStage[T proto.Message, O proto.Message](name string, typ ProcessingType, prototype T, fn ProtoFunc[T, O], opts ...ProtoOption) (*ProtoStage[T, O], error) {
	return stages.NewProtoStage(name, typ, prototype, fn, opts...)
}
