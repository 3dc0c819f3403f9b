package dqueue

import (
	runtimepkg "github.com/drblury/dqueue/internal/runtime"
	"github.com/drblury/dqueue/internal/runtime/codec"
	configpkg "github.com/drblury/dqueue/internal/runtime/config"
	"github.com/drblury/dqueue/internal/runtime/coordinator"
	"github.com/drblury/dqueue/internal/runtime/dispatch"
	errspkg "github.com/drblury/dqueue/internal/runtime/errors"
	"github.com/drblury/dqueue/internal/runtime/health"
	idspkg "github.com/drblury/dqueue/internal/runtime/ids"
	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
	metadatapkg "github.com/drblury/dqueue/internal/runtime/metadata"
	"github.com/drblury/dqueue/provider"
	"github.com/drblury/dqueue/provider/memory"
	"github.com/drblury/dqueue/provider/providers"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Consumer        = runtimepkg.Consumer
	ConsumerOptions = runtimepkg.ConsumerOptions
	ConsumerStats   = runtimepkg.ConsumerStats
	ConsumerHooks   = runtimepkg.ConsumerHooks

	Producer        = runtimepkg.Producer
	ProducerOptions = runtimepkg.ProducerOptions
	SendOption      = runtimepkg.SendOption
	Queued          = runtimepkg.Queued

	// Dispatch
	DispatchContext = dispatch.Context
	DispatchResult  = dispatch.Result
	Resolution      = dispatch.Resolution
	HandlerFunc     = dispatch.HandlerFunc
	HandlerError    = dispatch.HandlerError
	Envelope        = codec.Envelope

	// Providers
	Provider             = provider.Provider
	ProviderBuilder      = provider.Builder
	ProviderConfig       = provider.Config
	ProviderDependencies = provider.Dependencies
	ProviderRegistry     = provider.Registry
	Capabilities         = provider.Capabilities
	State                = provider.State
	ReceiveFunc          = provider.ReceiveFunc
	ConnectionError      = provider.ConnectionError
	MemoryStore          = memory.Store

	Coordinator         = coordinator.Coordinator
	CoordinatorRegistry = coordinator.Registry

	// Health
	HealthStatus  = health.Status
	HealthMonitor = health.Monitor
	HealthTarget  = health.Target

	// Host
	Host           = runtimepkg.Host
	Lifecycle      = runtimepkg.Lifecycle
	LifecycleFuncs = runtimepkg.LifecycleFuncs

	Metrics  = runtimepkg.Metrics
	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ValidationError       = errspkg.ValidationError
	ConfigValidationError = errspkg.ConfigValidationError
	StartupError          = errspkg.StartupError
)

var (
	NewService     = runtimepkg.NewService
	NewHost        = runtimepkg.NewHost
	ValidateConfig = configpkg.ValidateConfig
	ConfigFromEnv  = configpkg.FromEnv

	WithQueue       = runtimepkg.WithQueue
	WithMetadata    = runtimepkg.WithMetadata
	HashedQueueName = runtimepkg.HashedQueueName

	LoggingHooks = runtimepkg.LoggingHooks
	NewMetrics   = runtimepkg.NewMetrics

	NewProviderRegistry = providers.NewRegistry
	NewMemoryStore      = memory.NewStore
	ProcessingQueueName = provider.ProcessingQueueName
	IsConnectionError   = provider.IsConnectionError
	IsValidation        = errspkg.IsValidation

	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired = errspkg.ErrHandlerNameRequired
	ErrQueueRequired       = errspkg.ErrQueueRequired
	ErrMessageRequired     = errspkg.ErrMessageRequired
	ErrInvalidThreads      = errspkg.ErrInvalidThreads
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrConsumerDisposed    = errspkg.ErrConsumerDisposed
	ErrServiceStopped      = errspkg.ErrServiceStopped
	ErrUnknownProvider     = provider.ErrUnknownProvider
	ErrDispatchTimeout     = dispatch.ErrDispatchTimeout
	ErrAborted             = dispatch.ErrAborted

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Provider names understood by the default registry.
const (
	ProviderMemory   = configpkg.ProviderMemory
	ProviderRedis    = configpkg.ProviderRedis
	ProviderRabbitMQ = configpkg.ProviderRabbitMQ
)

// Dispatch resolutions.
const (
	Pending  = dispatch.Pending
	Complete = dispatch.Complete
	Timeout  = dispatch.Timeout
	Withdraw = dispatch.Withdraw
)

// Metadata keys written by the producer.
const (
	MetadataKeyMessageType = metadatapkg.KeyMessageType
	MetadataKeyContentType = metadatapkg.KeyContentType
	MetadataKeyHost        = metadatapkg.KeyHost
)

// ReceiveJSON registers a handler that receives the payload decoded into T.
func ReceiveJSON[T any](c *Consumer, name string, fn func(dc *DispatchContext, msg *T) error) error {
	return runtimepkg.ReceiveJSON(c, name, fn)
}

// QueueNameFor returns the queue a Producer derives for payloads of type T.
func QueueNameFor[T any](hashSuffix bool) string {
	return runtimepkg.QueueNameFor[T](hashSuffix)
}
