package unitkernel

import (
	"context"

	runtimepkg "github.com/drblury/unitkernel/internal/runtime"
	"github.com/drblury/unitkernel/internal/runtime/bridge"
	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	configpkg "github.com/drblury/unitkernel/internal/runtime/config"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
	idspkg "github.com/drblury/unitkernel/internal/runtime/ids"
	jsoncodec "github.com/drblury/unitkernel/internal/runtime/jsoncodec"
	"github.com/drblury/unitkernel/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/registry"
	"github.com/drblury/unitkernel/internal/units/homeostasis"
)

type (
	Config             = configpkg.Config
	Kernel             = runtimepkg.Kernel
	KernelDependencies = runtimepkg.KernelDependencies
	KernelState        = runtimepkg.KernelState
	KernelStatus       = runtimepkg.KernelStatus

	Unit      = lifecycle.Unit
	Destroyer = lifecycle.Destroyer
	Env       = lifecycle.Env
	Factory   = lifecycle.Factory
	Factories = lifecycle.Factories
	UnitState = lifecycle.State

	Manifest       = registry.Manifest
	UnitDescriptor = registry.Unit

	Message = bus.Message
	Handler = bus.Handler
	Schema  = bus.Schema

	WorkerFunc    = runtimepkg.WorkerFunc
	WorkerJob     = runtimepkg.WorkerJob
	WorkerResult  = runtimepkg.WorkerResult
	HashJob       = runtimepkg.HashJob
	SimilarityJob = runtimepkg.SimilarityJob

	MirrorOptions = bridge.MirrorOptions

	Clock = clock.Clock

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	RemoteError           = errspkg.RemoteError
)

var (
	NewKernel      = runtimepkg.NewKernel
	DefaultConfig  = configpkg.Defaults
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	ReadManifest  = registry.ReadManifest
	ParseManifest = registry.Parse

	RegisterUnit     = lifecycle.Register
	NewFactories     = lifecycle.NewFactories
	DefaultFactories = lifecycle.DefaultFactories
	DefaultWorkers   = runtimepkg.DefaultWorkers

	RealClock = clock.Real

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewHandlerLogger          = loggingpkg.NewHandlerLogger
	NewDiscardLogger          = loggingpkg.NewDiscardLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrBusClosed          = errspkg.ErrBusClosed
	ErrRequestTimeout     = errspkg.ErrRequestTimeout
	ErrUnknownUnit        = errspkg.ErrUnknownUnit
	ErrUnitRunning        = errspkg.ErrUnitRunning
	ErrFactoryRequired    = errspkg.ErrFactoryRequired
	ErrUnitInitTimeout    = errspkg.ErrUnitInitTimeout
	ErrUnitNotReady       = errspkg.ErrUnitNotReady
	ErrHandshakeTimeout   = errspkg.ErrHandshakeTimeout
	ErrHandshakePending   = errspkg.ErrHandshakePending
	ErrUnexpectedResponse = errspkg.ErrUnexpectedResponse
	ErrStorageUnavailable = errspkg.ErrStorageUnavailable
	ErrKernelNotInit      = errspkg.ErrKernelNotInit
	ErrWorkerExists       = errspkg.ErrWorkerExists
)

// Topics the kernel publishes on.
const (
	TopicUnitStarted      = events.UnitStarted
	TopicUnitStopped      = events.UnitStopped
	TopicUnitError        = events.UnitError
	TopicUnitUnresponsive = events.UnitUnresponsive
	TopicUnitHeartbeat    = events.UnitHeartbeat
	TopicUnitReady        = events.UnitReady
	TopicUnitInit         = events.UnitInit
	TopicUnitOverBudget   = events.UnitOverBudget
	TopicSystemReady      = events.SystemReady
	TopicStorageWarn      = events.StorageWarn
	TopicStorageCritical  = events.StorageCritical
	TopicWorkerError      = events.WorkerError
	TopicMemoryPrune      = events.MemoryPrune
	TopicLearningPause    = events.LearningPause
)

// Lanes accepted by Kernel.Enqueue, highest priority first.
const (
	LaneHigh    = bus.LaneHigh
	LaneDefault = bus.LaneDefault
	LaneLow     = bus.LaneLow
)

// Job types understood by the compute worker.
const (
	JobHash             = runtimepkg.JobHash
	JobCosineSimilarity = runtimepkg.JobCosineSimilarity
)

// HomeostasisUnitID is the id the bundled storage-pressure unit registers
// under in DefaultFactories.
const HomeostasisUnitID = homeostasis.ID

// Boot creates a kernel, initialises it and wakes every unit in boot order.
// A unit failing to start does not fail Boot; the returned error reports
// it alongside the running kernel. Init failures return a nil kernel.
func Boot(ctx context.Context, conf Config, log ServiceLogger, deps KernelDependencies) (*Kernel, error) {
	k := NewKernel(conf, log, deps)
	if err := k.Init(ctx); err != nil {
		return nil, err
	}
	return k, k.Wake(ctx)
}
