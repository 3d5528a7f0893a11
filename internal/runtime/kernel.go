package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/unitkernel/internal/runtime/bridge"
	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	configpkg "github.com/drblury/unitkernel/internal/runtime/config"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/governance"
	"github.com/drblury/unitkernel/internal/runtime/ids"
	"github.com/drblury/unitkernel/internal/runtime/lifecycle"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/metrics"
	"github.com/drblury/unitkernel/internal/runtime/protocol"
	"github.com/drblury/unitkernel/internal/runtime/registry"
	"github.com/drblury/unitkernel/internal/runtime/scheduler"
	"github.com/drblury/unitkernel/internal/runtime/watchdog"
)

// KernelID is the allocator entry process-wide resource samples are
// recorded under.
const KernelID = "kernel"

const flushTaskID = "channels.flush"

// KernelState is the boot phase of a Kernel.
type KernelState string

const (
	KernelIdle    KernelState = "idle"
	KernelBooting KernelState = "booting"
	KernelReady   KernelState = "ready"
)

// KernelDependencies holds the optional collaborators the Kernel can use.
// Leave fields nil to get the defaults.
type KernelDependencies struct {
	// Factories builds units. Defaults to lifecycle.DefaultFactories.
	Factories *lifecycle.Factories
	// Workers maps worker ids to implementations. Ids listed in the config
	// without an implementation are skipped. Defaults to DefaultWorkers.
	Workers map[string]WorkerFunc
	// Storage backs the quota check. Defaults to a DiskStorage on
	// Config.StorageDir when set, otherwise quota checks are skipped.
	Storage governance.Storage
	// Registerer receives the kernel collectors. When nil, metrics are
	// only collected if Config.MetricsEnabled, on the default registerer.
	Registerer prometheus.Registerer
	// Publisher receives mirrored emissions when Config.MirrorEnabled.
	// Defaults to a file sink on Config.MirrorFile or an in-process
	// channel.
	Publisher message.Publisher
	TaskHooks scheduler.TaskHooks
	// Manifest takes precedence over Config.ManifestPath.
	Manifest *registry.Manifest
	Clock    clock.Clock
	Tracer   trace.Tracer
	// Sampler measures process resources for governance. Defaults to a
	// governance.ProcessSampler.
	Sampler governance.Sampler
}

// Kernel composes the bus and every component that boots, watches,
// schedules and governs units.
type Kernel struct {
	Conf   configpkg.Config
	Logger logging.ServiceLogger

	deps  KernelDependencies
	clock clock.Clock

	// op serializes Init, Wake and Shutdown.
	op sync.Mutex

	mu    sync.RWMutex
	state KernelState

	metrics    *metrics.Metrics
	bus        *bus.Bus
	validator  *bus.Validator
	router     *bus.Router
	channels   *bus.ChannelRouter
	registry   *registry.Registry
	lifecycle  *lifecycle.Lifecycle
	watchdog   *watchdog.Watchdog
	scheduler  *scheduler.Scheduler
	allocator  *governance.Allocator
	quota      *governance.Quota
	throttle   *governance.Throttle
	governance *governance.Loop
	handshake  *protocol.Handshake
	rpc        *protocol.RPC
	streams    *protocol.Streams
	events     *protocol.Events
	workers    *workerPool
	mirror     *bridge.Mirror
	mirrorSub  message.Subscriber
	servers    *httpServers
	cancel     context.CancelFunc
	unsub      []func()
}

// NewKernel prepares a Kernel. Nothing runs until Init.
func NewKernel(conf configpkg.Config, log logging.ServiceLogger, deps KernelDependencies) *Kernel {
	if log == nil {
		panic(errspkg.ErrLoggerRequired)
	}
	return &Kernel{
		Conf:   conf.WithDefaults(),
		Logger: log.With(logging.LogFields{"component": "kernel"}),
		deps:   deps,
		clock:  clock.OrReal(deps.Clock),
		state:  KernelIdle,
	}
}

// State reports the current boot phase.
func (k *Kernel) State() KernelState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

func (k *Kernel) setState(s KernelState) {
	k.mu.Lock()
	k.state = s
	k.mu.Unlock()
}

// Init builds every subsystem, spawns the workers and loads the manifest.
// On error the kernel is back to idle.
func (k *Kernel) Init(ctx context.Context) (err error) {
	k.op.Lock()
	defer k.op.Unlock()
	if s := k.State(); s != KernelIdle {
		return fmt.Errorf("unitkernel: init while %s", s)
	}
	k.setState(KernelBooting)
	defer func() {
		if err != nil {
			k.teardown()
			k.setState(KernelIdle)
		}
	}()

	if err := k.initMetrics(); err != nil {
		return err
	}
	manifest, err := k.loadManifest()
	if err != nil {
		return err
	}

	cfg := k.Conf
	k.bus = bus.New(k.Logger, bus.Options{
		HistoryCapacity: cfg.HistoryCapacity,
		RequestTimeout:  cfg.RequestTimeout,
		Clock:           k.clock,
		Metrics:         k.metrics,
	})
	k.registry = registry.New()
	k.registry.Load(manifest)

	k.validator = bus.NewValidator()
	for topic, schema := range k.registry.Schemas() {
		k.validator.Register(topic, schema)
	}
	k.router = bus.NewRouter()
	k.router.Load(k.registry.Routes())
	k.channels = bus.NewChannelRouter(k.bus, k.clock)

	k.lifecycle = lifecycle.New(k.bus, k.registry, k.deps.Factories, k.Logger, lifecycle.Options{
		InitTimeout:       cfg.UnitInitTimeout,
		ReadyTimeout:      cfg.ReadyTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Clock:             k.clock,
		Metrics:           k.metrics,
		Tracer:            k.deps.Tracer,
	})
	k.watchdog = watchdog.New(k.bus, k.Logger, watchdog.Options{
		Timeout: cfg.WatchdogTimeout,
		Clock:   k.clock,
		Metrics: k.metrics,
	})
	k.scheduler = scheduler.New(k.Logger, scheduler.Config{
		Yield:           cfg.SchedulerYield,
		DefaultDeadline: cfg.SchedulerDeadline,
		Clock:           k.clock,
		Metrics:         k.metrics,
		Hooks:           k.deps.TaskHooks,
	})

	k.initGovernance()

	k.handshake = protocol.NewHandshake(k.bus, k.clock)
	k.rpc = protocol.NewRPC(k.bus, k.Logger)
	k.streams = protocol.NewStreams(k.bus, k.clock)
	k.events = protocol.NewEvents(k.bus, k.clock)

	k.unsub = append(k.unsub,
		k.bus.Subscribe(events.Wildcard, k.audit),
		k.bus.Subscribe(events.UnitStarted, k.allocateUnit),
	)

	if err := k.initMirror(); err != nil {
		return err
	}
	k.spawnWorkers()

	k.Logger.Info("kernel initialised", logging.LogFields{
		"units":      len(k.registry.List()),
		"boot_order": k.registry.BootOrder(),
		"workers":    k.workers.ids(),
	})
	return nil
}

func (k *Kernel) initMetrics() error {
	reg := k.deps.Registerer
	if k.metrics != nil || (reg == nil && !k.Conf.MetricsEnabled) {
		return nil
	}
	k.metrics = metrics.New(reg)
	return k.metrics.Register()
}

func (k *Kernel) loadManifest() (registry.Manifest, error) {
	switch {
	case k.deps.Manifest != nil:
		return *k.deps.Manifest, nil
	case k.Conf.ManifestPath != "":
		m, err := registry.ReadManifest(k.Conf.ManifestPath)
		if err != nil {
			return registry.Manifest{}, fmt.Errorf("load manifest: %w", err)
		}
		return m, nil
	default:
		k.Logger.Warn("no unit manifest configured, booting without units", nil)
		return registry.Manifest{}, nil
	}
}

func (k *Kernel) initGovernance() {
	cfg := k.Conf
	storage := k.deps.Storage
	if storage == nil && cfg.StorageDir != "" {
		storage = governance.NewDiskStorage(cfg.StorageDir, cfg.StorageQuotaBytes)
	}
	sampler := k.deps.Sampler
	if sampler == nil {
		sampler = governance.NewProcessSampler()
	}

	k.allocator = governance.NewAllocator()
	k.allocator.Allocate(KernelID, governance.Budget{})
	k.quota = governance.NewQuota(k.bus, storage, k.Logger, governance.QuotaOptions{
		WarnPercent:     cfg.QuotaWarnPercent,
		CriticalPercent: cfg.QuotaCriticalPercent,
		Metrics:         k.metrics,
	})
	k.throttle = governance.NewThrottle(cfg.ThrottlePerSecond, k.clock)
	k.governance = governance.NewLoop(k.bus, k.Logger, governance.LoopConfig{
		Schedule:  cfg.GovernanceSchedule,
		KernelID:  KernelID,
		Allocator: k.allocator,
		Quota:     k.quota,
		Sampler:   sampler,
		Clock:     k.clock,
		Metrics:   k.metrics,
	})
}

func (k *Kernel) initMirror() error {
	if !k.Conf.MirrorEnabled {
		return nil
	}
	pub := k.deps.Publisher
	if pub == nil {
		if k.Conf.MirrorFile != "" {
			pub = bridge.NewFilePublisher(k.Conf.MirrorFile)
		} else {
			pub, k.mirrorSub = bridge.NewChannelSink(logging.NewWatermillAdapter(k.Logger))
		}
	}
	k.mirror = bridge.NewMirror(k.bus, pub, k.Logger, bridge.MirrorOptions{})
	k.mirror.Start()
	return nil
}

func (k *Kernel) spawnWorkers() {
	impls := k.deps.Workers
	if impls == nil {
		impls = DefaultWorkers()
	}
	k.workers = newWorkerPool(k.bus, k.Logger, k.metrics)
	for _, id := range k.Conf.Workers {
		fn, ok := impls[id]
		if !ok {
			k.Logger.Debug("no implementation for worker, skipping", logging.LogFields{"worker": id})
			continue
		}
		if err := k.workers.spawn(id, fn); err != nil {
			k.Logger.Warn("worker not spawned", logging.LogFields{"worker": id, "error": err.Error()})
		}
	}
}

// audit watches every emission: payloads failing their schema and topics
// past the throttle ceiling are logged and counted, never dropped.
func (k *Kernel) audit(payload any, msg bus.Message) error {
	if ids.IsReplyTopic(msg.Topic) {
		return nil
	}
	if res := k.validator.Validate(msg.Topic, payload); !res.Valid {
		k.metrics.ValidationFailed(msg.Topic)
		k.Logger.Warn("payload failed validation", logging.LogFields{
			"topic":      msg.Topic,
			"message_id": msg.ID,
			"errors":     strings.Join(res.Errors, "; "),
		})
	}
	if !k.throttle.Allow(msg.Topic) {
		k.metrics.Throttled(msg.Topic)
		k.Logger.Debug("topic over rate ceiling", logging.LogFields{"topic": msg.Topic})
	}
	return nil
}

// allocateUnit gives a freshly started unit its budget. The manifest may
// set cpuBudgetMs and memoryMB in the unit's metadata.
func (k *Kernel) allocateUnit(payload any, _ bus.Message) error {
	id, ok := events.UnitIDOf(payload)
	if !ok {
		return nil
	}
	var budget governance.Budget
	if desc, found := k.registry.Get(id); found {
		if ms, ok := number(desc.Metadata["cpuBudgetMs"]); ok {
			budget.CPUTime = time.Duration(ms * float64(time.Millisecond))
		}
		if mb, ok := number(desc.Metadata["memoryMB"]); ok {
			budget.MemoryMB = mb
		}
	}
	k.allocator.Allocate(id, budget)
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Wake starts every unit in boot order, then the watchdog and the
// governance loop, and announces system.ready. Units that fail to start
// are reported in the returned error; the kernel is ready regardless.
func (k *Kernel) Wake(ctx context.Context) error {
	k.op.Lock()
	defer k.op.Unlock()
	if s := k.State(); s != KernelBooting {
		return fmt.Errorf("%w: wake while %s", errspkg.ErrKernelNotInit, s)
	}

	wakeErr := k.lifecycle.WakeAll(ctx)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	k.cancel = cancel
	k.watchdog.Start(runCtx, k.lifecycle)
	k.governance.Start(runCtx)
	if err := k.startHTTP(); err != nil {
		wakeErr = errors.Join(wakeErr, err)
	}

	k.setState(KernelReady)
	running := k.lifecycle.Running()
	k.bus.Publish(events.SystemReady, events.SystemReadyPayload{Timestamp: k.clock.Now(), Units: running})
	k.Logger.Info("kernel ready", logging.LogFields{"running": running})
	return wakeErr
}

// Shutdown stops the watchdog and governance, stops every unit in reverse
// boot order, terminates the workers and closes the bus.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.op.Lock()
	defer k.op.Unlock()
	if k.State() == KernelIdle {
		return nil
	}
	err := k.lifecycleShutdown(ctx)
	if herr := k.stopHTTP(ctx); herr != nil {
		err = errors.Join(err, herr)
	}
	k.teardown()
	k.setState(KernelIdle)
	k.Logger.Info("kernel stopped", nil)
	return err
}

func (k *Kernel) lifecycleShutdown(ctx context.Context) error {
	if k.watchdog != nil {
		k.watchdog.Stop()
	}
	if k.governance != nil {
		k.governance.Stop()
	}
	if k.scheduler != nil {
		k.scheduler.Stop()
	}
	if k.lifecycle == nil {
		return nil
	}
	return k.lifecycle.ShutdownAll(ctx)
}

// teardown releases whatever Init built. Safe on a partial Init.
func (k *Kernel) teardown() {
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
	}
	if k.scheduler != nil {
		k.scheduler.Stop()
	}
	if k.workers != nil {
		k.workers.terminate()
	}
	if k.rpc != nil {
		k.rpc.Close()
	}
	for _, unsubscribe := range k.unsub {
		unsubscribe()
	}
	k.unsub = nil
	if k.mirror != nil {
		if err := k.mirror.Stop(); err != nil {
			k.Logger.Warn("mirror publisher close failed", logging.LogFields{"error": err.Error()})
		}
		k.mirror = nil
		k.mirrorSub = nil
	}
	if k.bus != nil {
		k.bus.Close()
	}
}

// Enqueue buffers payload on a channel lane and schedules a flush. Lanes
// flush in priority order, so high lane emissions overtake queued default
// and low ones.
func (k *Kernel) Enqueue(lane, topic string, payload any) error {
	if k.channels == nil {
		return errspkg.ErrKernelNotInit
	}
	k.channels.Enqueue(lane, topic, payload)
	k.scheduler.Cancel(flushTaskID)
	return k.scheduler.Schedule(flushTaskID, func(context.Context) error {
		k.channels.Flush()
		return nil
	}, scheduler.Options{Priority: k.flushPriority()})
}

// flushPriority is the priority of the most urgent lane holding entries.
func (k *Kernel) flushPriority() int {
	for _, lane := range []string{bus.LaneHigh, bus.LaneDefault, bus.LaneLow} {
		if k.channels.Pending(lane) > 0 {
			return lanePriority(lane)
		}
	}
	return lanePriority(bus.LaneDefault)
}

func lanePriority(lane string) int {
	switch lane {
	case bus.LaneHigh:
		return 10
	case bus.LaneLow:
		return -10
	default:
		return 0
	}
}

// Handshake runs the init/ready handshake with a unit using the configured
// timeout.
func (k *Kernel) Handshake(ctx context.Context, unitID string, config any) (protocol.HandshakeResult, error) {
	if k.handshake == nil {
		return protocol.HandshakeResult{}, errspkg.ErrKernelNotInit
	}
	return k.handshake.Initiate(ctx, unitID, config, k.Conf.HandshakeTimeout)
}

// Dispatch sends a job to a worker and waits for its result.
func (k *Kernel) Dispatch(ctx context.Context, workerID, jobType string, payload any) (any, error) {
	if k.workers == nil {
		return nil, errspkg.ErrKernelNotInit
	}
	return k.workers.dispatch(ctx, workerID, jobType, payload, k.Conf.RequestTimeout)
}

// Accessors for the subsystems built by Init. They return nil before Init.
// MirrorSubscriber is only set when the mirror falls back to the in-process
// Watermill channel.

func (k *Kernel) Bus() *bus.Bus                        { return k.bus }
func (k *Kernel) Registry() *registry.Registry         { return k.registry }
func (k *Kernel) Lifecycle() *lifecycle.Lifecycle      { return k.lifecycle }
func (k *Kernel) Watchdog() *watchdog.Watchdog         { return k.watchdog }
func (k *Kernel) Scheduler() *scheduler.Scheduler      { return k.scheduler }
func (k *Kernel) Validator() *bus.Validator            { return k.validator }
func (k *Kernel) Router() *bus.Router                  { return k.router }
func (k *Kernel) Channels() *bus.ChannelRouter         { return k.channels }
func (k *Kernel) Allocator() *governance.Allocator     { return k.allocator }
func (k *Kernel) Quota() *governance.Quota             { return k.quota }
func (k *Kernel) Throttle() *governance.Throttle       { return k.throttle }
func (k *Kernel) Governance() *governance.Loop         { return k.governance }
func (k *Kernel) RPC() *protocol.RPC                   { return k.rpc }
func (k *Kernel) Streams() *protocol.Streams           { return k.streams }
func (k *Kernel) Events() *protocol.Events             { return k.events }
func (k *Kernel) Metrics() *metrics.Metrics            { return k.metrics }
func (k *Kernel) Workers() []string                    { return k.workers.ids() }
func (k *Kernel) MirrorSubscriber() message.Subscriber { return k.mirrorSub }
