// Package lifecycle supervises unit start, stop and restart. Operations are
// serialized: no two units are ever starting or stopping at the same time,
// which makes the registry boot order a strict dependency order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/metrics"
	"github.com/drblury/unitkernel/internal/runtime/registry"
)

// Unit is the contract every supervised component implements. Init runs
// the unit's setup; the context is only valid until Init returns. A unit
// announces its own readiness by publishing events.UnitReady with its id.
type Unit interface {
	Init(ctx context.Context) error
}

// Destroyer is implemented by units that need teardown. Failures are
// logged and otherwise ignored.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Env is handed to a Factory.
type Env struct {
	UnitID     string
	Descriptor registry.Unit
	Bus        *bus.Bus
	Logger     logging.ServiceLogger
	Clock      clock.Clock
	// HeartbeatInterval is how often the unit should publish
	// events.UnitHeartbeat to stay clear of the watchdog.
	HeartbeatInterval time.Duration
}

// Factory constructs a fresh unit instance.
type Factory func(env Env) (Unit, error)

// State of a unit as seen by lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Options tune a Lifecycle. Zero values select defaults.
type Options struct {
	// InitTimeout bounds construction plus Init. Defaults to 10s.
	InitTimeout time.Duration
	// ReadyTimeout, when positive, makes Start wait for the unit's own
	// ready announcement after Init returns.
	ReadyTimeout      time.Duration
	HeartbeatInterval time.Duration
	Clock             clock.Clock
	Metrics           *metrics.Metrics
	Tracer            trace.Tracer
}

const DefaultInitTimeout = 10 * time.Second

type Lifecycle struct {
	bus       *bus.Bus
	registry  *registry.Registry
	factories *Factories
	logger    logging.ServiceLogger
	clock     clock.Clock
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	opts      Options

	// op serializes start and stop.
	op sync.Mutex

	mu        sync.RWMutex
	instances map[string]Unit
	states    map[string]State
	lastErr   map[string]error
	started   []string
}

func New(b *bus.Bus, reg *registry.Registry, factories *Factories, logger logging.ServiceLogger, opts Options) *Lifecycle {
	if logger == nil {
		panic(errspkg.ErrLoggerRequired)
	}
	if factories == nil {
		factories = DefaultFactories
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/drblury/unitkernel/lifecycle")
	}
	return &Lifecycle{
		bus:       b,
		registry:  reg,
		factories: factories,
		logger:    logger.With(logging.LogFields{"component": "lifecycle"}),
		clock:     clock.OrReal(opts.Clock),
		metrics:   opts.Metrics,
		tracer:    tracer,
		opts:      opts,
		instances: make(map[string]Unit),
		states:    make(map[string]State),
		lastErr:   make(map[string]error),
	}
}

// Start builds and initialises the unit. Starting a running or unknown unit
// is a no-op with a warning. On failure the unit stays stopped, no instance
// is kept, events.UnitError is published and the error is returned.
func (l *Lifecycle) Start(ctx context.Context, id string) error {
	l.op.Lock()
	defer l.op.Unlock()
	return l.start(ctx, id)
}

// Stop tears the unit down. Teardown failures are swallowed.
func (l *Lifecycle) Stop(ctx context.Context, id string) error {
	l.op.Lock()
	defer l.op.Unlock()
	l.stop(ctx, id)
	return nil
}

// Restart stops then starts the unit without letting another operation in
// between.
func (l *Lifecycle) Restart(ctx context.Context, id string) error {
	l.op.Lock()
	defer l.op.Unlock()
	l.stop(ctx, id)
	return l.start(ctx, id)
}

// WakeAll starts every unit in boot order, each one fully before the next.
// A failing unit does not stop the walk; all failures are joined. Context
// cancellation ends the walk early.
func (l *Lifecycle) WakeAll(ctx context.Context) error {
	var errs []error
	for _, id := range l.registry.BootOrder() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := l.Start(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ShutdownAll stops running units in reverse boot order. Units started
// outside the boot order are stopped afterwards, newest first.
func (l *Lifecycle) ShutdownAll(ctx context.Context) error {
	order := l.registry.BootOrder()
	for i := len(order) - 1; i >= 0; i-- {
		if l.State(order[i]) != StateRunning {
			continue
		}
		if err := l.Stop(ctx, order[i]); err != nil {
			return err
		}
	}
	leftover := l.Running()
	for i := len(leftover) - 1; i >= 0; i-- {
		if err := l.Stop(ctx, leftover[i]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) start(ctx context.Context, id string) error {
	fields := logging.LogFields{"unit": id}
	if l.State(id) == StateRunning {
		l.logger.Warn("unit already running", fields)
		return nil
	}
	factory, ok := l.factories.Lookup(id)
	if !ok {
		l.logger.Warn("unknown unit", fields)
		return nil
	}

	ctx, span := l.tracer.Start(ctx, "lifecycle.start", trace.WithAttributes(attribute.String("unit.id", id)))
	defer span.End()

	began := l.clock.Now()
	l.setState(id, StateStarting)

	var ready chan struct{}
	if l.opts.ReadyTimeout > 0 {
		ready = make(chan struct{}, 1)
		unsubscribe := l.bus.Subscribe(events.UnitReady, func(p any, _ bus.Message) error {
			if unitID, ok := events.UnitIDOf(p); ok && unitID == id {
				select {
				case ready <- struct{}{}:
				default:
				}
			}
			return nil
		})
		defer unsubscribe()
	}

	unit, err := l.build(ctx, id, factory)
	if err == nil && ready != nil {
		err = l.awaitReady(ctx, ready)
	}
	if err != nil {
		if unit != nil {
			l.destroy(ctx, id, unit)
		}
		l.fail(id, err)
		l.metrics.UnitStart(id, metrics.OutcomeFailed, l.clock.Now().Sub(began))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("start %s: %w", id, err)
	}

	l.mu.Lock()
	l.instances[id] = unit
	l.states[id] = StateRunning
	delete(l.lastErr, id)
	l.started = append(l.started, id)
	running := len(l.started)
	l.mu.Unlock()

	l.metrics.UnitStart(id, metrics.OutcomeOK, l.clock.Now().Sub(began))
	l.metrics.RunningUnits(running)
	l.logger.Info("unit started", fields)
	l.bus.Publish(events.UnitStarted, events.UnitStartedPayload{UnitID: id, Timestamp: l.clock.Now()})
	return nil
}

type buildResult struct {
	unit Unit
	err  error
}

// build runs the factory and Init under the init timeout. On timeout the
// instance, if it ever appears, is destroyed in the background once Init
// returns.
func (l *Lifecycle) build(ctx context.Context, id string, factory Factory) (Unit, error) {
	initCtx, cancel := context.WithCancel(ctx)
	done := make(chan buildResult, 1)

	go func() {
		var res buildResult
		defer func() {
			if r := recover(); r != nil {
				res = buildResult{unit: res.unit, err: fmt.Errorf("unit panicked: %v", r)}
			}
			done <- res
		}()
		res.unit, res.err = factory(l.env(id))
		if res.err != nil {
			return
		}
		if res.unit == nil {
			res.err = fmt.Errorf("%w: factory returned no unit", errspkg.ErrFactoryRequired)
			return
		}
		res.err = res.unit.Init(initCtx)
	}()

	select {
	case res := <-done:
		cancel()
		return res.unit, res.err
	case <-l.clock.After(l.opts.InitTimeout):
		cancel()
		go l.reap(id, done)
		return nil, fmt.Errorf("%w after %s", errspkg.ErrUnitInitTimeout, l.opts.InitTimeout)
	case <-ctx.Done():
		cancel()
		go l.reap(id, done)
		return nil, ctx.Err()
	}
}

func (l *Lifecycle) reap(id string, done <-chan buildResult) {
	res := <-done
	if res.unit != nil {
		l.destroy(context.Background(), id, res.unit)
	}
}

func (l *Lifecycle) awaitReady(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-l.clock.After(l.opts.ReadyTimeout):
		return fmt.Errorf("%w within %s", errspkg.ErrUnitNotReady, l.opts.ReadyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lifecycle) env(id string) Env {
	descriptor, _ := l.registry.Get(id)
	return Env{
		UnitID:            id,
		Descriptor:        descriptor,
		Bus:               l.bus,
		Logger:            l.logger.With(logging.LogFields{"unit": id}),
		Clock:             l.clock,
		HeartbeatInterval: l.opts.HeartbeatInterval,
	}
}

func (l *Lifecycle) fail(id string, err error) {
	l.mu.Lock()
	l.states[id] = StateStopped
	l.lastErr[id] = err
	l.mu.Unlock()

	l.logger.Error("unit failed to start", err, logging.LogFields{"unit": id})
	l.bus.Publish(events.UnitError, events.UnitErrorPayload{UnitID: id, Error: err.Error()})
}

func (l *Lifecycle) stop(ctx context.Context, id string) {
	l.mu.RLock()
	unit, ok := l.instances[id]
	l.mu.RUnlock()
	if !ok {
		l.logger.Debug("stop ignored, unit not running", logging.LogFields{"unit": id})
		return
	}

	l.setState(id, StateStopping)
	l.destroy(ctx, id, unit)

	l.mu.Lock()
	delete(l.instances, id)
	l.states[id] = StateStopped
	l.started = slices.DeleteFunc(l.started, func(s string) bool { return s == id })
	running := len(l.started)
	l.mu.Unlock()

	l.metrics.RunningUnits(running)
	l.logger.Info("unit stopped", logging.LogFields{"unit": id})
	l.bus.Publish(events.UnitStopped, events.UnitStoppedPayload{UnitID: id, Timestamp: l.clock.Now()})
}

func (l *Lifecycle) destroy(ctx context.Context, id string, unit Unit) {
	d, ok := unit.(Destroyer)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("unit destroy panicked", logging.LogFields{"unit": id, "panic": fmt.Sprint(r)})
		}
	}()
	if err := d.Destroy(ctx); err != nil {
		l.logger.Warn("unit destroy failed", logging.LogFields{"unit": id, "error": err.Error()})
	}
}

func (l *Lifecycle) setState(id string, s State) {
	l.mu.Lock()
	l.states[id] = s
	l.mu.Unlock()
}

// Get returns the live instance for id.
func (l *Lifecycle) Get(id string) (Unit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u, ok := l.instances[id]
	return u, ok
}

// State reports the unit's state; ids never started are stopped.
func (l *Lifecycle) State(id string) State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.states[id]; ok {
		return s
	}
	return StateStopped
}

// Running returns running unit ids in the order they started.
func (l *Lifecycle) Running() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.started)
}

// LastError returns the error of the most recent failed start, cleared by
// the next successful one.
func (l *Lifecycle) LastError(id string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr[id]
}

// UnitStatus is a point-in-time view of one unit.
type UnitStatus struct {
	ID        string `json:"id"`
	State     State  `json:"state"`
	LastError string `json:"lastError,omitempty"`
}

// Snapshot reports every unit lifecycle has seen plus those in the boot
// order, sorted by id.
func (l *Lifecycle) Snapshot() []UnitStatus {
	ids := l.registry.BootOrder()
	l.mu.RLock()
	for id := range l.states {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	slices.Sort(ids)
	ids = slices.Compact(ids)

	out := make([]UnitStatus, 0, len(ids))
	for _, id := range ids {
		status := UnitStatus{ID: id, State: l.State(id)}
		if err := l.LastError(id); err != nil {
			status.LastError = err.Error()
		}
		out = append(out, status)
	}
	return out
}
