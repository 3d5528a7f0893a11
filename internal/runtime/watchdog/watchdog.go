// Package watchdog restarts units whose heartbeats stop. A unit is only
// watched once it has sent at least one heartbeat, and is never restarted
// twice concurrently.
package watchdog

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/metrics"
)

const DefaultTimeout = 30 * time.Second

// Restarter is satisfied by *lifecycle.Lifecycle.
type Restarter interface {
	Restart(ctx context.Context, id string) error
}

type Options struct {
	// Timeout is the silence after which a unit counts as unresponsive.
	// The table is polled every Timeout/2.
	Timeout time.Duration
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

type Watchdog struct {
	bus     *bus.Bus
	logger  logging.ServiceLogger
	clock   clock.Clock
	metrics *metrics.Metrics
	timeout time.Duration

	mu          sync.Mutex
	lastSeen    map[string]time.Time
	restarting  map[string]bool
	restarter   Restarter
	ctx         context.Context
	unsubscribe func()
	stopPoll    chan struct{}
	pollDone    chan struct{}
}

func New(b *bus.Bus, logger logging.ServiceLogger, opts Options) *Watchdog {
	if logger == nil {
		panic(errspkg.ErrLoggerRequired)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Watchdog{
		bus:        b,
		logger:     logger.With(logging.LogFields{"component": "watchdog"}),
		clock:      clock.OrReal(opts.Clock),
		metrics:    opts.Metrics,
		timeout:    timeout,
		lastSeen:   make(map[string]time.Time),
		restarting: make(map[string]bool),
	}
}

// Start subscribes to heartbeats and polls every Timeout/2 until Stop or
// until ctx ends. Calling Start again replaces the previous session.
func (w *Watchdog) Start(ctx context.Context, r Restarter) {
	w.Attach(ctx, r)

	stop := make(chan struct{})
	done := make(chan struct{})
	ticker := w.clock.NewTicker(w.timeout / 2)

	w.mu.Lock()
	w.stopPoll = stop
	w.pollDone = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Check()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	w.logger.Info("watchdog started", logging.LogFields{"timeout": w.timeout.String()})
}

// Attach subscribes to heartbeats and sets the restarter without starting
// the poll loop; Check then has to be driven by the caller.
func (w *Watchdog) Attach(ctx context.Context, r Restarter) {
	w.Stop()
	unsubscribe := w.bus.Subscribe(events.UnitHeartbeat, w.onHeartbeat)

	w.mu.Lock()
	w.ctx = ctx
	w.restarter = r
	w.unsubscribe = unsubscribe
	w.mu.Unlock()
}

// Stop ends polling and drops the heartbeat subscription. The heartbeat
// table is kept.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	stop, done, unsubscribe := w.stopPoll, w.pollDone, w.unsubscribe
	w.stopPoll, w.pollDone, w.unsubscribe = nil, nil, nil
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if stop != nil {
		close(stop)
		<-done
	}
}

func (w *Watchdog) onHeartbeat(payload any, _ bus.Message) error {
	id, ok := events.UnitIDOf(payload)
	if !ok {
		w.logger.Debug("heartbeat without unit id ignored", nil)
		return nil
	}
	w.mu.Lock()
	w.lastSeen[id] = w.clock.Now()
	delete(w.restarting, id)
	w.mu.Unlock()
	return nil
}

// Check flags every unit silent for longer than the timeout and not
// already restarting: it marks it restarting, forgets its heartbeat,
// publishes events.UnitUnresponsive and requests one restart in the
// background. It returns the ids flagged.
func (w *Watchdog) Check() []string {
	now := w.clock.Now()

	type flagged struct {
		id   string
		last time.Time
	}
	var due []flagged

	w.mu.Lock()
	for _, id := range slices.Sorted(maps.Keys(w.lastSeen)) {
		last := w.lastSeen[id]
		if now.Sub(last) <= w.timeout || w.restarting[id] {
			continue
		}
		w.restarting[id] = true
		delete(w.lastSeen, id)
		due = append(due, flagged{id: id, last: last})
	}
	restarter, ctx := w.restarter, w.ctx
	w.mu.Unlock()

	ids := make([]string, 0, len(due))
	for _, f := range due {
		ids = append(ids, f.id)
		w.logger.Warn("unit unresponsive", logging.LogFields{"unit": f.id, "last_seen": f.last})
		w.bus.Publish(events.UnitUnresponsive, events.UnitUnresponsivePayload{UnitID: f.id, LastSeen: f.last})
		if restarter != nil {
			w.metrics.Restart(f.id)
			go w.restart(ctx, restarter, f.id)
		}
	}
	return ids
}

func (w *Watchdog) restart(ctx context.Context, r Restarter, id string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.Restart(ctx, id); err != nil {
		w.logger.Error("restart failed", err, logging.LogFields{"unit": id})
		w.mu.Lock()
		delete(w.restarting, id)
		w.mu.Unlock()
	}
}

// Heartbeats returns a copy of the last-seen table.
func (w *Watchdog) Heartbeats() map[string]time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.lastSeen)
}

// Restarting reports whether a restart of id is in flight.
func (w *Watchdog) Restarting(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarting[id]
}

// Timeout returns the effective silence timeout.
func (w *Watchdog) Timeout() time.Duration { return w.timeout }
