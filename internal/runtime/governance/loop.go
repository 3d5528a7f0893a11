package governance

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/metrics"
)

const DefaultSchedule = "* * * * *"

type LoopConfig struct {
	// Schedule is a cron expression. Empty means every minute.
	Schedule string
	// KernelID is the allocator entry process samples are recorded under.
	KernelID  string
	Allocator *Allocator
	Quota     *Quota
	Sampler   Sampler
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}

// Loop periodically samples, reports over-budget units, checks the storage
// quota and starts a fresh budget cycle.
type Loop struct {
	bus    *bus.Bus
	logger logging.ServiceLogger
	cfg    LoopConfig
	clock  clock.Clock

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewLoop(b *bus.Bus, logger logging.ServiceLogger, cfg LoopConfig) *Loop {
	if logger == nil {
		panic(errspkg.ErrLoggerRequired)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Allocator == nil {
		cfg.Allocator = NewAllocator()
	}
	return &Loop{
		bus:    b,
		logger: logger.With(logging.LogFields{"component": "governance"}),
		cfg:    cfg,
		clock:  clock.OrReal(cfg.Clock),
	}
}

// Tick runs one governance pass.
func (l *Loop) Tick(ctx context.Context) {
	a := l.cfg.Allocator
	if l.cfg.Sampler != nil && l.cfg.KernelID != "" {
		a.Record(l.cfg.KernelID, l.cfg.Sampler.Sample())
	}
	for _, id := range a.OverBudget() {
		used, budget, _ := a.Usage(id)
		l.logger.Warn("unit over budget", logging.LogFields{
			"unit":      id,
			"cpu_time":  used.CPUTime.String(),
			"memory_mb": used.MemoryMB,
		})
		l.cfg.Metrics.OverBudget(id)
		l.bus.Publish(events.UnitOverBudget, events.OverBudgetPayload{
			UnitID:         id,
			CPUTime:        used.CPUTime,
			CPUBudget:      budget.CPUTime,
			MemoryMB:       used.MemoryMB,
			MemoryBudgetMB: budget.MemoryMB,
		})
	}
	if l.cfg.Quota != nil {
		if _, err := l.cfg.Quota.Check(ctx); err != nil {
			l.logger.Warn("storage check failed", logging.LogFields{"error": err.Error()})
		}
	}
	a.ResetCycle()
}

// Start ticks on the cron schedule until Stop or until ctx ends. The
// expression is assumed valid; a bad one stops the loop with an error log.
func (l *Loop) Start(ctx context.Context) {
	l.Stop()

	stop := make(chan struct{})
	done := make(chan struct{})
	l.mu.Lock()
	l.stop, l.done = stop, done
	l.mu.Unlock()

	go func() {
		defer close(done)
		for {
			now := l.clock.Now()
			next, err := gronx.NextTickAfter(l.cfg.Schedule, now, false)
			if err != nil {
				l.logger.Error("invalid governance schedule", err, logging.LogFields{"schedule": l.cfg.Schedule})
				return
			}
			select {
			case <-l.clock.After(next.Sub(now)):
				l.Tick(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for a running tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Next reports when the loop would tick after t.
func (l *Loop) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(l.cfg.Schedule, t, false)
}
