// Package scheduler runs deferred work one task at a time, highest
// priority first, on a single background goroutine that yields briefly
// between tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/clock"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/metrics"
)

const (
	DefaultDeadline = 5 * time.Second
	DefaultYield    = time.Millisecond
)

// ErrStopped is returned by Schedule after Stop.
var ErrStopped = errors.New("unitkernel: scheduler stopped")

// Action is the work a task performs. ctx ends when the scheduler stops.
type Action func(ctx context.Context) error

// Options for a single task.
type Options struct {
	Priority int
	// Deadline is relative to scheduling time. Zero uses the scheduler
	// default. Missing it is logged, never enforced.
	Deadline time.Duration
}

// Config tunes a Scheduler.
type Config struct {
	// Yield is the pause between two tasks.
	Yield           time.Duration
	DefaultDeadline time.Duration
	Clock           clock.Clock
	Metrics         *metrics.Metrics
	Hooks           TaskHooks
}

// PanicError wraps a panic recovered from an Action.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

type task struct {
	id        string
	priority  int
	deadline  time.Time
	createdAt time.Time
	action    Action
}

type Scheduler struct {
	clock    clock.Clock
	yield    time.Duration
	deadline time.Duration
	hooks    TaskHooks
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []*task
	draining bool
	current  string
	idle     chan struct{}
	stopped  bool
}

func New(logger logging.ServiceLogger, cfg Config) *Scheduler {
	if logger == nil {
		panic(errspkg.ErrLoggerRequired)
	}
	if cfg.Yield <= 0 {
		cfg.Yield = DefaultYield
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = DefaultDeadline
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	logger = logger.With(logging.LogFields{"component": "scheduler"})
	return &Scheduler{
		clock:    clock.OrReal(cfg.Clock),
		yield:    cfg.Yield,
		deadline: cfg.DefaultDeadline,
		hooks:    LoggingHooks(logger).Merge(MetricsHooks(cfg.Metrics)).Merge(cfg.Hooks),
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		idle:     idle,
	}
}

// Schedule queues action under id and starts draining if idle. Ids need
// not be unique; Cancel removes every queued task with the id.
func (s *Scheduler) Schedule(id string, action Action, opts Options) error {
	if action == nil {
		return errspkg.ErrHandlerRequired
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = s.deadline
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.queue = append(s.queue, &task{
		id:        id,
		priority:  opts.Priority,
		deadline:  now.Add(deadline),
		createdAt: now,
		action:    action,
	})
	slices.SortStableFunc(s.queue, func(a, b *task) int { return b.priority - a.priority })
	s.metrics.QueueDepth(len(s.queue))

	if !s.draining {
		s.draining = true
		s.idle = make(chan struct{})
		go s.drain()
	}
	return nil
}

// Cancel removes queued tasks with id. A running task is not interrupted.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.queue)
	s.queue = slices.DeleteFunc(s.queue, func(t *task) bool { return t.id == id })
	s.metrics.QueueDepth(len(s.queue))
	return len(s.queue) != before
}

// Pending reports queued tasks, the running one excluded.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Current returns the id of the running task, if any.
func (s *Scheduler) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != ""
}

// Wait blocks until the queue is empty and nothing is running.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.idle
		busy := s.draining
		s.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop drops queued tasks, cancels the context handed to actions and
// waits for the running task to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	idle := s.idle
	s.mu.Unlock()

	s.cancel()
	<-idle
	s.metrics.QueueDepth(0)
}

func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.stopped {
			s.draining = false
			s.current = ""
			close(s.idle)
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.current = next.id
		s.metrics.QueueDepth(len(s.queue))
		s.mu.Unlock()

		s.run(next)

		s.mu.Lock()
		s.current = ""
		s.mu.Unlock()

		select {
		case <-s.clock.After(s.yield):
		case <-s.ctx.Done():
		}
	}
}

func (s *Scheduler) run(t *task) {
	started := s.clock.Now()
	tc := TaskContext{
		ID:        t.id,
		Priority:  t.priority,
		Deadline:  t.deadline,
		Late:      started.After(t.deadline),
		CreatedAt: t.createdAt,
		StartedAt: started,
	}
	if s.hooks.OnTaskStart != nil {
		s.hooks.OnTaskStart(tc)
	}

	err := s.invoke(t.action)
	tc.Duration = s.clock.Now().Sub(started)

	if err != nil {
		if s.hooks.OnTaskError != nil {
			s.hooks.OnTaskError(tc, err)
		}
		return
	}
	if s.hooks.OnTaskDone != nil {
		s.hooks.OnTaskDone(tc)
	}
}

func (s *Scheduler) invoke(action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return action(s.ctx)
}
