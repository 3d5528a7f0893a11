package scheduler

import (
	"time"

	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/metrics"
)

// TaskContext describes one task execution to hooks.
type TaskContext struct {
	ID       string
	Priority int
	// Deadline is advisory; Late reports whether the task started after it.
	Deadline  time.Time
	Late      bool
	CreatedAt time.Time
	StartedAt time.Time
	// Duration is only set in OnTaskDone and OnTaskError.
	Duration time.Duration
}

// TaskHooks defines callbacks around task execution.
// All hooks are optional - nil hooks are simply not called.
type TaskHooks struct {
	OnTaskStart func(ctx TaskContext)
	OnTaskDone  func(ctx TaskContext)
	// OnTaskError receives the returned error, or the recovered panic
	// wrapped in an error.
	OnTaskError func(ctx TaskContext, err error)
}

// Merge combines two TaskHooks, creating a new TaskHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h TaskHooks) Merge(other TaskHooks) TaskHooks {
	return TaskHooks{
		OnTaskStart: chain(h.OnTaskStart, other.OnTaskStart),
		OnTaskDone:  chain(h.OnTaskDone, other.OnTaskDone),
		OnTaskError: chainError(h.OnTaskError, other.OnTaskError),
	}
}

func chain(a, b func(TaskContext)) func(TaskContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(TaskContext, error)) func(TaskContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log task execution.
func LoggingHooks(logger logging.ServiceLogger) TaskHooks {
	return TaskHooks{
		OnTaskStart: func(ctx TaskContext) {
			fields := logging.LogFields{"task": ctx.ID, "priority": ctx.Priority}
			if ctx.Late {
				fields["late_by_ms"] = ctx.StartedAt.Sub(ctx.Deadline).Milliseconds()
				logger.Warn("Task started after its deadline", fields)
				return
			}
			logger.Debug("Task started", fields)
		},
		OnTaskDone: func(ctx TaskContext) {
			logger.Debug("Task completed", logging.LogFields{
				"task":        ctx.ID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnTaskError: func(ctx TaskContext, err error) {
			logger.Error("Task failed", err, logging.LogFields{
				"task":        ctx.ID,
				"priority":    ctx.Priority,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns hooks that count task outcomes and late starts.
func MetricsHooks(m *metrics.Metrics) TaskHooks {
	return TaskHooks{
		OnTaskDone: func(ctx TaskContext) {
			m.Task(metrics.OutcomeOK, ctx.Late)
		},
		OnTaskError: func(ctx TaskContext, err error) {
			outcome := metrics.OutcomeFailed
			if _, ok := err.(*PanicError); ok {
				outcome = metrics.OutcomePanicked
			}
			m.Task(outcome, ctx.Late)
		},
	}
}
