package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trail struct {
	mu    sync.Mutex
	items []string
}

func (l *trail) add(s string) {
	l.mu.Lock()
	l.items = append(l.items, s)
	l.mu.Unlock()
}

func (l *trail) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.items...)
}

func newScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := New(logging.NewDiscardLogger(), cfg)
	t.Cleanup(s.Stop)
	return s
}

func record(l *trail, name string) Action {
	return func(context.Context) error {
		l.add(name)
		return nil
	}
}

// blockFirst schedules a gate task so later tasks queue up behind it.
func blockFirst(t *testing.T, s *Scheduler) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	require.NoError(t, s.Schedule("gate", func(context.Context) error {
		close(started)
		<-gate
		return nil
	}, Options{Priority: 100}))
	<-started
	return func() { close(gate) }
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestRunsHighestPriorityFirst(t *testing.T) {
	s := newScheduler(t, Config{})
	var l trail

	release := blockFirst(t, s)
	require.NoError(t, s.Schedule("low", record(&l, "low"), Options{Priority: 1}))
	require.NoError(t, s.Schedule("high", record(&l, "high"), Options{Priority: 10}))
	require.NoError(t, s.Schedule("mid", record(&l, "mid"), Options{Priority: 5}))
	require.NoError(t, s.Schedule("mid-2", record(&l, "mid-2"), Options{Priority: 5}))
	assert.Equal(t, 4, s.Pending())

	current, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, "gate", current)

	release()
	waitIdle(t, s)

	assert.Equal(t, []string{"high", "mid", "mid-2", "low"}, l.list())
	assert.Zero(t, s.Pending())
}

func TestFailuresAndPanicsDoNotStopDrain(t *testing.T) {
	var errs []error
	var mu sync.Mutex
	s := newScheduler(t, Config{Hooks: TaskHooks{OnTaskError: func(_ TaskContext, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}}})
	var l trail

	release := blockFirst(t, s)
	require.NoError(t, s.Schedule("fails", func(context.Context) error { return errors.New("nope") }, Options{Priority: 3}))
	require.NoError(t, s.Schedule("panics", func(context.Context) error { panic("boom") }, Options{Priority: 2}))
	require.NoError(t, s.Schedule("after", record(&l, "after"), Options{Priority: 1}))
	release()
	waitIdle(t, s)

	assert.Equal(t, []string{"after"}, l.list())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 2)
	assert.EqualError(t, errs[0], "nope")
	var pe *PanicError
	require.ErrorAs(t, errs[1], &pe)
	assert.Equal(t, "boom", pe.Value)
}

func TestCancelRemovesQueuedTask(t *testing.T) {
	s := newScheduler(t, Config{})
	var l trail

	release := blockFirst(t, s)
	require.NoError(t, s.Schedule("keep", record(&l, "keep"), Options{}))
	require.NoError(t, s.Schedule("drop", record(&l, "drop"), Options{}))

	assert.True(t, s.Cancel("drop"))
	assert.False(t, s.Cancel("drop"))
	assert.False(t, s.Cancel("gate"), "running task cannot be cancelled")

	release()
	waitIdle(t, s)
	assert.Equal(t, []string{"keep"}, l.list())
}

func TestLateStartIsReportedNotEnforced(t *testing.T) {
	var late []string
	var mu sync.Mutex
	s := newScheduler(t, Config{Hooks: TaskHooks{OnTaskDone: func(tc TaskContext) {
		if tc.Late {
			mu.Lock()
			late = append(late, tc.ID)
			mu.Unlock()
		}
	}}})
	var l trail

	release := blockFirst(t, s)
	require.NoError(t, s.Schedule("tight", record(&l, "tight"), Options{Deadline: time.Nanosecond}))
	require.NoError(t, s.Schedule("relaxed", record(&l, "relaxed"), Options{Deadline: time.Hour}))
	time.Sleep(5 * time.Millisecond)
	release()
	waitIdle(t, s)

	assert.ElementsMatch(t, []string{"tight", "relaxed"}, l.list())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tight"}, late)
}

func TestWaitHonoursContext(t *testing.T) {
	s := newScheduler(t, Config{})
	release := blockFirst(t, s)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestWaitOnIdleSchedulerReturnsImmediately(t *testing.T) {
	s := newScheduler(t, Config{})
	assert.NoError(t, s.Wait(context.Background()))
}

func TestStopDropsQueueAndCancelsRunningAction(t *testing.T) {
	s := New(logging.NewDiscardLogger(), Config{})
	var l trail

	started := make(chan struct{})
	require.NoError(t, s.Schedule("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		l.add("cancelled")
		return ctx.Err()
	}, Options{Priority: 1}))
	<-started
	require.NoError(t, s.Schedule("never", record(&l, "never"), Options{}))

	s.Stop()

	assert.Equal(t, []string{"cancelled"}, l.list())
	assert.ErrorIs(t, s.Schedule("late", record(&l, "late"), Options{}), ErrStopped)
	assert.Zero(t, s.Pending())
}

func TestScheduleRejectsNilAction(t *testing.T) {
	s := newScheduler(t, Config{})
	assert.Error(t, s.Schedule("nil", nil, Options{}))
}

func TestHooksMergeOrder(t *testing.T) {
	var l trail
	a := TaskHooks{OnTaskStart: func(TaskContext) { l.add("a") }}
	b := TaskHooks{OnTaskStart: func(TaskContext) { l.add("b") }, OnTaskDone: func(TaskContext) { l.add("b-done") }}

	merged := a.Merge(b)
	merged.OnTaskStart(TaskContext{})
	merged.OnTaskDone(TaskContext{})
	assert.Nil(t, merged.OnTaskError)

	assert.Equal(t, []string{"a", "b", "b-done"}, l.list())
}
