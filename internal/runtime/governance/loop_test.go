package governance

import (
	"context"
	"testing"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickPublishesOverBudgetAndResets(t *testing.T) {
	b := newTestBus(t)
	got := capture(t, b, events.UnitOverBudget, events.StorageWarn)

	alloc := NewAllocator()
	alloc.Allocate("kernel", Budget{CPUTime: time.Millisecond, MemoryMB: 1})
	alloc.Allocate("quiet", Budget{})

	loop := NewLoop(b, logging.NewDiscardLogger(), LoopConfig{
		KernelID:  "kernel",
		Allocator: alloc,
		Quota:     NewQuota(b, &fixedStorage{est: Estimate{Quota: 10, Usage: 9}}, logging.NewDiscardLogger(), QuotaOptions{}),
		Sampler:   SamplerFunc(func() Usage { return Usage{CPUTime: time.Second, MemoryMB: 2} }),
	})

	loop.Tick(context.Background())

	msgs := got.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, events.UnitOverBudget, msgs[0].Topic)
	payload, ok := msgs[0].Payload.(events.OverBudgetPayload)
	require.True(t, ok)
	assert.Equal(t, "kernel", payload.UnitID)
	assert.Equal(t, time.Second, payload.CPUTime)
	assert.Equal(t, time.Millisecond, payload.CPUBudget)
	assert.Equal(t, events.StorageWarn, msgs[1].Topic)

	assert.False(t, alloc.IsOverBudget("kernel"), "cycle resets after the tick")
}

func TestLoopFollowsCronSchedule(t *testing.T) {
	fake := clock.Fake(epoch)
	b := bus.New(logging.NewDiscardLogger(), bus.Options{Clock: fake})
	t.Cleanup(b.Close)

	ticks := make(chan struct{}, 4)
	loop := NewLoop(b, logging.NewDiscardLogger(), LoopConfig{
		Schedule: "*/5 * * * *",
		KernelID: "kernel",
		Sampler: SamplerFunc(func() Usage {
			ticks <- struct{}{}
			return Usage{}
		}),
		Clock: fake,
	})
	alloc := loop.cfg.Allocator
	alloc.Allocate("kernel", Budget{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	t.Cleanup(loop.Stop)

	fake.WaitForTimers(1)
	fake.Advance(4 * time.Minute)
	select {
	case <-ticks:
		t.Fatal("ticked before the scheduled minute")
	default:
	}

	fake.Advance(time.Minute)
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not tick")
	}

	fake.WaitForTimers(1)
	loop.Stop()
}

func TestLoopNext(t *testing.T) {
	loop := NewLoop(newTestBus(t), logging.NewDiscardLogger(), LoopConfig{Schedule: "0 * * * *"})

	next, err := loop.Next(epoch)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), next)
}

func TestLoopStopsOnInvalidSchedule(t *testing.T) {
	loop := NewLoop(newTestBus(t), logging.NewDiscardLogger(), LoopConfig{Schedule: "not a cron"})
	loop.Start(context.Background())

	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked on a loop that should have exited")
	}
}

func TestProcessSamplerReportsMemory(t *testing.T) {
	s := NewProcessSampler()
	first := s.Sample()
	assert.Zero(t, first.CPUTime, "the first sample only primes the counter")
	assert.Positive(t, first.MemoryMB)

	second := s.Sample()
	assert.GreaterOrEqual(t, second.CPUTime, time.Duration(0))
}
