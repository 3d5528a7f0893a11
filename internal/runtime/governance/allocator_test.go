package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAppliesDefaults(t *testing.T) {
	a := NewAllocator()
	a.Allocate("nlp", Budget{})

	_, budget, ok := a.Usage("nlp")
	require.True(t, ok)
	assert.Equal(t, DefaultCPUBudget, budget.CPUTime)
	assert.Equal(t, DefaultMemoryBudget, budget.MemoryMB)
}

func TestRecordAccumulatesCPUAndOverwritesMemory(t *testing.T) {
	a := NewAllocator()
	a.Allocate("nlp", Budget{CPUTime: 100 * time.Millisecond, MemoryMB: 64})

	a.Record("nlp", Usage{CPUTime: 30 * time.Millisecond, MemoryMB: 20})
	a.Record("nlp", Usage{CPUTime: 40 * time.Millisecond, MemoryMB: 12})

	used, _, _ := a.Usage("nlp")
	assert.Equal(t, 70*time.Millisecond, used.CPUTime)
	assert.Equal(t, 12.0, used.MemoryMB)
	assert.False(t, a.IsOverBudget("nlp"))

	a.Record("nlp", Usage{CPUTime: 31 * time.Millisecond})
	assert.True(t, a.IsOverBudget("nlp"))
	assert.Equal(t, []string{"nlp"}, a.OverBudget())
}

func TestMemoryOverBudget(t *testing.T) {
	a := NewAllocator()
	a.Allocate("b", Budget{MemoryMB: 5})
	a.Allocate("a", Budget{MemoryMB: 5})
	a.Record("b", Usage{MemoryMB: 6})
	a.Record("a", Usage{MemoryMB: 7})

	assert.Equal(t, []string{"a", "b"}, a.OverBudget())
}

func TestRecordIgnoresUnknownUnits(t *testing.T) {
	a := NewAllocator()
	a.Record("ghost", Usage{CPUTime: time.Second})

	_, _, ok := a.Usage("ghost")
	assert.False(t, ok)
	assert.False(t, a.IsOverBudget("ghost"))
	assert.Empty(t, a.OverBudget())
}

func TestResetCycleKeepsBudgets(t *testing.T) {
	a := NewAllocator()
	a.Allocate("nlp", Budget{CPUTime: time.Millisecond})
	a.Record("nlp", Usage{CPUTime: time.Second, MemoryMB: 1})
	require.True(t, a.IsOverBudget("nlp"))

	a.ResetCycle()

	used, budget, ok := a.Usage("nlp")
	require.True(t, ok)
	assert.Equal(t, Usage{}, used)
	assert.Equal(t, time.Millisecond, budget.CPUTime)
	assert.False(t, a.IsOverBudget("nlp"))
}
