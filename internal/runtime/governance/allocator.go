package governance

import (
	"slices"
	"sync"
	"time"
)

const (
	DefaultCPUBudget    = 50 * time.Millisecond
	DefaultMemoryBudget = 10.0
)

// Budget is the ceiling a unit may consume per cycle. Zero fields take the
// package defaults.
type Budget struct {
	CPUTime  time.Duration
	MemoryMB float64
}

// Usage is what a unit consumed in the current cycle. CPUTime accumulates
// across Record calls; MemoryMB is the latest reading.
type Usage struct {
	CPUTime  time.Duration
	MemoryMB float64
}

type Allocator struct {
	mu      sync.RWMutex
	budgets map[string]Budget
	usage   map[string]Usage
}

func NewAllocator() *Allocator {
	return &Allocator{
		budgets: make(map[string]Budget),
		usage:   make(map[string]Usage),
	}
}

// Allocate assigns a budget to id and clears its usage.
func (a *Allocator) Allocate(id string, b Budget) {
	if b.CPUTime <= 0 {
		b.CPUTime = DefaultCPUBudget
	}
	if b.MemoryMB <= 0 {
		b.MemoryMB = DefaultMemoryBudget
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budgets[id] = b
	a.usage[id] = Usage{}
}

// Record adds u to the usage of id. Units without a budget are ignored.
func (a *Allocator) Record(id string, u Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.usage[id]
	if !ok {
		return
	}
	if u.CPUTime > 0 {
		cur.CPUTime += u.CPUTime
	}
	if u.MemoryMB > 0 {
		cur.MemoryMB = u.MemoryMB
	}
	a.usage[id] = cur
}

func (a *Allocator) IsOverBudget(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.overLocked(id)
}

func (a *Allocator) overLocked(id string) bool {
	b, ok := a.budgets[id]
	if !ok {
		return false
	}
	u := a.usage[id]
	return u.CPUTime > b.CPUTime || u.MemoryMB > b.MemoryMB
}

// OverBudget lists every unit past its budget, sorted.
func (a *Allocator) OverBudget() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for id := range a.budgets {
		if a.overLocked(id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Usage returns the current usage and budget of id.
func (a *Allocator) Usage(id string) (Usage, Budget, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.budgets[id]
	return a.usage[id], b, ok
}

// ResetCycle zeroes every unit's usage. Budgets are kept.
func (a *Allocator) ResetCycle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.usage {
		a.usage[id] = Usage{}
	}
}
