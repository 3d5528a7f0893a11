package lifecycle

import (
	"slices"
	"sync"
)

// Factories maps unit ids to the constructors lifecycle uses to build them.
// Unit packages register themselves here at init time.
type Factories struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// DefaultFactories is the process-wide unit table.
var DefaultFactories = NewFactories()

func NewFactories() *Factories {
	return &Factories{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for id.
func (f *Factories) Register(id string, factory Factory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.factories[id] = factory
}

// Lookup returns the factory for id.
func (f *Factories) Lookup(id string) (Factory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	factory, ok := f.factories[id]
	return factory, ok && factory != nil
}

// Has returns true if a factory is registered under id.
func (f *Factories) Has(id string) bool {
	_, ok := f.Lookup(id)
	return ok
}

// Names returns the registered ids, sorted.
func (f *Factories) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.factories))
	for name := range f.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Merge copies every entry of other into f, replacing duplicates.
func (f *Factories) Merge(other *Factories) {
	if other == nil || other == f {
		return
	}
	other.mu.RLock()
	entries := make(map[string]Factory, len(other.factories))
	for id, factory := range other.factories {
		entries[id] = factory
	}
	other.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	for id, factory := range entries {
		f.factories[id] = factory
	}
}

// Register adds a unit factory to the default table.
func Register(id string, factory Factory) {
	DefaultFactories.Register(id, factory)
}
