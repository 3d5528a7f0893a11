// Package registry holds the unit manifest: the unit descriptors and the
// authoritative boot order. It performs no dependency analysis; a boot
// order naming an unknown unit is only noticed when lifecycle tries to
// start it.
package registry

import (
	"maps"
	"slices"
	"sync"

	"github.com/drblury/unitkernel/internal/runtime/bus"
)

// Unit describes one unit in the manifest.
type Unit struct {
	ID          string         `json:"id" yaml:"id" toml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	DependsOn   []string       `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty" toml:"dependsOn,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty"`
}

// Manifest is the input to Load.
type Manifest struct {
	Units     []Unit                `json:"units" yaml:"units" toml:"units"`
	BootOrder []string              `json:"bootOrder" yaml:"bootOrder" toml:"bootOrder"`
	Routes    map[string][]string   `json:"routes,omitempty" yaml:"routes,omitempty" toml:"routes,omitempty"`
	Schemas   map[string]bus.Schema `json:"schemas,omitempty" yaml:"schemas,omitempty" toml:"schemas,omitempty"`
}

type Registry struct {
	mu        sync.RWMutex
	units     map[string]Unit
	order     []string
	bootOrder []string
	routes    map[string][]string
	schemas   map[string]bus.Schema
}

func New() *Registry {
	return &Registry{units: make(map[string]Unit)}
}

// Load replaces the whole table with m. Later duplicates of an id win.
func (r *Registry) Load(m Manifest) {
	units := make(map[string]Unit, len(m.Units))
	order := make([]string, 0, len(m.Units))
	for _, u := range m.Units {
		if _, seen := units[u.ID]; !seen {
			order = append(order, u.ID)
		}
		units[u.ID] = u
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = units
	r.order = order
	r.bootOrder = slices.Clone(m.BootOrder)
	r.routes = maps.Clone(m.Routes)
	r.schemas = maps.Clone(m.Schemas)
}

// LoadFile reads a manifest from disk and loads it.
func (r *Registry) LoadFile(path string) error {
	m, err := ReadManifest(path)
	if err != nil {
		return err
	}
	r.Load(m)
	return nil
}

// BootOrder returns a copy of the stored boot order.
func (r *Registry) BootOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.bootOrder)
}

func (r *Registry) Get(id string) (Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	return u, ok
}

// List returns unit ids in manifest order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *Registry) Routes() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.routes)
}

func (r *Registry) Schemas() map[string]bus.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.schemas)
}
