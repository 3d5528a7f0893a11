package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/registry"
)

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.steps = nil
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type testUnit struct {
	env        Env
	rec        *recorder
	initErr    error
	destroyErr error
	announce   bool
	block      chan struct{}
	panicInit  bool

	destroyed atomic.Int32
}

func (u *testUnit) Init(ctx context.Context) error {
	u.rec.add("init:" + u.env.UnitID)
	if u.block != nil {
		<-u.block
	}
	if u.panicInit {
		panic("init exploded")
	}
	if u.initErr != nil {
		return u.initErr
	}
	if u.announce {
		u.env.Bus.Publish(events.UnitReady, events.ReadyPayload{UnitID: u.env.UnitID})
	}
	return nil
}

func (u *testUnit) Destroy(context.Context) error {
	u.destroyed.Add(1)
	u.rec.add("destroy:" + u.env.UnitID)
	return u.destroyErr
}

var errInit = errors.New("init failed")

type fixture struct {
	bus       *bus.Bus
	registry  *registry.Registry
	factories *Factories
	rec       *recorder
	units     map[string]*testUnit
	mu        sync.Mutex
}

// newFixture registers a factory per id; configure tweaks each new instance.
func newFixture(t *testing.T, ids []string, configure func(*testUnit)) *fixture {
	t.Helper()
	f := &fixture{
		bus:       bus.New(logging.NewDiscardLogger(), bus.Options{}),
		registry:  registry.New(),
		factories: NewFactories(),
		rec:       &recorder{},
		units:     map[string]*testUnit{},
	}
	t.Cleanup(f.bus.Close)

	units := make([]registry.Unit, 0, len(ids))
	for _, id := range ids {
		units = append(units, registry.Unit{ID: id})
		f.factories.Register(id, func(env Env) (Unit, error) {
			u := &testUnit{env: env, rec: f.rec, announce: true}
			if configure != nil {
				configure(u)
			}
			f.mu.Lock()
			f.units[env.UnitID] = u
			f.mu.Unlock()
			return u, nil
		})
	}
	f.registry.Load(registry.Manifest{Units: units, BootOrder: ids})

	f.bus.Subscribe(events.Wildcard, func(p any, msg bus.Message) error {
		if id, ok := events.UnitIDOf(p); ok {
			f.rec.add(msg.Topic + ":" + id)
		}
		return nil
	})
	return f
}

func (f *fixture) unit(id string) *testUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units[id]
}

func (f *fixture) lifecycle(opts Options) *Lifecycle {
	return New(f.bus, f.registry, f.factories, logging.NewDiscardLogger(), opts)
}
