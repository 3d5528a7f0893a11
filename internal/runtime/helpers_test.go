package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	configpkg "github.com/drblury/unitkernel/internal/runtime/config"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/governance"
	"github.com/drblury/unitkernel/internal/runtime/lifecycle"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/registry"
)

type fakeUnit struct {
	env     lifecycle.Env
	initErr error
}

func (u *fakeUnit) Init(context.Context) error {
	if u.initErr != nil {
		return u.initErr
	}
	u.env.Bus.Publish(events.UnitReady, events.ReadyPayload{UnitID: u.env.UnitID})
	return nil
}

func unitFactories(failing ...string) *lifecycle.Factories {
	f := lifecycle.NewFactories()
	fail := map[string]bool{}
	for _, id := range failing {
		fail[id] = true
	}
	for _, id := range []string{"sensor", "memory", "planner"} {
		f.Register(id, func(env lifecycle.Env) (lifecycle.Unit, error) {
			u := &fakeUnit{env: env}
			if fail[env.UnitID] {
				u.initErr = errBoom
			}
			return u, nil
		})
	}
	return f
}

var errBoom = errors.New("boom")

func testManifest() *registry.Manifest {
	return &registry.Manifest{
		Units: []registry.Unit{
			{ID: "sensor"},
			{ID: "memory", Metadata: map[string]any{"cpuBudgetMs": 20, "memoryMB": 64.0}},
			{ID: "planner", DependsOn: []string{"memory"}},
		},
		BootOrder: []string{"sensor", "memory", "planner"},
		Routes:    map[string][]string{"sensor.*": {"memory"}, "sensor.frame": {"planner"}},
		Schemas:   map[string]bus.Schema{"memory.store": {Required: []string{"key"}}},
	}
}

func testConfig() configpkg.Config {
	cfg := configpkg.Defaults()
	cfg.Workers = []string{"compute", "nlp"}
	cfg.RequestTimeout = time.Second
	cfg.GovernanceSchedule = "0 0 1 1 *"
	return cfg
}

func newTestKernel(t *testing.T, cfg configpkg.Config, deps KernelDependencies) *Kernel {
	t.Helper()
	if deps.Factories == nil {
		deps.Factories = unitFactories()
	}
	if deps.Manifest == nil {
		deps.Manifest = testManifest()
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	if deps.Sampler == nil {
		deps.Sampler = governance.SamplerFunc(func() governance.Usage { return governance.Usage{} })
	}
	k := NewKernel(cfg, logging.NewDiscardLogger(), deps)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })
	return k
}

func bootKernel(t *testing.T, cfg configpkg.Config, deps KernelDependencies) *Kernel {
	t.Helper()
	k := newTestKernel(t, cfg, deps)
	require.NoError(t, k.Init(context.Background()))
	return k
}

type topicLog struct {
	mu     sync.Mutex
	topics []string
}

func watchTopics(k *Kernel) *topicLog {
	l := &topicLog{}
	k.Bus().Subscribe(events.Wildcard, func(_ any, msg bus.Message) error {
		l.mu.Lock()
		l.topics = append(l.topics, msg.Topic)
		l.mu.Unlock()
		return nil
	})
	return l
}

func (l *topicLog) count(topic string) int {
	n := 0
	for _, t := range l.list() {
		if t == topic {
			n++
		}
	}
	return n
}

func (l *topicLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.topics...)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matches(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
			return false
		}
	}
	return true
}
