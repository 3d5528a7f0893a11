// Package homeostasis provides the reference unit that keeps the kernel
// within its storage budget. It reacts to storage alerts from governance by
// asking memory to prune and, when storage is critical, pausing learning.
package homeostasis

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/lifecycle"
	"github.com/drblury/unitkernel/internal/runtime/logging"
)

// ID is the unit id the factory is registered under.
const ID = "homeostasis"

// PauseReasonStorage is the reason sent with events.LearningPause.
const PauseReasonStorage = "storage_critical"

func init() {
	lifecycle.Register(ID, New)
}

// Unit answers storage alerts and heartbeats while running.
type Unit struct {
	id       string
	bus      *bus.Bus
	logger   logging.ServiceLogger
	clock    clock.Clock
	interval time.Duration

	mu     sync.Mutex
	unsubs []func()
	stop   chan struct{}
	done   chan struct{}
}

// New is the lifecycle.Factory for the unit.
func New(env lifecycle.Env) (lifecycle.Unit, error) {
	id := env.UnitID
	if id == "" {
		id = ID
	}
	logger := env.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Unit{
		id:       id,
		bus:      env.Bus,
		logger:   logger.With(logging.LogFields{"unit": id}),
		clock:    clock.OrReal(env.Clock),
		interval: env.HeartbeatInterval,
	}, nil
}

func (u *Unit) Init(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.unsubs = append(u.unsubs,
		u.bus.Subscribe(events.StorageWarn, u.onStorageWarn),
		u.bus.Subscribe(events.StorageCritical, u.onStorageCritical),
	)
	if u.interval > 0 {
		u.stop = make(chan struct{})
		u.done = make(chan struct{})
		go u.heartbeat(u.stop, u.done)
	}
	u.bus.Publish(events.UnitReady, events.ReadyPayload{UnitID: u.id})
	return nil
}

// Destroy stops heartbeats and drops the storage subscriptions.
func (u *Unit) Destroy(_ context.Context) error {
	u.mu.Lock()
	unsubs := u.unsubs
	u.unsubs = nil
	stop, done := u.stop, u.done
	u.stop, u.done = nil, nil
	u.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (u *Unit) heartbeat(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := u.clock.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			u.bus.Publish(events.UnitHeartbeat, events.HeartbeatPayload{UnitID: u.id, Timestamp: now})
		}
	}
}

func (u *Unit) onStorageWarn(payload any, _ bus.Message) error {
	u.logger.Warn("storage above warning threshold, requesting prune", alertFields(payload))
	u.bus.Publish(events.MemoryPrune, events.MemoryPrunePayload{Urgency: events.UrgencyWarn})
	return nil
}

func (u *Unit) onStorageCritical(payload any, _ bus.Message) error {
	u.logger.Warn("storage critical, pausing learning", alertFields(payload))
	u.bus.Publish(events.MemoryPrune, events.MemoryPrunePayload{Urgency: events.UrgencyCritical})
	u.bus.Publish(events.LearningPause, events.LearningPausePayload{Reason: PauseReasonStorage})
	return nil
}

func alertFields(payload any) logging.LogFields {
	alert, ok := payload.(events.StorageAlertPayload)
	if !ok {
		return nil
	}
	return logging.LogFields{"percent": alert.Percent, "usage": alert.Usage, "quota": alert.Quota}
}
