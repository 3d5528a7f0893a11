package protocol

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
)

const DefaultHandshakeTimeout = 10 * time.Second

// HandshakeResult describes a completed handshake.
type HandshakeResult struct {
	UnitID      string
	CompletedAt time.Time
}

// Handshake sends unit.init to a unit and waits for its unit.ready.
type Handshake struct {
	bus   *bus.Bus
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewHandshake(b *bus.Bus, c clock.Clock) *Handshake {
	return &Handshake{
		bus:     b,
		clock:   clock.OrReal(c),
		pending: make(map[string]struct{}),
	}
}

// Initiate publishes unit.init with config and blocks until unitID
// announces readiness. Only one handshake per unit may be in flight; a
// second one fails with ErrHandshakePending. A non-positive timeout uses
// DefaultHandshakeTimeout.
func (h *Handshake) Initiate(ctx context.Context, unitID string, config any, timeout time.Duration) (HandshakeResult, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	h.mu.Lock()
	if _, busy := h.pending[unitID]; busy {
		h.mu.Unlock()
		return HandshakeResult{}, fmt.Errorf("%w: %s", errspkg.ErrHandshakePending, unitID)
	}
	h.pending[unitID] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, unitID)
		h.mu.Unlock()
	}()

	ready := make(chan time.Time, 1)
	unsubscribe := h.bus.Subscribe(events.UnitReady, func(payload any, msg bus.Message) error {
		if id, ok := events.UnitIDOf(payload); ok && id == unitID {
			select {
			case ready <- msg.Timestamp:
			default:
			}
		}
		return nil
	})
	defer unsubscribe()

	timer := h.clock.After(timeout)
	h.bus.Publish(events.UnitInit, events.InitPayload{UnitID: unitID, Config: config})

	select {
	case at := <-ready:
		return HandshakeResult{UnitID: unitID, CompletedAt: at}, nil
	case <-timer:
		return HandshakeResult{}, fmt.Errorf("%w: %s after %s", errspkg.ErrHandshakeTimeout, unitID, timeout)
	case <-ctx.Done():
		return HandshakeResult{}, ctx.Err()
	}
}

// Pending lists the units with a handshake in flight, sorted.
func (h *Handshake) Pending() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.pending))
	for id := range h.pending {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
