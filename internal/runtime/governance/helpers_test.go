package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/logging"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(logging.NewDiscardLogger(), bus.Options{})
	t.Cleanup(b.Close)
	return b
}

type captured struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func capture(t *testing.T, b *bus.Bus, topics ...string) *captured {
	t.Helper()
	c := &captured{}
	for _, topic := range topics {
		t.Cleanup(b.Subscribe(topic, func(_ any, msg bus.Message) error {
			c.mu.Lock()
			c.msgs = append(c.msgs, msg)
			c.mu.Unlock()
			return nil
		}))
	}
	return c
}

func (c *captured) all() []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Message(nil), c.msgs...)
}

type fixedStorage struct {
	est       Estimate
	err       error
	persisted bool
}

func (s *fixedStorage) Estimate(context.Context) (Estimate, error) { return s.est, s.err }

func (s *fixedStorage) Persist(context.Context) (bool, error) {
	s.persisted = true
	return true, nil
}
