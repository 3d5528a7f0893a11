package protocol

import (
	"testing"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	"github.com/drblury/unitkernel/internal/runtime/logging"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(logging.NewDiscardLogger(), bus.Options{})
	t.Cleanup(b.Close)
	return b
}

func newFakeBus(t *testing.T) (*bus.Bus, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	b := bus.New(logging.NewDiscardLogger(), bus.Options{Clock: fake})
	t.Cleanup(b.Close)
	return b, fake
}

func collect(t *testing.T, b *bus.Bus, topic string) *[]bus.Message {
	t.Helper()
	var out []bus.Message
	t.Cleanup(b.Subscribe(topic, func(_ any, msg bus.Message) error {
		out = append(out, msg)
		return nil
	}))
	return &out
}
