package bus

import (
	"testing"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/clock"
	"github.com/drblury/unitkernel/internal/runtime/logging"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	b := New(logging.NewDiscardLogger(), opts)
	t.Cleanup(b.Close)
	return b
}

func newFakeBus(t *testing.T) (*Bus, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	return newTestBus(t, Options{Clock: fake}), fake
}

func topics(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Topic
	}
	return out
}
