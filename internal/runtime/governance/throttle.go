package governance

import (
	"sync"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/clock"
)

const (
	DefaultPerSecond = 100
	throttleWindow   = time.Second
)

type window struct {
	start time.Time
	count int
}

// Throttle caps how often a key may pass per one-second window. A window
// opens on the first call for a key and is replaced once a second has
// passed since it opened.
type Throttle struct {
	clock     clock.Clock
	perSecond int

	mu      sync.Mutex
	windows map[string]*window
}

func NewThrottle(perSecond int, c clock.Clock) *Throttle {
	if perSecond <= 0 {
		perSecond = DefaultPerSecond
	}
	return &Throttle{
		clock:     clock.OrReal(c),
		perSecond: perSecond,
		windows:   make(map[string]*window),
	}
}

// Allow counts one event for key and reports whether it is within the
// ceiling. Rejected events still count.
func (t *Throttle) Allow(key string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[key]
	if !ok || now.Sub(w.start) >= throttleWindow {
		w = &window{start: now}
		t.windows[key] = w
	}
	w.count++
	return w.count <= t.perSecond
}

// Reset forgets every key.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.windows)
}
