package bus

import (
	"slices"
	"sync"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/clock"
)

// Lane names, highest priority first.
const (
	LaneHigh    = "high"
	LaneDefault = "default"
	LaneLow     = "low"
)

var laneOrder = []string{LaneHigh, LaneDefault, LaneLow}

type queued struct {
	topic      string
	payload    any
	enqueuedAt time.Time
}

// ChannelRouter buffers emissions in three priority lanes and publishes
// them on Flush, high lane first.
type ChannelRouter struct {
	bus   *Bus
	clock clock.Clock

	mu    sync.Mutex
	lanes map[string][]queued
}

func NewChannelRouter(b *Bus, c clock.Clock) *ChannelRouter {
	return &ChannelRouter{
		bus:   b,
		clock: clock.OrReal(c),
		lanes: map[string][]queued{LaneHigh: nil, LaneDefault: nil, LaneLow: nil},
	}
}

// Enqueue buffers an emission. Unknown lanes fall back to the default lane.
func (c *ChannelRouter) Enqueue(lane, topic string, payload any) {
	if !slices.Contains(laneOrder, lane) {
		lane = LaneDefault
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lanes[lane] = append(c.lanes[lane], queued{topic: topic, payload: payload, enqueuedAt: c.clock.Now()})
}

// Flush drains every lane completely in priority order and returns the
// number of messages published. Entries enqueued during the flush are
// picked up if their lane has not been passed yet.
func (c *ChannelRouter) Flush() int {
	published := 0
	for _, lane := range laneOrder {
		for {
			entry, ok := c.pop(lane)
			if !ok {
				break
			}
			c.bus.Publish(entry.topic, entry.payload)
			published++
		}
	}
	return published
}

func (c *ChannelRouter) pop(lane string) (queued, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.lanes[lane]
	if len(q) == 0 {
		return queued{}, false
	}
	entry := q[0]
	c.lanes[lane] = q[1:]
	return entry, true
}

// Pending reports the entries waiting in lane.
func (c *ChannelRouter) Pending(lane string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lanes[lane])
}

// Oldest reports when the longest-waiting entry in lane was enqueued.
func (c *ChannelRouter) Oldest(lane string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.lanes[lane]
	if len(q) == 0 {
		return time.Time{}, false
	}
	return q[0].enqueuedAt, true
}
