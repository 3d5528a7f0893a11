package protocol

import (
	"time"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
)

// EventType marks payloads sent through Events.Fire.
const EventType = "event"

type Event struct {
	Type    string    `json:"type"`
	Data    any       `json:"data"`
	FiredAt time.Time `json:"firedAt"`
}

// Events sends one-way notifications that expect no answer.
type Events struct {
	bus   *bus.Bus
	clock clock.Clock
}

func NewEvents(b *bus.Bus, c clock.Clock) *Events {
	return &Events{bus: b, clock: clock.OrReal(c)}
}

func (e *Events) Fire(topic string, data any) bus.Message {
	return e.bus.Publish(topic, Event{Type: EventType, Data: data, FiredAt: e.clock.Now()})
}

// Listen subscribes to topic. Payloads not sent with Fire are handed over
// as an Event with an empty Type.
func (e *Events) Listen(topic string, h func(Event) error) func() {
	return e.bus.Subscribe(topic, func(payload any, msg bus.Message) error {
		ev, ok := payload.(Event)
		if !ok {
			ev = Event{Data: payload, FiredAt: msg.Timestamp}
		}
		return h(ev)
	})
}
