package protocol

import (
	"slices"
	"sync"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/ids"
)

// Chunk is one pushed item, published on the stream's topic.
type Chunk struct {
	StreamID  string    `json:"streamId"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Streams tracks named streams feeding bus topics.
type Streams struct {
	bus   *bus.Bus
	clock clock.Clock

	mu     sync.Mutex
	topics map[string]string
}

func NewStreams(b *bus.Bus, c clock.Clock) *Streams {
	return &Streams{
		bus:    b,
		clock:  clock.OrReal(c),
		topics: make(map[string]string),
	}
}

// Open starts a stream onto topic and announces it on stream.opened. An
// empty id gets a generated one. Reopening an id retargets it.
func (s *Streams) Open(id, topic string) (string, error) {
	if topic == "" {
		return "", errspkg.ErrTopicRequired
	}
	if id == "" {
		id = ids.NewCorrelationID()
	}
	s.mu.Lock()
	s.topics[id] = topic
	s.mu.Unlock()

	s.bus.Publish(events.StreamOpened, events.StreamOpenedPayload{StreamID: id, Topic: topic})
	return id, nil
}

// Push publishes data on the stream's topic. It reports false when the
// stream is not open.
func (s *Streams) Push(id string, data any) bool {
	s.mu.Lock()
	topic, ok := s.topics[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.bus.Publish(topic, Chunk{StreamID: id, Data: data, Timestamp: s.clock.Now()})
	return true
}

// Close ends the stream and announces it on stream.closed. It reports
// false when the stream was not open.
func (s *Streams) Close(id string) bool {
	s.mu.Lock()
	_, ok := s.topics[id]
	delete(s.topics, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.bus.Publish(events.StreamClosed, events.StreamClosedPayload{StreamID: id})
	return true
}

// Subscribe receives the chunks pushed onto topic.
func (s *Streams) Subscribe(topic string, h func(Chunk) error) func() {
	return s.bus.Subscribe(topic, func(payload any, _ bus.Message) error {
		chunk, ok := payload.(Chunk)
		if !ok {
			return nil
		}
		return h(chunk)
	})
}

// Active lists the ids of open streams, sorted.
func (s *Streams) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for id := range s.topics {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
