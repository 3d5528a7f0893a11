package bridge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/ids"
	"github.com/drblury/unitkernel/internal/runtime/jsoncodec"
	"github.com/drblury/unitkernel/internal/runtime/logging"
)

var ErrPublisherClosed = errors.New("unitkernel: mirror publisher closed")

type MirrorOptions struct {
	// TopicPrefix is prepended to the bus topic to form the Watermill topic.
	TopicPrefix string
	// IncludeReplies mirrors request reply topics too. They are skipped by
	// default since each one is used once.
	IncludeReplies bool
	// Filter, when set, limits mirroring to the topics it accepts.
	Filter func(topic string) bool
}

// Mirror copies every bus emission to a Watermill publisher.
type Mirror struct {
	bus       *bus.Bus
	publisher message.Publisher
	logger    logging.ServiceLogger
	opts      MirrorOptions

	mu          sync.Mutex
	unsubscribe func()
}

func NewMirror(b *bus.Bus, publisher message.Publisher, logger logging.ServiceLogger, opts MirrorOptions) *Mirror {
	if logger == nil {
		panic(errspkg.ErrLoggerRequired)
	}
	return &Mirror{
		bus:       b,
		publisher: publisher,
		logger:    logger.With(logging.LogFields{"component": "mirror"}),
		opts:      opts,
	}
}

// Start subscribes the mirror to every topic. Starting twice is a no-op.
func (m *Mirror) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		return
	}
	m.unsubscribe = m.bus.Subscribe(events.Wildcard, m.forward)
}

// Stop unsubscribes the mirror and closes the publisher.
func (m *Mirror) Stop() error {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe == nil {
		return nil
	}
	unsubscribe()
	return m.publisher.Close()
}

func (m *Mirror) accepts(topic string) bool {
	if !m.opts.IncludeReplies && ids.IsReplyTopic(topic) {
		return false
	}
	return m.opts.Filter == nil || m.opts.Filter(topic)
}

func (m *Mirror) forward(payload any, msg bus.Message) error {
	if !m.accepts(msg.Topic) {
		return nil
	}
	wm, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", msg.Topic, err)
	}
	if err := m.publisher.Publish(m.opts.TopicPrefix+msg.Topic, wm); err != nil {
		return fmt.Errorf("mirror %s: %w", msg.Topic, err)
	}
	m.logger.Trace("mirrored", logging.LogFields{"topic": msg.Topic, "message_id": msg.ID})
	return nil
}

// Encode turns a bus message into a Watermill message. The payload is JSON
// encoded; the envelope fields travel as metadata.
func Encode(msg bus.Message) (*message.Message, error) {
	data, err := jsoncodec.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	md := Metadata{}.
		With(MetadataKeyTopic, msg.Topic).
		With(MetadataKeyTimestamp, msg.Timestamp.UTC().Format(time.RFC3339Nano)).
		With(MetadataKeyReplyTo, msg.ReplyTo).
		With(MetadataKeyType, payloadType(msg.Payload))
	if id, ok := events.UnitIDOf(msg.Payload); ok {
		md = md.With(MetadataKeyUnitID, id)
	}
	wm := message.NewMessage(msg.ID, data)
	wm.Metadata = md.ToWatermill()
	return wm, nil
}

func payloadType(p any) string {
	if p == nil {
		return ""
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", p), "*")
}
