package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/clock"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/ids"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/metrics"
)

const (
	DefaultHistoryCapacity = 200
	DefaultRequestTimeout  = 5 * time.Second
)

// Message is the envelope handed to every subscriber. It is never mutated
// after emission.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	// ReplyTo is set on requests; answer with Bus.Reply.
	ReplyTo string `json:"replyTo,omitempty"`
}

// Handler receives the payload and the full envelope. A returned error or
// a panic is logged and counted; it never reaches the publisher or other
// subscribers.
type Handler func(payload any, msg Message) error

// Options tune a Bus. Zero values select defaults.
type Options struct {
	HistoryCapacity int
	RequestTimeout  time.Duration
	Clock           clock.Clock
	Metrics         *metrics.Metrics
}

type subscription struct {
	topic   string
	handler Handler
	active  atomic.Bool
}

type Bus struct {
	logger         logging.ServiceLogger
	clock          clock.Clock
	metrics        *metrics.Metrics
	requestTimeout time.Duration

	mu          sync.Mutex
	topics      map[string][]*subscription
	wildcard    []*subscription
	history     *ring
	queue       []Message
	dispatching bool
	closed      bool
}

// New builds a Bus. logger must not be nil.
func New(logger logging.ServiceLogger, opts Options) *Bus {
	if logger == nil {
		panic(errspkg.ErrLoggerRequired)
	}
	capacity := opts.HistoryCapacity
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Bus{
		logger:         logger.With(logging.LogFields{"component": "bus"}),
		clock:          clock.OrReal(opts.Clock),
		metrics:        opts.Metrics,
		requestTimeout: timeout,
		topics:         make(map[string][]*subscription),
		history:        newRing(capacity),
	}
}

// Subscribe registers handler for topic, or for every emission when topic
// is "*". The returned function removes exactly this registration; calling
// it more than once is harmless. No delivery starts after it returns; a
// delivery already running on another goroutine may still complete.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	if topic == "" || handler == nil {
		b.logger.Error("subscribe rejected", invalidSubscription(topic, handler), logging.LogFields{"topic": topic})
		return func() {}
	}
	sub := &subscription{topic: topic, handler: handler}
	sub.active.Store(true)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	if topic == events.Wildcard {
		b.wildcard = appendSub(b.wildcard, sub)
	} else {
		b.topics[topic] = appendSub(b.topics[topic], sub)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub) })
	}
}

func invalidSubscription(topic string, handler Handler) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	return errspkg.ErrHandlerRequired
}

// appendSub copies so dispatch snapshots never observe later edits.
func appendSub(list []*subscription, sub *subscription) []*subscription {
	out := make([]*subscription, len(list), len(list)+1)
	copy(out, list)
	return append(out, sub)
}

func removeSub(list []*subscription, sub *subscription) []*subscription {
	out := make([]*subscription, 0, len(list))
	for _, s := range list {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) remove(sub *subscription) {
	sub.active.Store(false)
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.topic == events.Wildcard {
		b.wildcard = removeSub(b.wildcard, sub)
		return
	}
	list := removeSub(b.topics[sub.topic], sub)
	if len(list) == 0 {
		delete(b.topics, sub.topic)
		return
	}
	b.topics[sub.topic] = list
}

// Publish emits payload on topic and returns the envelope. Delivery is
// synchronous when the bus is idle; otherwise the message is queued behind
// the emission in progress.
func (b *Bus) Publish(topic string, payload any) Message {
	return b.emit(topic, payload, "")
}

// Reply answers a request message. It reports false when msg carries no
// reply topic.
func (b *Bus) Reply(msg Message, payload any) bool {
	if msg.ReplyTo == "" {
		return false
	}
	b.emit(msg.ReplyTo, payload, "")
	return true
}

func (b *Bus) emit(topic string, payload any, replyTo string) Message {
	if topic == "" {
		b.logger.Error("publish rejected", errspkg.ErrTopicRequired, nil)
		return Message{}
	}

	b.mu.Lock()
	msg := Message{
		ID:        ids.CreateULID(),
		Timestamp: b.clock.Now(),
		Topic:     topic,
		Payload:   payload,
		ReplyTo:   replyTo,
	}
	if b.closed {
		b.mu.Unlock()
		b.logger.Debug("publish on closed bus dropped", logging.LogFields{"topic": topic})
		return msg
	}
	b.history.push(msg)
	b.queue = append(b.queue, msg)
	b.metrics.Published(topic)
	if b.dispatching {
		b.mu.Unlock()
		return msg
	}
	b.dispatching = true
	b.drainLocked()
	b.mu.Unlock()
	return msg
}

// drainLocked delivers queued messages until none remain. Called with b.mu
// held; releases it around handler calls.
func (b *Bus) drainLocked() {
	for len(b.queue) > 0 && !b.closed {
		next := b.queue[0]
		b.queue[0] = Message{}
		b.queue = b.queue[1:]
		exact := b.topics[next.Topic]
		wildcard := b.wildcard

		b.mu.Unlock()
		for _, sub := range exact {
			b.invoke(sub, next)
		}
		for _, sub := range wildcard {
			b.invoke(sub, next)
		}
		b.mu.Lock()
	}
	b.queue = nil
	b.dispatching = false
}

func (b *Bus) invoke(sub *subscription, msg Message) {
	if !sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.metrics.HandlerFailed(msg.Topic)
			b.logger.Error("subscriber panicked", fmt.Errorf("panic: %v", r), logging.LogFields{
				"topic":      msg.Topic,
				"message_id": msg.ID,
			})
		}
	}()
	if err := sub.handler(msg.Payload, msg); err != nil {
		b.metrics.HandlerFailed(msg.Topic)
		b.logger.Error("subscriber failed", err, logging.LogFields{
			"topic":      msg.Topic,
			"message_id": msg.ID,
		})
	}
}

// Request publishes payload on topic with a fresh one-shot reply topic and
// waits for the first reply. A non-positive timeout uses the bus default.
// It fails with ErrRequestTimeout when nobody answers in time, with the
// context error when ctx ends first, or with ErrBusClosed right away on a
// closed bus. Never call it from inside a Handler.
func (b *Bus) Request(ctx context.Context, topic string, payload any, timeout time.Duration) (any, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if timeout <= 0 {
		timeout = b.requestTimeout
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if b.Closed() {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrBusClosed, topic)
	}

	replies := make(chan any, 1)
	replyTopic := ids.ReplyTopic(topic)
	unsubscribe := b.Subscribe(replyTopic, func(p any, _ Message) error {
		select {
		case replies <- p:
		default:
		}
		return nil
	})
	defer unsubscribe()

	timer := b.clock.After(timeout)
	b.emit(topic, payload, replyTopic)

	select {
	case reply := <-replies:
		b.metrics.Request(topic, metrics.OutcomeOK)
		return reply, nil
	default:
	}

	select {
	case reply := <-replies:
		b.metrics.Request(topic, metrics.OutcomeOK)
		return reply, nil
	case <-timer:
		b.metrics.Request(topic, metrics.OutcomeTimeout)
		return nil, fmt.Errorf("%w: %s after %s", errspkg.ErrRequestTimeout, topic, timeout)
	case <-ctx.Done():
		b.metrics.Request(topic, metrics.OutcomeCanceled)
		return nil, ctx.Err()
	}
}

// History returns the retained messages, oldest first.
func (b *Bus) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.snapshot()
}

// Subscribers reports how many handlers are registered for topic, wildcard
// subscribers excluded unless topic is "*".
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == events.Wildcard {
		return len(b.wildcard)
	}
	return len(b.topics[topic])
}

// Close stops all further delivery and drops every subscription. Messages
// still queued are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.topics {
		for _, sub := range list {
			sub.active.Store(false)
		}
	}
	for _, sub := range b.wildcard {
		sub.active.Store(false)
	}
	b.topics = make(map[string][]*subscription)
	b.wildcard = nil
	b.queue = nil
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
