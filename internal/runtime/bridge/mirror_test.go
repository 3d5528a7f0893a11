package bridge

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/drblury/unitkernel/internal/runtime/bus"
	"github.com/drblury/unitkernel/internal/runtime/clock"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/ids"
	"github.com/drblury/unitkernel/internal/runtime/jsoncodec"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(logging.NewDiscardLogger(), bus.Options{Clock: clock.Fake(epoch)})
	t.Cleanup(b.Close)
	return b
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	msgs   []*message.Message
	closed bool
}

func (p *recordingPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		p.topics = append(p.topics, topic)
		p.msgs = append(p.msgs, m)
	}
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func TestMirrorForwardsEmissions(t *testing.T) {
	b := newTestBus(t)
	pub := &recordingPublisher{}
	m := NewMirror(b, pub, logging.NewDiscardLogger(), MirrorOptions{TopicPrefix: "kernel."})
	m.Start()
	m.Start()

	sent := b.Publish(events.UnitStarted, events.UnitStartedPayload{UnitID: "nlp", Timestamp: epoch})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "kernel.unit.started", pub.topics[0])
	got := pub.msgs[0]
	assert.Equal(t, sent.ID, got.UUID)
	assert.Equal(t, events.UnitStarted, got.Metadata.Get(MetadataKeyTopic))
	assert.Equal(t, "nlp", got.Metadata.Get(MetadataKeyUnitID))
	assert.Equal(t, "events.UnitStartedPayload", got.Metadata.Get(MetadataKeyType))
	assert.Equal(t, epoch.Format(time.RFC3339Nano), got.Metadata.Get(MetadataKeyTimestamp))
	assert.Empty(t, got.Metadata.Get(MetadataKeyReplyTo))

	var decoded map[string]any
	require.NoError(t, jsoncodec.Unmarshal(got.Payload, &decoded))
	assert.Equal(t, "nlp", decoded["unitId"])
}

func TestMirrorSkipsRepliesAndFilteredTopics(t *testing.T) {
	b := newTestBus(t)
	pub := &recordingPublisher{}
	m := NewMirror(b, pub, logging.NewDiscardLogger(), MirrorOptions{
		Filter: func(topic string) bool { return topic != "noisy" },
	})
	m.Start()

	b.Publish(ids.ReplyTopic("worker.nlp"), "answer")
	b.Publish("noisy", 1)
	b.Publish("kept", 2)

	assert.Equal(t, []string{"kept"}, pub.topics)
}

func TestMirrorIncludeReplies(t *testing.T) {
	b := newTestBus(t)
	pub := &recordingPublisher{}
	NewMirror(b, pub, logging.NewDiscardLogger(), MirrorOptions{IncludeReplies: true}).Start()

	reply := ids.ReplyTopic("worker.nlp")
	b.Publish(reply, "answer")

	assert.Equal(t, []string{reply}, pub.topics)
}

func TestMirrorStopUnsubscribesAndCloses(t *testing.T) {
	b := newTestBus(t)
	pub := &recordingPublisher{}
	m := NewMirror(b, pub, logging.NewDiscardLogger(), MirrorOptions{})
	m.Start()
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())

	b.Publish("after", 1)
	assert.Empty(t, pub.msgs)
	assert.True(t, pub.closed)
}

func TestMirrorIntoGoChannel(t *testing.T) {
	b := newTestBus(t)
	pub, sub := NewChannelSink(logging.NewWatermillAdapter(logging.NewDiscardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := sub.Subscribe(ctx, events.SystemReady)
	require.NoError(t, err)

	m := NewMirror(b, pub, logging.NewDiscardLogger(), MirrorOptions{})
	m.Start()
	t.Cleanup(func() { _ = m.Stop() })

	b.Publish(events.SystemReady, events.SystemReadyPayload{Timestamp: epoch, Units: []string{"nlp"}})

	select {
	case msg := <-out:
		msg.Ack()
		assert.Equal(t, events.SystemReady, msg.Metadata.Get(MetadataKeyTopic))
		var decoded events.SystemReadyPayload
		require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &decoded))
		assert.Equal(t, []string{"nlp"}, decoded.Units)
	case <-time.After(2 * time.Second):
		t.Fatal("mirrored message not delivered")
	}
}

func TestMirrorIntoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.jsonl")
	b := newTestBus(t)
	m := NewMirror(b, NewFilePublisher(path), logging.NewDiscardLogger(), MirrorOptions{})
	m.Start()

	b.Publish("a", map[string]any{"n": 1})
	b.Publish("b", "two")
	require.NoError(t, m.Stop())

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Topic)
	assert.Equal(t, "b", records[1].Topic)
	assert.JSONEq(t, `"two"`, string(records[1].Payload))
	assert.Equal(t, "b", records[1].Metadata[MetadataKeyTopic])
}

func TestFilePublisherRejectsAfterClose(t *testing.T) {
	p := NewFilePublisher(filepath.Join(t.TempDir(), "x.jsonl"))
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish("t", message.NewMessage("1", nil)), ErrPublisherClosed)
}

func TestMetadataWithSkipsEmptyValues(t *testing.T) {
	md := Metadata{"a": "1"}.With("b", "").With("c", "3")
	assert.Equal(t, Metadata{"a": "1", "c": "3"}, md)
	assert.Equal(t, md, FromWatermill(md.ToWatermill()))
}
