package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Successive calls within the process are strictly increasing, which is what
// gives bus messages their creation-order identity.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

const replyInfix = ".reply."

// ReplyTopic derives a one-shot reply topic for a request on base.
func ReplyTopic(base string) string {
	return base + replyInfix + CreateULID()
}

// IsReplyTopic reports whether topic was produced by ReplyTopic.
func IsReplyTopic(topic string) bool {
	return strings.Contains(topic, replyInfix)
}

// BaseTopic strips a reply suffix, returning the topic the request was made
// on. Other topics are returned unchanged.
func BaseTopic(topic string) string {
	if i := strings.Index(topic, replyInfix); i >= 0 {
		return topic[:i]
	}
	return topic
}
