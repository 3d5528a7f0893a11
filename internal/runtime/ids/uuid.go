package ids

import "github.com/google/uuid"

// NewCorrelationID returns a random identifier for streams and worker
// requests, where ordering carries no meaning.
func NewCorrelationID() string {
	return uuid.NewString()
}
