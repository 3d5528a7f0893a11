package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// Compute job types understood by ComputeWorker.
const (
	JobHash             = "hash"
	JobCosineSimilarity = "cosineSimilarity"
)

// HashJob asks for the SHA-256 of Text, hex encoded.
type HashJob struct {
	Text string `json:"text"`
}

// SimilarityJob asks for the cosine similarity of A and B.
type SimilarityJob struct {
	A []float64 `json:"a"`
	B []float64 `json:"b"`
}

// ComputeWorker is the built-in worker for hashing and vector math.
func ComputeWorker(_ context.Context, job WorkerJob) (any, error) {
	switch job.Type {
	case JobHash:
		p, ok := job.Payload.(HashJob)
		if !ok {
			return nil, fmt.Errorf("hash: unexpected payload %T", job.Payload)
		}
		sum := sha256.Sum256([]byte(p.Text))
		return hex.EncodeToString(sum[:]), nil
	case JobCosineSimilarity:
		p, ok := job.Payload.(SimilarityJob)
		if !ok {
			return nil, fmt.Errorf("cosineSimilarity: unexpected payload %T", job.Payload)
		}
		return cosine(p.A, p.B), nil
	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
}

// cosine returns 0 for mismatched or zero vectors.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	denom := math.Sqrt(magA) * math.Sqrt(magB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// DefaultWorkers returns the worker implementations shipped with the
// kernel, keyed by worker id.
func DefaultWorkers() map[string]WorkerFunc {
	return map[string]WorkerFunc{"compute": ComputeWorker}
}
