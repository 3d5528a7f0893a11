package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
)

func TestDispatchComputeHash(t *testing.T) {
	k := bootKernel(t, testConfig(), KernelDependencies{})

	got, err := k.Dispatch(context.Background(), "compute", JobHash, HashJob{Text: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got)
}

func TestDispatchComputeCosine(t *testing.T) {
	k := bootKernel(t, testConfig(), KernelDependencies{})

	got, err := k.Dispatch(context.Background(), "compute", JobCosineSimilarity, SimilarityJob{A: []float64{1, 0}, B: []float64{1, 0}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestWorkerFailureBecomesEvent(t *testing.T) {
	k := bootKernel(t, testConfig(), KernelDependencies{})
	var (
		mu       sync.Mutex
		reported []events.WorkerErrorPayload
	)
	k.Bus().Subscribe(events.WorkerError, func(p any, _ bus.Message) error {
		mu.Lock()
		reported = append(reported, p.(events.WorkerErrorPayload))
		mu.Unlock()
		return nil
	})

	_, err := k.Dispatch(context.Background(), "compute", "teleport", nil)
	mu.Lock()
	defer mu.Unlock()

	var remote *errspkg.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown job type")
	require.Len(t, reported, 1)
	assert.Equal(t, "compute", reported[0].ID)
}

func TestWorkerPanicIsContained(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = []string{"fragile"}
	k := bootKernel(t, cfg, KernelDependencies{Workers: map[string]WorkerFunc{
		"fragile": func(_ context.Context, job WorkerJob) (any, error) {
			if job.Type == "crash" {
				panic("segfault")
			}
			return "ok", nil
		},
	}})

	_, err := k.Dispatch(context.Background(), "fragile", "crash", nil)
	var remote *errspkg.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "segfault")

	got, err := k.Dispatch(context.Background(), "fragile", "work", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got, "the worker survives a panic")
}

func TestDispatchToMissingWorkerTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	k := bootKernel(t, cfg, KernelDependencies{})

	_, err := k.Dispatch(context.Background(), "nlp", "tokenize", "hello")
	assert.ErrorIs(t, err, errspkg.ErrRequestTimeout)
}

func TestDispatchBeforeInit(t *testing.T) {
	k := newTestKernel(t, testConfig(), KernelDependencies{})
	_, err := k.Dispatch(context.Background(), "compute", JobHash, HashJob{})
	assert.ErrorIs(t, err, errspkg.ErrKernelNotInit)
}

func TestSpawnRejectsDuplicates(t *testing.T) {
	k := bootKernel(t, testConfig(), KernelDependencies{})
	err := k.workers.spawn("compute", ComputeWorker)
	assert.ErrorIs(t, err, errspkg.ErrWorkerExists)
	assert.ErrorIs(t, k.workers.spawn("other", nil), errspkg.ErrHandlerRequired)
}

func TestComputeWorkerRejectsBadPayload(t *testing.T) {
	_, err := ComputeWorker(context.Background(), WorkerJob{Type: JobHash, Payload: 42})
	assert.Error(t, err)
	assert.Zero(t, cosine([]float64{1}, []float64{1, 2}))
	assert.Zero(t, cosine([]float64{0, 0}, []float64{0, 0}))
	assert.False(t, errors.Is(err, errspkg.ErrRequestTimeout))
}
