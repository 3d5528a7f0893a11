package runtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/events"
	"github.com/drblury/unitkernel/internal/runtime/ids"
	"github.com/drblury/unitkernel/internal/runtime/logging"
	"github.com/drblury/unitkernel/internal/runtime/metrics"
)

// WorkerTopicPrefix addresses a worker on the bus: worker.<id>.
const WorkerTopicPrefix = "worker."

const workerInboxSize = 64

// Result types carried by WorkerResult.
const (
	WorkerResultOK    = "result"
	WorkerResultError = "error"
)

// WorkerJob is the request payload sent to a worker.
type WorkerJob struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WorkerResult is what a worker replies with.
type WorkerResult struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WorkerFunc performs one job. It runs on the worker's own goroutine and
// shares nothing with the kernel beyond the job it is handed.
type WorkerFunc func(ctx context.Context, job WorkerJob) (any, error)

// WorkerTopic returns the bus topic a worker listens on.
func WorkerTopic(id string) string { return WorkerTopicPrefix + id }

type envelope struct {
	job WorkerJob
	msg bus.Message
}

type worker struct {
	id          string
	fn          WorkerFunc
	inbox       chan envelope
	unsubscribe func()
	done        chan struct{}
}

// workerPool runs each worker on a dedicated goroutine fed through a
// bounded inbox. Failures become worker.error events.
type workerPool struct {
	bus     *bus.Bus
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
}

func newWorkerPool(b *bus.Bus, logger logging.ServiceLogger, m *metrics.Metrics) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		bus:     b,
		logger:  logger.With(logging.LogFields{"component": "workers"}),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
}

func (p *workerPool) spawn(id string, fn WorkerFunc) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[id]; ok {
		return fmt.Errorf("%w: %s", errspkg.ErrWorkerExists, id)
	}
	w := &worker{
		id:    id,
		fn:    fn,
		inbox: make(chan envelope, workerInboxSize),
		done:  make(chan struct{}),
	}
	w.unsubscribe = p.bus.Subscribe(WorkerTopic(id), func(payload any, msg bus.Message) error {
		job, ok := payload.(WorkerJob)
		if !ok {
			job = WorkerJob{Payload: payload}
		}
		select {
		case w.inbox <- envelope{job: job, msg: msg}:
		default:
			p.fail(w.id, job, msg, fmt.Errorf("worker %s inbox full", w.id))
		}
		return nil
	})
	go p.run(w)
	p.workers[id] = w
	p.logger.Debug("worker spawned", logging.LogFields{"worker": id})
	return nil
}

func (p *workerPool) run(w *worker) {
	defer close(w.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case env, ok := <-w.inbox:
			if !ok {
				return
			}
			p.handle(w, env)
		}
	}
}

func (p *workerPool) handle(w *worker, env envelope) {
	result, err := func() (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return w.fn(p.ctx, env.job)
	}()
	if err != nil {
		p.fail(w.id, env.job, env.msg, err)
		return
	}
	p.bus.Reply(env.msg, WorkerResult{ID: env.job.ID, Type: WorkerResultOK, Payload: result})
}

func (p *workerPool) fail(id string, job WorkerJob, msg bus.Message, err error) {
	p.metrics.WorkerError(id)
	p.logger.Warn("worker job failed", logging.LogFields{"worker": id, "job": job.Type, "error": err.Error()})
	p.bus.Publish(events.WorkerError, events.WorkerErrorPayload{ID: id, Error: err.Error()})
	p.bus.Reply(msg, WorkerResult{ID: job.ID, Type: WorkerResultError, Payload: err.Error()})
}

// dispatch sends a job to worker id and waits for its result.
func (p *workerPool) dispatch(ctx context.Context, id, jobType string, payload any, timeout time.Duration) (any, error) {
	job := WorkerJob{ID: ids.NewCorrelationID(), Type: jobType, Payload: payload}
	reply, err := p.bus.Request(ctx, WorkerTopic(id), job, timeout)
	if err != nil {
		return nil, err
	}
	res, ok := reply.(WorkerResult)
	if !ok {
		return nil, fmt.Errorf("%w: worker %s replied %T", errspkg.ErrUnexpectedResponse, id, reply)
	}
	if res.Type == WorkerResultError {
		msg, _ := res.Payload.(string)
		return nil, &errspkg.RemoteError{Method: WorkerTopic(id) + "/" + jobType, Message: msg}
	}
	return res.Payload, nil
}

func (p *workerPool) ids() []string {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.workers))
	for id := range p.workers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// terminate stops every worker. Jobs still queued are dropped unanswered.
func (p *workerPool) terminate() {
	p.mu.Lock()
	workers := p.workers
	p.workers = make(map[string]*worker)
	p.mu.Unlock()

	p.cancel()
	for _, w := range workers {
		w.unsubscribe()
		<-w.done
	}
}
