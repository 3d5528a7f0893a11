package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/unitkernel/internal/runtime/bus"
	errspkg "github.com/drblury/unitkernel/internal/runtime/errors"
	"github.com/drblury/unitkernel/internal/runtime/logging"
)

// MethodPrefix is prepended to a method name to form its bus topic.
const MethodPrefix = "rpc."

// Request is the payload published on a method topic.
type Request struct {
	Params any `json:"params"`
}

// Response is the payload replied on the caller's reply topic.
type Response struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// MethodFunc serves one RPC method. ctx ends when the RPC is closed.
type MethodFunc func(ctx context.Context, params any) (any, error)

type RPC struct {
	bus    *bus.Bus
	logger logging.ServiceLogger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	methods map[string]func()
	wg      sync.WaitGroup
}

func NewRPC(b *bus.Bus, logger logging.ServiceLogger) *RPC {
	if logger == nil {
		panic(errspkg.ErrLoggerRequired)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RPC{
		bus:     b,
		logger:  logger.With(logging.LogFields{"component": "rpc"}),
		ctx:     ctx,
		cancel:  cancel,
		methods: make(map[string]func()),
	}
}

// Topic returns the bus topic method is served on.
func Topic(method string) string { return MethodPrefix + method }

// Handle serves method. The function runs on its own goroutine so it may
// itself publish or call other methods. Registering a method twice
// replaces the earlier function.
func (r *RPC) Handle(method string, fn MethodFunc) error {
	if method == "" {
		return errspkg.ErrTopicRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	unsubscribe := r.bus.Subscribe(Topic(method), func(payload any, msg bus.Message) error {
		params := payload
		if req, ok := payload.(Request); ok {
			params = req.Params
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil
		}
		r.wg.Add(1)
		r.mu.Unlock()
		go func() {
			defer r.wg.Done()
			r.serve(method, fn, params, msg)
		}()
		return nil
	})

	r.mu.Lock()
	previous := r.methods[method]
	r.methods[method] = unsubscribe
	r.mu.Unlock()
	if previous != nil {
		previous()
	}
	return nil
}

func (r *RPC) serve(method string, fn MethodFunc, params any, msg bus.Message) {
	var resp Response
	func() {
		defer func() {
			if p := recover(); p != nil {
				resp = Response{Error: fmt.Sprintf("panic: %v", p)}
			}
		}()
		result, err := fn(r.ctx, params)
		if err != nil {
			resp = Response{Error: err.Error()}
			return
		}
		resp = Response{Result: result}
	}()

	if resp.Error != "" {
		r.logger.Debug("rpc method failed", logging.LogFields{"method": method, "error": resp.Error})
	}
	if !r.bus.Reply(msg, resp) {
		r.logger.Debug("rpc call without reply topic", logging.LogFields{"method": method})
	}
}

// Call invokes method and returns its result. A handler error comes back
// as *errors.RemoteError.
func (r *RPC) Call(ctx context.Context, method string, params any, timeout time.Duration) (any, error) {
	reply, err := r.bus.Request(ctx, Topic(method), Request{Params: params}, timeout)
	if err != nil {
		return nil, err
	}
	resp, ok := reply.(Response)
	if !ok {
		return nil, fmt.Errorf("%w: rpc %s replied %T", errspkg.ErrUnexpectedResponse, method, reply)
	}
	if resp.Error != "" {
		return nil, &errspkg.RemoteError{Method: method, Message: resp.Error}
	}
	return resp.Result, nil
}

// Close stops serving every method and waits for running calls.
func (r *RPC) Close() {
	r.mu.Lock()
	r.closed = true
	methods := r.methods
	r.methods = make(map[string]func())
	r.mu.Unlock()
	for _, unsubscribe := range methods {
		unsubscribe()
	}
	r.cancel()
	r.wg.Wait()
}
