// Package router correlates outbound worker requests with inbound responses.
// The pending map is the single mutation point: every request is resolved
// exactly once, whether by a matching response, its deadline, caller
// cancellation, or a stream disconnect.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomstudio/loom/internal/wire"
)

var (
	// ErrTimeout indicates no response arrived within the caller's deadline.
	ErrTimeout = errors.New("router: timeout")
	// ErrWorkerUnavailable indicates the worker is disconnected or crashed.
	ErrWorkerUnavailable = errors.New("router: worker unavailable")
	// ErrCancelled indicates the caller abandoned the request.
	ErrCancelled = errors.New("router: cancelled")
)

// cancelMethod is the best-effort notification sent to the worker when a
// caller abandons a request. The worker may keep processing; a late response
// is discarded.
const cancelMethod = "worker/cancel"

// Sender writes a single framed message to the worker stream. Implementations
// must serialize concurrent writes.
type Sender interface {
	Send(msg *wire.Message) error
}

// outcome is the terminal state of a pending request.
type outcome struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	id        uint64
	method    string
	submitted time.Time
	done      chan outcome // buffered, written exactly once
}

// Router issues requests with fresh IDs and resolves them on response.
type Router struct {
	logger *log.Logger
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	sender  Sender
}

// New constructs a router with no bound sender. Calls fail with
// ErrWorkerUnavailable until Bind is invoked.
func New(logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		logger:  logger,
		pending: make(map[uint64]*pendingRequest),
	}
}

// Bind attaches the outbound stream. The supervisor calls this once the
// worker pipe is up.
func (r *Router) Bind(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
}

// Pending returns the number of in-flight requests.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Call sends a request and blocks until a response, the context deadline,
// caller cancellation, or a disconnect resolves it. Request IDs increase
// monotonically and are never reused while the prior entry may be referenced.
func (r *Router) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := r.nextID.Add(1)
	req := &pendingRequest{
		id:        id,
		method:    method,
		submitted: time.Now(),
		done:      make(chan outcome, 1),
	}

	r.mu.Lock()
	sender := r.sender
	if sender == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: not connected", ErrWorkerUnavailable)
	}
	r.pending[id] = req
	r.mu.Unlock()

	msg := &wire.Message{ID: id, Method: method, Params: params}
	if err := sender.Send(msg); err != nil {
		r.remove(id)
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	select {
	case out := <-req.done:
		return out.result, out.err
	case <-ctx.Done():
	}

	// Deadline or cancellation. Removing the entry claims ownership; if the
	// entry is already gone a resolution raced us and must be honored.
	if removed := r.remove(id); removed == nil {
		out := <-req.done
		return out.result, out.err
	}

	r.notifyCancel(id)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, time.Since(req.submitted).Round(time.Millisecond))
	}
	return nil, fmt.Errorf("%w: %s", ErrCancelled, method)
}

// Dispatch resolves the pending request matching a response frame. Responses
// for unknown or already-resolved IDs are logged and discarded. Request
// frames (worker-initiated) are ignored here; the supervisor routes those to
// its notification handler before dispatching.
func (r *Router) Dispatch(msg *wire.Message) {
	if !msg.IsResponse() {
		return
	}
	req := r.remove(msg.ID)
	if req == nil {
		r.logger.Printf("[Router] discarding late response for request %d", msg.ID)
		return
	}

	if msg.Error != nil {
		req.done <- outcome{err: msg.Error}
		return
	}
	req.done <- outcome{result: msg.Result}
}

// FailAll resolves every outstanding request with ErrWorkerUnavailable.
// The supervisor calls this on disconnect with the worker's exit reason.
func (r *Router) FailAll(reason error) {
	r.mu.Lock()
	drained := r.pending
	r.pending = make(map[uint64]*pendingRequest)
	r.sender = nil
	r.mu.Unlock()

	if len(drained) == 0 {
		return
	}
	err := ErrWorkerUnavailable
	if reason != nil {
		err = fmt.Errorf("%w: %v", ErrWorkerUnavailable, reason)
	}
	for _, req := range drained {
		req.done <- outcome{err: err}
	}
	r.logger.Printf("[Router] failed %d pending requests: %v", len(drained), err)
}

func (r *Router) remove(id uint64) *pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return req
}

func (r *Router) notifyCancel(id uint64) {
	r.mu.Lock()
	sender := r.sender
	r.mu.Unlock()
	if sender == nil {
		return
	}
	params, _ := json.Marshal(map[string]uint64{"id": id})
	cancelID := r.nextID.Add(1)
	if err := sender.Send(&wire.Message{ID: cancelID, Method: cancelMethod, Params: params}); err != nil {
		r.logger.Printf("[Router] cancel notify for request %d failed: %v", id, err)
	}
}
