package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SendFunc transmits an encoded request message. The Correlator invokes it
// after registering the pending entry, so a response cannot arrive before
// its request is known.
type SendFunc func(ctx context.Context, msg JSONRPCMessage) error

// Correlator encodes outgoing requests and matches incoming responses back
// to the callers awaiting them. It allocates monotonically increasing ids
// starting at 1, applies a per-request timeout, and classifies every
// incoming message: responses resolve pending entries, while
// server-initiated requests and notifications are handed upward on
// dedicated channels, since those are the orchestrator's concern.
//
// Any number of requests may be outstanding at once, each with its own
// timeout, and responses may arrive in any order.
type Correlator struct {
	logger  *slog.Logger
	timeout time.Duration
	ids     *atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest

	requests      chan JSONRPCMessage
	notifications chan JSONRPCMessage

	closed    chan struct{}
	closeOnce sync.Once
}

// pendingRequest is one caller awaiting a response. The outcome channel is
// buffered so delivery never blocks the deliverer; the entry is removed
// from the table exactly once, by response, timeout, or Clear.
type pendingRequest struct {
	method string
	ch     chan requestOutcome
}

type requestOutcome struct {
	msg JSONRPCMessage
	err error
}

// upwardBufferSize bounds the server-initiated request and notification
// queues between the read loop and the orchestrator's dispatch loop.
const upwardBufferSize = 16

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// WithRequestTimeout overrides the default 30s per-request timeout.
func WithRequestTimeout(d time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCorrelatorLogger sets the logger used for dropped and malformed
// messages.
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// WithIDSource shares a request id counter between correlators. An owner
// holding one connection at a time passes the same counter to every
// correlator it creates, so ids keep climbing across reconnects instead of
// restarting at 1.
func WithIDSource(ids *atomic.Int64) CorrelatorOption {
	return func(c *Correlator) {
		if ids != nil {
			c.ids = ids
		}
	}
}

// NewCorrelator creates a ready-to-use Correlator.
func NewCorrelator(options ...CorrelatorOption) *Correlator {
	c := &Correlator{
		logger:        slog.Default(),
		timeout:       defaultRequestTimeout,
		ids:           new(atomic.Int64),
		pending:       make(map[int64]*pendingRequest),
		requests:      make(chan JSONRPCMessage, upwardBufferSize),
		notifications: make(chan JSONRPCMessage, upwardBufferSize),
		closed:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// NewRequest builds a request message carrying the next id from the
// monotonic counter. Ids start at 1 and are never reused for the lifetime
// of the id source, which WithIDSource can share across correlators.
func (c *Correlator) NewRequest(method string, params json.RawMessage) JSONRPCMessage {
	id := c.ids.Add(1)

	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      numericID(id),
		Method:  method,
		Params:  params,
	}
}

// SendRequest builds the request, registers it as pending, transmits it
// through send, and suspends the caller until the matching response
// arrives, the timeout elapses, or ctx ends.
func (c *Correlator) SendRequest(
	ctx context.Context,
	method string,
	params json.RawMessage,
	send SendFunc,
) (JSONRPCMessage, error) {
	return c.Call(ctx, c.NewRequest(method, params), send)
}

// Call registers the prebuilt request msg as pending, transmits it through
// send, and suspends the caller until the matching response arrives, the
// timeout elapses, or ctx ends. A send failure rejects immediately and
// removes the entry, so a failed send never waits out its timer. A timeout
// rejects with a TimeoutError and removes the entry.
func (c *Correlator) Call(ctx context.Context, msg JSONRPCMessage, send SendFunc) (JSONRPCMessage, error) {
	id, ok := msg.IDInt64()
	if !ok {
		return JSONRPCMessage{}, &ParseError{Err: errors.New("request carries no numeric id")}
	}

	pr := &pendingRequest{
		method: msg.Method,
		ch:     make(chan requestOutcome, 1),
	}
	c.mu.Lock()
	c.pending[id] = pr
	c.mu.Unlock()

	if err := send(ctx, msg); err != nil {
		c.remove(id)
		return JSONRPCMessage{}, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case out := <-pr.ch:
		return out.msg, out.err
	case <-timer.C:
		if !c.remove(id) {
			// The response won the race against the timer; take it.
			out := <-pr.ch
			return out.msg, out.err
		}
		return JSONRPCMessage{}, &TimeoutError{Op: "request " + msg.Method, Timeout: c.timeout}
	case <-ctx.Done():
		if !c.remove(id) {
			out := <-pr.ch
			return out.msg, out.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return JSONRPCMessage{}, &TimeoutError{Op: "request " + msg.Method}
		}
		return JSONRPCMessage{}, ctx.Err()
	}
}

// HandleMessage classifies one incoming message. Responses resolve their
// pending entry; an unmatched or duplicate response is logged and dropped,
// never an error. Requests and notifications are queued for the
// orchestrator on the Requests and Notifications channels. A message
// matching none of the three shapes is reported as a ParseError, which the
// caller should log without tearing the connection down.
func (c *Correlator) HandleMessage(msg JSONRPCMessage) error {
	switch msg.Kind() {
	case KindResponse:
		id, ok := msg.IDInt64()
		if !ok {
			c.logger.Warn("dropping response with non-numeric id", "id", string(msg.ID))
			return nil
		}
		if !c.deliver(id, msg) {
			c.logger.Warn("dropping response with no pending request", "id", id)
		}
		return nil
	case KindRequest:
		select {
		case c.requests <- msg:
		case <-c.closed:
			c.logger.Debug("dropping server request after close", "method", msg.Method)
		}
		return nil
	case KindNotification:
		select {
		case c.notifications <- msg:
		case <-c.closed:
			c.logger.Debug("dropping notification after close", "method", msg.Method)
		}
		return nil
	default:
		return &ParseError{Err: errors.New("message matches no JSON-RPC shape")}
	}
}

// Requests yields server-initiated requests in arrival order.
func (c *Correlator) Requests() <-chan JSONRPCMessage {
	return c.requests
}

// Notifications yields server-initiated notifications in arrival order.
func (c *Correlator) Notifications() <-chan JSONRPCMessage {
	return c.notifications
}

// Close stops queueing server-initiated traffic. Once the dispatch loop
// reading Requests and Notifications has gone away, a read pump still
// flushing buffered transport messages would otherwise block forever on a
// full upward channel; after Close such messages are dropped instead.
// Close is idempotent and does not touch pending requests; use Clear for
// those.
func (c *Correlator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Clear rejects every outstanding request with err and empties the table.
// A nil err rejects with an internal-class connection-closed error. Used
// on disconnect so no caller is left hanging.
func (c *Correlator) Clear(err error) {
	if err == nil {
		err = &JSONRPCError{Code: CodeInternalError, Message: "connection closed"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pr := range c.pending {
		pr.ch <- requestOutcome{err: err}
		delete(c.pending, id)
	}
}

// PendingCount reports how many requests are currently awaiting responses.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// deliver resolves the pending entry for id exactly once. Both the lookup
// and the buffered send happen under the lock, so a concurrent timeout
// either removes the entry first or finds the outcome already delivered.
func (c *Correlator) deliver(id int64, msg JSONRPCMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	pr.ch <- requestOutcome{msg: msg}
	return true
}

func (c *Correlator) remove(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}
