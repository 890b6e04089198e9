// ABOUTME: Framed JSON-RPC connection to a single agent process.
// ABOUTME: Correlates responses with pending requests and dispatches inbound calls.

package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrConnectionClosed is returned for every request that cannot complete
// because the transport closed.
var ErrConnectionClosed = errors.New("connection closed")

// PermissionWait blocks until a permission decision is available.
type PermissionWait func() (*RequestPermissionResponse, error)

// Handler receives agent-initiated traffic. SessionUpdate and
// RequestPermission run on the read loop so they observe stream order; they
// must not block or call back into the Conn. The PermissionWait returned by
// RequestPermission and HandleCall run on their own goroutine and may block
// until a decision is available.
type Handler interface {
	SessionUpdate(ctx context.Context, n *SessionNotification)
	RequestPermission(ctx context.Context, req *RequestPermissionRequest) PermissionWait
	// HandleCall receives every other method. For notifications the result
	// is discarded.
	HandleCall(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// Conn is a JSON-RPC connection over an agent's stdio streams.
type Conn struct {
	r       io.ReadCloser
	w       io.WriteCloser
	handler Handler
	logger  *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *inbound
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewConn starts reading from r immediately. The returned Conn owns both
// streams and closes them when the transport ends.
func NewConn(r io.ReadCloser, w io.WriteCloser, handler Handler, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = rejectHandler{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		r:       r,
		w:       w,
		handler: handler,
		logger:  logger.With("component", "acp"),
		pending: make(map[int64]chan *inbound),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed exactly once when the transport can no longer be used.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed. It is nil while open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Close shuts the transport down and fails all in-flight requests.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Call sends a request and waits for its response. result may be nil.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan *inbound, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrConnectionClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(requestFrame{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	var resp *inbound
	select {
	case resp = <-ch:
	case <-c.done:
		select {
		case resp = <-ch:
		default:
			return fmt.Errorf("%s: %w", method, ErrConnectionClosed)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// Notify sends a notification. No response is expected.
func (c *Conn) Notify(method string, params any) error {
	if err := c.write(notificationFrame{JSONRPC: jsonrpcVersion, Method: method, Params: params}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Conn) write(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	if _, err := c.w.Write(data); err != nil {
		c.shutdown(err)
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	reader := bufio.NewReader(c.r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *Conn) dispatch(line []byte) {
	line = trimLine(line)
	if len(line) == 0 {
		return
	}

	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("dropping unparseable frame", "error", err, "bytes", len(line))
		return
	}

	switch {
	case msg.Method == MethodRequestPermission && msg.hasID():
		c.handlePermission(&msg)
	case msg.Method != "" && msg.hasID():
		go c.answer(&msg, func() (any, error) {
			return c.handler.HandleCall(c.ctx, msg.Method, msg.Params)
		})
	case msg.Method != "":
		c.handleNotification(&msg)
	case msg.hasID():
		c.handleResponse(&msg)
	default:
		c.logger.Warn("dropping frame with neither method nor id")
	}
}

func (c *Conn) handleResponse(msg *inbound) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		c.logger.Warn("response with non-numeric id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", "id", id)
		return
	}
	ch <- msg
}

func (c *Conn) handleNotification(msg *inbound) {
	switch msg.Method {
	case MethodSessionUpdate:
		var n SessionNotification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			c.logger.Warn("invalid session update", "error", err)
			return
		}
		c.handler.SessionUpdate(c.ctx, &n)
	default:
		if _, err := c.handler.HandleCall(c.ctx, msg.Method, msg.Params); err != nil {
			c.logger.Debug("notification not handled", "method", msg.Method, "error", err)
		}
	}
}

// handlePermission hands the request to the handler in stream order and
// answers once the decision arrives.
func (c *Conn) handlePermission(msg *inbound) {
	var req RequestPermissionRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		rpcErr := &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		go c.answer(msg, func() (any, error) { return nil, rpcErr })
		return
	}
	wait := c.handler.RequestPermission(c.ctx, &req)
	go c.answer(msg, func() (any, error) { return wait() })
}

// answer runs fn and writes its result or error back to the agent.
func (c *Conn) answer(msg *inbound, fn func() (any, error)) {
	result, err := fn()

	var frame any
	if err != nil {
		frame = errorFrame{JSONRPC: jsonrpcVersion, ID: msg.ID, Error: toRPCError(err)}
	} else {
		frame = resultFrame{JSONRPC: jsonrpcVersion, ID: msg.ID, Result: result}
	}
	if werr := c.write(frame); werr != nil {
		c.logger.Debug("failed to answer agent call", "method", msg.Method, "error", werr)
	}
}

// shutdown runs once. Pending calls observe done and fail.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if cause != nil {
			c.closeErr = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
		} else {
			c.closeErr = ErrConnectionClosed
		}
		close(c.done)
		c.cancel()

		c.w.Close()
		c.r.Close()
		c.logger.Debug("connection closed", "cause", cause)
	})
}

func trimLine(line []byte) []byte {
	for len(line) > 0 {
		switch line[len(line)-1] {
		case '\n', '\r', ' ', '\t':
			line = line[:len(line)-1]
			continue
		}
		break
	}
	return line
}

type rejectHandler struct{}

func (rejectHandler) SessionUpdate(context.Context, *SessionNotification) {}

func (rejectHandler) RequestPermission(context.Context, *RequestPermissionRequest) PermissionWait {
	return func() (*RequestPermissionResponse, error) {
		return &RequestPermissionResponse{Outcome: Cancelled()}, nil
	}
}

func (rejectHandler) HandleCall(_ context.Context, method string, _ json.RawMessage) (any, error) {
	return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
}
