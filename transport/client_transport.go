// Package transport implements the requester side of the bridge protocol.
//
// ClientTransport multiplexes concurrent calls over one TCP connection. Each
// call gets a fresh id and waits in the pending map; a background goroutine
// (recvLoop) frames responses off the stream and completes the matching call.
//
//	goroutine-1 ──Call(id=a)──┐
//	goroutine-2 ──Call(id=b)──┼──→ single TCP conn ──→ bridge
//	goroutine-3 ──Call(id=c)──┘
//
//	recvLoop:  ←── response(id=b) → pending[b] → goroutine-2 wakes up
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"host-bridge/codec"
	"host-bridge/message"
	"host-bridge/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultCallTimeout    = 120 * time.Second
	DefaultConnectTimeout = 5 * time.Second
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrConnectionClosed = errors.New("transport: connection closed")
	ErrTimeout          = errors.New("transport: call timed out")
)

// Call is one in-flight request. Done receives the call once it completes.
type Call struct {
	ID      string
	Method  string
	Params  map[string]json.RawMessage
	Result  json.RawMessage
	Error   error
	Done    chan *Call
	Started time.Time

	timer *time.Timer
	once  sync.Once
}

func (c *Call) finish(result json.RawMessage, err error) {
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.Result = result
		c.Error = err
		c.Done <- c
	})
}

// link is one physical connection and the calls waiting on it.
type link struct {
	conn    net.Conn
	writer  *protocol.Writer
	pending map[string]*Call
}

// ClientTransport manages the connection to one bridge listener.
type ClientTransport struct {
	addr           string
	codec          codec.Codec
	logger         *zap.Logger
	callTimeout    time.Duration
	connectTimeout time.Duration
	maxBuffered    int

	mu   sync.Mutex
	link *link // nil while disconnected
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

// WithCallTimeout sets how long a call may wait for its response.
func WithCallTimeout(d time.Duration) Option {
	return func(t *ClientTransport) {
		if d > 0 {
			t.callTimeout = d
		}
	}
}

// WithConnectTimeout bounds how long Connect waits for the dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *ClientTransport) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(t *ClientTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMaxBufferedBytes caps unframed response data, like the server side.
func WithMaxBufferedBytes(n int) Option {
	return func(t *ClientTransport) {
		t.maxBuffered = n
	}
}

// NewClientTransport creates a disconnected transport for the bridge at addr.
func NewClientTransport(addr string, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		addr:           addr,
		codec:          &codec.JSONCodec{},
		logger:         zap.NewNop(),
		callTimeout:    DefaultCallTimeout,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Addr returns the bridge address this transport dials.
func (t *ClientTransport) Addr() string {
	return t.addr
}

// Connected reports whether a connection is open.
func (t *ClientTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link != nil
}

// Pending reports how many calls are waiting for a response.
func (t *ClientTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == nil {
		return 0
	}
	return len(t.link.pending)
}

// Connect dials the bridge. Every call after a disconnect opens a new socket;
// calling it while connected is a no-op.
func (t *ClientTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	connected := t.link != nil
	t.mu.Unlock()
	if connected {
		return nil
	}

	dialer := net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("transport: connect to %s failed (is the bridge running?): %w", t.addr, err)
	}

	l := &link{
		conn:    conn,
		writer:  protocol.NewWriter(conn),
		pending: make(map[string]*Call),
	}

	t.mu.Lock()
	if t.link != nil {
		// Lost a race with a concurrent Connect.
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.link = l
	t.mu.Unlock()

	go t.recvLoop(l, protocol.NewReader(conn, t.maxBuffered))
	t.logger.Debug("connected to bridge", zap.String("addr", t.addr))
	return nil
}

// Disconnect closes the connection. Calls still waiting fail with
// ErrConnectionClosed.
func (t *ClientTransport) Disconnect() error {
	t.mu.Lock()
	l := t.link
	t.link = nil
	t.mu.Unlock()
	if l == nil {
		return nil
	}
	err := l.conn.Close()
	t.failAll(l, ErrConnectionClosed)
	return err
}

// Go starts a call and returns immediately. The call completes on its Done
// channel with a result, a remote *message.ErrorObject, or a transport error.
func (t *ClientTransport) Go(method string, params map[string]json.RawMessage) *Call {
	call := &Call{
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
		Done:    make(chan *Call, 1),
		Started: time.Now(),
	}

	data, err := t.codec.Encode(message.NewRequest(call.ID, method, params))
	if err != nil {
		call.finish(nil, fmt.Errorf("transport: encode request: %w", err))
		return call
	}

	t.mu.Lock()
	l := t.link
	if l == nil {
		t.mu.Unlock()
		call.finish(nil, ErrNotConnected)
		return call
	}
	// Register before writing so a fast response always finds its call.
	l.pending[call.ID] = call
	call.timer = time.AfterFunc(t.callTimeout, func() {
		if t.remove(l, call.ID) {
			call.finish(nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, t.callTimeout))
		}
	})
	t.mu.Unlock()

	if err := l.writer.WriteMessage(data); err != nil {
		if t.remove(l, call.ID) {
			call.finish(nil, fmt.Errorf("%w: write failed (is the bridge running?): %v", ErrConnectionClosed, err))
		}
		t.drop(l, err)
	}
	return call
}

// Call sends a request and waits for its response. If ctx ends first the call
// is abandoned and ctx's error returned.
func (t *ClientTransport) Call(ctx context.Context, method string, params map[string]json.RawMessage) (json.RawMessage, error) {
	call := t.Go(method, params)
	select {
	case <-call.Done:
		return call.Result, call.Error
	case <-ctx.Done():
		t.mu.Lock()
		l := t.link
		t.mu.Unlock()
		if l != nil {
			t.remove(l, call.ID)
		}
		call.finish(nil, ctx.Err())
		// finish is a no-op if the response won the race.
		<-call.Done
		return call.Result, call.Error
	}
}

// recvLoop reads responses until the connection ends, then fails every call
// still waiting on it.
func (t *ClientTransport) recvLoop(l *link, reader *protocol.Reader) {
	for {
		data, err := reader.Next()
		if err != nil {
			t.drop(l, err)
			return
		}

		var resp message.Message
		if err := t.codec.Decode(data, &resp); err != nil {
			t.logger.Warn("dropping malformed response", zap.Error(err))
			continue
		}
		if !resp.IsResponse() {
			t.logger.Warn("dropping unexpected request from bridge", zap.String("method", resp.Method))
			continue
		}

		call, ok := t.take(l, resp.ID)
		if !ok {
			// Timed out or abandoned already.
			t.logger.Debug("response for unknown call", zap.String("id", resp.ID))
			continue
		}
		if resp.Error != nil {
			call.finish(nil, resp.Error)
		} else {
			call.finish(resp.Result, nil)
		}
	}
}

// drop tears down l after a read or write failure.
func (t *ClientTransport) drop(l *link, cause error) {
	t.mu.Lock()
	if t.link == l {
		t.link = nil
	}
	t.mu.Unlock()
	l.conn.Close()
	t.failAll(l, fmt.Errorf("%w: %v", ErrConnectionClosed, cause))
}

func (t *ClientTransport) failAll(l *link, err error) {
	t.mu.Lock()
	calls := l.pending
	l.pending = make(map[string]*Call)
	t.mu.Unlock()

	for _, call := range calls {
		call.finish(nil, err)
	}
	if len(calls) > 0 {
		t.logger.Info("rejected pending calls", zap.Int("count", len(calls)), zap.Error(err))
	}
}

func (t *ClientTransport) take(l *link, id string) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	return call, ok
}

func (t *ClientTransport) remove(l *link, id string) bool {
	_, ok := t.take(l, id)
	return ok
}
