package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"host-bridge/message"
	"host-bridge/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge accepts connections and hands every request to respond. A nil
// reply means "do not answer".
type fakeBridge struct {
	listener net.Listener
	respond  func(req message.Message) *message.Message

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeBridge(t *testing.T, respond func(req message.Message) *message.Message) *fakeBridge {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeBridge{listener: ln, respond: respond}
	go fb.serve()
	t.Cleanup(fb.close)
	return fb
}

func (fb *fakeBridge) addr() string {
	return fb.listener.Addr().String()
}

func (fb *fakeBridge) serve() {
	for {
		conn, err := fb.listener.Accept()
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conns = append(fb.conns, conn)
		fb.mu.Unlock()
		go fb.handle(conn)
	}
}

func (fb *fakeBridge) handle(conn net.Conn) {
	reader := protocol.NewReader(conn, 0)
	writer := protocol.NewWriter(conn)
	for {
		data, err := reader.Next()
		if err != nil {
			return
		}
		var req message.Message
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		go func() {
			if resp := fb.respond(req); resp != nil {
				out, _ := json.Marshal(resp)
				writer.WriteMessage(out)
			}
		}()
	}
}

// dropAll closes every accepted connection from the bridge side.
func (fb *fakeBridge) dropAll() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, c := range fb.conns {
		c.Close()
	}
	fb.conns = nil
}

func (fb *fakeBridge) close() {
	fb.listener.Close()
	fb.dropAll()
}

func echo(req message.Message) *message.Message {
	resp, _ := message.NewResult(req.ID, req.Params)
	return resp
}

func connect(t *testing.T, addr string, opts ...Option) *ClientTransport {
	t.Helper()
	ct := NewClientTransport(addr, opts...)
	require.NoError(t, ct.Connect(context.Background()))
	t.Cleanup(func() { ct.Disconnect() })
	return ct
}

func TestCallRoundTrip(t *testing.T) {
	fb := newFakeBridge(t, echo)
	ct := connect(t, fb.addr())

	result, err := ct.Call(context.Background(), "get_levels", map[string]json.RawMessage{"n": json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(result))
	assert.Equal(t, 0, ct.Pending())
}

func TestConcurrentCallsOutOfOrder(t *testing.T) {
	// Answer the slow call last so responses arrive out of request order.
	fb := newFakeBridge(t, func(req message.Message) *message.Message {
		if req.Method == "slow" {
			time.Sleep(100 * time.Millisecond)
		}
		return echo(req)
	})
	ct := connect(t, fb.addr())

	slow := ct.Go("slow", map[string]json.RawMessage{"who": json.RawMessage(`"slow"`)})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, _ := json.Marshal(i)
			result, err := ct.Call(context.Background(), "fast", map[string]json.RawMessage{"n": n})
			if assert.NoError(t, err) {
				assert.JSONEq(t, `{"n":`+string(n)+`}`, string(result))
			}
		}(i)
	}
	wg.Wait()

	call := <-slow.Done
	require.NoError(t, call.Error)
	assert.JSONEq(t, `{"who":"slow"}`, string(call.Result))
}

func TestRemoteError(t *testing.T) {
	fb := newFakeBridge(t, func(req message.Message) *message.Message {
		return message.NewError(req.ID, message.CodeServerError, "Unknown command: "+req.Method)
	})
	ct := connect(t, fb.addr())

	_, err := ct.Call(context.Background(), "get_walls", nil)
	var rpcErr *message.ErrorObject
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeServerError, rpcErr.Code)
	assert.Equal(t, "Unknown command: get_walls", rpcErr.Message)
}

func TestCallTimeout(t *testing.T) {
	fb := newFakeBridge(t, func(message.Message) *message.Message { return nil })
	ct := connect(t, fb.addr(), WithCallTimeout(50*time.Millisecond))

	_, err := ct.Call(context.Background(), "get_levels", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, 0, ct.Pending())
	assert.True(t, ct.Connected())
}

func TestConnectionClosedRejectsPending(t *testing.T) {
	fb := newFakeBridge(t, func(message.Message) *message.Message { return nil })
	ct := connect(t, fb.addr())

	calls := []*Call{ct.Go("a", nil), ct.Go("b", nil), ct.Go("c", nil)}
	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return len(fb.conns) == 1
	}, time.Second, 5*time.Millisecond)
	fb.dropAll()

	for _, c := range calls {
		select {
		case done := <-c.Done:
			assert.ErrorIs(t, done.Error, ErrConnectionClosed)
			assert.NotErrorIs(t, done.Error, ErrTimeout)
		case <-time.After(2 * time.Second):
			t.Fatalf("call %s left hanging", c.Method)
		}
	}
	assert.False(t, ct.Connected())
}

func TestDisconnectRejectsPending(t *testing.T) {
	fb := newFakeBridge(t, func(message.Message) *message.Message { return nil })
	ct := connect(t, fb.addr())

	call := ct.Go("get_levels", nil)
	require.NoError(t, ct.Disconnect())
	done := <-call.Done
	assert.ErrorIs(t, done.Error, ErrConnectionClosed)

	_, err := ct.Call(context.Background(), "get_levels", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectUsesNewSocket(t *testing.T) {
	fb := newFakeBridge(t, echo)
	ct := connect(t, fb.addr())

	_, err := ct.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	fb.dropAll()
	require.Eventually(t, func() bool { return !ct.Connected() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ct.Connect(context.Background()))
	result, err := ct.Call(context.Background(), "ping", map[string]json.RawMessage{"again": json.RawMessage(`true`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"again":true}`, string(result))
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ct := NewClientTransport(addr, WithConnectTimeout(time.Second))
	err = ct.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is the bridge running?")
	assert.False(t, ct.Connected())
}

func TestCallContextCancel(t *testing.T) {
	fb := newFakeBridge(t, func(message.Message) *message.Message { return nil })
	ct := connect(t, fb.addr())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ct.Call(ctx, "get_levels", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, ct.Pending())
}
