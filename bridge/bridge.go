// Package bridge hands commands from network goroutines to the single host
// goroutine that is allowed to touch the host API.
//
// Reader goroutines call Enqueue, which appends to a FIFO and asks the host to
// run Drain "soon". The host later calls Drain on its own goroutine; Drain runs
// every command queued at that moment, in order, and settles each command's
// Future.
//
//	conn 1 ──Enqueue(A)──┐                       ┌── A ── settle(A)
//	conn 2 ──Enqueue(B)──┼──→ FIFO ──host.Drain──┤
//	conn 1 ──Enqueue(C)──┘                       └── B ── C ...
//
// Every Future settles exactly once: by Drain, by its timeout, by the caller
// giving up, or by Close. Whichever comes first wins and the rest are no-ops.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds how long a command may wait for the host. Bulk
// commands against large documents can run for minutes.
const DefaultTimeout = 300 * time.Second

var (
	ErrHostBusy     = errors.New("bridge: host is busy and declined to run queued commands")
	ErrTimeout      = errors.New("bridge: command timed out waiting for the host")
	ErrClosed       = errors.New("bridge: closed")
	ErrHandlerPanic = errors.New("bridge: command panicked")
)

// Host is the host application's scheduling primitive. RequestDrain asks the
// host to call drain on its own goroutine soon; it returns false if the host
// is busy or shutting down and will not do so.
type Host interface {
	RequestDrain(drain func()) bool
}

// Executor runs one command. It is only ever called from Drain, which is only
// ever called by the host.
type Executor interface {
	Execute(ctx context.Context, method string, params map[string]json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, method string, params map[string]json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, method string, params map[string]json.RawMessage) (json.RawMessage, error) {
	return f(ctx, method, params)
}

type command struct {
	ctx      context.Context
	method   string
	params   map[string]json.RawMessage
	future   *Future
	enqueued time.Time
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	Queued   int
	Executed int64
	TimedOut int64
	Rejected int64
	Late     int64 // Results produced after the caller had already been answered
}

// Bridge is the cross-goroutine command queue.
type Bridge struct {
	host    Host
	exec    Executor
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	queue  []*command
	closed bool

	drainMu sync.Mutex // Drain is exclusive with itself

	executed atomic.Int64
	timedOut atomic.Int64
	rejected atomic.Int64
	late     atomic.Int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout sets the default per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the bridge logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a bridge that schedules onto host and runs commands with exec.
func New(host Host, exec Executor, opts ...Option) *Bridge {
	b := &Bridge{
		host:    host,
		exec:    exec,
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "bridge"))
	return b
}

// Enqueue queues a command with the default timeout. It never blocks on the host.
func (b *Bridge) Enqueue(ctx context.Context, method string, params map[string]json.RawMessage) *Future {
	return b.EnqueueTimeout(ctx, method, params, b.timeout)
}

// EnqueueTimeout queues a command with its own timeout. If the host declines
// the drain invitation, the returned Future is already rejected with ErrHostBusy.
func (b *Bridge) EnqueueTimeout(ctx context.Context, method string, params map[string]json.RawMessage, timeout time.Duration) *Future {
	f := newFuture()
	if err := ctx.Err(); err != nil {
		f.settle(nil, err)
		return f
	}
	if timeout <= 0 {
		timeout = b.timeout
	}

	cmd := &command{
		ctx:      ctx,
		method:   method,
		params:   params,
		future:   f,
		enqueued: time.Now(),
	}

	f.mu.Lock()
	f.timer = time.AfterFunc(timeout, func() {
		if f.settle(nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, method)) {
			b.timedOut.Add(1)
			b.logger.Warn("command timed out", zap.String("method", method), zap.Duration("timeout", timeout))
		}
	})
	f.mu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		f.settle(nil, ErrClosed)
		return f
	}
	b.queue = append(b.queue, cmd)
	b.mu.Unlock()

	if !b.host.RequestDrain(b.Drain) {
		// Only reject if no drain has picked the command up in the meantime;
		// if one has, the command runs and its real result wins.
		if b.remove(cmd) {
			b.rejected.Add(1)
			f.settle(nil, ErrHostBusy)
			b.logger.Warn("host declined drain", zap.String("method", method))
		}
	}
	return f
}

func (b *Bridge) remove(cmd *command) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.queue {
		if c == cmd {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Drain runs every command queued at the time of the call, in FIFO order,
// and settles each one. The host calls it on its own goroutine.
func (b *Bridge) Drain() {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, cmd := range batch {
		if cmd.future.Settled() {
			// Timed out or abandoned while waiting; never run it.
			continue
		}
		result, err := b.execute(cmd)
		b.executed.Add(1)
		if !cmd.future.settle(result, err) {
			b.late.Add(1)
			b.logger.Debug("late result dropped", zap.String("method", cmd.method))
		}
	}
}

func (b *Bridge) execute(cmd *command) (result json.RawMessage, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, cmd.method, r)
			b.logger.Error("command panicked", zap.String("method", cmd.method), zap.Any("panic", r))
		}
		b.logger.Debug("command executed",
			zap.String("method", cmd.method),
			zap.Duration("queued", start.Sub(cmd.enqueued)),
			zap.Duration("ran", time.Since(start)),
			zap.Error(err),
		)
	}()
	return b.exec.Execute(cmd.ctx, cmd.method, cmd.params)
}

// Close rejects every queued command with ErrClosed. Later Enqueue calls fail
// the same way.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, cmd := range batch {
		cmd.future.settle(nil, ErrClosed)
	}
}

// Len reports how many commands are waiting for a drain.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Queued:   b.Len(),
		Executed: b.executed.Load(),
		TimedOut: b.timedOut.Load(),
		Rejected: b.rejected.Load(),
		Late:     b.late.Load(),
	}
}
