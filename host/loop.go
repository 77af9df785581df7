// Package host provides a reference host for the bridge: a single goroutine
// that owns the host "thread", and an in-memory document whose API may only
// be used from that goroutine.
//
// Real hosts (a desktop CAD application, for instance) expose their own
// "run this on my thread" primitive; Loop plays that role for the bundled
// server and for tests.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrWrongThread is returned by document operations invoked outside the loop.
var ErrWrongThread = errors.New("host: API called outside the host loop")

// Loop serializes all host work through one goroutine.
type Loop struct {
	tasks   chan func()
	quit    chan struct{}
	stop    sync.Once
	stopped atomic.Bool
	busy    atomic.Bool // Host refuses new work, e.g. a modal dialog is open
	pending atomic.Bool // A drain invitation is queued and has not started yet
	inTask  atomic.Bool
	logger  *zap.Logger
}

// NewLoop creates a loop with room for queueSize outstanding tasks. Run must
// be called to start processing.
func NewLoop(queueSize int, logger *zap.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		tasks:  make(chan func(), queueSize),
		quit:   make(chan struct{}),
		logger: logger.With(zap.String("component", "host")),
	}
}

// RequestDrain schedules drain on the loop. Invitations are coalesced: while
// one is waiting to start, further requests are accepted without queueing
// another, since a drain runs everything queued when it starts. It returns
// false when the loop is busy, stopped, or its task queue is full.
func (l *Loop) RequestDrain(drain func()) bool {
	if l.stopped.Load() || l.busy.Load() {
		return false
	}
	if !l.pending.CompareAndSwap(false, true) {
		return true
	}
	if !l.Post(func() {
		l.pending.Store(false)
		drain()
	}) {
		l.pending.Store(false)
		return false
	}
	return true
}

// Post queues fn to run on the loop without blocking.
func (l *Loop) Post(fn func()) bool {
	if l.stopped.Load() {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	default:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if !l.Post(func() { done <- fn() }) {
		return errors.New("host: loop not accepting work")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetBusy makes the loop decline (or accept again) drain invitations.
func (l *Loop) SetBusy(busy bool) {
	l.busy.Store(busy)
}

// InTask reports whether the loop is currently running a task. Only the loop
// goroutine can observe true while it matters.
func (l *Loop) InTask() bool {
	return l.inTask.Load()
}

// Run processes tasks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("host loop started")
	defer l.logger.Info("host loop stopped")
	for {
		select {
		case fn := <-l.tasks:
			l.execute(fn)
		case <-l.quit:
			return nil
		case <-ctx.Done():
			l.Stop()
			return nil
		}
	}
}

// execute runs a task, recovering from panics so one bad task cannot take
// the host down.
func (l *Loop) execute(fn func()) {
	l.inTask.Store(true)
	defer l.inTask.Store(false)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("host task panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

// Stop shuts the loop down. Queued tasks that have not started are dropped.
func (l *Loop) Stop() {
	l.stop.Do(func() {
		l.stopped.Store(true)
		close(l.quit)
	})
}
