package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Future is the completion handle of one queued command.
type Future struct {
	mu      sync.Mutex
	settled bool
	result  json.RawMessage
	err     error
	timer   *time.Timer
	done    chan struct{}
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// settle records the outcome if none has been recorded yet. It reports whether
// this call was the one that settled the future.
func (f *Future) settle(result json.RawMessage, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	f.settled = true
	f.result = result
	f.err = err
	if f.timer != nil {
		f.timer.Stop()
	}
	close(f.done)
	return true
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future already has an outcome.
func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Result returns the outcome. Only meaningful after Done is closed.
func (f *Future) Result() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// Wait blocks until the future settles or ctx is done. If ctx wins, the
// command is abandoned: it settles with ctx's error and will not be run.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.settle(nil, ctx.Err())
	}
	return f.Result()
}
