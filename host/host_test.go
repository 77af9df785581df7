package host

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"host-bridge/bridge"
	"host-bridge/dispatch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T, size int) *Loop {
	t.Helper()
	loop := NewLoop(size, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop := startLoop(t, 8)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, loop.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, loop.Do(context.Background(), func() error { return nil }))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopDeclinesWhenBusyOrStopped(t *testing.T) {
	loop := startLoop(t, 8)

	loop.SetBusy(true)
	assert.False(t, loop.RequestDrain(func() {}))
	loop.SetBusy(false)
	assert.True(t, loop.RequestDrain(func() {}))

	loop.Stop()
	assert.False(t, loop.RequestDrain(func() {}))
	assert.False(t, loop.Post(func() {}))
}

func TestLoopDeclinesWhenQueueFull(t *testing.T) {
	// Not running: nothing drains the task queue.
	loop := NewLoop(1, nil)
	assert.True(t, loop.Post(func() {}))
	assert.False(t, loop.RequestDrain(func() {}))
}

func TestRequestDrainCoalesces(t *testing.T) {
	loop := NewLoop(1, nil)
	runs := 0
	assert.True(t, loop.RequestDrain(func() { runs++ }))
	assert.True(t, loop.RequestDrain(func() { runs++ }))
	assert.True(t, loop.RequestDrain(func() { runs++ }))
	assert.Len(t, loop.tasks, 1)

	(<-loop.tasks)()
	assert.Equal(t, 1, runs)
	assert.True(t, loop.RequestDrain(func() { runs++ }))
	assert.Len(t, loop.tasks, 1)
}

func TestDocumentRequiresLoop(t *testing.T) {
	loop := startLoop(t, 8)
	doc := NewDocument(loop)
	doc.Open("Tower.rvt")

	_, err := doc.Levels()
	assert.ErrorIs(t, err, ErrWrongThread)

	err = loop.Do(context.Background(), func() error {
		_, err := doc.CreateLevel("Level 1", 0)
		return err
	})
	assert.NoError(t, err)

	doc.Close()
	err = loop.Do(context.Background(), func() error {
		_, err := doc.Levels()
		return err
	})
	assert.ErrorIs(t, err, ErrNoDocument)
}

func TestHandlersThroughBridge(t *testing.T) {
	loop := startLoop(t, 8)
	doc := NewDocument(loop)
	d := dispatch.New(doc, nil)
	require.NoError(t, RegisterHandlers(d, doc))
	b := bridge.New(loop, d)
	ctx := context.Background()

	// No document yet.
	_, err := b.Enqueue(ctx, "get_levels", nil).Wait(ctx)
	assert.ErrorIs(t, err, dispatch.ErrNoSession)

	doc.Open("Tower.rvt")
	for _, lvl := range []struct {
		name string
		elev string
	}{{"Roof", "12"}, {"Ground", "0"}, {"First", "4"}} {
		_, err := b.Enqueue(ctx, "create_level", map[string]json.RawMessage{
			"name":      json.RawMessage(`"` + lvl.name + `"`),
			"elevation": json.RawMessage(lvl.elev),
		}).Wait(ctx)
		require.NoError(t, err)
	}

	raw, err := b.Enqueue(ctx, "get_levels", nil).Wait(ctx)
	require.NoError(t, err)
	var levels []Level
	require.NoError(t, json.Unmarshal(raw, &levels))
	require.Len(t, levels, 3)
	assert.Equal(t, "Ground", levels[0].Name)
	assert.Equal(t, "Roof", levels[2].Name)

	_, err = b.Enqueue(ctx, "create_level", map[string]json.RawMessage{"name": json.RawMessage(`"Roof"`), "elevation": json.RawMessage(`20`)}).Wait(ctx)
	var de *dispatch.DomainError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Message, "already exists")

	_, err = b.Enqueue(ctx, "create_level", map[string]json.RawMessage{"name": json.RawMessage(`"B1"`)}).Wait(ctx)
	assert.ErrorIs(t, err, dispatch.ErrInvalidParams)

	raw, err = b.Enqueue(ctx, "get_document_info", nil).Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Tower.rvt","levelCount":3}`, string(raw))

	raw, err = b.Enqueue(ctx, "create_wall", map[string]json.RawMessage{"height": json.RawMessage(`3`)}).Wait(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"received"`)
}

func TestBusyHostThroughBridge(t *testing.T) {
	loop := startLoop(t, 8)
	doc := NewDocument(loop)
	doc.Open("Tower.rvt")
	d := dispatch.New(doc, nil)
	require.NoError(t, RegisterHandlers(d, doc))
	b := bridge.New(loop, d, bridge.WithTimeout(time.Minute))

	loop.SetBusy(true)
	start := time.Now()
	_, err := b.Enqueue(context.Background(), "get_levels", nil).Wait(context.Background())
	assert.ErrorIs(t, err, bridge.ErrHostBusy)
	assert.Less(t, time.Since(start), time.Second)
}
