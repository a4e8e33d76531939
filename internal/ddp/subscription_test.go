package ddp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushDeliversInOrder(t *testing.T) {
	sub := newSubscription("s1", "stream", 8)

	for i := 0; i < 3; i++ {
		sub.push(Event{Kind: EventAdded, ID: fmt.Sprintf("e%d", i)})
	}

	for i := 0; i < 3; i++ {
		ev := <-sub.Events()
		assert.Equal(t, fmt.Sprintf("e%d", i), ev.ID)
	}
	assert.Zero(t, sub.Dropped())
}

func TestPushDropsOldestWhenFull(t *testing.T) {
	sub := newSubscription("s1", "stream", 2)

	sub.push(Event{ID: "e0"})
	sub.push(Event{ID: "e1"})
	sub.push(Event{ID: "e2"}) // queue full: e0 evicted

	assert.Equal(t, uint64(1), sub.Dropped())

	ev := <-sub.Events()
	assert.Equal(t, "e1", ev.ID)
	ev = <-sub.Events()
	assert.Equal(t, "e2", ev.ID)
}

func TestPushNeverBlocksStalledConsumer(t *testing.T) {
	sub := newSubscription("s1", "stream", 4)

	// Nobody reads; pushes must all return.
	for i := 0; i < 100; i++ {
		sub.push(Event{ID: fmt.Sprintf("e%d", i)})
	}

	assert.Equal(t, uint64(96), sub.Dropped())
	assert.Len(t, sub.events, 4)
}

func TestStalledSubscriptionDoesNotStarveOthers(t *testing.T) {
	done := make(chan struct{})
	ts := newTestServer(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn, "s")
		for i := 0; i < 2; i++ {
			f := readFrame(t, conn)
			require.Equal(t, "sub", f.Msg)
			writeFrame(t, conn, frame{Msg: "ready", Subs: []string{f.ID}})
		}
		// Flood the first stream well past its queue, then publish on
		// the second.
		for i := 0; i < 10; i++ {
			writeFrame(t, conn, frame{
				Msg:        "changed",
				Collection: "stream-a",
				ID:         fmt.Sprintf("a%d", i),
				Fields:     json.RawMessage(`{}`),
			})
		}
		writeFrame(t, conn, frame{
			Msg:        "changed",
			Collection: "stream-b",
			ID:         "b0",
			Fields:     json.RawMessage(`{}`),
		})
		<-done
	})
	defer close(done)

	c := New(Options{URL: ts.wsURL(), QueueSize: 2})
	require.NoError(t, c.Dial(context.Background()))
	defer c.Close()

	stalled, err := c.Subscribe(context.Background(), "stream-a")
	require.NoError(t, err)
	lively, err := c.Subscribe(context.Background(), "stream-b")
	require.NoError(t, err)

	// stream-a has no reader; stream-b must still get its event.
	select {
	case ev := <-lively.Events():
		assert.Equal(t, "b0", ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("lively subscription starved")
	}

	assert.Eventually(t, func() bool { return stalled.Dropped() >= 8 },
		2*time.Second, 10*time.Millisecond)

	// The stalled queue kept the newest events it had room for.
	ev := <-stalled.Events()
	assert.NotEqual(t, "a0", ev.ID)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	sub := newSubscription("s1", "stream", 4)

	sub.invalidate()
	sub.invalidate()

	select {
	case <-sub.Invalidated():
	default:
		t.Fatal("Invalidated channel not closed")
	}
}
