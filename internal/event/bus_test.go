package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []Event

	bus.Subscribe(ReplySent, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	bus.PublishSync(Event{Type: ReplySent, Data: ReplySentData{RoomID: "r1", Rounds: 2}})
	bus.PublishSync(Event{Type: ToolInvoked, Data: ToolInvokedData{Tool: "read_file"}})

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
	assert.Equal(t, ReplySent, got[0].Type)
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.PublishSync(Event{Type: ReplySent})
	bus.PublishSync(Event{Type: SessionCompacted})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	unsub := bus.Subscribe(MessageReceived, func(Event) { count++ })

	bus.PublishSync(Event{Type: MessageReceived})
	unsub()
	bus.PublishSync(Event{Type: MessageReceived})

	assert.Equal(t, 1, count)
}

func TestPublishAsyncDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	release := make(chan struct{})
	delivered := make(chan struct{})
	bus.Subscribe(MessageReceived, func(Event) {
		<-release
		close(delivered)
	})

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: MessageReceived})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on slow subscriber")
	}

	close(release)
	<-delivered
}

func TestClosedBusDropsEvents(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(ReplySent, func(Event) { count++ })
	assert.NoError(t, bus.Close())

	bus.PublishSync(Event{Type: ReplySent})
	assert.Zero(t, count)
}
