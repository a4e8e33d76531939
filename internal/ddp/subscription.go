package ddp

import (
	"sync"
	"sync/atomic"
)

// Subscription is one live server publication. Events are delivered on an
// independently bounded queue: a consumer that stops reading never blocks
// the socket reader or other subscriptions. When the queue is full the
// oldest undelivered event is dropped and counted.
type Subscription struct {
	id   string
	name string

	events  chan Event
	dropped atomic.Uint64

	invalidOnce sync.Once
	invalid     chan struct{}
}

func newSubscription(id, name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultQueueSize
	}
	return &Subscription{
		id:      id,
		name:    name,
		events:  make(chan Event, buffer),
		invalid: make(chan struct{}),
	}
}

// ID returns the client-assigned subscription id.
func (s *Subscription) ID() string { return s.id }

// Name returns the publication name.
func (s *Subscription) Name() string { return s.name }

// Events returns the delivery queue. The channel is never closed; watch
// Invalidated to learn the subscription is dead.
func (s *Subscription) Events() <-chan Event { return s.events }

// Invalidated is closed when the connection carrying this subscription is
// torn down. The subscription does not resume; consumers must re-subscribe
// on the new connection and accept a gap in delivered history.
func (s *Subscription) Invalidated() <-chan struct{} { return s.invalid }

// Dropped returns the number of events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// push enqueues an event without ever blocking. On a full queue it evicts
// the oldest undelivered event first.
func (s *Subscription) push(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}

	select {
	case <-s.events:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.events <- ev:
	default:
		// Lost the race to a concurrent push; count this event instead.
		s.dropped.Add(1)
	}
}

func (s *Subscription) invalidate() {
	s.invalidOnce.Do(func() { close(s.invalid) })
}
