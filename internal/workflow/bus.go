package workflow

import (
	"sync"

	"github.com/orchestra-dev/orchestra/internal/core"
)

// EventBus fans execution events out to multiple subscribers. Publish
// only appends to per-subscriber queues and returns immediately; each
// subscriber has its own delivery goroutine, so a consumer that stops
// reading parks that goroutine, never the publisher. Per subscriber,
// events arrive in publish order.
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subscriber)}
}

// subscriber decouples the publisher from the consumer: Publish appends
// to queue; deliver drains queue into out on its own goroutine.
type subscriber struct {
	out  chan core.ExecutionEvent
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []core.ExecutionEvent
	closed bool
}

func newSubscriber(buffer int) *subscriber {
	s := &subscriber{
		out:  make(chan core.ExecutionEvent, buffer),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.deliver()
	return s
}

func (s *subscriber) enqueue(ev core.ExecutionEvent) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// close ends the subscription. Events not yet handed to the consumer are
// dropped; the out channel closes once the delivery goroutine stops.
func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) deliver() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}

// Subscribe registers a consumer. The returned cancel function removes the
// subscription and closes its channel; events still queued at that point
// are dropped.
func (b *EventBus) Subscribe(buffer int) (<-chan core.ExecutionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buffer <= 0 {
		buffer = 64
	}
	if b.closed {
		ch := make(chan core.ExecutionEvent)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	sub := newSubscriber(buffer)
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		s, ok := b.subs[id]
		if ok {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		if ok {
			s.close()
		}
	}
	return sub.out, cancel
}

// Publish delivers an event to every subscriber. It never blocks on a
// consumer.
func (b *EventBus) Publish(ev core.ExecutionEvent) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
}

// Close ends all subscriptions. Publish after Close is a no-op.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		delete(b.subs, id)
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
