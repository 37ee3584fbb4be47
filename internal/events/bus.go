package events

import "sync"

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event; publishers never block on a slow reader.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	buf     int
	dropped uint64
}

// NewBus creates a bus whose subscriptions buffer up to buf events.
func NewBus(buf int) *Bus {
	if buf <= 0 {
		buf = 64
	}
	return &Bus{subs: make(map[int]chan Event), buf: buf}
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func closes the
// channel and must be called exactly once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, b.buf)
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
