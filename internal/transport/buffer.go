package transport

import (
	"sync"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
)

// eventBuffer is a fixed-capacity FIFO ring holding events that could not be
// delivered. When full, pushing discards the oldest buffered event; that
// discard is the transport's only data-loss path and is counted separately.
type eventBuffer struct {
	mu        sync.Mutex
	events    []domain.Event
	head      int
	count     int
	overflows uint64
}

func newEventBuffer(capacity int) *eventBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &eventBuffer{events: make([]domain.Event, capacity)}
}

// push appends ev, evicting the oldest entry when the ring is full.
// It reports whether an eviction happened.
func (b *eventBuffer) push(ev domain.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := false
	if b.count == len(b.events) {
		b.head = (b.head + 1) % len(b.events)
		b.count--
		b.overflows++
		dropped = true
	}
	b.events[(b.head+b.count)%len(b.events)] = ev
	b.count++
	return dropped
}

// drain removes and returns every buffered event in FIFO order.
func (b *eventBuffer) drain() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	out := make([]domain.Event, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.events[(b.head+i)%len(b.events)]
	}
	b.head = 0
	b.count = 0
	return out
}

func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *eventBuffer) overflowCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflows
}
