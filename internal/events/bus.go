package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCapacity is the event buffer size when none is configured.
const DefaultCapacity = 256

// Bus is a bounded event buffer. Publish never blocks: when the buffer is
// full the oldest event is dropped and counted, keeping backpressure
// explicit instead of stalling the publishing path.
type Bus struct {
	mu      sync.Mutex
	ch      chan Event
	dropped uint64
	closed  bool

	droppedTotal prometheus.Counter
}

// NewBus creates a bus with the given buffer capacity.
// droppedTotal mirrors the internal drop counter, passed explicitly;
// it may be nil in tests.
func NewBus(capacity int, droppedTotal prometheus.Counter) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{ch: make(chan Event, capacity), droppedTotal: droppedTotal}
}

// Publish enqueues an event, evicting the oldest buffered event when full.
// Publishing to a closed bus is a no-op.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	select {
	case b.ch <- ev:
		return
	default:
	}

	// Buffer full: make room, then retry once. A concurrent receiver may
	// have drained a slot in between, so both selects stay non-blocking.
	select {
	case <-b.ch:
		b.drop()
	default:
	}
	select {
	case b.ch <- ev:
	default:
		b.drop()
	}
}

// drop records one discarded event. Callers hold b.mu.
func (b *Bus) drop() {
	b.dropped++
	if b.droppedTotal != nil {
		b.droppedTotal.Inc()
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Dropped returns how many events were evicted or discarded due to a full buffer.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes the event channel. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
