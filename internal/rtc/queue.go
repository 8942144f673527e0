package rtc

import (
	"sync"

	"github.com/PlagueHO/voicepilot-realtime/internal/proto"
)

// fallbackQueue buffers outbound control messages while the data channel
// is unavailable. Bounded FIFO with drop-oldest eviction; both the send
// path and the channel-open flush serialize on its mutex.
type fallbackQueue struct {
	locker   sync.Mutex
	capacity int
	items    []proto.ClientEvent
}

func newFallbackQueue(capacity int) *fallbackQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &fallbackQueue{capacity: capacity}
}

// push appends ev, evicting the oldest entry when the queue is full.
// It returns the resulting depth and whether an eviction happened.
func (q *fallbackQueue) push(ev proto.ClientEvent) (depth int, dropped bool) {
	q.locker.Lock()
	defer q.locker.Unlock()

	if len(q.items) >= q.capacity {
		q.items = append(q.items[:0], q.items[1:]...)
		dropped = true
	}
	q.items = append(q.items, ev)

	return len(q.items), dropped
}

// drain removes and returns everything in insertion order.
func (q *fallbackQueue) drain() []proto.ClientEvent {
	q.locker.Lock()
	defer q.locker.Unlock()

	items := q.items
	q.items = nil

	return items
}

// requeueFront puts unsent entries back at the head, preserving their
// original order ahead of anything queued meanwhile.
func (q *fallbackQueue) requeueFront(items []proto.ClientEvent) int {
	if len(items) == 0 {
		return q.len()
	}

	q.locker.Lock()
	defer q.locker.Unlock()

	merged := make([]proto.ClientEvent, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	if len(merged) > q.capacity {
		merged = merged[len(merged)-q.capacity:]
	}
	q.items = merged

	return len(q.items)
}

func (q *fallbackQueue) len() int {
	q.locker.Lock()
	defer q.locker.Unlock()

	return len(q.items)
}

func (q *fallbackQueue) clear() {
	q.locker.Lock()
	defer q.locker.Unlock()

	q.items = nil
}
