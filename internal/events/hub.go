// Package events provides small typed publish/subscribe hubs. Each hub
// carries one event type and delivers to its subscribers synchronously, in
// emission order. Subscriptions are individual handles; dropping one never
// affects the others and there is no process wide registry.
package events

import "sync"

// Subscription is the handle returned by Hub.Subscribe. Close unregisters
// the callback; it is safe to call more than once and from any goroutine.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Hub fans one event type out to zero or more subscribers. The zero value
// is ready to use. Callbacks run on the publishing goroutine and must not
// block; delivery order follows subscription order within one event and
// emission order across events.
type Hub[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []entry[T]
	closed bool
}

// Subscribe registers fn and returns its disposer handle. After the hub is
// closed the returned handle is inert.
func (h *Hub[T]) Subscribe(fn func(T)) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return &Subscription{}
	}

	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, entry[T]{id: id, fn: fn})

	return &Subscription{cancel: func() { h.remove(id) }}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, e := range h.subs {
		if e.id == id {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers v to every current subscriber. Publishing on a closed
// hub is a no-op.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	snapshot := make([]entry[T], len(h.subs))
	copy(snapshot, h.subs)
	h.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len reports the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Close drops all subscriptions and rejects new ones. Pending handles
// become inert.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.subs = nil
}
