package bootstrap

import (
	"sync"
	"time"
)

// Update kinds.
const (
	UpdateRefresh  = "refresh"
	UpdateRotation = "rotation"
)

// UpdateEvent notifies subscribers that the projection changed underneath
// them: a detached refresh landed, or a registry rotation invalidated
// topic-scoped state.
type UpdateEvent struct {
	Kind        string    `json:"kind"`
	SignalCount int       `json:"signal_count"`
	At          time.Time `json:"at"`
}

// Hub fans UpdateEvents out to subscribers. Publishing never blocks: a
// subscriber that is not keeping up misses intermediate events and only ever
// sees the most recent one, which is all a refresh indicator needs.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan UpdateEvent
	next int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]chan UpdateEvent),
	}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent.
func (h *Hub) Subscribe() (<-chan UpdateEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++

	ch := make(chan UpdateEvent, 1)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}

	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking. A full
// subscriber buffer is drained of its stale event first, so the latest event
// always wins.
func (h *Hub) Publish(ev UpdateEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
