package events

import (
	"sync"
	"time"
)

// Message is what the hub delivers to subscribers after a write commits.
type Message struct {
	Type       string       `json:"type"`
	EntityKind string       `json:"entity_kind"`
	EntityID   string       `json:"entity_id,omitempty"`
	Payload    EventPayload `json:"payload,omitempty"`
	At         time.Time    `json:"at"`
}

// Hub is an in-process fan-out of committed events. Delivery is best effort:
// a subscriber whose buffer is full misses the message, so consumers that
// need every event also sweep the persistent state.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Message
	next   int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Message{}}
}

// Subscribe returns a channel of messages and a cancel func that closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

// Publish never blocks. It returns the number of subscribers that received the message.
func (h *Hub) Publish(m Message) int {
	if h == nil {
		return 0
	}
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.subs {
		select {
		case ch <- m:
			delivered++
		default:
		}
	}
	return delivered
}

// Close closes every subscriber channel; later subscriptions get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
