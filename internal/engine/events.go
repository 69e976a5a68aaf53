package engine

import (
	"sync"
	"time"
)

// Event types published by the engine.
const (
	EventMessageAppended = "message_appended"
	EventBlockFrozen     = "block_frozen"
	EventThreadReset     = "thread_reset"
)

// Event is one operator-visible engine occurrence, consumed by the
// websocket tail and the maintenance logs.
type Event struct {
	Type      string         `json:"type"`
	ChannelID string         `json:"channel_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	At        time.Time      `json:"at"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Hub fans engine events out to subscribers. Publishing never blocks:
// events for slow subscribers are dropped.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns an event channel and a cancel function. The channel
// is closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
	}
}

// Publish delivers the event to every subscriber that has buffer space.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
