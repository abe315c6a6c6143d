package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Hub is the in-process tap on dispatched events.
// It provides pub/sub keyed by opcode with non-blocking fan-out.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan Event

	// Global subscribers receive all events
	global []chan Event

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string][]chan Event),
	}
}

// Publish sends an event to all subscribers of its opcode.
// This is non-blocking - if a subscriber's channel is full, the event is dropped.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published.Add(1)

	for _, ch := range h.subs[e.Opcode] {
		h.offer(ch, e)
	}
	for _, ch := range h.global {
		h.offer(ch, e)
	}
}

func (h *Hub) offer(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		h.dropped.Add(1)
	}
}

// Subscribe returns a channel that receives events with the given opcodes.
// If no opcodes are specified, subscribes to all events.
// The caller is responsible for draining the channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, opcodes ...string) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(opcodes) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, op := range opcodes {
			h.subs[op] = append(h.subs[op], ch)
		}
	}

	return ch
}

// Unsubscribe removes a channel from all subscriptions.
// The channel is NOT closed by this method.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)

	for op, subs := range h.subs {
		if kept := removeFromSlice(subs, ch); len(kept) > 0 {
			h.subs[op] = kept
		} else {
			delete(h.subs, op)
		}
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}
