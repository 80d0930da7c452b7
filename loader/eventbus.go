package loader

import (
	"sync"
)

// Event types published on the EventBus.
const (
	EventLoaded      = "loaded"
	EventFailed      = "failed"
	EventInvalidated = "invalidated"
	EventResolved    = "resolved"
	EventTimeout     = "timeout"
)

// LoadEvent is a status update about one key, or about the whole cache when
// Path is empty (directory invalidation).
type LoadEvent struct {
	Type       string `json:"type"`
	Path       string `json:"path,omitempty"`
	Width      uint32 `json:"width,omitempty"`
	Height     uint32 `json:"height,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EventBus broadcasts LoadEvents to every subscriber.
type EventBus struct {
	mu      sync.RWMutex
	clients map[chan LoadEvent]struct{}
}

// NewEventBus creates a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		clients: make(map[chan LoadEvent]struct{}),
	}
}

// Subscribe registers a new client and returns its event channel.
func (b *EventBus) Subscribe() chan LoadEvent {
	ch := make(chan LoadEvent, 32)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *EventBus) Unsubscribe(ch chan LoadEvent) {
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking.
// Subscribers whose buffer is full miss the event.
func (b *EventBus) Publish(event LoadEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- event:
		default:
			// slow client, drop event
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
