package broadcast

import (
	"context"
	"log"
	"sync"

	"fleet-telemetry/backend/internal/event/domain"
)

const clientBuffer = 16

// Hub fans messages out to registered subscriber channels in process. A slow subscriber whose
// buffer is full misses messages rather than blocking the hub.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan []byte
	closed  bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]chan []byte)}
}

// Register adds a subscriber and returns its receive channel. The channel is closed on
// Unregister or Stop.
func (h *Hub) Register(id string) <-chan []byte {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	if old, ok := h.clients[id]; ok {
		close(old)
	}
	h.clients[id] = ch
	return ch
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
}

// Broadcast sends msg to every subscriber without blocking.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			log.Printf("broadcast: subscriber %s buffer full, dropping message", id)
		}
	}
}

// Publish implements Publisher for in-process delivery.
func (h *Hub) Publish(_ context.Context, env *domain.Envelope) error {
	msg, err := domain.EncodeBatch(env)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes every subscriber channel. Later registrations get a closed channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
	h.closed = true
}
