package ws

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"offlinegate/internal/worker"
)

// Hub fans worker lifecycle events out to connected clients
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// Notify implements worker.EventSink
func (h *Hub) Notify(e worker.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.Send(data) {
			h.logger.Debug().Msg("dropping slow event subscriber")
			go c.Close()
		}
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

var _ worker.EventSink = (*Hub)(nil)
