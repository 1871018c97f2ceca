package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"roster/cmd/internal/metrics"
	v1 "roster/shared/contracts/realtime/v1"
)

// Hub tracks every connected client and fans out broadcasts.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: m,
		clients: make(map[string]*Client),
	}
}

// Join adds a client to the broadcast set.
func (h *Hub) Join(client *Client) {
	if h == nil || client == nil || client.ID == "" {
		return
	}

	h.mu.Lock()
	_, existed := h.clients[client.ID]
	h.clients[client.ID] = client
	h.mu.Unlock()

	if !existed {
		h.metrics.WSConnected(1)
	}
	h.log.Debug("hub.client.join", "client_id", client.ID)
}

// Leave removes a client and signals its shutdown.
func (h *Hub) Leave(clientID string) {
	if h == nil || clientID == "" {
		return
	}

	h.mu.Lock()
	cl := h.clients[clientID]
	delete(h.clients, clientID)
	h.mu.Unlock()

	// Close after removal so a broadcaster never holds a closing client.
	if cl != nil {
		cl.Close()
		h.metrics.WSConnected(-1)
	}
	h.log.Debug("hub.client.leave", "client_id", clientID)
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers env to every connected client and returns how many queues accepted it.
// Non-blocking: a full queue or a closing client is skipped.
func (h *Hub) Broadcast(env v1.Envelope) int {
	if h == nil {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.clients {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			delivered++
		default:
			h.log.Info("hub.broadcast.drop", "client_id", c.ID, "type", env.Type)
		}
	}
	return delivered
}

// BroadcastBotCommand sends a bot_command event to every connected client.
func (h *Hub) BroadcastBotCommand(command, username string) int {
	p, err := json.Marshal(v1.BotCommandPayload{Command: command, Username: username})
	if err != nil {
		h.log.Error("hub.broadcast.encode.fail", "err", err)
		return 0
	}

	n := h.Broadcast(newEnvelope(v1.TypeBotCommand, p, time.Now().UTC()))
	h.log.Info("hub.broadcast.bot_command", "command", command, "username", username, "delivered", n)
	return n
}
