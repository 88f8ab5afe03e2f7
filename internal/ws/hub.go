package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub tracks connected websocket clients per session.
type Hub struct {
	opener   Opener
	clients  map[*Client]bool
	sessions map[string]map[*Client]bool // session -> clients
	closed   bool
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewHub creates a new Hub opening streams through opener.
func NewHub(opener Opener, logger *zap.Logger) *Hub {
	return &Hub{
		opener:   opener,
		clients:  make(map[*Client]bool),
		sessions: make(map[string]map[*Client]bool),
		logger:   logger,
	}
}

// Run waits for ctx and then disconnects every client. Call this in a
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.logger.Info("hub shutting down")
	h.shutdown()
}

// register adds a client. It fails after shutdown.
func (h *Hub) register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[client] = true
	if h.sessions[client.sessionKey] == nil {
		h.sessions[client.sessionKey] = make(map[*Client]bool)
	}
	h.sessions[client.sessionKey][client] = true

	h.logger.Debug("client registered",
		zap.String("session", client.sessionKey),
		zap.String("connID", client.connID),
	)
	return true
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if clients, ok := h.sessions[client.sessionKey]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessions, client.sessionKey)
		}
	}

	h.logger.Debug("client unregistered",
		zap.String("session", client.sessionKey),
		zap.String("connID", client.connID),
	)
}

// shutdown cancels every client stream. Each client closes its own
// connection once its stream has ended.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for client := range h.clients {
		client.cancel()
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionClients returns the number of clients attached to sessionKey.
func (h *Hub) SessionClients(sessionKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionKey])
}
