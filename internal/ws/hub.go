// Package ws provides WebSocket connection handling and envelope routing
// for realtime dashboard domains.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pulseboard/realtime/pkg/protocol"
)

// Client represents a WebSocket client connection on one domain.
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	domain       string
	connectionID string
	userID       string
	send         chan []byte
	mu           sync.Mutex
	closed       bool
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn, domain, connectionID, userID string) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		domain:       domain,
		connectionID: connectionID,
		userID:       userID,
		send:         make(chan []byte, 256),
	}
}

// Send queues a frame to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// SendEnvelope marshals and queues an envelope for the client.
func (c *Client) SendEnvelope(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ConnectionID returns the server-assigned connection ID.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// UserID returns the authenticated user ID, if any.
func (c *Client) UserID() string {
	return c.userID
}

// Domain returns the domain this client is attached to.
func (c *Client) Domain() string {
	return c.domain
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub manages WebSocket client connections for one domain.
type Hub struct {
	domain  string
	clients map[*Client]bool
	mu      sync.RWMutex

	// Callbacks
	onEnvelope func(client *Client, env *protocol.Envelope)
	onEmpty    func()
}

// NewHub creates a new Hub for the given domain.
func NewHub(domain string) *Hub {
	return &Hub{
		domain:  domain,
		clients: make(map[*Client]bool),
	}
}

// Domain returns the domain for this hub.
func (h *Hub) Domain() string {
	return h.domain
}

// SetOnEnvelope sets the callback for incoming envelopes.
func (h *Hub) SetOnEnvelope(callback func(client *Client, env *protocol.Envelope)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEnvelope = callback
}

// SetOnEmpty sets the callback for when all clients disconnect.
func (h *Hub) SetOnEmpty(callback func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEmpty = callback
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	clientCount := len(h.clients)
	onEmpty := h.onEmpty
	h.mu.Unlock()

	client.Close()

	if clientCount == 0 && onEmpty != nil {
		onEmpty()
	}
}

// Broadcast sends a frame to all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.Send(data)
	}
}

// BroadcastExcept sends a frame to all connected clients except one.
// Used to relay session-scoped envelopes back to everyone but the sender.
func (h *Hub) BroadcastExcept(data []byte, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client == except {
			continue
		}
		client.Send(data)
	}
}

// BroadcastEnvelope marshals and sends an envelope to all connected clients.
func (h *Hub) BroadcastEnvelope(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasClients returns true if there are connected clients.
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// HandleEnvelope processes an incoming envelope from a client.
func (h *Hub) HandleEnvelope(client *Client, env *protocol.Envelope) {
	h.mu.RLock()
	callback := h.onEnvelope
	h.mu.RUnlock()

	if callback != nil {
		callback(client, env)
	}
}

// Close closes all client connections and the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// HubManager manages hubs for multiple domains.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.RWMutex
}

// NewHubManager creates a new HubManager.
func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

// GetOrCreate returns an existing hub or creates a new one for the domain.
func (m *HubManager) GetOrCreate(domain string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[domain]; ok {
		return hub
	}

	hub := NewHub(domain)
	m.hubs[domain] = hub
	return hub
}

// Get returns the hub for the domain, or nil if not found.
func (m *HubManager) Get(domain string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[domain]
}

// Remove removes the hub for the domain.
func (m *HubManager) Remove(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[domain]; ok {
		hub.Close()
		delete(m.hubs, domain)
	}
}

// Close closes all hubs.
func (m *HubManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hub := range m.hubs {
		hub.Close()
	}
	m.hubs = make(map[string]*Hub)
}
