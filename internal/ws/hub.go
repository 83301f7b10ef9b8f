package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/browserpilot/controlplane/internal/buffer"
	"github.com/browserpilot/controlplane/internal/protocol"
)

// defaultHistoryFrames is how many recent frames a hub retains for replay.
const defaultHistoryFrames = 64

// Client represents a WebSocket client connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	mu        sync.Mutex
	closed    bool
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn, sessionID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
	}
}

// Send queues a message to be sent to the client.
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

// SendFrame serializes a frame and queues it for the client.
func (c *Client) SendFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
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

// SessionID returns the session ID associated with this client.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub manages the control-plane state shared by all clients of a session:
// the client set, the current controller, the last known live-view URL, and
// a ring of recent frames for replay to late joiners.
type Hub struct {
	sessionID string
	clients   map[*Client]bool
	history   *buffer.FrameRing

	controller   protocol.Controller
	liveViewURL  string
	liveViewAuto bool

	mu sync.RWMutex

	// Callbacks
	onMessage   func(client *Client, frame *protocol.Frame)
	onBroadcast func(data []byte)
	onClose     func()
}

// NewHub creates a new Hub for the given session. The controller starts as
// the agent.
func NewHub(sessionID string) *Hub {
	return &Hub{
		sessionID:  sessionID,
		clients:    make(map[*Client]bool),
		history:    buffer.NewFrameRing(defaultHistoryFrames),
		controller: protocol.ControllerAgent,
	}
}

// SessionID returns the session ID for this hub.
func (h *Hub) SessionID() string {
	return h.sessionID
}

// SetOnMessage sets the callback for incoming frames.
func (h *Hub) SetOnMessage(callback func(client *Client, frame *protocol.Frame)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = callback
}

// SetOnBroadcast sets a callback observing every broadcast frame. Used by the
// service to record session transcripts.
func (h *Hub) SetOnBroadcast(callback func(data []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onBroadcast = callback
}

// SetOnClose sets the callback for when all clients disconnect.
func (h *Hub) SetOnClose(callback func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = callback
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
	onClose := h.onClose
	h.mu.Unlock()

	client.Close()

	// Call onClose callback if no clients remain
	if clientCount == 0 && onClose != nil {
		onClose()
	}
}

// Broadcast sends raw data to all connected clients and appends it to the
// replay history.
func (h *Hub) Broadcast(data []byte) {
	h.history.Append(data)

	h.mu.RLock()
	onBroadcast := h.onBroadcast
	for client := range h.clients {
		client.Send(data)
	}
	h.mu.RUnlock()

	if onBroadcast != nil {
		onBroadcast(data)
	}
}

// BroadcastFrame sends a frame to all connected clients.
func (h *Hub) BroadcastFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// Controller returns the current controller for the session.
func (h *Hub) Controller() protocol.Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

// SetController records the controller and broadcasts the transition to all
// subscribers. A transition to the current controller still re-broadcasts.
func (h *Hub) SetController(c protocol.Controller) {
	h.mu.Lock()
	h.controller = c
	h.mu.Unlock()

	eventType := protocol.EventControlReleased
	if c == protocol.ControllerHuman {
		eventType = protocol.EventControlTaken
	}
	h.BroadcastFrame(&protocol.Frame{
		Type:       eventType,
		SessionID:  h.sessionID,
		Controller: c,
	})
}

// SetLiveView records the live-view URL and broadcasts readiness exactly once
// per distinct URL value. Redundant announcements of the same URL are
// swallowed to avoid client churn.
func (h *Hub) SetLiveView(url string, automationActive bool) {
	h.mu.Lock()
	if url == h.liveViewURL {
		h.mu.Unlock()
		return
	}
	h.liveViewURL = url
	h.liveViewAuto = automationActive
	h.mu.Unlock()

	h.BroadcastFrame(&protocol.Frame{
		Type:             protocol.EventLiveViewReady,
		SessionID:        h.sessionID,
		URL:              url,
		AutomationActive: automationActive,
	})
}

// LiveView returns the last announced live-view URL, if any.
func (h *Hub) LiveView() (url string, automationActive bool, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.liveViewURL, h.liveViewAuto, h.liveViewURL != ""
}

// History returns the retained frames, oldest first.
func (h *Hub) History() [][]byte {
	return h.history.Snapshot()
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

// HandleMessage processes an incoming frame from a client.
func (h *Hub) HandleMessage(client *Client, frame *protocol.Frame) {
	h.mu.RLock()
	callback := h.onMessage
	h.mu.RUnlock()

	if callback != nil {
		callback(client, frame)
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

// HubManager manages multiple hubs for different sessions.
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

// GetOrCreate returns an existing hub or creates a new one for the session.
func (m *HubManager) GetOrCreate(sessionID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[sessionID]; ok {
		return hub
	}

	hub := NewHub(sessionID)
	m.hubs[sessionID] = hub
	return hub
}

// Get returns the hub for the session, or nil if not found.
func (m *HubManager) Get(sessionID string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[sessionID]
}

// Remove removes the hub for the session.
func (m *HubManager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[sessionID]; ok {
		hub.Close()
		delete(m.hubs, sessionID)
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
