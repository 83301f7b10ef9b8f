package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/browserpilot/controlplane/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

// SessionControl is the handler's view of per-session operations. The ws
// Service implements it.
type SessionControl interface {
	// TakeControl pauses the engine and flips the controller to human.
	TakeControl(sessionID string) error

	// ReleaseControl resumes the engine and flips the controller to agent.
	ReleaseControl(sessionID string) error

	// ResolveInteraction delivers a human answer for a pending request id.
	ResolveInteraction(sessionID, requestID, value string)

	// Snapshot reports the session's current status.
	Snapshot(sessionID string) protocol.StatusSnapshot
}

// Handler handles WebSocket connections for control-plane sessions.
type Handler struct {
	hubManager *HubManager
	control    SessionControl
	logger     *slog.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hubManager *HubManager, control SessionControl, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hubManager: hubManager,
		control:    control,
		logger:     logger,
	}
}

// HandleConnection handles a new WebSocket connection for a session.
// It upgrades the HTTP connection and manages bidirectional communication.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	hub := h.hubManager.GetOrCreate(sessionID)

	client := NewClient(hub, conn, sessionID)
	hub.Register(client)

	hub.SetOnMessage(func(c *Client, frame *protocol.Frame) {
		h.handleFrame(c, frame)
	})

	// Confirm the connection, then replay retained state so a late joiner
	// sees the same picture as everyone else.
	client.SendFrame(&protocol.Frame{
		Type:       protocol.EventConnectedAck,
		SessionID:  sessionID,
		Controller: hub.Controller(),
	})
	h.sendHistory(client, hub)

	go h.writePump(client)
	go h.readPump(client, hub)

	return nil
}

// sendHistory replays retained frames and the last live-view announcement.
func (h *Handler) sendHistory(client *Client, hub *Hub) {
	for _, frame := range hub.History() {
		client.Send(frame)
	}

	// The ring may have evicted the live-view frame; clients dedupe by URL,
	// so re-sending it is harmless.
	if url, active, ok := hub.LiveView(); ok {
		client.SendFrame(&protocol.Frame{
			Type:             protocol.EventLiveViewReady,
			SessionID:        hub.SessionID(),
			URL:              url,
			AutomationActive: active,
		})
	}
}

// handleFrame processes incoming frames from clients.
func (h *Handler) handleFrame(client *Client, frame *protocol.Frame) {
	sessionID := client.SessionID()

	switch frame.Type {
	case protocol.EventRequestStatus:
		snapshot := h.control.Snapshot(sessionID)
		client.SendFrame(&protocol.Frame{
			Type:      protocol.EventStatusSnapshot,
			SessionID: sessionID,
			ID:        frame.ID,
			Status:    &snapshot,
		})

	case protocol.EventTakeControl:
		if err := h.control.TakeControl(sessionID); err != nil {
			h.sendError(client, sessionID, err.Error())
		}

	case protocol.EventReleaseControl:
		if err := h.control.ReleaseControl(sessionID); err != nil {
			h.sendError(client, sessionID, err.Error())
		}

	case protocol.EventHumanResponse:
		h.control.ResolveInteraction(sessionID, frame.ID, frame.Value)

	default:
		h.logger.Warn("unknown frame type", "session", sessionID, "type", frame.Type)
	}
}

func (h *Handler) sendError(client *Client, sessionID, message string) {
	client.SendFrame(&protocol.Frame{
		Type:      protocol.EventError,
		SessionID: sessionID,
		Error:     message,
	})
}

// readPump pumps frames from the WebSocket connection to the hub.
func (h *Handler) readPump(client *Client, hub *Hub) {
	defer func() {
		hub.Unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "session", client.SessionID(), "err", err)
			}
			break
		}

		frame, err := protocol.Decode(message)
		if err != nil {
			// A malformed frame is dropped; it does not tear down the channel.
			h.logger.Warn("dropping malformed frame", "session", client.SessionID(), "err", err)
			continue
		}

		hub.HandleMessage(client, frame)
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				client.Conn().WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			// Each frame goes in its own WebSocket message so the peer can
			// decode them independently.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queuedMsg := <-client.SendChan()
				client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.Conn().WriteMessage(websocket.TextMessage, queuedMsg); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// GetUpgrader returns the WebSocket upgrader for custom configuration.
func GetUpgrader() *websocket.Upgrader {
	return &upgrader
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}
