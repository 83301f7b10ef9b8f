package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/browserpilot/controlplane/internal/model"
	"github.com/browserpilot/controlplane/internal/session"
	"github.com/browserpilot/controlplane/internal/ws"
)

// WebSocketHandler handles session channel upgrade requests.
type WebSocketHandler struct {
	wsHandler      *ws.Handler
	sessionManager *session.Manager
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, sessionManager *session.Manager) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler:      wsHandler,
		sessionManager: sessionManager,
	}
}

// HandleChannel handles GET /api/sessions/:id/channel - upgrades the
// request to the realtime session channel.
func (h *WebSocketHandler) HandleChannel(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Session ID is required")
		return
	}

	sess, err := h.sessionManager.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}

	if sess.OwnerID != getOwnerID(c) {
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Access to session denied")
		return
	}

	// The upgrade takes over the response; errors after this point are
	// reported on the socket, not via HTTP status.
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, sessionID); err != nil {
		return
	}
}

// RegisterRoutes registers the channel route on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/channel", h.HandleChannel)
}
