// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/browserpilot/controlplane/internal/model"
	"github.com/browserpilot/controlplane/internal/session"
)

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionManager *session.Manager) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
	}
}

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// UpdateSessionRequest represents the request body for renaming a session.
type UpdateSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

// AddMessageRequest represents the request body for adding a message.
type AddMessageRequest struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID           string `json:"id"`
	OwnerID      string `json:"ownerId"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	MessageCount int    `json:"messageCount"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	return &SessionResponse{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		Title:        s.Title,
		Status:       string(s.Status),
		MessageCount: s.MessageCount,
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    s.UpdatedAt.Format(time.RFC3339),
	}
}

// getOwnerID extracts the owner ID from the request context.
// In a real deployment this comes from authentication middleware.
func getOwnerID(c *gin.Context) string {
	if ownerID, exists := c.Get("ownerID"); exists {
		if id, ok := ownerID.(string); ok {
			return id
		}
	}
	if header := c.GetHeader("X-Owner-ID"); header != "" {
		return header
	}
	// Default owner for development/testing
	return "default-owner"
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Create handles POST /api/sessions - creates a new session.
// Concurrent creations with the same owner and title share one session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	createReq := &model.CreateSessionRequest{
		Title:   req.Title,
		OwnerID: getOwnerID(c),
	}

	sess, err := h.sessionManager.Create(c.Request.Context(), createReq)
	if err != nil {
		if errors.Is(err, model.ErrOwnerRequired) {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		if errors.Is(err, model.ErrConcurrencyLimit) {
			sendError(c, http.StatusTooManyRequests, "LIMIT_EXCEEDED", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create session: "+err.Error())
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// List handles GET /api/sessions - lists all sessions for the owner.
func (h *SessionHandler) List(c *gin.Context) {
	ownerID := getOwnerID(c)

	sessions, err := h.sessionManager.List(c.Request.Context(), ownerID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		response[i] = toSessionResponse(sess)
	}

	c.JSON(http.StatusOK, response)
}

// getOwnedSession loads a session and verifies ownership, writing the error
// response itself when it fails.
func (h *SessionHandler) getOwnedSession(c *gin.Context) (*model.Session, bool) {
	sessionID := c.Param("id")
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Session ID is required")
		return nil, false
	}

	sess, err := h.sessionManager.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return nil, false
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return nil, false
	}

	if sess.OwnerID != getOwnerID(c) {
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Access to session denied")
		return nil, false
	}

	return sess, true
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, ok := h.getOwnedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Update handles PUT /api/sessions/:id - renames a session.
func (h *SessionHandler) Update(c *gin.Context) {
	sess, ok := h.getOwnedSession(c)
	if !ok {
		return
	}

	var req UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if err := h.sessionManager.UpdateTitle(c.Request.Context(), sess.ID, req.Title); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update session: "+err.Error())
		return
	}

	sess.Title = req.Title
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Delete handles DELETE /api/sessions/:id - deletes a session.
func (h *SessionHandler) Delete(c *gin.Context) {
	sess, ok := h.getOwnedSession(c)
	if !ok {
		return
	}

	if err := h.sessionManager.Delete(c.Request.Context(), sess.ID); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sess.ID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete session: "+err.Error())
		return
	}

	c.Status(http.StatusNoContent)
}

// AddMessage handles POST /api/sessions/:id/messages.
func (h *SessionHandler) AddMessage(c *gin.Context) {
	sess, ok := h.getOwnedSession(c)
	if !ok {
		return
	}

	var req AddMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	msg, err := h.sessionManager.AddMessage(c.Request.Context(), sess.ID, req.Role, req.Content)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to add message: "+err.Error())
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// ListMessages handles GET /api/sessions/:id/messages.
func (h *SessionHandler) ListMessages(c *gin.Context) {
	sess, ok := h.getOwnedSession(c)
	if !ok {
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := h.sessionManager.ListMessages(c.Request.Context(), sess.ID, limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list messages: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sess.ID,
		"messages":  messages,
		"count":     len(messages),
	})
}

// GetTranscript handles GET /api/sessions/:id/transcript - downloads the
// session event transcript.
func (h *SessionHandler) GetTranscript(c *gin.Context) {
	sess, ok := h.getOwnedSession(c)
	if !ok {
		return
	}

	if sess.TranscriptPath == "" {
		sendError(c, http.StatusNotFound, "TRANSCRIPT_NOT_FOUND", "Transcript not found for session "+sess.ID)
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", "attachment; filename="+sess.ID+".jsonl")
	c.File(sess.TranscriptPath)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.PUT("/:id", h.Update)
		sessions.DELETE("/:id", h.Delete)
		sessions.POST("/:id/messages", h.AddMessage)
		sessions.GET("/:id/messages", h.ListMessages)
		sessions.GET("/:id/transcript", h.GetTranscript)
	}
}
