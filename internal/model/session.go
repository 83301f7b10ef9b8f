package model

import "time"

// SessionStatus represents the status of an automation session.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Session represents one logical automation run. The id is opaque and never
// reused after the run ends; a new run gets a new id from the orchestrator.
type Session struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"ownerId"`
	Title          string        `json:"title"`
	Status         SessionStatus `json:"status"`
	MessageCount   int           `json:"messageCount"`
	TranscriptPath string        `json:"transcriptPath,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// Message represents a single conversation record attached to a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	Title   string `json:"title"`
	OwnerID string `json:"-"`
}

// Validate validates the create session request.
func (r *CreateSessionRequest) Validate() error {
	if r.OwnerID == "" {
		return ErrOwnerRequired
	}
	return nil
}
