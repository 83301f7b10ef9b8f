// Package session manages automation session lifecycle: persistence,
// deduplicated creation, and channel attachment.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/browserpilot/controlplane/internal/inflight"
	"github.com/browserpilot/controlplane/internal/model"
	"github.com/browserpilot/controlplane/internal/repository"
)

// Attacher starts the realtime channel for a newly created session.
// The ws Service implements it.
type Attacher interface {
	AttachSession(ctx context.Context, session *model.Session) error
	DetachSession(sessionID string)
}

// Config holds configuration for the session manager.
type Config struct {
	TranscriptDir      string
	MaxSessionsPerUser int

	// CreateTTL and CreateSweepInterval bound the creation cache; zero
	// values use the inflight defaults (10s / 5s).
	CreateTTL           time.Duration
	CreateSweepInterval time.Duration
}

// Manager manages automation sessions.
type Manager struct {
	repo     *repository.SessionRepository
	attacher Attacher

	transcriptDir      string
	maxSessionsPerUser int

	// creating dedupes concurrent create calls: parallel callers with the
	// same owner+title share one backing session instead of creating
	// duplicates.
	creating *inflight.Cache[*model.Session]
}

// NewManager creates a new session manager.
func NewManager(repo *repository.SessionRepository, attacher Attacher, config Config) *Manager {
	if config.MaxSessionsPerUser == 0 {
		config.MaxSessionsPerUser = 10 // Default limit
	}

	return &Manager{
		repo:               repo,
		attacher:           attacher,
		transcriptDir:      config.TranscriptDir,
		maxSessionsPerUser: config.MaxSessionsPerUser,
		creating:           inflight.New[*model.Session](config.CreateTTL, config.CreateSweepInterval),
	}
}

// creationKey derives the dedup key for a create request. Owner and title
// are enough context to tell independent creations apart; callers needing a
// stronger key can salt the title.
func creationKey(req *model.CreateSessionRequest) string {
	return req.OwnerID + "\x00" + req.Title
}

// Create creates a new automation session, deduplicating concurrent calls
// with the same owner and title through the creation cache.
func (m *Manager) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return m.creating.GetOrCreate(creationKey(req), func() (*model.Session, error) {
		return m.create(ctx, req)
	})
}

func (m *Manager) create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	activeCount, err := m.repo.CountActiveByOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active sessions: %w", err)
	}

	if activeCount >= m.maxSessionsPerUser {
		return nil, fmt.Errorf("%w: maximum active sessions (%d) reached", model.ErrConcurrencyLimit, m.maxSessionsPerUser)
	}

	sessionID := uuid.New().String()

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		OwnerID:   req.OwnerID,
		Title:     req.Title,
		Status:    model.SessionStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if session.Title == "" {
		session.Title = fmt.Sprintf("Session %s", now.Format("2006-01-02 15:04"))
	}
	if m.transcriptDir != "" {
		session.TranscriptPath = filepath.Join(m.transcriptDir, fmt.Sprintf("%s.jsonl", sessionID))
	}

	if err := m.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	if m.attacher != nil {
		if err := m.attacher.AttachSession(ctx, session); err != nil {
			// Rollback: delete from database
			m.repo.Delete(ctx, sessionID)
			return nil, fmt.Errorf("failed to attach session channel: %w", err)
		}
	}

	return session, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	return m.repo.GetByID(ctx, id)
}

// List retrieves all sessions for an owner.
func (m *Manager) List(ctx context.Context, ownerID string) ([]*model.Session, error) {
	return m.repo.List(ctx, ownerID)
}

// UpdateTitle renames a session.
func (m *Manager) UpdateTitle(ctx context.Context, id, title string) error {
	return m.repo.UpdateTitle(ctx, id, title)
}

// UpdateStatus records a session status change.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	return m.repo.UpdateStatus(ctx, id, status)
}

// AddMessage appends a conversation record to a session.
func (m *Manager) AddMessage(ctx context.Context, sessionID, role, content string) (*model.Message, error) {
	exists, err := m.repo.Exists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, model.ErrSessionNotFound
	}

	msg := &model.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := m.repo.AddMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages retrieves a session's conversation records.
func (m *Manager) ListMessages(ctx context.Context, sessionID string, limit int) ([]*model.Message, error) {
	return m.repo.ListMessages(ctx, sessionID, limit)
}

// Delete tears down and removes a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m.attacher != nil {
		m.attacher.DetachSession(id)
	}

	return m.repo.Delete(ctx, id)
}

// GetActiveCount returns the number of running sessions for an owner.
func (m *Manager) GetActiveCount(ctx context.Context, ownerID string) (int, error) {
	return m.repo.CountActiveByOwner(ctx, ownerID)
}

// GetMaxSessionsPerUser returns the maximum allowed sessions per owner.
func (m *Manager) GetMaxSessionsPerUser() int {
	return m.maxSessionsPerUser
}

// Close releases manager resources.
func (m *Manager) Close() {
	m.creating.Close()
}
