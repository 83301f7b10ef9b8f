package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/browserpilot/controlplane/internal/correlate"
	"github.com/browserpilot/controlplane/internal/engine"
	"github.com/browserpilot/controlplane/internal/model"
	"github.com/browserpilot/controlplane/internal/protocol"
	"github.com/browserpilot/controlplane/internal/transcript"
)

// Service connects session hubs to automation engines. It relays engine
// events to subscribed clients, correlates engine interaction requests with
// human responses, and arbitrates control handoff.
type Service struct {
	hubManager    *HubManager
	engineManager *engine.Manager
	handler       *Handler
	logger        *slog.Logger

	// Session status callback
	onStatusChange func(sessionID string, status model.SessionStatus)

	mu          sync.RWMutex
	correlators map[string]*correlate.Correlator
	recorders   map[string]*transcript.Recorder
}

// NewService creates a new WebSocket service.
func NewService(engineManager *engine.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		hubManager:    NewHubManager(),
		engineManager: engineManager,
		logger:        logger,
		correlators:   make(map[string]*correlate.Correlator),
		recorders:     make(map[string]*transcript.Recorder),
	}
	s.handler = NewHandler(s.hubManager, s, logger)
	return s
}

// SetOnStatusChange sets the callback for session status changes.
func (s *Service) SetOnStatusChange(callback func(sessionID string, status model.SessionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatusChange = callback
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// HubManager returns the hub manager.
func (s *Service) HubManager() *HubManager {
	return s.hubManager
}

// AttachSession starts the session's engine and wires its events into the
// session hub. The hub exists even before any client connects, so events
// emitted early are retained for replay.
func (s *Service) AttachSession(ctx context.Context, session *model.Session) error {
	sessionID := session.ID
	hub := s.hubManager.GetOrCreate(sessionID)
	corr := correlate.New()

	s.mu.Lock()
	s.correlators[sessionID] = corr
	s.mu.Unlock()

	if session.TranscriptPath != "" {
		recorder, err := transcript.NewRecorder(session.TranscriptPath, sessionID)
		if err != nil {
			s.logger.Warn("transcript disabled for session", "session", sessionID, "err", err)
		} else {
			s.mu.Lock()
			s.recorders[sessionID] = recorder
			s.mu.Unlock()
			hub.SetOnBroadcast(func(data []byte) {
				recorder.Record("broadcast", data)
			})
		}
	}

	events := engine.Events{
		OnStatus: func(snapshot protocol.StatusSnapshot) {
			hub.BroadcastFrame(&protocol.Frame{
				Type:      protocol.EventStatusSnapshot,
				SessionID: sessionID,
				Status:    &snapshot,
			})
		},
		OnLiveViewReady: func(url string, automationActive bool) {
			hub.SetLiveView(url, automationActive)
		},
		RequestInput: func(ctx context.Context, kind string, payload json.RawMessage, timeout time.Duration) (string, error) {
			return s.requestInput(ctx, sessionID, kind, payload, timeout)
		},
		OnFinished: func(err error) {
			s.handleEngineFinished(sessionID, err)
		},
	}

	if _, err := s.engineManager.Attach(ctx, session, events); err != nil {
		s.DetachSession(sessionID)
		return fmt.Errorf("failed to attach engine: %w", err)
	}

	return nil
}

// requestInput broadcasts an interaction request and blocks on the
// correlated human response.
func (s *Service) requestInput(ctx context.Context, sessionID, kind string, payload json.RawMessage, timeout time.Duration) (string, error) {
	s.mu.RLock()
	corr := s.correlators[sessionID]
	s.mu.RUnlock()
	if corr == nil {
		return "", fmt.Errorf("session %s has no active channel", sessionID)
	}

	hub := s.hubManager.Get(sessionID)
	if hub == nil {
		return "", fmt.Errorf("session %s has no active channel", sessionID)
	}

	id := correlate.NewID()
	ch := corr.Register(id, timeout)

	hub.BroadcastFrame(&protocol.Frame{
		Type:      protocol.EventInteractionRequest,
		SessionID: sessionID,
		ID:        id,
		Kind:      kind,
		Payload:   payload,
	})

	select {
	case <-ctx.Done():
		corr.Cancel(id)
		return "", ctx.Err()
	case resp := <-ch:
		switch resp.Disposition {
		case correlate.DispositionAnswered:
			var value string
			if err := json.Unmarshal(resp.Value, &value); err != nil {
				return string(resp.Value), nil
			}
			return value, nil
		case correlate.DispositionTimedOut:
			return "", fmt.Errorf("interaction request %s timed out", id)
		default:
			return "", fmt.Errorf("interaction request %s cancelled: connection lost", id)
		}
	}
}

// handleEngineFinished handles the end of an automation run.
func (s *Service) handleEngineFinished(sessionID string, err error) {
	status := model.SessionStatusCompleted
	if err != nil && err != context.Canceled {
		status = model.SessionStatusFailed
		s.logger.Warn("session failed", "session", sessionID, "err", err)
	} else {
		s.logger.Info("session finished", "session", sessionID)
	}

	// Outstanding interaction requests can never be answered now.
	s.mu.RLock()
	corr := s.correlators[sessionID]
	callback := s.onStatusChange
	s.mu.RUnlock()
	if corr != nil {
		corr.CancelAll()
	}

	if hub := s.hubManager.Get(sessionID); hub != nil {
		snapshot := s.Snapshot(sessionID)
		snapshot.State = string(status)
		hub.BroadcastFrame(&protocol.Frame{
			Type:      protocol.EventStatusSnapshot,
			SessionID: sessionID,
			Status:    &snapshot,
		})
	}

	if callback != nil {
		callback(sessionID, status)
	}
}

// TakeControl pauses the engine and flips the session controller to human.
// It fails when the session has no running engine; the controller state is
// left unchanged in that case.
func (s *Service) TakeControl(sessionID string) error {
	inst, ok := s.engineManager.Get(sessionID)
	if !ok {
		return model.ErrSessionNotRunning
	}

	if err := inst.Engine.Pause(); err != nil {
		return fmt.Errorf("failed to pause engine: %w", err)
	}

	if hub := s.hubManager.Get(sessionID); hub != nil {
		hub.SetController(protocol.ControllerHuman)
	}
	s.logger.Info("control taken", "session", sessionID)
	return nil
}

// ReleaseControl resumes the engine and flips the controller back to agent.
func (s *Service) ReleaseControl(sessionID string) error {
	inst, ok := s.engineManager.Get(sessionID)
	if !ok {
		return model.ErrSessionNotRunning
	}

	if err := inst.Engine.Resume(); err != nil {
		return fmt.Errorf("failed to resume engine: %w", err)
	}

	if hub := s.hubManager.Get(sessionID); hub != nil {
		hub.SetController(protocol.ControllerAgent)
	}
	s.logger.Info("control released", "session", sessionID)
	return nil
}

// ResolveInteraction delivers a human answer for a pending request. An
// unknown id (late or duplicate response) is ignored.
func (s *Service) ResolveInteraction(sessionID, requestID, value string) {
	s.mu.RLock()
	corr := s.correlators[sessionID]
	s.mu.RUnlock()
	if corr == nil {
		return
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return
	}
	if !corr.Resolve(requestID, encoded) {
		s.logger.Debug("ignoring response for unknown request", "session", sessionID, "id", requestID)
	}
}

// Snapshot reports the session's current status.
func (s *Service) Snapshot(sessionID string) protocol.StatusSnapshot {
	if inst, ok := s.engineManager.Get(sessionID); ok {
		return inst.Engine.Status()
	}

	snapshot := protocol.StatusSnapshot{
		State:      "idle",
		Controller: protocol.ControllerAgent,
	}
	if hub := s.hubManager.Get(sessionID); hub != nil {
		snapshot.Controller = hub.Controller()
		if url, _, ok := hub.LiveView(); ok {
			snapshot.LiveViewURL = url
			snapshot.BrowserConnected = true
		}
	}
	return snapshot
}

// DetachSession tears down the session's channel: the engine is stopped,
// pending interactions resolve as cancelled, and all clients are closed.
func (s *Service) DetachSession(sessionID string) {
	s.engineManager.Remove(sessionID)

	s.mu.Lock()
	corr := s.correlators[sessionID]
	delete(s.correlators, sessionID)
	recorder := s.recorders[sessionID]
	delete(s.recorders, sessionID)
	s.mu.Unlock()

	if corr != nil {
		corr.CancelAll()
	}
	if recorder != nil {
		recorder.Close()
	}

	s.hubManager.Remove(sessionID)
}

// GetSessionClientCount returns the number of connected clients for a session.
func (s *Service) GetSessionClientCount(sessionID string) int {
	hub := s.hubManager.Get(sessionID)
	if hub == nil {
		return 0
	}
	return hub.ClientCount()
}

// IsSessionConnected returns true if any client is connected to the session.
func (s *Service) IsSessionConnected(sessionID string) bool {
	return s.GetSessionClientCount(sessionID) > 0
}

// Close closes all WebSocket connections and cleans up resources.
func (s *Service) Close() {
	s.mu.Lock()
	correlators := s.correlators
	recorders := s.recorders
	s.correlators = make(map[string]*correlate.Correlator)
	s.recorders = make(map[string]*transcript.Recorder)
	s.mu.Unlock()

	for _, corr := range correlators {
		corr.CancelAll()
	}
	for _, recorder := range recorders {
		recorder.Close()
	}

	s.hubManager.Close()
}
