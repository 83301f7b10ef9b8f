package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/browserpilot/controlplane/internal/model"
)

// Factory builds an engine for a session. The server wires a scripted engine
// by default; deployments point this at the real automation provider.
type Factory func(session *model.Session) AutomationEngine

// Instance is a running engine bound to one session.
type Instance struct {
	SessionID string
	Engine    AutomationEngine
	cancel    context.CancelFunc
}

// Stop terminates the instance's run.
func (i *Instance) Stop() error {
	err := i.Engine.Stop()
	i.cancel()
	return err
}

// Manager owns at most one engine instance per session.
type Manager struct {
	factory Factory

	mu      sync.RWMutex
	engines map[string]*Instance
}

// NewManager creates an engine manager.
func NewManager(factory Factory) *Manager {
	return &Manager{
		factory: factory,
		engines: make(map[string]*Instance),
	}
}

// Attach creates and starts an engine for the session. Attaching a session
// that already has an engine is a caller bug and fails.
func (m *Manager) Attach(ctx context.Context, session *model.Session, events Events) (*Instance, error) {
	m.mu.Lock()
	if _, exists := m.engines[session.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("engine already attached for session %s", session.ID)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &Instance{
		SessionID: session.ID,
		Engine:    m.factory(session),
		cancel:    cancel,
	}
	m.engines[session.ID] = inst
	m.mu.Unlock()

	if err := inst.Engine.Start(runCtx, events); err != nil {
		m.Remove(session.ID)
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	return inst, nil
}

// Get returns the engine instance for a session.
func (m *Manager) Get(sessionID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.engines[sessionID]
	return inst, ok
}

// Remove stops and detaches the engine for a session, if any.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	inst, ok := m.engines[sessionID]
	if ok {
		delete(m.engines, sessionID)
	}
	m.mu.Unlock()

	if ok {
		inst.Stop()
	}
}

// Close stops all engines.
func (m *Manager) Close() {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.engines))
	for _, inst := range m.engines {
		instances = append(instances, inst)
	}
	m.engines = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range instances {
		inst.Stop()
	}
}
