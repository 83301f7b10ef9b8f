package controlplane

import (
	"sync"
)

// Manager owns at most one live connection per session id. Opening a session
// whose connection is still Connecting or Open returns the existing handle,
// so rapid repeated opens never produce duplicate channels.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates a connection manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg.withDefaults(),
		conns: make(map[string]*Conn),
	}
}

// Open returns the connection for the session, creating and dialing one if
// no live connection exists.
func (m *Manager) Open(sessionID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.conns[sessionID]; ok {
		switch conn.State() {
		case StateConnecting, StateOpen:
			return conn
		}
	}

	conn := newConn(m.cfg, sessionID)
	m.conns[sessionID] = conn
	conn.start()
	return conn
}

// Get returns the connection for the session, or nil.
func (m *Manager) Get(sessionID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[sessionID]
}

// Close tears down the session's connection, if any.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	conn, ok := m.conns[sessionID]
	if ok {
		delete(m.conns, sessionID)
	}
	m.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// CloseAll tears down every connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
