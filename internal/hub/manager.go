// Package hub is the WebSocket control-plane endpoint: it authenticates
// agents against the registry, keeps the live agent_id to connection table,
// routes inbound frames and pushes commands.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/proxyfleet/proxyfleet/internal/protocol"
)

var ErrAgentNotConnected = errors.New("agent not connected")

// Conn is the subset of *websocket.Conn the hub uses. Narrowed to an
// interface so the connection table can be exercised without sockets.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// State of one agent session. Terminal CLOSED sessions are never resurrected.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one live agent connection. Writes from the read loop and from
// command push are serialized by the write mutex.
type Session struct {
	agentID string
	conn    Conn

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State
}

func newSession(conn Conn) *Session {
	return &Session{conn: conn, state: StateConnecting}
}

func (s *Session) AgentID() string { return s.agentID }

func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

func (s *Session) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Manager is the mutex-guarded agent_id to session table. A session appears
// here only after authentication and holds at most one entry per agent_id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// register installs sess for its agent_id, replacing any previous entry. The
// superseded connection is not closed here; its own read loop fails on the
// next frame and tears itself down.
func (m *Manager) register(sess *Session) {
	m.mu.Lock()
	_, replaced := m.sessions[sess.agentID]
	m.sessions[sess.agentID] = sess
	total := len(m.sessions)
	m.mu.Unlock()

	if replaced {
		slog.Warn("Agent already connected, replacing connection", "agent_id", sess.agentID)
	}
	slog.Info("Agent registered", "agent_id", sess.agentID, "total_connections", total)
}

// remove deletes the table entry for sess's agent_id only if it still points
// at sess, so a stale teardown cannot evict a newer replacement.
func (m *Manager) remove(sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[sess.agentID]
	if !ok || current != sess {
		return false
	}
	delete(m.sessions, sess.agentID)
	return true
}

// Get returns the live session for agentID, if any.
func (m *Manager) Get(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[agentID]
	return sess, ok
}

// IsConnected reports whether a live session exists for agentID.
func (m *Manager) IsConnected(agentID string) bool {
	_, ok := m.Get(agentID)
	return ok
}

// SendCommand pushes one command to a connected agent, fire-and-forget: no
// response future is created.
func (m *Manager) SendCommand(agentID string, cmd protocol.Command) error {
	sess, ok := m.Get(agentID)
	if !ok {
		return ErrAgentNotConnected
	}

	if err := sess.send(cmd); err != nil {
		slog.Error("Failed to push command", "agent_id", agentID, "action", cmd.Action, "error", err)
		return err
	}

	slog.Info("Command pushed", "agent_id", agentID, "action", cmd.Action)
	return nil
}

// CloseAgent force-closes and removes the session for agentID. Used by the
// delete path, which must not leave a live connection behind.
func (m *Manager) CloseAgent(agentID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[agentID]
	if ok {
		delete(m.sessions, agentID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	sess.setState(StateClosed)
	_ = sess.conn.Close()
	slog.Info("Agent connection force-closed", "agent_id", agentID)
	return true
}

// AgentIDs lists the agent ids with a live session.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll tears down every session. Called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.setState(StateClosed)
		_ = sess.conn.Close()
	}

	if len(sessions) > 0 {
		slog.Info("All agent connections closed", "count", len(sessions))
	}
}
