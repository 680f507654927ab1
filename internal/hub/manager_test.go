package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyfleet/proxyfleet/internal/protocol"
)

// fakeConn satisfies Conn and records writes.
type fakeConn struct {
	written  []any
	closed   bool
	writeErr error
}

func (c *fakeConn) ReadMessage() (int, []byte, error) { select {} }

func (c *fakeConn) WriteJSON(v any) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(limit int64)          {}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func authedSession(agentID string, conn Conn) *Session {
	sess := newSession(conn)
	sess.agentID = agentID
	sess.setState(StateAuthenticated)
	return sess
}

func TestManager_RegisterAndGet(t *testing.T) {
	m := NewManager()

	sess := authedSession("a1", &fakeConn{})
	m.register(sess)

	got, ok := m.Get("a1")
	require.True(t, ok)
	assert.Equal(t, sess, got)
	assert.True(t, m.IsConnected("a1"))
	assert.Equal(t, 1, m.Count())
}

func TestManager_RegisterReplacesExisting(t *testing.T) {
	m := NewManager()

	first := authedSession("a1", &fakeConn{})
	second := authedSession("a1", &fakeConn{})
	m.register(first)
	m.register(second)

	got, ok := m.Get("a1")
	require.True(t, ok)
	assert.Equal(t, second, got)
	assert.Equal(t, 1, m.Count())

	// The superseded connection is not closed by the hub.
	assert.False(t, first.conn.(*fakeConn).closed)
}

func TestManager_RemoveGuardsAgainstStaleSession(t *testing.T) {
	m := NewManager()

	first := authedSession("a1", &fakeConn{})
	second := authedSession("a1", &fakeConn{})
	m.register(first)
	m.register(second)

	// The replaced session's teardown must not evict the replacement.
	assert.False(t, m.remove(first))
	assert.True(t, m.IsConnected("a1"))

	assert.True(t, m.remove(second))
	assert.False(t, m.IsConnected("a1"))
}

func TestManager_RemoveUnknown(t *testing.T) {
	m := NewManager()
	assert.False(t, m.remove(authedSession("ghost", &fakeConn{})))
}

func TestManager_SendCommand(t *testing.T) {
	m := NewManager()
	conn := &fakeConn{}
	m.register(authedSession("a1", conn))

	cmd := protocol.Command{Action: protocol.ActionRestartProxy}
	require.NoError(t, m.SendCommand("a1", cmd))

	require.Len(t, conn.written, 1)
	data, err := json.Marshal(conn.written[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"restart_proxy"}`, string(data))
}

func TestManager_SendCommandNotConnected(t *testing.T) {
	m := NewManager()

	err := m.SendCommand("a1", protocol.Command{Action: protocol.ActionEnableProxy})
	assert.ErrorIs(t, err, ErrAgentNotConnected)
}

func TestManager_SendCommandWriteError(t *testing.T) {
	m := NewManager()
	conn := &fakeConn{writeErr: assert.AnError}
	m.register(authedSession("a1", conn))

	err := m.SendCommand("a1", protocol.Command{Action: protocol.ActionEnableProxy})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAgentNotConnected)
}

func TestManager_CloseAgent(t *testing.T) {
	m := NewManager()
	conn := &fakeConn{}
	sess := authedSession("a1", conn)
	m.register(sess)

	assert.True(t, m.CloseAgent("a1"))
	assert.True(t, conn.closed)
	assert.Equal(t, StateClosed, sess.State())
	assert.False(t, m.IsConnected("a1"))

	assert.False(t, m.CloseAgent("a1"))
}

func TestManager_CloseAll(t *testing.T) {
	m := NewManager()
	conns := []*fakeConn{{}, {}, {}}
	for i, c := range conns {
		m.register(authedSession(string(rune('a'+i)), c))
	}

	m.CloseAll()

	assert.Equal(t, 0, m.Count())
	for _, c := range conns {
		assert.True(t, c.closed)
	}
}

func TestManager_AgentIDs(t *testing.T) {
	m := NewManager()
	m.register(authedSession("a1", &fakeConn{}))
	m.register(authedSession("a2", &fakeConn{}))

	ids := m.AgentIDs()
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "a1")
	assert.Contains(t, ids, "a2")
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "awaiting_auth", StateAwaitingAuth.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "closed", StateClosed.String())
}
