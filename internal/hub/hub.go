package hub

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proxyfleet/proxyfleet/internal/protocol"
)

const (
	maxMessageSize    = 64 * 1024
	firstFrameTimeout = 30 * time.Second
	authTimeout       = 5 * time.Second
	closeWriteTimeout = 5 * time.Second
)

// Registry is the slice of the agent store the hub needs for the handshake
// and for heartbeat persistence.
type Registry interface {
	VerifyToken(ctx context.Context, agentID, token string) (bool, error)
	RecordHeartbeat(ctx context.Context, hb *protocol.Heartbeat) (bool, error)
}

// Hub upgrades agent connections and runs their session state machines.
type Hub struct {
	registry Registry
	manager  *Manager
	upgrader websocket.Upgrader
}

func NewHub(registry Registry, manager *Manager) *Hub {
	return &Hub{
		registry: registry,
		manager:  manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are daemons, not browsers; no origin policy applies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Manager() *Manager { return h.manager }

// ServeAgent handles one agent WebSocket connection end to end:
// CONNECTING -> AWAITING_AUTH -> AUTHENTICATED -> CLOSED. Any policy
// violation closes the socket with 1008 and the session is never registered.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request) {
	token, tokenOK := bearerToken(r.Header.Get("Authorization"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := newSession(conn)
	defer h.teardown(sess)

	conn.SetReadLimit(maxMessageSize)

	if !tokenOK {
		h.closePolicy(sess, "missing or invalid authorization")
		return
	}

	sess.setState(StateAwaitingAuth)

	// The first frame must be a heartbeat naming the agent_id the token
	// belongs to.
	_ = conn.SetReadDeadline(time.Now().Add(firstFrameTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		slog.Warn("Connection dropped before first frame", "error", err, "remote", r.RemoteAddr)
		return
	}

	msg, err := protocol.ParseInbound(data)
	if err != nil {
		h.closePolicy(sess, "malformed first message")
		return
	}

	hb, ok := msg.(*protocol.Heartbeat)
	if !ok {
		h.closePolicy(sess, "expected heartbeat message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	valid, err := h.registry.VerifyToken(ctx, hb.AgentID, token)
	cancel()
	if err != nil {
		slog.Error("Token verification failed", "agent_id", hb.AgentID, "error", err)
		h.closePolicy(sess, "authentication unavailable")
		return
	}
	if !valid {
		h.closePolicy(sess, "invalid token")
		return
	}

	sess.agentID = hb.AgentID
	sess.setState(StateAuthenticated)
	h.manager.register(sess)

	h.recordHeartbeat(hb)

	if err := sess.send(protocol.NewConnected()); err != nil {
		slog.Warn("Failed to send connected ack", "agent_id", hb.AgentID, "error", err)
		return
	}

	slog.Info("Agent connected", "agent_id", hb.AgentID, "remote", r.RemoteAddr)

	// Steady state: heartbeats and command responses until the transport
	// fails. Liveness is derived from last_heartbeat by the sweep, never
	// from socket presence, so no read deadline is enforced here.
	_ = conn.SetReadDeadline(time.Time{})
	h.readLoop(sess)
}

func (h *Hub) readLoop(sess *Session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Agent connection error", "agent_id", sess.agentID, "error", err)
			} else {
				slog.Info("Agent disconnected", "agent_id", sess.agentID)
			}
			return
		}

		msg, err := protocol.ParseInbound(data)
		if err != nil {
			slog.Warn("Discarding malformed frame", "agent_id", sess.agentID, "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Heartbeat:
			h.recordHeartbeat(m)
		case *protocol.CommandResponse:
			slog.Info("Command response received",
				"agent_id", sess.agentID, "command", m.Command, "success", m.Success)
		case *protocol.Unknown:
			slog.Warn("Unknown action ignored", "agent_id", sess.agentID, "action", m.Action)
		}
	}
}

func (h *Hub) recordHeartbeat(hb *protocol.Heartbeat) {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	updated, err := h.registry.RecordHeartbeat(ctx, hb)
	if err != nil {
		slog.Error("Failed to record heartbeat", "agent_id", hb.AgentID, "error", err)
		return
	}
	if !updated {
		slog.Warn("Heartbeat for unknown agent", "agent_id", hb.AgentID)
		return
	}
	slog.Debug("Heartbeat recorded", "agent_id", hb.AgentID, "status", hb.Status)
}

// teardown removes the table entry only if it still points at this session,
// and never mutates the agent's stored status.
func (h *Hub) teardown(sess *Session) {
	if sess.State() == StateAuthenticated {
		if h.manager.remove(sess) {
			slog.Info("Agent connection cleaned up", "agent_id", sess.agentID)
		}
	}
	sess.setState(StateClosed)
	_ = sess.conn.Close()
}

func (h *Hub) closePolicy(sess *Session, reason string) {
	slog.Warn("Closing connection for policy violation", "reason", reason)
	data := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = sess.conn.WriteControl(websocket.CloseMessage, data, time.Now().Add(closeWriteTimeout))
}

func bearerToken(header string) (string, bool) {
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return token, token != ""
}
