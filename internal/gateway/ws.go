package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dere-ai/dere/internal/agent"
	"github.com/dere-ai/dere/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 60 * time.Second
	wsWriteWait       = 10 * time.Second
)

// agentWS upgrades /agent/ws connections and binds each to at most one
// agent session.
type agentWS struct {
	agents   *agent.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func (s *Server) newAgentWS() http.Handler {
	return &agentWS{
		agents: s.agents,
		logger: s.logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// wsClientMsg is the client-to-server envelope.
type wsClientMsg struct {
	Type string `json:"type"`

	// new_session
	WorkingDir  string   `json:"working_dir,omitempty"`
	Personality string   `json:"personality,omitempty"`
	Medium      string   `json:"medium,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	AutoApprove bool     `json:"auto_approve,omitempty"`
	Sandbox     bool     `json:"sandbox,omitempty"`
	MaxAgeHours *float64 `json:"max_age_hours,omitempty"`

	// resume_session
	SessionID string `json:"session_id,omitempty"`
	LastSeq   uint64 `json:"last_seq,omitempty"`

	// query
	Prompt string `json:"prompt,omitempty"`

	// update_config
	NewPersonality *string `json:"personality_update,omitempty"`
	NewAutoApprove *bool   `json:"auto_approve_update,omitempty"`

	// permission_response
	RequestID   string `json:"request_id,omitempty"`
	Allowed     bool   `json:"allowed,omitempty"`
	DenyMessage string `json:"deny_message,omitempty"`
}

// wsServerMsg is the server-to-client envelope.
type wsServerMsg struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type wsConn struct {
	ws     *agentWS
	conn   *websocket.Conn
	send   chan wsServerMsg
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessionID string
}

func (h *agentWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		ws:     h,
		conn:   conn,
		send:   make(chan wsServerMsg, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.writeLoop()
	c.readLoop()
	cancel()
	_ = conn.Close() //nolint:errcheck
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are recoverable; the connection stays open.
			c.sendError("invalid message: "+err.Error(), true)
			continue
		}
		if closing := c.dispatch(&msg); closing {
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteJSON(msg); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) push(msg wsServerMsg) {
	msg.Timestamp = time.Now()
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
	}
}

func (c *wsConn) sendError(message string, recoverable bool) {
	c.push(wsServerMsg{
		Type: string(models.EventError),
		Data: models.ErrorPayload{Message: message, Recoverable: recoverable},
	})
}

func (c *wsConn) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *wsConn) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// dispatch handles one client envelope. It returns true when the
// connection should close.
func (c *wsConn) dispatch(msg *wsClientMsg) bool {
	switch msg.Type {
	case "new_session":
		c.handleNewSession(msg)
	case "resume_session":
		c.handleResumeSession(msg)
	case "query":
		c.handleQuery(msg)
	case "update_config":
		c.handleUpdateConfig(msg)
	case "cancel":
		c.handleCancel()
	case "permission_response":
		c.handlePermissionResponse(msg)
	case "ping":
		c.push(wsServerMsg{Type: "pong"})
	case "close":
		c.handleClose()
		return true
	default:
		c.sendError("unknown message type "+msg.Type, true)
	}
	return false
}

func (c *wsConn) handleNewSession(msg *wsClientMsg) {
	if msg.WorkingDir == "" {
		c.sendError("working_dir is required", true)
		return
	}
	medium := models.Medium(msg.Medium)
	if medium == "" {
		medium = models.MediumAgentAPI
	}
	sess, resumed, err := c.ws.agents.OpenSession(c.ctx, agent.SessionConfig{
		WorkingDir:  msg.WorkingDir,
		Personality: msg.Personality,
		Medium:      medium,
		UserID:      msg.UserID,
		AutoApprove: msg.AutoApprove,
		Sandbox:     msg.Sandbox,
		MaxAgeHours: msg.MaxAgeHours,
	})
	if err != nil {
		c.sendError("open session: "+err.Error(), true)
		return
	}
	c.setSession(sess.ID)
	c.push(wsServerMsg{
		Type: string(models.EventSessionReady),
		Data: map[string]any{"session_id": sess.ID, "resumed": resumed},
	})
}

func (c *wsConn) handleResumeSession(msg *wsClientMsg) {
	if msg.SessionID == "" {
		c.sendError("session_id is required", true)
		return
	}
	// Replay everything the client missed since last_seq, in order, then
	// keep streaming the in-flight query on this connection.
	events, live, err := c.ws.agents.Attach(msg.SessionID, msg.LastSeq)
	if err != nil {
		c.sendError("resume session: "+err.Error(), true)
		return
	}
	c.setSession(msg.SessionID)
	c.push(wsServerMsg{
		Type: string(models.EventSessionReady),
		Data: map[string]any{"session_id": msg.SessionID, "resumed": true, "replayed": len(events)},
	})
	for _, ev := range events {
		c.pushEvent(ev)
	}
	if live != nil {
		go func() {
			for ev := range live {
				c.pushEvent(ev)
			}
		}()
	}
}

func (c *wsConn) handleQuery(msg *wsClientMsg) {
	sessionID := c.currentSession()
	if sessionID == "" {
		c.sendError("no session bound; send new_session or resume_session first", true)
		return
	}
	if msg.Prompt == "" {
		c.sendError("prompt is required", true)
		return
	}
	events, err := c.ws.agents.Query(c.ctx, sessionID, msg.Prompt)
	if err != nil {
		// A locked session yields exactly one recoverable error event.
		c.sendError("query: "+err.Error(), true)
		return
	}
	go func() {
		for ev := range events {
			c.pushEvent(ev)
		}
	}()
}

func (c *wsConn) pushEvent(ev models.AgentEvent) {
	c.push(wsServerMsg{
		Type: string(ev.Type),
		Data: ev,
		Seq:  ev.Sequence,
	})
}

func (c *wsConn) handleUpdateConfig(msg *wsClientMsg) {
	sessionID := c.currentSession()
	if sessionID == "" {
		c.sendError("no session bound", true)
		return
	}
	if err := c.ws.agents.UpdateConfig(sessionID, msg.NewPersonality, msg.NewAutoApprove); err != nil {
		c.sendError("update config: "+err.Error(), true)
	}
}

func (c *wsConn) handleCancel() {
	sessionID := c.currentSession()
	if sessionID == "" {
		c.sendError("no session bound", true)
		return
	}
	if err := c.ws.agents.CancelQuery(sessionID); err != nil {
		c.sendError("cancel: "+err.Error(), true)
	}
}

func (c *wsConn) handlePermissionResponse(msg *wsClientMsg) {
	if msg.RequestID == "" {
		c.sendError("request_id is required", true)
		return
	}
	err := c.ws.agents.ResolvePermission(msg.RequestID, msg.Allowed, msg.DenyMessage)
	if err != nil && !errors.Is(err, agent.ErrUnknownPermission) {
		c.sendError("permission response: "+err.Error(), true)
	}
}

// handleClose ends the bound session; the client asked for a full close,
// not just a disconnect.
func (c *wsConn) handleClose() {
	sessionID := c.currentSession()
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.ws.agents.CloseSession(ctx, sessionID); err != nil && !errors.Is(err, agent.ErrSessionNotFound) {
		c.ws.logger.Warn("ws session close failed", "session_id", sessionID, "error", err)
	}
}
