package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/gorilla/websocket"

	"github.com/dere-ai/dere/internal/agent"
	"github.com/dere-ai/dere/internal/config"
	"github.com/dere-ai/dere/internal/curiosity"
	"github.com/dere-ai/dere/internal/notify"
	"github.com/dere-ai/dere/internal/presence"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	cfg := config.Default()
	agents := agent.NewService(store, cfg.Agent, cfg.LLM, anthropic.Client{}, nil)
	registry := presence.NewRegistry(store.Presence, nil, presence.DefaultStaleWindow)
	queue := notify.NewQueue(store.Notifications, nil)
	collector := curiosity.NewCollector(store.Tasks, nil, nil)

	srv := NewServer(cfg.Daemon, store, agents, registry, queue, collector, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestFindOrCreateRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	var first struct {
		SessionID string `json:"session_id"`
		Resumed   bool   `json:"resumed"`
	}
	resp := postJSON(t, ts.URL+"/sessions/find_or_create", map[string]any{
		"working_dir": "/home/u/project", "medium": "cli", "user_id": "u1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	decode(t, resp, &first)
	if first.SessionID == "" || first.Resumed {
		t.Fatalf("first = %+v", first)
	}

	var second struct {
		SessionID string `json:"session_id"`
		Resumed   bool   `json:"resumed"`
	}
	decode(t, postJSON(t, ts.URL+"/sessions/find_or_create", map[string]any{
		"working_dir": "/home/u/project", "medium": "cli", "user_id": "u1",
	}), &second)
	if second.SessionID != first.SessionID || !second.Resumed {
		t.Fatalf("second = %+v, want resume of %s", second, first.SessionID)
	}
}

func TestFindOrCreateValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/sessions/find_or_create", map[string]any{"medium": "cli"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMessageAndHistory(t *testing.T) {
	ts, _ := newTestServer(t)

	var created struct {
		SessionID string `json:"session_id"`
	}
	decode(t, postJSON(t, ts.URL+"/sessions/find_or_create", map[string]any{
		"working_dir": "/w", "medium": "cli", "user_id": "u1",
	}), &created)

	var posted struct {
		MessageID string `json:"message_id"`
	}
	decode(t, postJSON(t, ts.URL+"/sessions/"+created.SessionID+"/message", map[string]any{
		"message": "hello there", "role": "user",
	}), &posted)
	if posted.MessageID == "" {
		t.Fatal("message_id missing")
	}

	resp, err := http.Get(ts.URL + "/sessions/" + created.SessionID + "/history?limit=10")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	var history struct {
		Messages []models.Conversation `json:"messages"`
	}
	decode(t, resp, &history)
	if len(history.Messages) != 1 || history.Messages[0].Prompt != "hello there" {
		t.Fatalf("history = %+v", history.Messages)
	}

	resp, err = http.Get(ts.URL + "/sessions/" + created.SessionID + "/last_message_time")
	if err != nil {
		t.Fatalf("GET last_message_time: %v", err)
	}
	var last struct {
		LastMessageTime *int64 `json:"last_message_time"`
	}
	decode(t, resp, &last)
	if last.LastMessageTime == nil {
		t.Fatal("last_message_time missing after a message")
	}
}

func TestNameSession(t *testing.T) {
	ts, store := newTestServer(t)

	var created struct {
		SessionID string `json:"session_id"`
	}
	decode(t, postJSON(t, ts.URL+"/sessions/find_or_create", map[string]any{
		"working_dir": "/w", "medium": "cli", "user_id": "u1",
	}), &created)

	resp := postJSON(t, ts.URL+"/sessions/"+created.SessionID+"/name", map[string]any{
		"name": "kitchen renovation",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	row, err := store.Sessions.Get(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Name != "kitchen renovation" {
		t.Fatalf("name = %q", row.Name)
	}

	resp = postJSON(t, ts.URL+"/sessions/"+created.SessionID+"/name", map[string]any{"name": "  "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank name status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/sessions/nope/name", map[string]any{"name": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestMessageUnknownSessionIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/sessions/nope/message", map[string]any{"message": "hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPresenceLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/presence/register", map[string]any{
		"medium": "discord", "user_id": "u1",
		"available_channels": []map[string]string{{"id": "dm", "type": "dm"}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	get, err := http.Get(ts.URL + "/presence/available?user_id=u1")
	if err != nil {
		t.Fatalf("GET available: %v", err)
	}
	var avail struct {
		Mediums []models.Medium `json:"mediums"`
	}
	decode(t, get, &avail)
	if len(avail.Mediums) != 1 || avail.Mediums[0] != models.MediumDiscord {
		t.Fatalf("mediums = %v", avail.Mediums)
	}

	resp = postJSON(t, ts.URL+"/presence/unregister", map[string]any{
		"medium": "discord", "user_id": "u1",
	})
	resp.Body.Close()

	get, _ = http.Get(ts.URL + "/presence/available?user_id=u1")
	decode(t, get, &avail)
	if len(avail.Mediums) != 0 {
		t.Fatalf("mediums after unregister = %v", avail.Mediums)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	var created struct {
		NotificationID string `json:"notification_id"`
		Status         string `json:"status"`
	}
	decode(t, postJSON(t, ts.URL+"/notifications/create", map[string]any{
		"user_id": "u1", "target_medium": "discord", "target_location": "dm",
		"message": "heads up", "priority": "alert", "trigger_type": "ambient_mission",
	}), &created)
	if created.NotificationID == "" || created.Status != "pending" {
		t.Fatalf("created = %+v", created)
	}

	get, err := http.Get(ts.URL + "/notifications/pending?medium=discord")
	if err != nil {
		t.Fatalf("GET pending: %v", err)
	}
	var pending struct {
		Notifications []models.Notification `json:"notifications"`
	}
	decode(t, get, &pending)
	if len(pending.Notifications) != 1 {
		t.Fatalf("pending = %+v", pending.Notifications)
	}

	resp := postJSON(t, ts.URL+"/notifications/"+created.NotificationID+"/delivered", map[string]any{})
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/notifications/"+created.NotificationID+"/acknowledge", map[string]any{})
	resp.Body.Close()

	var unacked struct {
		Notifications []models.Notification `json:"notifications"`
	}
	decode(t, postJSON(t, ts.URL+"/notifications/recent_unacknowledged", map[string]any{
		"user_id": "u1", "since_iso": time.Now().Add(-time.Hour).Format(time.RFC3339),
	}), &unacked)
	if len(unacked.Notifications) != 0 {
		t.Fatalf("unacknowledged after ack = %+v", unacked.Notifications)
	}
}

func TestNotificationCreateWithJSONContext(t *testing.T) {
	ts, store := newTestServer(t)

	var created struct {
		NotificationID string `json:"notification_id"`
	}
	resp := postJSON(t, ts.URL+"/notifications/create", map[string]any{
		"user_id": "u1", "target_medium": "discord", "target_location": "dm",
		"message": "fyi", "priority": "conversation",
		"trigger_type":     "ambient_mission",
		"trigger_data":     map[string]any{"task_id": "t1"},
		"context_snapshot": map[string]any{"app": "Firefox", "idle_minutes": 42},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for object-valued context", resp.StatusCode)
	}
	decode(t, resp, &created)
	if created.NotificationID == "" {
		t.Fatal("notification_id missing")
	}

	n, err := store.Notifications.Get(context.Background(), created.NotificationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n.Context == nil {
		t.Fatal("context not stored")
	}
	var snap struct {
		App         string `json:"app"`
		IdleMinutes int    `json:"idle_minutes"`
	}
	if err := json.Unmarshal(n.Context.ContextSnapshot, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.App != "Firefox" || snap.IdleMinutes != 42 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestNotificationCreateValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/notifications/create", map[string]any{"user_id": "u1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestContextBuildAndGet(t *testing.T) {
	ts, _ := newTestServer(t)

	var created struct {
		SessionID string `json:"session_id"`
	}
	decode(t, postJSON(t, ts.URL+"/sessions/find_or_create", map[string]any{
		"working_dir": "/w", "medium": "cli", "user_id": "u1",
	}), &created)
	resp := postJSON(t, ts.URL+"/sessions/"+created.SessionID+"/message", map[string]any{
		"message": "remember the milk", "role": "user",
	})
	resp.Body.Close()

	var built struct {
		Status  string `json:"status"`
		Context string `json:"context"`
	}
	decode(t, postJSON(t, ts.URL+"/context/build", map[string]any{
		"session_id": created.SessionID, "project_path": "/w", "context_depth": 10,
	}), &built)
	if built.Status != "built" || !strings.Contains(built.Context, "remember the milk") {
		t.Fatalf("built = %+v", built)
	}

	var got struct {
		Found   bool   `json:"found"`
		Context string `json:"context"`
	}
	decode(t, postJSON(t, ts.URL+"/context/get", map[string]any{
		"session_id": created.SessionID, "max_age_minutes": 10,
	}), &got)
	if !got.Found || got.Context != built.Context {
		t.Fatalf("got = %+v", got)
	}

	// A different session has no cache.
	decode(t, postJSON(t, ts.URL+"/context/get", map[string]any{
		"session_id": "other", "max_age_minutes": 10,
	}), &got)
	if got.Found {
		t.Fatalf("cache hit for unknown session: %+v", got)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/agent/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsServerMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsServerMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws envelope: %v", err)
	}
	return msg
}

func TestAgentWSPing(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readEnvelope(t, conn); msg.Type != "pong" {
		t.Fatalf("reply type = %s, want pong", msg.Type)
	}
}

func TestAgentWSMalformedFrameIsRecoverable(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if msg := readEnvelope(t, conn); msg.Type != string(models.EventError) {
		t.Fatalf("reply type = %s, want error", msg.Type)
	}

	// The connection survives and still answers pings.
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readEnvelope(t, conn); msg.Type != "pong" {
		t.Fatalf("reply after error = %s, want pong", msg.Type)
	}
}

func TestAgentWSQueryWithoutSession(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(map[string]string{"type": "query", "prompt": "hi"}); err != nil {
		t.Fatalf("write query: %v", err)
	}
	msg := readEnvelope(t, conn)
	if msg.Type != string(models.EventError) {
		t.Fatalf("reply type = %s, want error", msg.Type)
	}
}

func TestAgentWSNewSession(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	err := conn.WriteJSON(map[string]any{
		"type": "new_session", "working_dir": "/w", "medium": "agent_api", "user_id": "u1",
	})
	if err != nil {
		t.Fatalf("write new_session: %v", err)
	}
	msg := readEnvelope(t, conn)
	if msg.Type != string(models.EventSessionReady) {
		t.Fatalf("reply type = %s, want session_ready", msg.Type)
	}
	data, ok := msg.Data.(map[string]any)
	if !ok || data["session_id"] == "" {
		t.Fatalf("data = %+v", msg.Data)
	}
}
