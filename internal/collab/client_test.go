package collab

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dere-ai/dere/pkg/models"
)

func TestRoutingDecide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/routing/decide" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req RoutingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.UserID != "u1" || len(req.OnlineMediums) != 1 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(RoutingDecision{
			Medium: models.MediumDiscord, Location: "dm", Reasoning: "user is online there",
		})
	}))
	defer srv.Close()

	c := NewRoutingClient(srv.URL)
	dec, err := c.Decide(context.Background(), RoutingRequest{
		UserID: "u1", Message: "hey", Priority: "conversation",
		OnlineMediums: []models.Medium{models.MediumDiscord},
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Medium != models.MediumDiscord || dec.Location != "dm" {
		t.Fatalf("decision = %+v", dec)
	}
}

func TestClientErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "routing model unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewRoutingClient(srv.URL)
	if _, err := c.Decide(context.Background(), RoutingRequest{UserID: "u1"}); err == nil {
		t.Fatal("5xx should surface as an error")
	}
}

func TestActivityCurrentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"found": false})
	}))
	defer srv.Close()

	c := NewActivityClient(srv.URL)
	act, err := c.Current(context.Background(), "u1", 30)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !act.Empty() {
		t.Fatalf("activity = %+v, want empty", act)
	}
}

func TestUnixSocketTransport(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "collab.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer os.Remove(socket)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(EmotionState{Emotion: "interest", Intensity: 55, Valence: "positive"})
	})}
	go srv.Serve(ln)
	defer srv.Close()

	c := NewEmotionClient("http+unix://" + socket)
	state, err := c.State(context.Background())
	if err != nil {
		t.Fatalf("State over unix socket: %v", err)
	}
	if state.Emotion != "interest" {
		t.Fatalf("state = %+v", state)
	}
}
