package ambient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dere-ai/dere/internal/collab"
	"github.com/dere-ai/dere/internal/config"
	"github.com/dere-ai/dere/internal/presence"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

// fakeCompleter returns a canned engagement verdict.
type fakeCompleter struct {
	response string
	calls    int
}

func (f *fakeCompleter) Complete(context.Context, string, string) (string, error) {
	f.calls++
	return f.response, nil
}

func activityServer(t *testing.T, found bool, act collab.Activity) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"found": found, "activity": act})
	}))
}

func routingServer(t *testing.T, dec collab.RoutingDecision) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(dec)
	}))
}

func newTestDecider(t *testing.T, store *storage.Store, llm Completer, activityURL, routingURL string) *Decider {
	t.Helper()
	registry := presence.NewRegistry(store.Presence, nil, presence.DefaultStaleWindow)
	var act *collab.ActivityClient
	if activityURL != "" {
		act = collab.NewActivityClient(activityURL)
	}
	var route *collab.RoutingClient
	if routingURL != "" {
		route = collab.NewRoutingClient(routingURL)
	}
	return NewDecider(store, registry, act, nil, route, llm, config.Default().Ambient, nil)
}

func registerOnline(t *testing.T, store *storage.Store, medium models.Medium) {
	t.Helper()
	registry := presence.NewRegistry(store.Presence, nil, presence.DefaultStaleWindow)
	err := registry.Register(context.Background(), &models.Presence{
		Medium: medium, UserID: "u1",
		AvailableChannels: []models.PresenceChannel{{ID: "dm", Type: "dm"}},
	})
	if err != nil {
		t.Fatalf("register presence: %v", err)
	}
}

const engageYes = `{"should_engage": true, "priority": "conversation", "message": "thinking of you", "reasoning": "long idle"}`

func TestShouldEngageHappyPath(t *testing.T) {
	store := storage.NewMemory()
	acts := activityServer(t, true, collab.Activity{App: "Firefox", Title: "news"})
	defer acts.Close()
	routes := routingServer(t, collab.RoutingDecision{Medium: models.MediumDiscord, Location: "dm", Reasoning: "online there"})
	defer routes.Close()
	registerOnline(t, store, models.MediumDiscord)

	d := newTestDecider(t, store, &fakeCompleter{response: engageYes}, acts.URL, routes.URL)
	dec := d.ShouldEngage(context.Background(), "u1", 30)
	if !dec.Should {
		t.Fatalf("decision = %+v, want engage", dec)
	}
	if dec.TargetMedium != models.MediumDiscord || dec.Message != "thinking of you" {
		t.Fatalf("decision = %+v", dec)
	}
	if len(dec.Snapshot) == 0 {
		t.Fatal("context snapshot missing")
	}
}

func TestShouldEngageDeclinesWithoutActivity(t *testing.T) {
	store := storage.NewMemory()
	acts := activityServer(t, false, collab.Activity{})
	defer acts.Close()
	routes := routingServer(t, collab.RoutingDecision{})
	defer routes.Close()

	llm := &fakeCompleter{response: engageYes}
	d := newTestDecider(t, store, llm, acts.URL, routes.URL)
	if dec := d.ShouldEngage(context.Background(), "u1", 30); dec.Should {
		t.Fatalf("decision = %+v, want decline", dec)
	}
	if llm.calls != 0 {
		t.Fatal("LLM consulted despite failing the activity gate")
	}
}

func TestShouldEngageDeclinesWhenUserActive(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	sess, _, err := store.Sessions.FindOrCreate(ctx, storage.FindOrCreateParams{
		WorkingDir: "/w", Medium: models.MediumCLI, UserID: "u1",
	})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	err = store.Sessions.AppendConversation(ctx, &models.Conversation{
		SessionID: sess.ID, Prompt: "hi", MessageType: models.MessageUser,
		Timestamp: time.Now().Unix(), Medium: models.MediumCLI, UserID: "u1",
	})
	if err != nil {
		t.Fatalf("AppendConversation: %v", err)
	}

	acts := activityServer(t, true, collab.Activity{App: "Firefox"})
	defer acts.Close()
	routes := routingServer(t, collab.RoutingDecision{})
	defer routes.Close()

	llm := &fakeCompleter{response: engageYes}
	d := newTestDecider(t, store, llm, acts.URL, routes.URL)
	if dec := d.ShouldEngage(context.Background(), "u1", 30); dec.Should {
		t.Fatalf("decision = %+v, want decline for active user", dec)
	}
	if llm.calls != 0 {
		t.Fatal("LLM consulted despite recent interaction")
	}
}

func TestShouldEngageRespectsLLMDecline(t *testing.T) {
	store := storage.NewMemory()
	acts := activityServer(t, true, collab.Activity{App: "Firefox"})
	defer acts.Close()
	routes := routingServer(t, collab.RoutingDecision{Medium: models.MediumDiscord})
	defer routes.Close()
	registerOnline(t, store, models.MediumDiscord)

	d := newTestDecider(t, store, &fakeCompleter{
		response: `{"should_engage": false, "reasoning": "nothing worth saying"}`,
	}, acts.URL, routes.URL)
	if dec := d.ShouldEngage(context.Background(), "u1", 30); dec.Should {
		t.Fatalf("decision = %+v, want decline", dec)
	}
}

func TestShouldEngageRejectsOfflineRoute(t *testing.T) {
	store := storage.NewMemory()
	acts := activityServer(t, true, collab.Activity{App: "Firefox"})
	defer acts.Close()
	// Router proposes a medium the user is not online on.
	routes := routingServer(t, collab.RoutingDecision{Medium: models.MediumObsidian, Location: "vault"})
	defer routes.Close()
	registerOnline(t, store, models.MediumDiscord)

	d := newTestDecider(t, store, &fakeCompleter{response: engageYes}, acts.URL, routes.URL)
	if dec := d.ShouldEngage(context.Background(), "u1", 30); dec.Should {
		t.Fatalf("decision = %+v, want decline for offline medium", dec)
	}
}

func TestShouldEngageDeclinesWhenNobodyOnline(t *testing.T) {
	store := storage.NewMemory()
	acts := activityServer(t, true, collab.Activity{App: "Firefox"})
	defer acts.Close()
	routes := routingServer(t, collab.RoutingDecision{Medium: models.MediumDiscord})
	defer routes.Close()

	d := newTestDecider(t, store, &fakeCompleter{response: engageYes}, acts.URL, routes.URL)
	if dec := d.ShouldEngage(context.Background(), "u1", 30); dec.Should {
		t.Fatalf("decision = %+v, want decline with no presence", dec)
	}
}
