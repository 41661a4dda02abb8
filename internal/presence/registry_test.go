package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	return NewRegistry(store.Presence, nil, time.Minute), store
}

func TestRegisterAndOnline(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	p := &models.Presence{
		Medium: models.MediumDiscord,
		UserID: "u1",
		AvailableChannels: []models.PresenceChannel{
			{ID: "c1", Name: "general", Type: "channel"},
		},
	}
	if err := reg.Register(ctx, p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	online, err := reg.Online(ctx, "u1")
	if err != nil {
		t.Fatalf("Online: %v", err)
	}
	if len(online) != 1 || online[0].Medium != models.MediumDiscord {
		t.Fatalf("online = %+v, want discord", online)
	}

	ok, err := reg.IsOnline(ctx, "u1", models.MediumObsidian)
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if ok {
		t.Fatal("obsidian should not be online")
	}
}

func TestRegisterRequiresIdentity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Register(context.Background(), &models.Presence{Medium: models.MediumCLI}); err == nil {
		t.Fatal("register without user_id should fail")
	}
}

func TestHeartbeatUnknownRow(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.Heartbeat(context.Background(), models.MediumDiscord, "ghost")
	if !errors.Is(err, ErrUnknownPresence) {
		t.Fatalf("heartbeat for unknown row: %v, want ErrUnknownPresence", err)
	}
}

func TestHeartbeatRefreshesFreshness(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	// Seed a row whose heartbeat is already past the stale window.
	old := &models.Presence{
		Medium:        models.MediumCLI,
		UserID:        "u1",
		LastHeartbeat: time.Now().Add(-2 * time.Minute),
	}
	if err := store.Presence.Upsert(ctx, old); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if online, _ := reg.Online(ctx, "u1"); len(online) != 0 {
		t.Fatalf("stale row reported online: %+v", online)
	}

	if err := reg.Heartbeat(ctx, models.MediumCLI, "u1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	online, err := reg.Online(ctx, "u1")
	if err != nil {
		t.Fatalf("Online: %v", err)
	}
	if len(online) != 1 {
		t.Fatal("heartbeat did not bring the row back online")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	p := &models.Presence{Medium: models.MediumObsidian, UserID: "u1"}
	if err := reg.Register(ctx, p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Unregister(ctx, models.MediumObsidian, "u1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := reg.Unregister(ctx, models.MediumObsidian, "u1"); err != nil {
		t.Fatalf("second Unregister: %v", err)
	}
}
