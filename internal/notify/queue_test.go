package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

func newTestQueue(t *testing.T) (*Queue, *storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	return NewQueue(store.Notifications, nil), store
}

func TestEnqueueDefaultsAndValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	n := &models.Notification{UserID: "u1", TargetMedium: models.MediumDiscord, Message: "hi"}
	if err := q.Enqueue(ctx, n); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n.Priority != models.PriorityConversation {
		t.Fatalf("priority defaulted to %q, want conversation", n.Priority)
	}

	bad := &models.Notification{UserID: "u1", TargetMedium: models.MediumDiscord}
	if err := q.Enqueue(ctx, bad); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("empty message: %v, want ErrInvalidNotification", err)
	}

	badPriority := &models.Notification{UserID: "u1", TargetMedium: models.MediumDiscord, Message: "m", Priority: "urgent"}
	if err := q.Enqueue(ctx, badPriority); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("unknown priority: %v, want ErrInvalidNotification", err)
	}
}

func TestEnqueueRejectsDanglingParent(t *testing.T) {
	q, _ := newTestQueue(t)
	n := &models.Notification{UserID: "u1", TargetMedium: models.MediumCLI, Message: "m", ParentID: "missing"}
	if err := q.Enqueue(context.Background(), n); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("dangling parent: %v, want ErrNotFound", err)
	}
}

func TestAcknowledgeWalksChain(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	root := &models.Notification{UserID: "u1", TargetMedium: models.MediumDiscord, Message: "first nudge"}
	if err := q.Enqueue(ctx, root); err != nil {
		t.Fatalf("Enqueue root: %v", err)
	}
	escalation := &models.Notification{
		UserID:       "u1",
		TargetMedium: models.MediumDiscord,
		Message:      "still there?",
		Priority:     models.PriorityAlert,
		ParentID:     root.ID,
	}
	if err := q.Enqueue(ctx, escalation); err != nil {
		t.Fatalf("Enqueue escalation: %v", err)
	}

	if err := q.Acknowledge(ctx, escalation.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	for _, id := range []string{root.ID, escalation.ID} {
		n, err := store.Notifications.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if !n.Acknowledged {
			t.Fatalf("notification %s not acknowledged", id)
		}
	}
}

func TestChainRoot(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	root := &models.Notification{UserID: "u1", TargetMedium: models.MediumCLI, Message: "a"}
	if err := q.Enqueue(ctx, root); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	mid := &models.Notification{UserID: "u1", TargetMedium: models.MediumCLI, Message: "b", ParentID: root.ID}
	if err := q.Enqueue(ctx, mid); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	leaf := &models.Notification{UserID: "u1", TargetMedium: models.MediumCLI, Message: "c", ParentID: mid.ID}
	if err := q.Enqueue(ctx, leaf); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := q.ChainRoot(ctx, leaf.ID)
	if err != nil {
		t.Fatalf("ChainRoot: %v", err)
	}
	if got.ID != root.ID {
		t.Fatalf("root = %s, want %s", got.ID, root.ID)
	}
}

func TestUnansweredCountsRecentOnly(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	now := time.Now()

	old := &models.Notification{UserID: "u1", TargetMedium: models.MediumCLI, Message: "old", CreatedAt: now.Add(-3 * time.Hour)}
	recent := &models.Notification{UserID: "u1", TargetMedium: models.MediumCLI, Message: "new", CreatedAt: now.Add(-10 * time.Minute)}
	answered := &models.Notification{UserID: "u1", TargetMedium: models.MediumCLI, Message: "acked", CreatedAt: now.Add(-5 * time.Minute)}
	for _, n := range []*models.Notification{old, recent, answered} {
		if err := store.Notifications.Create(ctx, n); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := q.Acknowledge(ctx, answered.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	count, err := q.Unanswered(ctx, "u1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Unanswered: %v", err)
	}
	if count != 1 {
		t.Fatalf("unanswered = %d, want 1", count)
	}
}
