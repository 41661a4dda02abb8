package curiosity

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

func TestScoreWeights(t *testing.T) {
	now := time.Now()
	sig := Signal{
		Type:         models.CuriosityCorrection,
		UserInterest: 1.0,
		KnowledgeGap: 1.0,
	}
	// Fresh task, never explored, first trigger: no repeat bonus yet.
	s, f := score(sig, now, now, 0, 1)
	want := 0.30 + 0.25 + 0.20*0.9 + 0.15 + 0.10
	if math.Abs(s-want) > 1e-9 {
		t.Fatalf("score = %f, want %f", s, want)
	}
	if f.TypeWeight != 0.9 || f.RepeatBonus != 0 {
		t.Fatalf("factors = %+v", f)
	}

	// Recency decays linearly over the type's TTL.
	aged, _ := score(sig, now.Add(-7*24*time.Hour), now, 0, 1)
	if math.Abs((s-aged)-0.15) > 1e-9 {
		t.Fatalf("7-day-old correction should lose the full recency term: %f vs %f", s, aged)
	}

	// Re-triggers earn the bonus, capped at 0.2.
	_, second := score(sig, now, now, 0, 2)
	if math.Abs(second.RepeatBonus-0.10) > 1e-9 {
		t.Fatalf("repeat bonus on second trigger = %f, want 0.10", second.RepeatBonus)
	}
	_, capped := score(sig, now, now, 0, 100)
	if capped.RepeatBonus != 0.2 {
		t.Fatalf("repeat bonus = %f, want 0.2", capped.RepeatBonus)
	}
}

func TestScoreFreshEmotionalPeak(t *testing.T) {
	now := time.Now()
	sig := Signal{
		Type:         models.CuriosityEmotionalPeak,
		UserInterest: 0.8,
		KnowledgeGap: 0,
	}
	s, _ := score(sig, now, now, 0, 1)
	if p := int(math.Round(s * 100)); p != 63 {
		t.Fatalf("priority = %d, want 63", p)
	}
}

func TestUpsertCreatesThenRetriggers(t *testing.T) {
	store := storage.NewMemory()
	c := NewCollector(store.Tasks, nil, nil)
	ctx := context.Background()

	sig := Signal{
		Type:         models.CuriosityKnowledgeGap,
		Topic:        "Quantum Annealing",
		UserInterest: 0.5,
		KnowledgeGap: 0.8,
	}
	created, err := c.Upsert(ctx, "u1", sig, "")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if created.Status != models.TaskReady || created.Extra.TriggerCount != 1 {
		t.Fatalf("created = %+v", created)
	}

	// Same topic, different case, merges into the same task.
	sig.Topic = "quantum annealing"
	again, err := c.Upsert(ctx, "u1", sig, "")
	if err != nil {
		t.Fatalf("re-trigger: %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("re-trigger created a new task %s, want %s", again.ID, created.ID)
	}
	if again.Extra.TriggerCount != 2 {
		t.Fatalf("trigger count = %d, want 2", again.Extra.TriggerCount)
	}
	if again.Priority < created.Priority {
		t.Fatalf("priority dropped from %d to %d on re-trigger", created.Priority, again.Priority)
	}
}

func TestUpsertTreatsDoneTaskAsNew(t *testing.T) {
	store := storage.NewMemory()
	c := NewCollector(store.Tasks, nil, nil)
	ctx := context.Background()

	sig := Signal{Type: models.CuriosityUnfamiliarEntity, Topic: "Voyager Golden Record", UserInterest: 0.5, KnowledgeGap: 0.7}
	first, err := c.Upsert(ctx, "u1", sig, "")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	now := time.Now()
	first.Status = models.TaskDone
	first.CompletedAt = &now
	if err := store.Tasks.Update(ctx, first); err != nil {
		t.Fatalf("Update: %v", err)
	}

	second, err := c.Upsert(ctx, "u1", sig, "")
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("done task absorbed a new trigger")
	}
}

func TestPerTypeCapCancelsLowestPriority(t *testing.T) {
	store := storage.NewMemory()
	c := NewCollector(store.Tasks, nil, nil)
	ctx := context.Background()

	for i := 0; i < maxPendingPerType+3; i++ {
		sig := Signal{
			Type:         models.CuriosityUnfamiliarEntity,
			Topic:        fmt.Sprintf("Topic Number %d", i),
			UserInterest: 0.1 + 0.8*float64(i)/float64(maxPendingPerType+3),
			KnowledgeGap: 0.5,
		}
		if _, err := c.Upsert(ctx, "u1", sig, ""); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	pending, err := store.Tasks.ListPendingCuriosity(ctx, "u1")
	if err != nil {
		t.Fatalf("ListPendingCuriosity: %v", err)
	}
	count := 0
	for _, task := range pending {
		if task.Extra.CuriosityType == models.CuriosityUnfamiliarEntity {
			count++
		}
	}
	if count > maxPendingPerType {
		t.Fatalf("pending unfamiliar_entity tasks = %d, cap is %d", count, maxPendingPerType)
	}
}

func TestProcessTurnSwallowsAndRecords(t *testing.T) {
	store := storage.NewMemory()
	c := NewCollector(store.Tasks, nil, nil)
	ctx := context.Background()

	c.ProcessTurn(ctx, Turn{
		UserID:             "u1",
		UserText:           "No, that's wrong, Apollo Guidance Computer had 2048 words of RAM",
		PriorAssistantText: "It had 4096 words of RAM.",
	})

	pending, err := store.Tasks.ListPendingCuriosity(ctx, "u1")
	if err != nil {
		t.Fatalf("ListPendingCuriosity: %v", err)
	}
	if len(pending) == 0 {
		t.Fatal("turn with a correction produced no backlog tasks")
	}
}
