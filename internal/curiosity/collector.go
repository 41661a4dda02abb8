package curiosity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dere-ai/dere/internal/metrics"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

const (
	maxPendingPerUser = 100
	maxPendingPerType = 25
	pruneScoreFloor   = 0.15
)

var typeWeights = map[models.CuriosityType]float64{
	models.CuriosityCorrection:       0.9,
	models.CuriosityEmotionalPeak:    0.7,
	models.CuriosityUnfinishedThread: 0.6,
	models.CuriosityKnowledgeGap:     0.6,
	models.CuriosityUnfamiliarEntity: 0.5,
	models.CuriosityResearchChain:    0.4,
}

func ttlDays(t models.CuriosityType) float64 {
	if t == models.CuriosityCorrection {
		return 7
	}
	return 14
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// score computes the weighted curiosity score and records the factors.
func score(sig Signal, createdAt, now time.Time, explorationCount, triggerCount int) (float64, *models.ScoreFactors) {
	ageDays := now.Sub(createdAt).Hours() / 24
	// The repeat bonus rewards re-triggering; a task seen once earns none.
	repeat := 0.0
	if triggerCount > 1 {
		repeat = math.Min(0.2, 0.05*float64(triggerCount))
	}
	f := &models.ScoreFactors{
		UserInterest:     clamp01(sig.UserInterest),
		KnowledgeGap:     clamp01(sig.KnowledgeGap),
		TypeWeight:       typeWeights[sig.Type],
		Recency:          math.Max(0, 1-ageDays/ttlDays(sig.Type)),
		ExplorationBoost: math.Max(0, 1-0.1*float64(explorationCount)),
		RepeatBonus:      repeat,
	}
	s := 0.30*f.UserInterest + 0.25*f.KnowledgeGap + 0.20*f.TypeWeight +
		0.15*f.Recency + 0.10*f.ExplorationBoost + f.RepeatBonus
	return clamp01(s), f
}

// Collector turns detector signals into backlog tasks, keeping the backlog
// deduped, ranked, and bounded.
type Collector struct {
	tasks     storage.TaskStore
	detectors []Detector
	logger    *slog.Logger
	now       func() time.Time
}

// NewCollector wires the detector set onto the task store.
func NewCollector(tasks storage.TaskStore, detectors []Detector, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if detectors == nil {
		detectors = DefaultDetectors()
	}
	return &Collector{
		tasks:     tasks,
		detectors: detectors,
		logger:    logger.With("component", "curiosity"),
		now:       time.Now,
	}
}

// ProcessTurn runs every detector on the turn and upserts the resulting
// signals. Detector and storage failures are logged, never propagated; the
// conversation must not notice the backlog.
func (c *Collector) ProcessTurn(ctx context.Context, turn Turn) {
	for _, d := range c.detectors {
		for _, sig := range d.Detect(turn) {
			if _, err := c.Upsert(ctx, turn.UserID, sig, ""); err != nil {
				c.logger.Warn("curiosity upsert failed",
					"type", sig.Type, "topic", sig.Topic, "error", err)
			}
		}
	}
}

// Upsert records a signal as a curiosity task, merging into an existing
// pending task with the same normalized title. Done or cancelled tasks do
// not absorb new triggers.
func (c *Collector) Upsert(ctx context.Context, userID string, sig Signal, parentTaskID string) (*models.ProjectTask, error) {
	if sig.Topic == "" {
		return nil, fmt.Errorf("curiosity signal has no topic")
	}
	now := c.now()
	normalized := models.NormalizeTitle(sig.Topic)

	existing, err := c.tasks.FindPendingCuriosity(ctx, userID, normalized)
	switch {
	case err == nil:
		existing.Extra.TriggerCount++
		existing.Extra.LastTriggeredAt = &now
		s, factors := score(sig, existing.CreatedAt, now,
			existing.Extra.ExplorationCount, existing.Extra.TriggerCount)
		existing.Extra.PriorityFactors = factors
		// Re-triggers never lower a task's priority.
		if p := int(math.Round(s * 100)); p > existing.Priority {
			existing.Priority = p
		}
		existing.UpdatedAt = now
		if err := c.tasks.Update(ctx, existing); err != nil {
			return nil, err
		}
		metrics.CuriosityTasks.WithLabelValues("retriggered").Inc()
		return existing, nil

	case errors.Is(err, storage.ErrNotFound):
		// New task below.
	default:
		return nil, err
	}

	s, factors := score(sig, now, now, 0, 1)
	task := &models.ProjectTask{
		ID:                   uuid.NewString(),
		UserID:               userID,
		Title:                sig.Topic,
		Description:          sig.TriggerReason,
		TaskType:             models.TaskTypeCuriosity,
		Priority:             int(math.Round(s * 100)),
		Status:               models.TaskReady,
		CreatedAt:            now,
		UpdatedAt:            now,
		DiscoveredFromTaskID: parentTaskID,
		Extra: models.CuriosityExtra{
			CuriosityType:   sig.Type,
			SourceContext:   sig.SourceContext,
			TriggerReason:   sig.TriggerReason,
			PriorityFactors: factors,
			TriggerCount:    1,
			LastTriggeredAt: &now,
		},
	}
	if err := c.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	metrics.CuriosityTasks.WithLabelValues("created").Inc()

	if err := c.enforceBounds(ctx, userID); err != nil {
		c.logger.Warn("backlog bound enforcement failed", "user_id", userID, "error", err)
	}
	return task, nil
}

// enforceBounds prunes expired low-score tasks and cancels overflow beyond
// the per-user and per-type caps.
func (c *Collector) enforceBounds(ctx context.Context, userID string) error {
	pending, err := c.tasks.ListPendingCuriosity(ctx, userID)
	if err != nil {
		return err
	}
	now := c.now()

	var kept []*models.ProjectTask
	for _, t := range pending {
		last := t.CreatedAt
		if t.Extra.LastTriggeredAt != nil {
			last = *t.Extra.LastTriggeredAt
		}
		expired := now.Sub(last).Hours()/24 > ttlDays(t.Extra.CuriosityType)
		if expired && float64(t.Priority)/100 < pruneScoreFloor {
			c.cancel(ctx, t, now, "expired with low score")
			continue
		}
		kept = append(kept, t)
	}

	// ListPendingCuriosity orders by (priority desc, created_at asc), so the
	// tail is always the cheapest to drop.
	perType := map[models.CuriosityType]int{}
	total := 0
	for _, t := range kept {
		perType[t.Extra.CuriosityType]++
		total++
		if total > maxPendingPerUser || perType[t.Extra.CuriosityType] > maxPendingPerType {
			c.cancel(ctx, t, now, "backlog cap exceeded")
			perType[t.Extra.CuriosityType]--
			total--
		}
	}
	return nil
}

func (c *Collector) cancel(ctx context.Context, t *models.ProjectTask, now time.Time, reason string) {
	t.Status = models.TaskCancelled
	t.UpdatedAt = now
	t.Extra.PrunedAt = &now
	t.Extra.PrunedReason = reason
	if err := c.tasks.Update(ctx, t); err != nil {
		c.logger.Warn("failed to cancel curiosity task", "task_id", t.ID, "error", err)
		return
	}
	metrics.CuriosityTasks.WithLabelValues("pruned").Inc()
}
