package curiosity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dere-ai/dere/internal/agent"
	"github.com/dere-ai/dere/internal/metrics"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

// ErrBacklogEmpty signals that no ready curiosity task exists for the user.
var ErrBacklogEmpty = errors.New("curiosity backlog is empty")

const (
	maxFollowUps = 5
	// stuckGrace is how long an in_progress task may sit before a crashed
	// attempt can be re-claimed.
	stuckGrace = time.Hour
	// promoteThreshold gates finding promotion into the knowledge graph.
	promoteThreshold = 0.7
)

// missionRunner is the slice of the agent service the explorer needs.
type missionRunner interface {
	OpenSession(ctx context.Context, cfg agent.SessionConfig) (*agent.Session, bool, error)
	Query(ctx context.Context, sessionID, prompt string) (<-chan models.AgentEvent, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// FactPromoter pushes a high-confidence finding into the knowledge-graph
// collaborator and returns the stored fact id.
type FactPromoter interface {
	PromoteFact(ctx context.Context, userID, fact string, confidence float64) (string, error)
}

// missionOutput is the structured block the mission prompt asks the model
// to emit.
type missionOutput struct {
	Findings          []string `json:"findings"`
	Confidence        float64  `json:"confidence"`
	FollowUpQuestions []string `json:"follow_up_questions"`
	WorthSharing      bool     `json:"worth_sharing"`
	ShareMessage      string   `json:"share_message"`
}

// Result summarizes one exploration for the monitor.
type Result struct {
	TaskID       string
	Title        string
	NewFindings  []string
	Confidence   float64
	WorthSharing bool
	ShareMessage string
	FollowUps    int
}

// Explorer claims ready curiosity tasks and runs them as sandboxed agent
// missions while the user is away.
type Explorer struct {
	store     *storage.Store
	agents    missionRunner
	collector *Collector
	promoter  FactPromoter
	logger    *slog.Logger
	now       func() time.Time
}

// NewExplorer wires the explorer. promoter may be nil when no knowledge
// collaborator is configured.
func NewExplorer(store *storage.Store, agents missionRunner, collector *Collector, promoter FactPromoter, logger *slog.Logger) *Explorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Explorer{
		store:     store,
		agents:    agents,
		collector: collector,
		promoter:  promoter,
		logger:    logger.With("component", "explorer"),
		now:       time.Now,
	}
}

// HasReady reports whether the user has anything claimable.
func (e *Explorer) HasReady(ctx context.Context, userID string) bool {
	pending, err := e.store.Tasks.ListPendingCuriosity(ctx, userID)
	if err != nil {
		return false
	}
	for _, t := range pending {
		if t.Status == models.TaskReady {
			return true
		}
	}
	return false
}

// ExploreOnce claims the best ready task, runs the mission, and persists
// the outcome. Execution or parse failure re-readies the task with
// last_error set so a later cycle retries it.
func (e *Explorer) ExploreOnce(ctx context.Context, userID string) (*Result, error) {
	if n, err := e.store.Tasks.ResetStuck(ctx, e.now(), stuckGrace); err == nil && n > 0 {
		e.logger.Info("reset stuck curiosity tasks", "count", n)
	}

	task, err := e.store.Tasks.ClaimNextCuriosity(ctx, userID, e.now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBacklogEmpty
	}
	if err != nil {
		return nil, err
	}
	e.logger.Info("exploring", "task_id", task.ID, "title", task.Title, "priority", task.Priority)

	output, err := e.runMission(ctx, task)
	if err != nil {
		e.requeue(ctx, task, err)
		metrics.Explorations.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("mission for %q: %w", task.Title, err)
	}

	result, err := e.persistOutcome(ctx, task, output)
	if err != nil {
		metrics.Explorations.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.Explorations.WithLabelValues("completed").Inc()
	return result, nil
}

func (e *Explorer) runMission(ctx context.Context, task *models.ProjectTask) (*missionOutput, error) {
	sess, _, err := e.agents.OpenSession(ctx, agent.SessionConfig{
		Personality:  missionSystemPrompt,
		Medium:       models.MediumAgentAPI,
		UserID:       task.UserID,
		AutoApprove:  true,
		Sandbox:      true,
		MissionID:    "curiosity:" + task.ID,
		AllowedTools: []string{"read", "websearch", "webfetch"},
	})
	if err != nil {
		return nil, fmt.Errorf("open mission session: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.agents.CloseSession(closeCtx, sess.ID); err != nil && !errors.Is(err, agent.ErrSessionNotFound) {
			e.logger.Warn("mission session close failed", "session_id", sess.ID, "error", err)
		}
	}()

	events, err := e.agents.Query(ctx, sess.ID, missionPrompt(task))
	if err != nil {
		return nil, fmt.Errorf("mission query: %w", err)
	}

	var responseText string
	for ev := range events {
		switch ev.Type {
		case models.EventDone:
			if ev.Done != nil {
				responseText = ev.Done.ResponseText
			}
		case models.EventError:
			if ev.Error != nil && !ev.Error.Recoverable {
				return nil, fmt.Errorf("mission failed: %s", ev.Error.Message)
			}
		case models.EventCancelled:
			return nil, fmt.Errorf("mission cancelled")
		}
	}
	if responseText == "" {
		return nil, fmt.Errorf("mission produced no response")
	}
	return parseMissionOutput(responseText)
}

const missionSystemPrompt = `You are an autonomous research agent. Investigate the given topic using the available tools, then report what you learned as a single JSON object. Be factual; when uncertain, lower the confidence.`

func missionPrompt(task *models.ProjectTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research topic: %s\n", task.Title)
	if task.Extra.SourceContext != "" {
		fmt.Fprintf(&b, "Context it came up in: %s\n", task.Extra.SourceContext)
	}
	if task.Extra.TriggerReason != "" {
		fmt.Fprintf(&b, "Why it matters: %s\n", task.Extra.TriggerReason)
	}
	if len(task.Extra.Findings) > 0 {
		fmt.Fprintf(&b, "Already known:\n")
		for _, f := range task.Extra.Findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString(`
Finish with exactly one JSON object of this shape:
{"findings": ["..."], "confidence": 0.0, "follow_up_questions": ["..."], "worth_sharing": false, "share_message": ""}`)
	return b.String()
}

// parseMissionOutput extracts the outermost JSON object from the response.
func parseMissionOutput(text string) (*missionOutput, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in mission response")
	}
	var out missionOutput
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parse mission output: %w", err)
	}
	if len(out.Findings) == 0 {
		return nil, fmt.Errorf("mission output has no findings")
	}
	return &out, nil
}

func (e *Explorer) requeue(ctx context.Context, task *models.ProjectTask, cause error) {
	now := e.now()
	task.Status = models.TaskReady
	task.LastError = cause.Error()
	task.UpdatedAt = now
	if err := e.store.Tasks.Update(ctx, task); err != nil {
		e.logger.Warn("failed to requeue task", "task_id", task.ID, "error", err)
	}
}

func (e *Explorer) persistOutcome(ctx context.Context, task *models.ProjectTask, out *missionOutput) (*Result, error) {
	now := e.now()

	newFindings := mergeFindings(&task.Extra, out.Findings)
	task.Extra.ExplorationCount++
	task.Extra.LastExploredAt = &now
	task.Extra.SatisfactionLevel = math.Max(task.Extra.SatisfactionLevel, out.Confidence)
	task.Status = models.TaskDone
	task.CompletedAt = &now
	task.UpdatedAt = now
	task.LastError = ""

	for _, finding := range newFindings {
		row := &models.ExplorationFinding{
			ID:            uuid.NewString(),
			TaskID:        task.ID,
			UserID:        task.UserID,
			Finding:       finding,
			SourceContext: task.Extra.SourceContext,
			Confidence:    out.Confidence,
			WorthSharing:  out.WorthSharing,
			ShareMessage:  out.ShareMessage,
			CreatedAt:     now,
		}
		if err := e.store.Findings.Create(ctx, row); err != nil {
			e.logger.Warn("failed to persist finding", "task_id", task.ID, "error", err)
		}
		if e.promoter != nil && out.Confidence >= promoteThreshold {
			factID, err := e.promoter.PromoteFact(ctx, task.UserID, finding, out.Confidence)
			if err != nil {
				e.logger.Warn("fact promotion failed", "task_id", task.ID, "error", err)
			} else if factID != "" {
				task.Extra.PromotedFactIDs = append(task.Extra.PromotedFactIDs, factID)
			}
		}
	}

	if err := e.store.Tasks.Update(ctx, task); err != nil {
		return nil, fmt.Errorf("persist exploration outcome: %w", err)
	}

	followUps := e.spawnFollowUps(ctx, task, out.FollowUpQuestions)

	return &Result{
		TaskID:       task.ID,
		Title:        task.Title,
		NewFindings:  newFindings,
		Confidence:   out.Confidence,
		WorthSharing: out.WorthSharing,
		ShareMessage: out.ShareMessage,
		FollowUps:    followUps,
	}, nil
}

// mergeFindings appends findings not already present, preserving order, and
// returns only the new ones.
func mergeFindings(extra *models.CuriosityExtra, incoming []string) []string {
	seen := map[string]struct{}{}
	for _, f := range extra.Findings {
		seen[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
	}
	var fresh []string
	for _, f := range incoming {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		key := strings.ToLower(f)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		extra.Findings = append(extra.Findings, f)
		fresh = append(fresh, f)
	}
	return fresh
}

func (e *Explorer) spawnFollowUps(ctx context.Context, parent *models.ProjectTask, questions []string) int {
	spawned := 0
	seen := map[string]struct{}{}
	for _, q := range questions {
		if spawned >= maxFollowUps {
			break
		}
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := models.NormalizeTitle(q)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		_, err := e.collector.Upsert(ctx, parent.UserID, Signal{
			Type:          models.CuriosityResearchChain,
			Topic:         q,
			SourceContext: parent.Title,
			TriggerReason: "follow-up from exploration of " + parent.Title,
			UserInterest:  0.4,
			KnowledgeGap:  0.6,
		}, parent.ID)
		if err != nil {
			e.logger.Warn("follow-up spawn failed", "question", q, "error", err)
			continue
		}
		spawned++
	}
	return spawned
}
