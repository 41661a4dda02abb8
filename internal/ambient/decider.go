package ambient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dere-ai/dere/internal/collab"
	"github.com/dere-ai/dere/internal/config"
	"github.com/dere-ai/dere/internal/metrics"
	"github.com/dere-ai/dere/internal/presence"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

// Completer is a single-shot LLM call. The decider uses it for the
// engagement decision.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// AnthropicCompleter backs Completer with the Anthropic messages API.
type AnthropicCompleter struct {
	Client    anthropic.Client
	Model     string
	MaxTokens int
}

func (a *AnthropicCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.Model),
		MaxTokens: int64(a.MaxTokens),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	msg, err := a.Client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// Decision is the decider's verdict on proactive contact.
type Decision struct {
	Should         bool
	Message        string
	Priority       models.Priority
	TargetMedium   models.Medium
	TargetLocation string
	Reasoning      string
	// Snapshot is the context the decision was made from, attached to the
	// resulting notification for later inspection.
	Snapshot []byte
	// Activity is the observation the gate passed on, reused by the mission
	// prompt.
	Activity *collab.Activity
}

func noEngage(reason string) *Decision {
	return &Decision{Should: false, Reasoning: reason}
}

// Decider implements the engagement gate: deterministic idleness checks,
// then an LLM decision, then presence-constrained routing.
type Decider struct {
	store    *storage.Store
	registry *presence.Registry
	activity *collab.ActivityClient
	emotion  *collab.EmotionClient
	routing  *collab.RoutingClient
	llm      Completer
	cfg      config.AmbientConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewDecider wires the engagement gate. activity, emotion, and routing may
// be nil when the collaborator is not configured; a nil activity or routing
// client disables engagement entirely.
func NewDecider(store *storage.Store, registry *presence.Registry, activity *collab.ActivityClient, emotion *collab.EmotionClient, routing *collab.RoutingClient, llm Completer, cfg config.AmbientConfig, logger *slog.Logger) *Decider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{
		store:    store,
		registry: registry,
		activity: activity,
		emotion:  emotion,
		routing:  routing,
		llm:      llm,
		cfg:      cfg,
		logger:   logger.With("component", "decider"),
		now:      time.Now,
	}
}

type engagementVerdict struct {
	ShouldEngage bool   `json:"should_engage"`
	Priority     string `json:"priority"`
	Message      string `json:"message"`
	Reasoning    string `json:"reasoning"`
}

// ShouldEngage runs the full gate. Every failure path returns a negative
// decision and logs; the monitor never sees an error it must handle.
func (d *Decider) ShouldEngage(ctx context.Context, userID string, lookbackMinutes int) *Decision {
	if d.activity == nil || d.routing == nil || d.llm == nil {
		return noEngage("engagement collaborators not configured")
	}

	activity, err := d.activity.Current(ctx, userID, lookbackMinutes)
	if err != nil {
		d.logger.Warn("activity lookup failed", "user_id", userID, "error", err)
		return noEngage("activity unavailable")
	}
	if activity.Empty() {
		return noEngage("no current activity")
	}

	last, err := d.store.Sessions.LastInteraction(ctx, userID)
	if err != nil {
		d.logger.Warn("last interaction lookup failed", "user_id", userID, "error", err)
		return noEngage("interaction history unavailable")
	}
	idleThreshold := time.Duration(d.cfg.IdleThresholdMinutes) * time.Minute
	if last != nil && d.now().Sub(time.Unix(*last, 0)) < idleThreshold {
		return noEngage("user interacted recently")
	}

	snapshot := d.gatherContext(ctx, userID, activity)

	verdict, err := d.engagementCall(ctx, snapshot)
	if err != nil {
		d.logger.Warn("engagement call failed", "user_id", userID, "error", err)
		metrics.EngagementAttempts.WithLabelValues("error").Inc()
		return noEngage("engagement model unavailable")
	}
	if !verdict.ShouldEngage {
		metrics.EngagementAttempts.WithLabelValues("declined").Inc()
		return noEngage(verdict.Reasoning)
	}

	priority := models.Priority(verdict.Priority)
	if priority != models.PriorityAlert {
		priority = models.PriorityConversation
	}

	online, err := d.registry.Online(ctx, userID)
	if err != nil || len(online) == 0 {
		metrics.EngagementAttempts.WithLabelValues("unreachable").Inc()
		return noEngage("user not reachable on any medium")
	}
	mediums := make([]models.Medium, 0, len(online))
	for _, p := range online {
		mediums = append(mediums, p.Medium)
	}

	route, err := d.routing.Decide(ctx, collab.RoutingRequest{
		UserID:        userID,
		Message:       verdict.Message,
		Priority:      string(priority),
		UserActivity:  activity.App + ": " + activity.Title,
		OnlineMediums: mediums,
	})
	if err != nil {
		d.logger.Warn("routing call failed", "user_id", userID, "error", err)
		metrics.EngagementAttempts.WithLabelValues("error").Inc()
		return noEngage("routing unavailable")
	}
	if !mediumOnline(route.Medium, mediums) {
		metrics.EngagementAttempts.WithLabelValues("unreachable").Inc()
		return noEngage(fmt.Sprintf("router proposed offline medium %s", route.Medium))
	}

	metrics.EngagementAttempts.WithLabelValues("approved").Inc()
	snapshotJSON, _ := json.Marshal(snapshot)
	return &Decision{
		Should:         true,
		Message:        verdict.Message,
		Priority:       priority,
		TargetMedium:   route.Medium,
		TargetLocation: route.Location,
		Reasoning:      verdict.Reasoning + "; " + route.Reasoning,
		Snapshot:       snapshotJSON,
		Activity:       activity,
	}
}

func mediumOnline(m models.Medium, online []models.Medium) bool {
	for _, o := range online {
		if o == m {
			return true
		}
	}
	return false
}

// contextSnapshot is what the engagement model and the ambient mission see.
type contextSnapshot struct {
	UserID          string  `json:"user_id"`
	Activity        string  `json:"activity"`
	DurationMinutes int     `json:"duration_minutes"`
	EmotionSummary  string  `json:"emotion_summary,omitempty"`
	RecentTopics    string  `json:"recent_topics,omitempty"`
	PendingTasks    int     `json:"pending_tasks"`
	UnansweredCount int     `json:"unanswered_count"`
	IdleMinutes     float64 `json:"idle_minutes"`
}

func (d *Decider) gatherContext(ctx context.Context, userID string, activity *collab.Activity) contextSnapshot {
	snap := contextSnapshot{
		UserID:          userID,
		Activity:        activity.App + ": " + activity.Title,
		DurationMinutes: activity.DurationSeconds / 60,
	}

	if d.emotion != nil {
		if state, err := d.emotion.State(ctx); err == nil && state != nil {
			snap.EmotionSummary = fmt.Sprintf("%s (intensity %.0f)", state.Emotion, state.Intensity)
		}
	}
	if pending, err := d.store.Tasks.ListPendingCuriosity(ctx, userID); err == nil {
		snap.PendingTasks = len(pending)
	}
	if rows, err := d.store.Notifications.RecentUnacknowledged(ctx, userID, d.now().Add(-24*time.Hour)); err == nil {
		snap.UnansweredCount = len(rows)
	}
	if last, err := d.store.Sessions.LastInteraction(ctx, userID); err == nil && last != nil {
		snap.IdleMinutes = d.now().Sub(time.Unix(*last, 0)).Minutes()
	}
	return snap
}

const engagementSystemPrompt = `You decide whether a personal AI companion should proactively message its user right now. Interrupting at the wrong moment erodes trust; reach out only when there is a genuinely useful or caring reason. Answer with one JSON object: {"should_engage": bool, "priority": "alert"|"conversation", "message": "...", "reasoning": "..."}`

func (d *Decider) engagementCall(ctx context.Context, snap contextSnapshot) (*engagementVerdict, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	text, err := d.llm.Complete(ctx, engagementSystemPrompt, "Current situation:\n"+string(payload))
	if err != nil {
		return nil, err
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON in engagement response")
	}
	var verdict engagementVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		return nil, fmt.Errorf("parse engagement verdict: %w", err)
	}
	return &verdict, nil
}
