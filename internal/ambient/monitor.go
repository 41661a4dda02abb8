package ambient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dere-ai/dere/internal/agent"
	"github.com/dere-ai/dere/internal/collab"
	"github.com/dere-ai/dere/internal/config"
	"github.com/dere-ai/dere/internal/curiosity"
	"github.com/dere-ai/dere/internal/notify"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

// explorerService is the slice of the curiosity explorer the monitor needs.
type explorerService interface {
	HasReady(ctx context.Context, userID string) bool
	ExploreOnce(ctx context.Context, userID string) (*curiosity.Result, error)
}

// agentService runs the ambient mission.
type agentService interface {
	OpenSession(ctx context.Context, cfg agent.SessionConfig) (*agent.Session, bool, error)
	Query(ctx context.Context, sessionID, prompt string) (<-chan models.AgentEvent, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// Monitor is the per-user ambient loop: it wakes on FSM intervals, updates
// activity streaks, and dispatches to exploration or engagement. It never
// exits on a per-iteration error.
type Monitor struct {
	userID   string
	store    *storage.Store
	fsm      *FSM
	decider  *Decider
	explorer explorerService
	queue    *notify.Queue
	activity *collab.ActivityClient
	emotion  *collab.EmotionClient
	agents   agentService
	cfg      config.AmbientConfig
	logger   *slog.Logger
	now      func() time.Time

	lastCheckAt        time.Time
	lastNotificationID string

	streakApp     string
	streakTitle   string
	streakSeconds int
	streakUpdated time.Time

	explorationsToday int
	explorationDay    string
	lastExploration   time.Time

	doneCh chan struct{}
}

// NewMonitor wires the ambient loop for one user.
func NewMonitor(userID string, store *storage.Store, fsm *FSM, decider *Decider, explorer explorerService, queue *notify.Queue, activity *collab.ActivityClient, emotion *collab.EmotionClient, agents agentService, cfg config.AmbientConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		userID:   userID,
		store:    store,
		fsm:      fsm,
		decider:  decider,
		explorer: explorer,
		queue:    queue,
		activity: activity,
		emotion:  emotion,
		agents:   agents,
		cfg:      cfg,
		logger:   logger.With("component", "monitor", "user_id", userID),
		now:      time.Now,
		doneCh:   make(chan struct{}),
	}
}

// Run drives the loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.doneCh)

	if delay := time.Duration(m.cfg.StartupDelaySeconds) * time.Second; delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	m.validateDeps()

	for {
		m.iterate(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.sleepInterval()):
		}
	}
}

// Done closes when the loop has exited.
func (m *Monitor) Done() <-chan struct{} { return m.doneCh }

func (m *Monitor) sleepInterval() time.Duration {
	if !m.cfg.FSMEnabled {
		return time.Duration(m.cfg.MinNotificationIntervalMinutes) * time.Minute
	}
	return m.fsm.NextInterval()
}

// validateDeps logs missing collaborators once at startup. The loop runs in
// degraded mode rather than failing closed.
func (m *Monitor) validateDeps() {
	if m.activity == nil {
		m.logger.Warn("activity collaborator not configured; activity signal disabled")
	}
	if m.emotion == nil {
		m.logger.Warn("emotion collaborator not configured; emotion signal disabled")
	}
	if m.explorer == nil || !m.cfg.Exploring.Enabled {
		m.logger.Info("exploration disabled")
	}
}

// iterate runs one monitor tick. Errors are logged and swallowed.
func (m *Monitor) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor iteration panicked", "panic", r)
		}
	}()

	now := m.now()
	lookback := m.lookbackMinutes(now)
	m.lastCheckAt = now

	activity := m.currentActivity(ctx, lookback)
	m.updateStreak(activity, now)

	signals := m.gatherSignals(ctx, activity, now)
	score := Fuse(signals, m.cfg)
	m.resolveEngagement(ctx)
	if m.cfg.FSMEnabled {
		if next := m.fsm.Evaluate(score, signals.Task); next != nil {
			m.logger.Info("fsm transition", "to", *next, "score", fmt.Sprintf("%.2f", score))
		}
	}

	if m.tryExplore(ctx, activity, now) {
		return
	}
	m.tryEngage(ctx, now)
}

func (m *Monitor) lookbackMinutes(now time.Time) int {
	if m.lastCheckAt.IsZero() {
		return 10
	}
	minutes := int(now.Sub(m.lastCheckAt).Minutes())
	max := m.cfg.ActivityLookbackHours * 60
	if minutes < 10 {
		return 10
	}
	if max > 0 && minutes > max {
		return max
	}
	return minutes
}

func (m *Monitor) currentActivity(ctx context.Context, lookbackMinutes int) *collab.Activity {
	if m.activity == nil {
		return nil
	}
	act, err := m.activity.Current(ctx, m.userID, lookbackMinutes)
	if err != nil {
		m.logger.Warn("activity read failed", "error", err)
		return nil
	}
	return act
}

// updateStreak accumulates continuous time in the same app. Title churn
// within one app does not reset the streak; window titles flap too much to
// key continuity on them.
func (m *Monitor) updateStreak(act *collab.Activity, now time.Time) {
	if act.Empty() {
		return
	}
	if act.App == m.streakApp && !m.streakUpdated.IsZero() {
		m.streakSeconds += int(now.Sub(m.streakUpdated).Seconds())
	} else {
		m.streakSeconds = act.DurationSeconds
	}
	m.streakApp = act.App
	m.streakTitle = act.Title
	m.streakUpdated = now
}

// resolveEngagement settles an Engaged window on the tick after a send: an
// acknowledged notification cools down with the attempt counter reset,
// silence lapses with it intact so the escalation path stays armed.
func (m *Monitor) resolveEngagement(ctx context.Context) {
	if !m.cfg.FSMEnabled || m.fsm.State() != StateEngaged || m.lastNotificationID == "" {
		return
	}
	n, err := m.store.Notifications.Get(ctx, m.lastNotificationID)
	if err != nil {
		m.logger.Warn("engagement check failed",
			"notification_id", m.lastNotificationID, "error", err)
		return
	}
	if n.Acknowledged {
		m.fsm.Acknowledged()
	} else {
		m.fsm.EngagementLapsed()
	}
}

func (m *Monitor) gatherSignals(ctx context.Context, act *collab.Activity, now time.Time) Signals {
	s := Signals{
		Activity: ActivitySignal(act, m.streakSeconds),
		Temporal: TemporalSignal(now.Hour()),
	}
	if m.emotion != nil {
		if state, err := m.emotion.State(ctx); err == nil {
			s.Emotion = EmotionSignal(state)
		}
	}
	if recent, err := m.queue.Recent(ctx, m.userID, 10); err == nil && len(recent) > 0 {
		acked := 0
		for _, n := range recent {
			if n.Acknowledged {
				acked++
			}
		}
		s.Responsiveness = ResponsivenessSignal(float64(acked)/float64(len(recent)), true)
	}
	// Without a task-deadline collaborator, overdue and due-soon counts are
	// unknown; the task signal stays neutral.
	return s
}

// tryExplore runs the exploration gate. Returns true when this tick was
// spent exploring.
func (m *Monitor) tryExplore(ctx context.Context, act *collab.Activity, now time.Time) bool {
	if m.explorer == nil || !m.cfg.Exploring.Enabled {
		return false
	}
	state := m.fsm.State()
	if state == StateEngaged || state == StateEscalating {
		return false
	}

	if day := now.Format("2006-01-02"); day != m.explorationDay {
		m.explorationDay = day
		m.explorationsToday = 0
	}
	if m.explorationsToday >= m.cfg.Exploring.MaxExplorationsPerDay {
		m.fsm.ExitExploring(StateIdle)
		return false
	}
	if !m.explorer.HasReady(ctx, m.userID) {
		m.fsm.ExitExploring(StateIdle)
		return false
	}

	force := false
	if h := m.cfg.Exploring.MaxHoursBetweenExplorations; h > 0 {
		force = m.lastExploration.IsZero() || now.Sub(m.lastExploration) >= time.Duration(h)*time.Hour
	}
	if !force {
		if !m.userIdle(ctx, now) {
			return false
		}
		if !act.Empty() && !act.AFK {
			return false
		}
	}

	m.fsm.EnterExploring()
	res, err := m.explorer.ExploreOnce(ctx, m.userID)
	m.explorationsToday++
	m.lastExploration = now
	if err != nil {
		if !errors.Is(err, curiosity.ErrBacklogEmpty) {
			m.logger.Warn("exploration failed", "error", err)
		}
		m.fsm.ExitExploring(StateMonitoring)
		return true
	}
	m.logger.Info("exploration finished",
		"task", res.Title, "findings", len(res.NewFindings), "follow_ups", res.FollowUps)
	m.fsm.ExitExploring(StateMonitoring)
	return true
}

func (m *Monitor) userIdle(ctx context.Context, now time.Time) bool {
	last, err := m.store.Sessions.LastInteraction(ctx, m.userID)
	if err != nil {
		m.logger.Warn("idle check failed", "error", err)
		return false
	}
	if last == nil {
		return true
	}
	minIdle := time.Duration(m.cfg.Exploring.MinIdleMinutes) * time.Minute
	return now.Sub(time.Unix(*last, 0)) >= minIdle
}

func (m *Monitor) tryEngage(ctx context.Context, now time.Time) {
	if m.decider == nil {
		return
	}
	// Minimum inter-notification spacing uses the monotonic clock so wall
	// clock changes cannot shrink the gap.
	if last := m.fsm.LastNotification(); !last.IsZero() {
		minGap := time.Duration(m.cfg.MinNotificationIntervalMinutes) * time.Minute
		if now.Sub(last) < minGap {
			return
		}
	}

	decision := m.decider.ShouldEngage(ctx, m.userID, m.lookbackMinutes(now))
	if !decision.Should {
		return
	}

	mission, err := m.runAmbientMission(ctx, decision)
	if err != nil {
		m.logger.Warn("ambient mission failed", "error", err)
		return
	}
	if !mission.Send || mission.Confidence < 0.5 {
		m.logger.Info("ambient mission declined to send",
			"send", mission.Send, "confidence", mission.Confidence)
		return
	}

	message := mission.Message
	if message == "" {
		message = decision.Message
	}
	priority := models.Priority(mission.Priority)
	if priority != models.PriorityAlert {
		priority = decision.Priority
	}

	// While escalating, an unanswered predecessor chains the new send to
	// its escalation root; acknowledging any link settles the whole chain.
	triggerType := "ambient_mission"
	parentID := ""
	if m.fsm.State() == StateEscalating && m.lastNotificationID != "" {
		if prev, err := m.store.Notifications.Get(ctx, m.lastNotificationID); err == nil && !prev.Acknowledged {
			if root, err := m.queue.ChainRoot(ctx, prev.ID); err == nil {
				parentID = root.ID
				triggerType = "ambient_escalation"
			}
		}
	}

	n := &models.Notification{
		ID:               uuid.NewString(),
		UserID:           m.userID,
		TargetMedium:     decision.TargetMedium,
		TargetLocation:   decision.TargetLocation,
		Message:          message,
		Priority:         priority,
		RoutingReasoning: decision.Reasoning,
		ParentID:         parentID,
		Context: &models.NotificationContext{
			TriggerType:     triggerType,
			ContextSnapshot: decision.Snapshot,
		},
	}
	if err := m.queue.Enqueue(ctx, n); err != nil {
		m.logger.Warn("failed to enqueue ambient notification", "error", err)
		return
	}
	m.lastNotificationID = n.ID
	m.fsm.NotificationSent(m.now())
	m.logger.Info("ambient notification sent",
		"notification_id", n.ID, "medium", n.TargetMedium, "priority", n.Priority)
}

// ambientMissionOutput is the structured verdict of the ambient mission.
type ambientMissionOutput struct {
	Send       bool    `json:"send"`
	Message    string  `json:"message"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
}

const ambientMissionSystem = `You are the outreach voice of a personal AI companion. Given the situation snapshot and a draft message, decide whether to actually send something and, if so, write the final message in a warm, brief register. Answer with one JSON object: {"send": bool, "message": "...", "priority": "alert"|"conversation", "confidence": 0.0}`

// runAmbientMission refines the engagement decision through a sandboxed
// agent turn before anything reaches the user.
func (m *Monitor) runAmbientMission(ctx context.Context, decision *Decision) (*ambientMissionOutput, error) {
	if m.agents == nil {
		// No agent service wired; trust the decider's draft directly.
		return &ambientMissionOutput{
			Send:       true,
			Message:    decision.Message,
			Priority:   string(decision.Priority),
			Confidence: 1,
		}, nil
	}

	sess, _, err := m.agents.OpenSession(ctx, agent.SessionConfig{
		Personality: ambientMissionSystem,
		Medium:      models.MediumAgentAPI,
		UserID:      m.userID,
		AutoApprove: true,
		Sandbox:     true,
		MissionID:   "ambient:" + uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("open ambient session: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.agents.CloseSession(closeCtx, sess.ID); err != nil && !errors.Is(err, agent.ErrSessionNotFound) {
			m.logger.Warn("ambient session close failed", "error", err)
		}
	}()

	prompt := fmt.Sprintf("Situation snapshot:\n%s\n\nDraft message: %s\nDraft priority: %s",
		decision.Snapshot, decision.Message, decision.Priority)
	events, err := m.agents.Query(ctx, sess.ID, prompt)
	if err != nil {
		return nil, fmt.Errorf("ambient query: %w", err)
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
				return nil, fmt.Errorf("ambient mission error: %s", ev.Error.Message)
			}
		}
	}

	start := strings.Index(responseText, "{")
	end := strings.LastIndex(responseText, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON in ambient mission response")
	}
	var out ambientMissionOutput
	if err := json.Unmarshal([]byte(responseText[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parse ambient mission output: %w", err)
	}
	return &out, nil
}
