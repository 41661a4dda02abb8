// Package agent multiplexes LLM sessions: streaming queries with replayable
// sequence numbers, cancellation, a tool permission broker, and local or
// sandboxed runners.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dere-ai/dere/internal/config"
	"github.com/dere-ai/dere/internal/metrics"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

var (
	// ErrSessionNotFound marks operations against an unknown session id.
	ErrSessionNotFound = errors.New("agent session not found")
	// ErrSessionLocked rejects queries against a locked session.
	ErrSessionLocked = errors.New("agent session is locked")
	// ErrQueryInFlight rejects a second concurrent query on one session.
	ErrQueryInFlight = errors.New("query already in flight")
)

// SessionConfig describes a logical session to open or resume.
type SessionConfig struct {
	WorkingDir   string
	Personality  string
	Medium       models.Medium
	UserID       string
	AutoApprove  bool
	Sandbox      bool
	MissionID    string
	AllowedTools []string
	// MaxAgeHours bounds resume eligibility; nil resumes the latest session
	// regardless of age.
	MaxAgeHours *float64
}

// Session is the in-memory half of one logical agent session.
type Session struct {
	ID     string
	Row    *models.Session
	config SessionConfig
	runner Runner
	ring   *eventRing

	mu  sync.Mutex
	out chan models.AgentEvent
	// queryOut is the channel handed to the original Query caller; out may
	// be swapped to a reconnecting client's channel by Attach.
	queryOut     chan models.AgentEvent
	querying     bool
	cancelled    atomic.Bool
	lastActivity time.Time
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// emit stamps the event and forwards it to the active event sink. Append
// and send happen under the session lock so Attach sees a consistent cut:
// every event lands in exactly one of replay or the live channel.
func (s *Session) emit(ev models.AgentEvent) models.AgentEvent {
	ev.SessionID = s.ID
	s.mu.Lock()
	stamped := s.ring.Append(ev)
	if s.out != nil {
		s.out <- stamped
	}
	s.mu.Unlock()
	return stamped
}

// Service owns every live agent session in the process.
type Service struct {
	store  *storage.Store
	agent  config.AgentConfig
	llm    config.LLMConfig
	client anthropic.Client
	broker *permissionBroker
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// runnerFactory is swappable in tests.
	runnerFactory func(sess *Session, row *models.Session) Runner

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewService builds the agent service. The anthropic client is shared by
// every local runner.
func NewService(store *storage.Store, agentCfg config.AgentConfig, llmCfg config.LLMConfig, client anthropic.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		agent:    agentCfg,
		llm:      llmCfg,
		client:   client,
		broker:   newPermissionBroker(time.Duration(agentCfg.PermissionTimeoutSeconds) * time.Second),
		logger:   logger.With("component", "agent"),
		sessions: map[string]*Session{},
	}
}

// OpenSession finds-or-creates the session row and stands up its runner. A
// second open of a live session returns the existing handle.
func (s *Service) OpenSession(ctx context.Context, cfg SessionConfig) (*Session, bool, error) {
	row, resumed, err := s.store.Sessions.FindOrCreate(ctx, storage.FindOrCreateParams{
		WorkingDir:  cfg.WorkingDir,
		Personality: cfg.Personality,
		Medium:      cfg.Medium,
		UserID:      cfg.UserID,
		MaxAgeHours: cfg.MaxAgeHours,
		SandboxMode: cfg.Sandbox,
		MissionID:   cfg.MissionID,
	})
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if existing, ok := s.sessions[row.ID]; ok {
		s.mu.Unlock()
		existing.touch()
		return existing, true, nil
	}
	s.mu.Unlock()

	sess := &Session{
		ID:           row.ID,
		Row:          row,
		config:       cfg,
		ring:         newEventRing(s.agent.EventBufferSize),
		lastActivity: time.Now(),
	}
	if s.runnerFactory != nil {
		sess.runner = s.runnerFactory(sess, row)
	} else {
		sess.runner = s.buildRunner(sess, row)
	}

	if err := sess.runner.Start(ctx); err != nil {
		return nil, false, fmt.Errorf("start runner: %w", err)
	}
	if token := sess.runner.ClaudeSessionID(); token != "" && token != row.ClaudeSessionID {
		if err := s.store.Sessions.SetClaudeSession(ctx, row.ID, token); err != nil {
			s.logger.Warn("failed to persist resume token", "session_id", row.ID, "error", err)
		}
	}

	s.mu.Lock()
	s.sessions[row.ID] = sess
	s.mu.Unlock()

	metrics.SessionsStarted.WithLabelValues(string(cfg.Medium), fmt.Sprintf("%t", resumed)).Inc()
	s.logger.Info("session opened",
		"session_id", row.ID, "medium", cfg.Medium, "sandbox", cfg.Sandbox, "resumed", resumed)

	sess.emit(models.AgentEvent{Type: models.EventSessionReady, Time: time.Now()})
	return sess, resumed, nil
}

func (s *Service) buildRunner(sess *Session, row *models.Session) Runner {
	rc := RunnerConfig{
		Model:        s.llm.Model,
		SystemPrompt: sess.config.Personality,
		MaxTokens:    s.llm.MaxTokens,
		WorkingDir:   sess.config.WorkingDir,
		AllowedTools: sess.config.AllowedTools,
		ResumeToken:  row.ClaudeSessionID,
		Permission:   s.permissionFunc(sess),
	}
	if sess.config.Sandbox {
		return NewSandboxRunner(s.agent.SandboxCommand, rc,
			time.Duration(s.agent.SandboxReadySeconds)*time.Second, s.logger)
	}
	return NewLocalRunner(s.client, rc, nil, s.logger)
}

// permissionFunc mints a broker request, surfaces it as an event on the
// session stream, and blocks the tool until the client answers or the
// timeout denies.
func (s *Service) permissionFunc(sess *Session) PermissionFunc {
	return func(ctx context.Context, toolName string, input []byte) Decision {
		if sess.config.AutoApprove {
			metrics.PermissionOutcomes.WithLabelValues("auto").Inc()
			return Decision{Allowed: true}
		}
		requestID := s.broker.Create(sess.ID)
		sess.emit(models.AgentEvent{
			Type: models.EventPermissionRequest,
			Time: time.Now(),
			Permission: &models.PermissionPayload{
				RequestID: requestID,
				ToolName:  toolName,
				ToolInput: input,
			},
		})
		return s.broker.Wait(ctx, requestID)
	}
}

// ResolvePermission delivers the client's allow/deny for a pending request.
func (s *Service) ResolvePermission(requestID string, allowed bool, denyMessage string) error {
	return s.broker.Resolve(requestID, Decision{Allowed: allowed, DenyMessage: denyMessage})
}

// Get returns the live session handle.
func (s *Service) Get(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Attach re-binds a reconnecting client to the session stream: buffered
// events with sequence > lastSeq, plus a live channel carrying everything
// after them while a query is in flight. The live channel is closed when
// the query ends; it is nil when no query is running.
func (s *Service) Attach(sessionID string, lastSeq uint64) ([]models.AgentEvent, <-chan models.AgentEvent, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	replay := sess.ring.Since(lastSeq)
	if !sess.querying {
		return replay, nil, nil
	}
	// A previous reconnect's channel has no other closer once detached.
	if sess.out != nil && sess.out != sess.queryOut {
		close(sess.out)
	}
	live := make(chan models.AgentEvent, 128)
	sess.out = live
	return replay, live, nil
}

// Query streams one turn. Events on the returned channel carry monotonic
// sequence numbers; the stream terminates with done, cancelled, or error.
func (s *Service) Query(ctx context.Context, sessionID, prompt string) (<-chan models.AgentEvent, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	row, err := s.store.Sessions.Get(ctx, sessionID)
	if err == nil && row.IsLocked {
		return nil, ErrSessionLocked
	}

	out := make(chan models.AgentEvent, 128)
	sess.mu.Lock()
	if sess.querying {
		sess.mu.Unlock()
		return nil, ErrQueryInFlight
	}
	sess.querying = true
	sess.out = out
	sess.queryOut = out
	sess.cancelled.Store(false)
	sess.lastActivity = time.Now()
	sess.mu.Unlock()

	runnerKind := "local"
	if sess.config.Sandbox {
		runnerKind = "sandbox"
	}
	metrics.AgentQueries.WithLabelValues(runnerKind).Inc()

	go s.runQuery(ctx, sess, prompt, out, runnerKind)
	return out, nil
}

func (s *Service) runQuery(ctx context.Context, sess *Session, prompt string, out chan models.AgentEvent, runnerKind string) {
	start := time.Now()
	defer func() {
		sess.mu.Lock()
		sess.querying = false
		cur := sess.out
		sess.out = nil
		sess.queryOut = nil
		sess.mu.Unlock()
		// Close the attached channel too if a reconnect swapped it in.
		if cur != nil && cur != out {
			close(cur)
		}
		close(out)
		metrics.AgentQueryDuration.WithLabelValues(runnerKind).Observe(time.Since(start).Seconds())
	}()

	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.persistUserTurn(sess, prompt)

	events, err := sess.runner.Query(queryCtx, prompt)
	if err != nil {
		sess.emit(errorEvent(err, false))
		return
	}

	coalescer := newBlockCoalescer()
	timing := newTimingTracker(start)

	for ev := range events {
		if sess.cancelled.Load() {
			cancel()
			// Drain so the runner goroutine can exit.
			go func() {
				for range events {
				}
			}()
			sess.emit(models.AgentEvent{Type: models.EventCancelled, Time: time.Now()})
			return
		}

		switch ev.Type {
		case models.EventDone:
			toolCount, toolNames := coalescer.ToolStats()
			m := timing.Metrics(time.Now(), toolCount, toolNames)
			responseText := coalescer.ResponseText()
			if ev.Done != nil && ev.Done.ResponseText != "" {
				responseText = ev.Done.ResponseText
			}
			done := models.AgentEvent{
				Type: models.EventDone,
				Time: time.Now(),
				Done: &models.DonePayload{
					ResponseText: responseText,
					ToolCount:    toolCount,
					Timings:      m,
				},
			}
			s.persistAssistantTurn(sess, responseText, coalescer.Blocks(), m)
			sess.emit(done)
			sess.touch()
			return

		case models.EventError:
			sess.emit(ev)
			if ev.Error == nil || !ev.Error.Recoverable {
				return
			}

		default:
			timing.Observe(ev.Type, time.Now())
			coalescer.Add(ev)
			sess.emit(ev)
		}
	}
	// Runner channel closed without a terminal event.
	sess.emit(errorEvent(fmt.Errorf("runner stream ended unexpectedly"), false))
}

// persistUserTurn records the prompt. Persistence is best-effort; failures
// degrade the audit trail, not the conversation.
func (s *Service) persistUserTurn(sess *Session, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.store.Sessions.AppendConversation(ctx, &models.Conversation{
		SessionID:   sess.ID,
		Prompt:      prompt,
		MessageType: models.MessageUser,
		Timestamp:   time.Now().Unix(),
		Medium:      sess.config.Medium,
		UserID:      sess.config.UserID,
	})
	if err != nil {
		s.logger.Warn("failed to persist user turn", "session_id", sess.ID, "error", err)
	}
}

func (s *Service) persistAssistantTurn(sess *Session, responseText string, blocks []models.ConversationBlock, m *models.ConversationMetrics) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.store.Sessions.AppendConversation(ctx, &models.Conversation{
		SessionID:   sess.ID,
		Prompt:      responseText,
		MessageType: models.MessageAssistant,
		Timestamp:   time.Now().Unix(),
		Medium:      sess.config.Medium,
		UserID:      sess.config.UserID,
		Metrics:     m,
		Blocks:      blocks,
	})
	if err != nil {
		s.logger.Warn("failed to persist assistant turn", "session_id", sess.ID, "error", err)
	}
}

// CancelQuery flags the active query; the streaming loop emits cancelled on
// the next runner event.
func (s *Service) CancelQuery(sessionID string) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	sess.cancelled.Store(true)
	return nil
}

// UpdateConfig mutates the session's prompt-affecting settings in place.
func (s *Service) UpdateConfig(sessionID string, personality *string, autoApprove *bool) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if personality != nil {
		sess.config.Personality = *personality
	}
	if autoApprove != nil {
		sess.config.AutoApprove = *autoApprove
	}
	return nil
}

// NameSession records a human-readable name on the session row.
func (s *Service) NameSession(ctx context.Context, sessionID, name string) error {
	err := s.store.Sessions.SetName(ctx, sessionID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// CloseSession shuts the runner down and ends the session row.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.broker.DropSession(sessionID)
	if err := sess.runner.Close(); err != nil {
		s.logger.Warn("runner close failed", "session_id", sessionID, "error", err)
	}
	if err := s.store.Sessions.End(ctx, sessionID, time.Now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.logger.Info("session closed", "session_id", sessionID)
	return nil
}

// Start launches the idle cleanup loop.
func (s *Service) Start() {
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	interval := time.Duration(s.agent.IdleCleanupSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.cleanupIdle()
			}
		}
	}()
}

// cleanupIdle closes sandboxed sessions idle past the configured bound and
// locks their rows so they are not resumed.
func (s *Service) cleanupIdle() {
	maxIdle := time.Duration(s.agent.SandboxIdleSeconds) * time.Second
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}

	s.mu.Lock()
	var idle []*Session
	for _, sess := range s.sessions {
		sess.mu.Lock()
		inactive := !sess.querying && time.Since(sess.lastActivity) > maxIdle
		sess.mu.Unlock()
		if sess.config.Sandbox && inactive {
			idle = append(idle, sess)
			delete(s.sessions, sess.ID)
		}
	}
	s.mu.Unlock()

	for _, sess := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.broker.DropSession(sess.ID)
		if err := sess.runner.Close(); err != nil {
			s.logger.Warn("idle runner close failed", "session_id", sess.ID, "error", err)
		}
		if err := s.store.Sessions.Lock(ctx, sess.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to lock idle session", "session_id", sess.ID, "error", err)
		}
		cancel()
		s.logger.Info("idle sandbox session closed", "session_id", sess.ID)
	}
}

// Stop halts cleanup and closes every live session. Sandboxed rows are
// additionally locked.
func (s *Service) Stop(ctx context.Context) {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
		s.stopCh = nil
	}

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = map[string]*Session{}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.broker.DropSession(sess.ID)
		sess.runner.Close() //nolint:errcheck
		if sess.config.Sandbox {
			if err := s.store.Sessions.Lock(ctx, sess.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("failed to lock session on shutdown", "session_id", sess.ID, "error", err)
			}
		}
	}
}
