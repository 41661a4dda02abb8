package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dere-ai/dere/pkg/models"
)

// NewMemory returns a fully in-memory Store. It backs tests and the
// --ephemeral daemon mode; nothing survives process exit.
func NewMemory() *Store {
	return &Store{
		Sessions:      newMemSessionStore(),
		ContextCache:  &memContextCacheStore{entries: map[string]*models.ContextCache{}},
		Notifications: &memNotificationStore{byID: map[string]*models.Notification{}},
		Presence:      &memPresenceStore{rows: map[presenceKey]*models.Presence{}},
		Tasks:         &memTaskStore{byID: map[string]*models.ProjectTask{}},
		Findings:      &memFindingStore{byTask: map[string][]*models.ExplorationFinding{}},
	}
}

// --- sessions ---

type memSessionStore struct {
	mu            sync.Mutex
	sessions      map[string]*models.Session
	conversations map[string][]*models.Conversation // keyed by session ID
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{
		sessions:      map[string]*models.Session{},
		conversations: map[string][]*models.Conversation{},
	}
}

func cloneSession(s *models.Session) *models.Session {
	out := *s
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return &out
}

func (m *memSessionStore) FindOrCreate(_ context.Context, params FindOrCreateParams) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Session
	for _, s := range m.sessions {
		if s.WorkingDir != params.WorkingDir || s.Medium != params.Medium || s.UserID != params.UserID {
			continue
		}
		if latest == nil || s.StartTime.After(latest.StartTime) {
			latest = s
		}
	}

	if latest != nil && !latest.Ended() && !latest.IsLocked {
		if params.MaxAgeHours == nil ||
			time.Since(latest.StartTime) <= time.Duration(*params.MaxAgeHours*float64(time.Hour)) {
			return cloneSession(latest), true, nil
		}
	}

	session := &models.Session{
		ID:          uuid.NewString(),
		WorkingDir:  params.WorkingDir,
		Medium:      params.Medium,
		UserID:      params.UserID,
		Personality: params.Personality,
		StartTime:   time.Now(),
		SandboxMode: params.SandboxMode,
		MissionID:   params.MissionID,
	}
	if latest != nil {
		session.ContinuedFrom = latest.ID
	}
	m.sessions[session.ID] = session
	return cloneSession(session), false, nil
}

func (m *memSessionStore) Get(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *memSessionStore) mutate(id string, fn func(*models.Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	return nil
}

func (m *memSessionStore) SetClaudeSession(_ context.Context, id, token string) error {
	return m.mutate(id, func(s *models.Session) { s.ClaudeSessionID = token })
}

func (m *memSessionStore) SetName(_ context.Context, id, name string) error {
	return m.mutate(id, func(s *models.Session) { s.Name = name })
}

func (m *memSessionStore) Lock(_ context.Context, id string) error {
	return m.mutate(id, func(s *models.Session) { s.IsLocked = true })
}

func (m *memSessionStore) End(_ context.Context, id string, when time.Time) error {
	return m.mutate(id, func(s *models.Session) {
		if s.EndTime == nil {
			t := when
			s.EndTime = &t
		}
	})
}

func (m *memSessionStore) AppendConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	c := *conv
	c.Blocks = append([]models.ConversationBlock(nil), conv.Blocks...)
	m.conversations[conv.SessionID] = append(m.conversations[conv.SessionID], &c)
	return nil
}

func (m *memSessionStore) History(_ context.Context, sessionID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.conversations[sessionID]
	sorted := append([]*models.Conversation(nil), all...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	out := make([]*models.Conversation, len(sorted))
	for i, c := range sorted {
		cc := *c
		out[i] = &cc
	}
	return out, nil
}

func (m *memSessionStore) LastMessageTime(_ context.Context, sessionID string) (*int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max *int64
	for _, c := range m.conversations[sessionID] {
		if max == nil || c.Timestamp > *max {
			ts := c.Timestamp
			max = &ts
		}
	}
	return max, nil
}

func (m *memSessionStore) LastInteraction(_ context.Context, userID string) (*int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max *int64
	for _, convs := range m.conversations {
		for _, c := range convs {
			if c.UserID != userID {
				continue
			}
			if max == nil || c.Timestamp > *max {
				ts := c.Timestamp
				max = &ts
			}
		}
	}
	return max, nil
}

// --- context cache ---

type memContextCacheStore struct {
	mu      sync.Mutex
	entries map[string]*models.ContextCache
}

func (m *memContextCacheStore) Upsert(_ context.Context, sessionID, text string, metadata []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	e, ok := m.entries[sessionID]
	if !ok {
		e = &models.ContextCache{SessionID: sessionID, CreatedAt: now}
		m.entries[sessionID] = e
	}
	e.ContextText = text
	e.ContextMetadata = append([]byte(nil), metadata...)
	e.UpdatedAt = now
	return nil
}

func (m *memContextCacheStore) GetIfFresh(_ context.Context, sessionID string, maxAge time.Duration) (*models.ContextCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok || time.Since(e.UpdatedAt) > maxAge {
		return nil, ErrNotFound
	}
	out := *e
	out.ContextMetadata = append([]byte(nil), e.ContextMetadata...)
	return &out, nil
}

// --- notifications ---

type memNotificationStore struct {
	mu   sync.Mutex
	byID map[string]*models.Notification
}

func cloneNotification(n *models.Notification) *models.Notification {
	out := *n
	if n.DeliveredAt != nil {
		t := *n.DeliveredAt
		out.DeliveredAt = &t
	}
	if n.AcknowledgedAt != nil {
		t := *n.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if n.Context != nil {
		c := *n.Context
		out.Context = &c
	}
	return &out
}

func (m *memNotificationStore) Create(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Status == "" {
		n.Status = models.NotificationPending
	}
	m.byID[n.ID] = cloneNotification(n)
	return nil
}

func (m *memNotificationStore) Get(_ context.Context, id string) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNotification(n), nil
}

func (m *memNotificationStore) Pending(_ context.Context, medium models.Medium) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Notification
	for _, n := range m.byID {
		if n.Status == models.NotificationPending && n.TargetMedium == medium {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memNotificationStore) mutate(id string, fn func(*models.Notification)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(n)
	return nil
}

func (m *memNotificationStore) MarkDelivered(_ context.Context, id string) error {
	return m.mutate(id, func(n *models.Notification) {
		now := time.Now()
		n.Status = models.NotificationDelivered
		n.DeliveredAt = &now
		n.ErrorMessage = ""
	})
}

func (m *memNotificationStore) MarkFailed(_ context.Context, id, errorMessage string) error {
	return m.mutate(id, func(n *models.Notification) {
		now := time.Now()
		n.Status = models.NotificationFailed
		n.DeliveredAt = &now
		n.ErrorMessage = errorMessage
	})
}

func (m *memNotificationStore) Acknowledge(_ context.Context, id string, at time.Time) error {
	return m.mutate(id, func(n *models.Notification) {
		if n.Acknowledged {
			return
		}
		n.Acknowledged = true
		t := at
		n.AcknowledgedAt = &t
	})
}

func (m *memNotificationStore) Recent(_ context.Context, userID string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Notification
	for _, n := range m.byID {
		if n.UserID == userID {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memNotificationStore) RecentUnacknowledged(_ context.Context, userID string, since time.Time) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Notification
	for _, n := range m.byID {
		if n.UserID == userID && !n.Acknowledged && !n.CreatedAt.Before(since) {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// --- presence ---

type presenceKey struct {
	medium models.Medium
	userID string
}

type memPresenceStore struct {
	mu   sync.Mutex
	rows map[presenceKey]*models.Presence
}

func clonePresence(p *models.Presence) *models.Presence {
	out := *p
	out.AvailableChannels = append([]models.PresenceChannel(nil), p.AvailableChannels...)
	return &out
}

func (m *memPresenceStore) Upsert(_ context.Context, p *models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.LastHeartbeat.IsZero() {
		p.LastHeartbeat = time.Now()
	}
	m.rows[presenceKey{p.Medium, p.UserID}] = clonePresence(p)
	return nil
}

func (m *memPresenceStore) Heartbeat(_ context.Context, medium models.Medium, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[presenceKey{medium, userID}]
	if !ok {
		return ErrNotFound
	}
	p.LastHeartbeat = at
	return nil
}

func (m *memPresenceStore) Delete(_ context.Context, medium models.Medium, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, presenceKey{medium, userID})
	return nil
}

func (m *memPresenceStore) ListOnline(_ context.Context, userID string, now time.Time, staleWindow time.Duration) ([]*models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Presence
	for _, p := range m.rows {
		if p.UserID == userID && now.Sub(p.LastHeartbeat) < staleWindow {
			out = append(out, clonePresence(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Medium < out[j].Medium })
	return out, nil
}

func (m *memPresenceStore) SweepStale(_ context.Context, now time.Time, staleWindow time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for k, p := range m.rows {
		if now.Sub(p.LastHeartbeat) >= staleWindow {
			delete(m.rows, k)
			removed++
		}
	}
	return removed, nil
}

// --- tasks ---

type memTaskStore struct {
	mu   sync.Mutex
	byID map[string]*models.ProjectTask
}

func cloneTask(t *models.ProjectTask) *models.ProjectTask {
	out := *t
	clonePtr := func(p *time.Time) *time.Time {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	out.StartedAt = clonePtr(t.StartedAt)
	out.CompletedAt = clonePtr(t.CompletedAt)
	out.Extra.LastTriggeredAt = clonePtr(t.Extra.LastTriggeredAt)
	out.Extra.LastExploredAt = clonePtr(t.Extra.LastExploredAt)
	out.Extra.PrunedAt = clonePtr(t.Extra.PrunedAt)
	out.Extra.Findings = append([]string(nil), t.Extra.Findings...)
	out.Extra.PromotedFactIDs = append([]string(nil), t.Extra.PromotedFactIDs...)
	if t.Extra.PriorityFactors != nil {
		f := *t.Extra.PriorityFactors
		out.Extra.PriorityFactors = &f
	}
	return &out
}

func (m *memTaskStore) Create(_ context.Context, task *models.ProjectTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.byID[task.ID] = cloneTask(task)
	return nil
}

func (m *memTaskStore) Update(_ context.Context, task *models.ProjectTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[task.ID]; !ok {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now()
	m.byID[task.ID] = cloneTask(task)
	return nil
}

func (m *memTaskStore) Get(_ context.Context, id string) (*models.ProjectTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *memTaskStore) FindPendingCuriosity(_ context.Context, userID, normalizedTitle string) (*models.ProjectTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.ProjectTask
	for _, t := range m.byID {
		if t.UserID != userID || t.TaskType != models.TaskTypeCuriosity || t.Status.Terminal() {
			continue
		}
		if models.NormalizeTitle(t.Title) != normalizedTitle {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneTask(latest), nil
}

func (m *memTaskStore) ListPendingCuriosity(_ context.Context, userID string) ([]*models.ProjectTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ProjectTask
	for _, t := range m.byID {
		if t.UserID == userID && t.TaskType == models.TaskTypeCuriosity && !t.Status.Terminal() {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memTaskStore) ClaimNextCuriosity(_ context.Context, userID string, now time.Time) (*models.ProjectTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.ProjectTask
	for _, t := range m.byID {
		if t.UserID != userID || t.TaskType != models.TaskTypeCuriosity || t.Status != models.TaskReady {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	best.Status = models.TaskInProgress
	t := now
	best.StartedAt = &t
	best.AttemptCount++
	best.UpdatedAt = now
	return cloneTask(best), nil
}

func (m *memTaskStore) ResetStuck(_ context.Context, now time.Time, grace time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reset int64
	for _, t := range m.byID {
		if t.TaskType != models.TaskTypeCuriosity || t.Status != models.TaskInProgress {
			continue
		}
		if t.StartedAt != nil && now.Sub(*t.StartedAt) > grace {
			t.Status = models.TaskReady
			t.UpdatedAt = now
			reset++
		}
	}
	return reset, nil
}

// --- findings ---

type memFindingStore struct {
	mu     sync.Mutex
	byTask map[string][]*models.ExplorationFinding
}

func (m *memFindingStore) Create(_ context.Context, f *models.ExplorationFinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	c := *f
	m.byTask[f.TaskID] = append(m.byTask[f.TaskID], &c)
	return nil
}

func (m *memFindingStore) ListByTask(_ context.Context, taskID string) ([]*models.ExplorationFinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byTask[taskID]
	out := make([]*models.ExplorationFinding, len(list))
	for i, f := range list {
		c := *f
		out[i] = &c
	}
	return out, nil
}
