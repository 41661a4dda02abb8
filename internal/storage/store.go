// Package storage persists sessions, conversations, notifications, presence,
// curiosity tasks, exploration findings, and the context cache.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dere-ai/dere/pkg/models"
)

var (
	// ErrNotFound marks an absent resource; HTTP handlers map it to 404.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable marks an unreachable store. Callers treat it as
	// non-fatal where the audit trail is best-effort.
	ErrStoreUnavailable = errors.New("storage unavailable")
)

// FindOrCreateParams identifies a session for continuity resolution.
type FindOrCreateParams struct {
	WorkingDir  string
	Personality string
	Medium      models.Medium
	UserID      string
	// MaxAgeHours bounds how old a session may be to resume it; nil means
	// always resume the most recent one.
	MaxAgeHours *float64
	SandboxMode bool
	MissionID   string
}

// SessionStore persists sessions and their conversation turns.
type SessionStore interface {
	FindOrCreate(ctx context.Context, params FindOrCreateParams) (session *models.Session, resumed bool, err error)
	Get(ctx context.Context, id string) (*models.Session, error)
	SetClaudeSession(ctx context.Context, id, token string) error
	SetName(ctx context.Context, id, name string) error
	Lock(ctx context.Context, id string) error
	End(ctx context.Context, id string, when time.Time) error

	// AppendConversation inserts the turn and its blocks atomically.
	AppendConversation(ctx context.Context, conv *models.Conversation) error
	History(ctx context.Context, sessionID string, limit int) ([]*models.Conversation, error)
	LastMessageTime(ctx context.Context, sessionID string) (*int64, error)
	// LastInteraction returns the most recent conversation timestamp for a
	// user across all sessions, or nil when the user has none.
	LastInteraction(ctx context.Context, userID string) (*int64, error)
}

// ContextCacheStore persists per-session retrieval bundles.
type ContextCacheStore interface {
	Upsert(ctx context.Context, sessionID, text string, metadata []byte) error
	// GetIfFresh returns the cache entry only when it is younger than maxAge.
	GetIfFresh(ctx context.Context, sessionID string, maxAge time.Duration) (*models.ContextCache, error)
}

// NotificationStore persists the proactive notification queue.
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	Get(ctx context.Context, id string) (*models.Notification, error)
	// Pending lists undelivered notifications for a medium ordered by
	// (priority desc, created_at asc).
	Pending(ctx context.Context, medium models.Medium) ([]*models.Notification, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errorMessage string) error
	// Acknowledge is idempotent; repeated calls keep the first timestamp.
	Acknowledge(ctx context.Context, id string, at time.Time) error
	Recent(ctx context.Context, userID string, limit int) ([]*models.Notification, error)
	RecentUnacknowledged(ctx context.Context, userID string, since time.Time) ([]*models.Notification, error)
}

// PresenceStore persists (medium, user) reachability rows.
type PresenceStore interface {
	Upsert(ctx context.Context, p *models.Presence) error
	Heartbeat(ctx context.Context, medium models.Medium, userID string, at time.Time) error
	Delete(ctx context.Context, medium models.Medium, userID string) error
	// ListOnline returns only rows with a heartbeat fresher than staleWindow.
	ListOnline(ctx context.Context, userID string, now time.Time, staleWindow time.Duration) ([]*models.Presence, error)
	SweepStale(ctx context.Context, now time.Time, staleWindow time.Duration) (int64, error)
}

// TaskStore persists project and curiosity tasks.
type TaskStore interface {
	Create(ctx context.Context, task *models.ProjectTask) error
	Update(ctx context.Context, task *models.ProjectTask) error
	Get(ctx context.Context, id string) (*models.ProjectTask, error)
	// FindPendingCuriosity locates a non-terminal curiosity task by
	// normalized title for cross-trigger dedupe.
	FindPendingCuriosity(ctx context.Context, userID, normalizedTitle string) (*models.ProjectTask, error)
	// ListPendingCuriosity returns non-terminal curiosity tasks for a user
	// ordered by (priority desc, created_at asc).
	ListPendingCuriosity(ctx context.Context, userID string) ([]*models.ProjectTask, error)
	// ClaimNextCuriosity atomically claims the highest-priority ready
	// curiosity task, moving it to in_progress and bumping attempt_count.
	// Returns ErrNotFound when the backlog is empty.
	ClaimNextCuriosity(ctx context.Context, userID string, now time.Time) (*models.ProjectTask, error)
	// ResetStuck returns in_progress curiosity tasks older than grace back
	// to ready so a crashed attempt can be re-claimed.
	ResetStuck(ctx context.Context, now time.Time, grace time.Duration) (int64, error)
}

// FindingStore persists exploration findings.
type FindingStore interface {
	Create(ctx context.Context, f *models.ExplorationFinding) error
	ListByTask(ctx context.Context, taskID string) ([]*models.ExplorationFinding, error)
}

// Store groups the persistence dependencies handed to services.
type Store struct {
	Sessions      SessionStore
	ContextCache  ContextCacheStore
	Notifications NotificationStore
	Presence      PresenceStore
	Tasks         TaskStore
	Findings      FindingStore

	closer func() error
}

// Close closes any underlying resources.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
