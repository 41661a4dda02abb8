// Package notify owns the proactive notification queue: enqueue, adapter
// polling, delivery bookkeeping, and acknowledgment chains.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dere-ai/dere/internal/metrics"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

// ErrInvalidNotification marks an enqueue request missing required fields.
var ErrInvalidNotification = errors.New("invalid notification")

// Queue mediates between notification producers (the ambient loop, the
// explorer) and the adapters that poll for deliverable messages.
type Queue struct {
	store  storage.NotificationStore
	logger *slog.Logger
}

// NewQueue builds the queue service.
func NewQueue(store storage.NotificationStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger.With("component", "notify")}
}

// Enqueue validates and persists a notification in pending state.
func (q *Queue) Enqueue(ctx context.Context, n *models.Notification) error {
	if n.UserID == "" || n.TargetMedium == "" || n.Message == "" {
		return fmt.Errorf("%w: user_id, target_medium and message are required", ErrInvalidNotification)
	}
	switch n.Priority {
	case models.PriorityAlert, models.PriorityConversation:
	case "":
		n.Priority = models.PriorityConversation
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidNotification, n.Priority)
	}
	if n.ParentID != "" {
		if _, err := q.store.Get(ctx, n.ParentID); err != nil {
			return fmt.Errorf("resolve parent %s: %w", n.ParentID, err)
		}
	}

	if err := q.store.Create(ctx, n); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	metrics.NotificationsCreated.WithLabelValues(string(n.Priority)).Inc()
	q.logger.Info("notification enqueued",
		"id", n.ID, "user_id", n.UserID, "medium", n.TargetMedium, "priority", n.Priority)
	return nil
}

// Pending returns deliverable notifications for a medium, alerts first and
// oldest first within a priority.
func (q *Queue) Pending(ctx context.Context, medium models.Medium) ([]*models.Notification, error) {
	return q.store.Pending(ctx, medium)
}

// MarkDelivered records a successful delivery.
func (q *Queue) MarkDelivered(ctx context.Context, id string) error {
	if err := q.store.MarkDelivered(ctx, id); err != nil {
		return err
	}
	metrics.NotificationsDelivered.WithLabelValues("delivered").Inc()
	return nil
}

// MarkFailed records a delivery failure with the adapter's error text.
func (q *Queue) MarkFailed(ctx context.Context, id, errorMessage string) error {
	if err := q.store.MarkFailed(ctx, id, errorMessage); err != nil {
		return err
	}
	metrics.NotificationsDelivered.WithLabelValues("failed").Inc()
	q.logger.Warn("notification delivery failed", "id", id, "error", errorMessage)
	return nil
}

// Acknowledge marks a notification and every ancestor in its escalation
// chain as acknowledged. Repeat acknowledgments are no-ops.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	now := time.Now()
	seen := map[string]bool{}
	for id != "" && !seen[id] {
		seen[id] = true
		n, err := q.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := q.store.Acknowledge(ctx, id, now); err != nil {
			return err
		}
		id = n.ParentID
	}
	return nil
}

// ChainRoot walks parent links to the first notification in an escalation
// chain.
func (q *Queue) ChainRoot(ctx context.Context, id string) (*models.Notification, error) {
	seen := map[string]bool{}
	for {
		if seen[id] {
			return nil, fmt.Errorf("notification chain cycle at %s", id)
		}
		seen[id] = true
		n, err := q.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if n.ParentID == "" {
			return n, nil
		}
		id = n.ParentID
	}
}

// Recent lists a user's latest notifications regardless of state.
func (q *Queue) Recent(ctx context.Context, userID string, limit int) ([]*models.Notification, error) {
	return q.store.Recent(ctx, userID, limit)
}

// Unanswered reports how many notifications the user has ignored since the
// cutoff. The escalation signal feeds on this.
func (q *Queue) Unanswered(ctx context.Context, userID string, since time.Time) (int, error) {
	rows, err := q.store.RecentUnacknowledged(ctx, userID, since)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
