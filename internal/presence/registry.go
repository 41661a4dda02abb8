// Package presence tracks which mediums can currently reach the user.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dere-ai/dere/internal/backoff"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

// DefaultStaleWindow is how long a presence row stays online without a
// heartbeat.
const DefaultStaleWindow = 60 * time.Second

// ErrUnknownPresence is returned for heartbeats against a row that was never
// registered or has been swept.
var ErrUnknownPresence = errors.New("presence not registered")

// Registry is the authoritative answer to "where is the user reachable right
// now". Adapters register on connect, heartbeat periodically, and are swept
// once their heartbeat goes stale.
type Registry struct {
	store       storage.PresenceStore
	logger      *slog.Logger
	staleWindow time.Duration
	sweeper     *cron.Cron
}

// NewRegistry builds a registry over the given store. A zero staleWindow
// falls back to DefaultStaleWindow.
func NewRegistry(store storage.PresenceStore, logger *slog.Logger, staleWindow time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	return &Registry{
		store:       store,
		logger:      logger.With("component", "presence"),
		staleWindow: staleWindow,
	}
}

// StaleWindow returns the configured heartbeat freshness bound.
func (r *Registry) StaleWindow() time.Duration {
	return r.staleWindow
}

// Register upserts a presence row; re-registering replaces the channel list
// and refreshes the heartbeat.
func (r *Registry) Register(ctx context.Context, p *models.Presence) error {
	if p.Medium == "" || p.UserID == "" {
		return fmt.Errorf("presence requires medium and user_id")
	}
	p.LastHeartbeat = time.Now()
	if err := r.store.Upsert(ctx, p); err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	r.logger.Debug("presence registered",
		"medium", p.Medium, "user_id", p.UserID, "channels", len(p.AvailableChannels))
	return nil
}

// RegisterWithRetry registers with backoff, for adapters racing daemon
// startup.
func (r *Registry) RegisterWithRetry(ctx context.Context, p *models.Presence, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return backoff.Retry(ctx, backoff.DefaultPolicy(), maxAttempts, func(attempt int) error {
		err := r.Register(ctx, p)
		if err != nil && attempt < maxAttempts {
			r.logger.Warn("presence registration failed, retrying",
				"medium", p.Medium, "attempt", attempt, "error", err)
		}
		return err
	})
}

// Heartbeat refreshes the row's freshness. A heartbeat against an unknown or
// already-swept row returns ErrUnknownPresence so the adapter re-registers.
func (r *Registry) Heartbeat(ctx context.Context, medium models.Medium, userID string) error {
	err := r.store.Heartbeat(ctx, medium, userID, time.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownPresence
	}
	return err
}

// Unregister removes the row immediately. Missing rows are not an error; the
// sweep may have won the race.
func (r *Registry) Unregister(ctx context.Context, medium models.Medium, userID string) error {
	return r.store.Delete(ctx, medium, userID)
}

// Online lists the mediums with a fresh heartbeat for a user.
func (r *Registry) Online(ctx context.Context, userID string) ([]*models.Presence, error) {
	return r.store.ListOnline(ctx, userID, time.Now(), r.staleWindow)
}

// IsOnline reports whether a specific medium is reachable for the user.
func (r *Registry) IsOnline(ctx context.Context, userID string, medium models.Medium) (bool, error) {
	rows, err := r.Online(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range rows {
		if p.Medium == medium {
			return true, nil
		}
	}
	return false, nil
}

// StartSweeper schedules the periodic stale-row sweep. Call Stop to halt it.
func (r *Registry) StartSweeper() error {
	if r.sweeper != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc("@every 30s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		removed, err := r.store.SweepStale(ctx, time.Now(), r.staleWindow)
		if err != nil {
			r.logger.Warn("presence sweep failed", "error", err)
			return
		}
		if removed > 0 {
			r.logger.Info("swept stale presence rows", "removed", removed)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule presence sweep: %w", err)
	}
	c.Start()
	r.sweeper = c
	return nil
}

// Stop halts the sweeper and waits for any in-flight run.
func (r *Registry) Stop() {
	if r.sweeper == nil {
		return
	}
	<-r.sweeper.Stop().Done()
	r.sweeper = nil
}
