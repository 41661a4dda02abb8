package models

import (
	"time"
)

// PresenceChannel is one reachable destination on a medium, as the adapter
// sees it (a channel or DM id).
type PresenceChannel struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"` // dm, channel, thread, ...
}

// Presence declares that a (medium, user) pair is reachable and lists its
// destinations. A row is online only while its heartbeat is fresh.
type Presence struct {
	Medium            Medium            `json:"medium"`
	UserID            string            `json:"user_id"`
	AvailableChannels []PresenceChannel `json:"available_channels"`
	LastHeartbeat     time.Time         `json:"last_heartbeat"`
}

// Online reports whether the row's heartbeat is within the stale window.
func (p *Presence) Online(now time.Time, staleWindow time.Duration) bool {
	return now.Sub(p.LastHeartbeat) < staleWindow
}
