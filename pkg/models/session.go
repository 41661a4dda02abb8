// Package models provides domain types for the dere daemon.
package models

import (
	"time"
)

// Medium identifies a chat surface a user can be reached on.
type Medium string

const (
	MediumAgentAPI Medium = "agent_api"
	MediumDiscord  Medium = "discord"
	MediumObsidian Medium = "obsidian"
	MediumCLI      Medium = "cli"
)

// Session represents one LLM conversation context with identity, resume
// token, and history. The most recent session for a (working_dir, medium,
// user_id) triple carries conversation continuity.
type Session struct {
	ID              string     `json:"id"`
	WorkingDir      string     `json:"working_dir"`
	Medium          Medium     `json:"medium"`
	UserID          string     `json:"user_id"`
	Personality     string     `json:"personality"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	ClaudeSessionID string     `json:"claude_session_id,omitempty"`
	IsLocked        bool       `json:"is_locked"`
	SandboxMode     bool       `json:"sandbox_mode"`
	Name            string     `json:"name,omitempty"`
	MissionID       string     `json:"mission_id,omitempty"`
	ContinuedFrom   string     `json:"continued_from,omitempty"`
}

// Ended reports whether the session has reached its terminal state.
func (s *Session) Ended() bool {
	return s.EndTime != nil
}

// ContextCache is a per-session cached retrieval bundle.
type ContextCache struct {
	SessionID       string    `json:"session_id"`
	ContextText     string    `json:"context_text"`
	ContextMetadata []byte    `json:"context_metadata,omitempty"` // JSON list of entity descriptors
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
