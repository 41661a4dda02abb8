package models

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a project task.
type TaskStatus string

const (
	TaskBacklog    TaskStatus = "backlog"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
	TaskBlocked    TaskStatus = "blocked"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

// TaskTypeCuriosity marks tasks produced by the curiosity collector.
const TaskTypeCuriosity = "curiosity"

// CuriosityType classifies what kind of signal spawned a curiosity task.
type CuriosityType string

const (
	CuriosityUnfamiliarEntity CuriosityType = "unfamiliar_entity"
	CuriosityCorrection       CuriosityType = "correction"
	CuriosityEmotionalPeak    CuriosityType = "emotional_peak"
	CuriosityUnfinishedThread CuriosityType = "unfinished_thread"
	CuriosityKnowledgeGap     CuriosityType = "knowledge_gap"
	CuriosityResearchChain    CuriosityType = "research_chain"
)

// ProjectTask is a unit of work or curiosity. Curiosity tasks carry their
// trigger bookkeeping and exploration results in Extra.
type ProjectTask struct {
	ID                   string     `json:"id"`
	WorkingDir           string     `json:"working_dir,omitempty"`
	UserID               string     `json:"user_id"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	TaskType             string     `json:"task_type"`
	Priority             int        `json:"priority"` // 0-100
	Status               TaskStatus `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	AttemptCount         int        `json:"attempt_count"`
	LastError            string     `json:"last_error,omitempty"`
	DiscoveredFromTaskID string     `json:"discovered_from_task_id,omitempty"`
	DiscoveryReason      string     `json:"discovery_reason,omitempty"`

	Extra CuriosityExtra `json:"extra"`
}

// CuriosityExtra is the tagged payload stored in the task's JSON extra
// column. Only curiosity tasks populate it.
type CuriosityExtra struct {
	CuriosityType     CuriosityType `json:"curiosity_type,omitempty"`
	SourceContext     string        `json:"source_context,omitempty"`
	TriggerReason     string        `json:"trigger_reason,omitempty"`
	PriorityFactors   *ScoreFactors `json:"priority_factors,omitempty"`
	TriggerCount      int           `json:"trigger_count,omitempty"`
	LastTriggeredAt   *time.Time    `json:"last_triggered_at,omitempty"`
	Findings          []string      `json:"findings,omitempty"`
	ExplorationCount  int           `json:"exploration_count,omitempty"`
	LastExploredAt    *time.Time    `json:"last_explored_at,omitempty"`
	SatisfactionLevel float64       `json:"satisfaction_level,omitempty"`
	PrunedAt          *time.Time    `json:"pruned_at,omitempty"`
	PrunedReason      string        `json:"pruned_reason,omitempty"`
	PromotedFactIDs   []string      `json:"promoted_fact_ids,omitempty"`
}

// ScoreFactors records the inputs that produced a curiosity priority, for
// later inspection.
type ScoreFactors struct {
	UserInterest     float64 `json:"user_interest"`
	KnowledgeGap     float64 `json:"knowledge_gap"`
	TypeWeight       float64 `json:"type_weight"`
	Recency          float64 `json:"recency"`
	ExplorationBoost float64 `json:"exploration_boost"`
	RepeatBonus      float64 `json:"repeat_bonus"`
}

// NormalizeTitle lowercases and trims a task title for cross-trigger dedupe.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// ExplorationFinding is one factual nugget produced by an exploration.
type ExplorationFinding struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	UserID        string    `json:"user_id"`
	Finding       string    `json:"finding"`
	SourceContext string    `json:"source_context,omitempty"`
	Confidence    float64   `json:"confidence"`
	WorthSharing  bool      `json:"worth_sharing"`
	ShareMessage  string    `json:"share_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
