package models

import (
	"time"
)

// AgentEventType identifies the kind of agent session event.
type AgentEventType string

const (
	EventSessionReady      AgentEventType = "session_ready"
	EventText              AgentEventType = "text"
	EventThinking          AgentEventType = "thinking"
	EventToolUse           AgentEventType = "tool_use"
	EventToolResult        AgentEventType = "tool_result"
	EventPermissionRequest AgentEventType = "permission_request"
	EventDone              AgentEventType = "done"
	EventCancelled         AgentEventType = "cancelled"
	EventError             AgentEventType = "error"
)

// AgentEvent is the unified event model for agent session streaming.
// Sequence is assigned by the agent service when the event is emitted to a
// session's clients; it is strictly monotonic per session and drives replay
// on reconnect.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Sequence  uint64         `json:"seq,omitempty"`
	Time      time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`

	// Exactly one payload is non-nil for a given Type (text and thinking
	// share TextPayload).
	Text       *TextPayload       `json:"text,omitempty"`
	Tool       *ToolPayload       `json:"tool,omitempty"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	Done       *DonePayload       `json:"done,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
}

// TextPayload carries streamed text or thinking deltas.
type TextPayload struct {
	Delta string `json:"delta"`
}

// ToolPayload carries tool_use and tool_result events.
type ToolPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name,omitempty"`
	Input     []byte `json:"input,omitempty"` // raw JSON
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// PermissionPayload asks the client to allow or deny a tool invocation.
type PermissionPayload struct {
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	ToolInput []byte `json:"tool_input,omitempty"`
}

// DonePayload terminates a successful query stream.
type DonePayload struct {
	ResponseText string               `json:"response_text"`
	ToolCount    int                  `json:"tool_count"`
	Timings      *ConversationMetrics `json:"timings,omitempty"`
}

// ErrorPayload terminates a failed query stream or reports a recoverable
// protocol error.
type ErrorPayload struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
