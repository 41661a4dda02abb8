package models

import (
	"time"
)

// MessageType indicates the conversation turn author.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

// BlockType identifies one block within an assistant turn.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Conversation is one turn of a session. Assistant turns additionally own an
// ordered set of ConversationBlocks reconstructing the streamed shape of the
// response.
type Conversation struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	Prompt      string      `json:"prompt"`
	MessageType MessageType `json:"message_type"`
	Timestamp   int64       `json:"timestamp"` // unix seconds
	CreatedAt   time.Time   `json:"created_at"`
	Medium      Medium      `json:"medium,omitempty"`
	UserID      string      `json:"user_id,omitempty"`

	Metrics *ConversationMetrics `json:"metrics,omitempty"`
	Blocks  []ConversationBlock  `json:"blocks,omitempty"`
}

// ConversationMetrics captures LLM timing and tool accounting for a turn.
type ConversationMetrics struct {
	TTFTMs     int64    `json:"ttft_ms,omitempty"`
	ResponseMs int64    `json:"response_ms,omitempty"`
	ThinkingMs int64    `json:"thinking_ms,omitempty"`
	ToolUses   int      `json:"tool_uses,omitempty"`
	ToolNames  []string `json:"tool_names,omitempty"`
}

// ConversationBlock is one coalesced block of an assistant turn.
type ConversationBlock struct {
	Ordinal   int       `json:"ordinal"`
	BlockType BlockType `json:"block_type"`
	ToolUseID string    `json:"tool_use_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	ToolInput []byte    `json:"tool_input,omitempty"` // raw JSON
	Text      string    `json:"text,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
}
