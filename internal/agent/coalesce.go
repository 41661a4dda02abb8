package agent

import (
	"strings"
	"time"

	"github.com/dere-ai/dere/pkg/models"
)

// blockCoalescer folds a stream of text/thinking/tool events into the
// ordered block list persisted with the assistant turn. Adjacent text or
// thinking deltas merge into one block; tool_use events upsert by id so a
// late full-input event completes an earlier empty-input announcement.
type blockCoalescer struct {
	blocks  []models.ConversationBlock
	byTool  map[string]int // tool_use_id -> block index
	current models.BlockType
}

func newBlockCoalescer() *blockCoalescer {
	return &blockCoalescer{byTool: map[string]int{}}
}

func (c *blockCoalescer) Add(ev models.AgentEvent) {
	switch ev.Type {
	case models.EventText, models.EventThinking:
		bt := models.BlockText
		if ev.Type == models.EventThinking {
			bt = models.BlockThinking
		}
		if ev.Text == nil || ev.Text.Delta == "" {
			return
		}
		if c.current == bt && len(c.blocks) > 0 {
			c.blocks[len(c.blocks)-1].Text += ev.Text.Delta
			return
		}
		c.blocks = append(c.blocks, models.ConversationBlock{
			Ordinal:   len(c.blocks),
			BlockType: bt,
			Text:      ev.Text.Delta,
		})
		c.current = bt

	case models.EventToolUse:
		if ev.Tool == nil {
			return
		}
		if idx, ok := c.byTool[ev.Tool.ToolUseID]; ok {
			if len(ev.Tool.Input) > 0 {
				c.blocks[idx].ToolInput = ev.Tool.Input
			}
			if ev.Tool.Name != "" {
				c.blocks[idx].ToolName = ev.Tool.Name
			}
			return
		}
		c.byTool[ev.Tool.ToolUseID] = len(c.blocks)
		c.blocks = append(c.blocks, models.ConversationBlock{
			Ordinal:   len(c.blocks),
			BlockType: models.BlockToolUse,
			ToolUseID: ev.Tool.ToolUseID,
			ToolName:  ev.Tool.Name,
			ToolInput: ev.Tool.Input,
		})
		c.current = models.BlockToolUse

	case models.EventToolResult:
		if ev.Tool == nil {
			return
		}
		c.blocks = append(c.blocks, models.ConversationBlock{
			Ordinal:   len(c.blocks),
			BlockType: models.BlockToolResult,
			ToolUseID: ev.Tool.ToolUseID,
			Text:      ev.Tool.Content,
			IsError:   ev.Tool.IsError,
		})
		c.current = models.BlockToolResult
	}
}

// Blocks returns the coalesced block list.
func (c *blockCoalescer) Blocks() []models.ConversationBlock {
	return c.blocks
}

// ResponseText concatenates the text blocks, the canonical plain rendering
// of the assistant turn.
func (c *blockCoalescer) ResponseText() string {
	var sb strings.Builder
	for _, b := range c.blocks {
		if b.BlockType == models.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolStats returns the distinct tool invocation count and names in call
// order.
func (c *blockCoalescer) ToolStats() (int, []string) {
	var names []string
	for _, b := range c.blocks {
		if b.BlockType == models.BlockToolUse {
			names = append(names, b.ToolName)
		}
	}
	return len(names), names
}

// timingTracker accumulates per-query latency figures on a monotonic clock.
// The thinking window opens on a thinking event and closes on any other
// event kind.
type timingTracker struct {
	start         time.Time
	firstToken    time.Time
	thinkingSince time.Time
	thinkingTotal time.Duration
}

func newTimingTracker(now time.Time) *timingTracker {
	return &timingTracker{start: now}
}

func (t *timingTracker) Observe(evType models.AgentEventType, now time.Time) {
	switch evType {
	case models.EventText, models.EventThinking:
		if t.firstToken.IsZero() {
			t.firstToken = now
		}
	}
	if evType == models.EventThinking {
		if t.thinkingSince.IsZero() {
			t.thinkingSince = now
		}
		return
	}
	if !t.thinkingSince.IsZero() {
		t.thinkingTotal += now.Sub(t.thinkingSince)
		t.thinkingSince = time.Time{}
	}
}

func (t *timingTracker) Metrics(now time.Time, toolUses int, toolNames []string) *models.ConversationMetrics {
	t.Observe(models.EventDone, now)
	m := &models.ConversationMetrics{
		ResponseMs: now.Sub(t.start).Milliseconds(),
		ThinkingMs: t.thinkingTotal.Milliseconds(),
		ToolUses:   toolUses,
		ToolNames:  toolNames,
	}
	if !t.firstToken.IsZero() {
		m.TTFTMs = t.firstToken.Sub(t.start).Milliseconds()
	}
	return m
}
