package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/dere-ai/dere/pkg/models"
)

// maxToolRounds bounds the agentic loop so a misbehaving model cannot spin
// forever.
const maxToolRounds = 16

// LocalRunner drives an in-process Anthropic streaming session. Tool calls
// requested by the model are gated by the permission callback and executed
// with the local ToolExecutor, then fed back for the next round.
type LocalRunner struct {
	client   anthropic.Client
	cfg      RunnerConfig
	executor ToolExecutor
	logger   *slog.Logger

	mu        sync.Mutex
	messages  []anthropic.MessageParam
	sessionID string
}

// NewLocalRunner builds a runner over an already-configured client.
func NewLocalRunner(client anthropic.Client, cfg RunnerConfig, executor ToolExecutor, logger *slog.Logger) *LocalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		executor = NewBuiltinExecutor(cfg.WorkingDir)
	}
	return &LocalRunner{
		client:   client,
		cfg:      cfg,
		executor: executor,
		logger:   logger.With("component", "agent.local"),
	}
}

func (r *LocalRunner) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID == "" {
		if r.cfg.ResumeToken != "" {
			r.sessionID = r.cfg.ResumeToken
		} else {
			r.sessionID = uuid.NewString()
		}
	}
	return nil
}

func (r *LocalRunner) ClaudeSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *LocalRunner) Close() error { return nil }

func (r *LocalRunner) Query(ctx context.Context, prompt string) (<-chan models.AgentEvent, error) {
	out := make(chan models.AgentEvent, 64)
	r.mu.Lock()
	r.messages = append(r.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	r.mu.Unlock()

	go func() {
		defer close(out)
		if err := r.runTurn(ctx, out); err != nil {
			out <- errorEvent(err, false)
			return
		}
		out <- models.AgentEvent{Type: models.EventDone, Time: time.Now()}
	}()
	return out, nil
}

// runTurn streams assistant rounds, executing approved tools between rounds,
// until the model stops asking for tools.
func (r *LocalRunner) runTurn(ctx context.Context, out chan<- models.AgentEvent) error {
	for round := 0; round < maxToolRounds; round++ {
		message, toolCalls, err := r.streamRound(ctx, out)
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.messages = append(r.messages, message.ToParam())
		r.mu.Unlock()

		if message.StopReason != anthropic.StopReasonToolUse || len(toolCalls) == 0 {
			return nil
		}

		var results []anthropic.ContentBlockParamUnion
		for _, call := range toolCalls {
			content, isErr := r.invokeTool(ctx, call, out)
			results = append(results, anthropic.NewToolResultBlock(call.ID, content, isErr))
			out <- models.AgentEvent{
				Type: models.EventToolResult,
				Time: time.Now(),
				Tool: &models.ToolPayload{ToolUseID: call.ID, Content: content, IsError: isErr},
			}
		}
		r.mu.Lock()
		r.messages = append(r.messages, anthropic.NewUserMessage(results...))
		r.mu.Unlock()
	}
	return fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds)
}

type localToolCall struct {
	ID    string
	Name  string
	Input []byte
}

func (r *LocalRunner) streamRound(ctx context.Context, out chan<- models.AgentEvent) (*anthropic.Message, []localToolCall, error) {
	r.mu.Lock()
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(r.cfg.Model),
		MaxTokens: int64(r.cfg.MaxTokens),
		Messages:  append([]anthropic.MessageParam(nil), r.messages...),
		Tools:     missionTools(r.cfg.AllowedTools),
	}
	if r.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: r.cfg.SystemPrompt}}
	}
	r.mu.Unlock()

	stream := r.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var message anthropic.Message
	var calls []localToolCall
	toolInput := map[int]*toolInputAccumulator{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, nil, fmt.Errorf("accumulate stream event: %w", err)
		}

		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				toolUse := start.ContentBlock.AsToolUse()
				toolInput[int(start.Index)] = &toolInputAccumulator{id: toolUse.ID, name: toolUse.Name}
				// Announce early so clients can render the call before the
				// input finishes streaming.
				out <- models.AgentEvent{
					Type: models.EventToolUse,
					Time: time.Now(),
					Tool: &models.ToolPayload{ToolUseID: toolUse.ID, Name: toolUse.Name},
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text != "" {
					out <- models.AgentEvent{
						Type: models.EventText,
						Time: time.Now(),
						Text: &models.TextPayload{Delta: delta.Delta.Text},
					}
				}
			case "thinking_delta":
				if delta.Delta.Thinking != "" {
					out <- models.AgentEvent{
						Type: models.EventThinking,
						Time: time.Now(),
						Text: &models.TextPayload{Delta: delta.Delta.Thinking},
					}
				}
			case "input_json_delta":
				if acc, ok := toolInput[int(delta.Index)]; ok {
					acc.json += delta.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			stop := event.AsContentBlockStop()
			if acc, ok := toolInput[int(stop.Index)]; ok {
				input := []byte(acc.json)
				if len(input) == 0 {
					input = []byte("{}")
				}
				calls = append(calls, localToolCall{ID: acc.id, Name: acc.name, Input: input})
				// Re-emit with the completed input; the coalescer upserts
				// by tool_use_id.
				out <- models.AgentEvent{
					Type: models.EventToolUse,
					Time: time.Now(),
					Tool: &models.ToolPayload{ToolUseID: acc.id, Name: acc.name, Input: input},
				}
				delete(toolInput, int(stop.Index))
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return &message, calls, nil
}

type toolInputAccumulator struct {
	id   string
	name string
	json string
}

func (r *LocalRunner) invokeTool(ctx context.Context, call localToolCall, out chan<- models.AgentEvent) (string, bool) {
	if r.cfg.Permission != nil {
		d := r.cfg.Permission(ctx, call.Name, call.Input)
		if !d.Allowed {
			msg := d.DenyMessage
			if msg == "" {
				msg = "permission denied"
			}
			return msg, true
		}
	}
	return r.executor.Execute(ctx, call.Name, call.Input)
}

func errorEvent(err error, recoverable bool) models.AgentEvent {
	return models.AgentEvent{
		Type:  models.EventError,
		Time:  time.Now(),
		Error: &models.ErrorPayload{Message: err.Error(), Recoverable: recoverable},
	}
}

// missionTools builds the restricted toolset offered to the model. An empty
// allow list yields the full builtin set.
func missionTools(allowed []string) []anthropic.ToolUnionParam {
	schemas := map[string]anthropic.ToolParam{
		"read": {
			Name:        "read",
			Description: anthropic.String("Read a file relative to the session working directory."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"path": map[string]any{"type": "string", "description": "File path to read."},
				},
				Required: []string{"path"},
			},
		},
		"websearch": {
			Name:        "websearch",
			Description: anthropic.String("Search the web and return result snippets."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"query": map[string]any{"type": "string", "description": "Search query."},
				},
				Required: []string{"query"},
			},
		},
		"webfetch": {
			Name:        "webfetch",
			Description: anthropic.String("Fetch the contents of an http(s) URL."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"url": map[string]any{"type": "string", "description": "URL to fetch."},
				},
				Required: []string{"url"},
			},
		},
	}

	names := allowed
	if len(names) == 0 {
		names = []string{"read", "websearch", "webfetch"}
	}
	var out []anthropic.ToolUnionParam
	for _, n := range names {
		if tp, ok := schemas[n]; ok {
			tool := tp
			out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
		}
	}
	return out
}
