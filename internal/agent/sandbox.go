package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/dere-ai/dere/pkg/models"
)

// ErrSandboxNotReady is returned when the worker fails to report ready in
// time.
var ErrSandboxNotReady = errors.New("sandbox worker not ready")

// sandboxMsg is one line of the worker protocol, both directions.
type sandboxMsg struct {
	Type         string          `json:"type"`
	Prompt       string          `json:"prompt,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	Content      string          `json:"content,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Allowed      bool            `json:"allowed,omitempty"`
	DenyMessage  string          `json:"deny_message,omitempty"`
	ResponseText string          `json:"response_text,omitempty"`
	ToolCount    int             `json:"tool_count,omitempty"`
	Message      string          `json:"message,omitempty"`
	Recoverable  bool            `json:"recoverable,omitempty"`
}

// SandboxRunner launches a containerized worker process with restricted
// mounts and resource caps and speaks line-delimited JSON over its stdio.
// The command is fully configuration-driven, e.g. a docker or podman run
// invocation wrapping the worker binary.
type SandboxRunner struct {
	command      []string
	cfg          RunnerConfig
	readyTimeout time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	sessionID string
	current   chan models.AgentEvent
	readyCh   chan struct{}
	readyOnce sync.Once
	closed    bool
}

// NewSandboxRunner builds a runner that will exec the given command on
// Start.
func NewSandboxRunner(command []string, cfg RunnerConfig, readyTimeout time.Duration, logger *slog.Logger) *SandboxRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}
	return &SandboxRunner{
		command:      command,
		cfg:          cfg,
		readyTimeout: readyTimeout,
		logger:       logger.With("component", "agent.sandbox"),
		readyCh:      make(chan struct{}),
	}
}

// Start launches the worker and blocks until its ready event or the ready
// timeout.
func (r *SandboxRunner) Start(ctx context.Context) error {
	if len(r.command) == 0 {
		return fmt.Errorf("sandbox command not configured")
	}

	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Dir = r.cfg.WorkingDir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sandbox stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sandbox stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch sandbox worker: %w", err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.stdin = stdin
	r.mu.Unlock()

	go r.readLoop(stdout)

	// Hand the worker its mission parameters first thing.
	init := sandboxMsg{Type: "init", Prompt: r.cfg.SystemPrompt, SessionID: r.cfg.ResumeToken}
	if err := r.send(init); err != nil {
		r.Close()
		return err
	}

	timer := time.NewTimer(r.readyTimeout)
	defer timer.Stop()
	select {
	case <-r.readyCh:
		return nil
	case <-timer.C:
		r.Close()
		return ErrSandboxNotReady
	case <-ctx.Done():
		r.Close()
		return ctx.Err()
	}
}

func (r *SandboxRunner) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg sandboxMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			r.logger.Warn("discarding malformed worker line", "error", err)
			continue
		}
		r.dispatch(msg)
	}
	// Worker exited; fail any in-flight query.
	r.deliver(errorEvent(fmt.Errorf("sandbox worker exited"), false))
	r.closeCurrent()
}

func (r *SandboxRunner) dispatch(msg sandboxMsg) {
	switch msg.Type {
	case "ready":
		r.readyOnce.Do(func() { close(r.readyCh) })

	case "session_id":
		// Captured exactly once; later announcements are ignored.
		r.mu.Lock()
		if r.sessionID == "" {
			r.sessionID = msg.SessionID
		}
		r.mu.Unlock()

	case "text":
		r.deliver(models.AgentEvent{Type: models.EventText, Time: time.Now(),
			Text: &models.TextPayload{Delta: msg.Delta}})

	case "thinking":
		r.deliver(models.AgentEvent{Type: models.EventThinking, Time: time.Now(),
			Text: &models.TextPayload{Delta: msg.Delta}})

	case "tool_use":
		r.deliver(models.AgentEvent{Type: models.EventToolUse, Time: time.Now(),
			Tool: &models.ToolPayload{ToolUseID: msg.ToolUseID, Name: msg.ToolName, Input: msg.ToolInput}})

	case "tool_result":
		r.deliver(models.AgentEvent{Type: models.EventToolResult, Time: time.Now(),
			Tool: &models.ToolPayload{ToolUseID: msg.ToolUseID, Content: msg.Content, IsError: msg.IsError}})

	case "permission_request":
		go r.answerPermission(msg)

	case "done":
		r.deliver(models.AgentEvent{Type: models.EventDone, Time: time.Now(),
			Done: &models.DonePayload{ResponseText: msg.ResponseText, ToolCount: msg.ToolCount}})
		r.closeCurrent()

	case "error":
		r.deliver(models.AgentEvent{Type: models.EventError, Time: time.Now(),
			Error: &models.ErrorPayload{Message: msg.Message, Recoverable: msg.Recoverable}})
		if !msg.Recoverable {
			r.closeCurrent()
		}

	default:
		r.logger.Debug("ignoring worker message", "type", msg.Type)
	}
}

func (r *SandboxRunner) answerPermission(msg sandboxMsg) {
	d := Decision{Allowed: true}
	if r.cfg.Permission != nil {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d = r.cfg.Permission(ctx, msg.ToolName, msg.ToolInput)
	}
	resp := sandboxMsg{
		Type:        "permission_response",
		RequestID:   msg.RequestID,
		Allowed:     d.Allowed,
		DenyMessage: d.DenyMessage,
	}
	if err := r.send(resp); err != nil {
		r.logger.Warn("failed to answer worker permission", "error", err)
	}
}

func (r *SandboxRunner) deliver(ev models.AgentEvent) {
	r.mu.Lock()
	ch := r.current
	r.mu.Unlock()
	if ch == nil {
		return
	}
	ch <- ev
}

func (r *SandboxRunner) closeCurrent() {
	r.mu.Lock()
	ch := r.current
	r.current = nil
	r.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (r *SandboxRunner) send(msg sandboxMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode worker message: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stdin == nil || r.closed {
		return fmt.Errorf("sandbox worker not running")
	}
	if _, err := r.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to worker: %w", err)
	}
	return nil
}

func (r *SandboxRunner) Query(_ context.Context, prompt string) (<-chan models.AgentEvent, error) {
	ch := make(chan models.AgentEvent, 64)
	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("query already in flight")
	}
	r.current = ch
	r.mu.Unlock()

	if err := r.send(sandboxMsg{Type: "query", Prompt: prompt}); err != nil {
		r.closeCurrent()
		return nil, err
	}
	return ch, nil
}

func (r *SandboxRunner) ClaudeSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Close asks the worker to exit and reaps the process.
func (r *SandboxRunner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stdin := r.stdin
	cmd := r.cmd
	r.mu.Unlock()

	if stdin != nil {
		data, _ := json.Marshal(sandboxMsg{Type: "close"})
		stdin.Write(append(data, '\n')) //nolint:errcheck
		stdin.Close()
	}
	if cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if cmd.Process != nil {
			cmd.Process.Kill() //nolint:errcheck
		}
		<-done
	}
	return nil
}
