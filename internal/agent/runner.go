package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dere-ai/dere/pkg/models"
)

// PermissionFunc gates a tool invocation. It blocks until the decision is
// available; implementations enforce their own timeout.
type PermissionFunc func(ctx context.Context, toolName string, input []byte) Decision

// RunnerConfig carries everything a runner needs to stand up a session.
type RunnerConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	WorkingDir   string
	// AllowedTools restricts the toolset; empty means all registered tools.
	AllowedTools []string
	// ResumeToken is the provider session id of a previous run, if any.
	ResumeToken string
	// Permission is consulted before every tool execution.
	Permission PermissionFunc
}

// Runner produces the event stream for one session. Implementations are
// Local (in-process LLM client) and Sandboxed (containerized worker over
// line-delimited JSON).
type Runner interface {
	// Start readies the runner; sandboxed runners block here until the
	// worker reports ready.
	Start(ctx context.Context) error
	// Query streams one turn. The returned channel is closed after the
	// terminal done/error event. Cancelling ctx aborts the turn.
	Query(ctx context.Context, prompt string) (<-chan models.AgentEvent, error)
	// ClaudeSessionID returns the provider resume token, once known.
	ClaudeSessionID() string
	Close() error
}

// ToolExecutor runs an approved tool call and returns its textual result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input []byte) (content string, isError bool)
}

// builtinExecutor implements the restricted mission toolset: read,
// websearch, and webfetch. Anything else errors back to the model.
type builtinExecutor struct {
	workingDir string
	client     *http.Client
}

// NewBuiltinExecutor returns the default local tool executor rooted at
// workingDir.
func NewBuiltinExecutor(workingDir string) ToolExecutor {
	return &builtinExecutor{
		workingDir: workingDir,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

const maxToolResultBytes = 64 * 1024

func (e *builtinExecutor) Execute(ctx context.Context, name string, input []byte) (string, bool) {
	switch name {
	case "read":
		return e.readFile(input)
	case "websearch":
		return e.webSearch(ctx, input)
	case "webfetch":
		return e.webFetch(ctx, input)
	default:
		return fmt.Sprintf("tool %q is not available", name), true
	}
}

func (e *builtinExecutor) readFile(input []byte) (string, bool) {
	path := stringField(input, "path")
	if path == "" {
		return "read: missing path", true
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.workingDir, path)
	}
	resolved, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(resolved, e.workingDir) {
		return "read: path escapes working directory", true
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Sprintf("read: %v", err), true
	}
	if len(data) > maxToolResultBytes {
		data = data[:maxToolResultBytes]
	}
	return string(data), false
}

func (e *builtinExecutor) webFetch(ctx context.Context, input []byte) (string, bool) {
	target := stringField(input, "url")
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return "webfetch: url must be http(s)", true
	}
	return e.fetch(ctx, "webfetch", target)
}

// webSearch runs the query against DuckDuckGo's HTML endpoint; the model
// reads the result page directly.
func (e *builtinExecutor) webSearch(ctx context.Context, input []byte) (string, bool) {
	query := stringField(input, "query")
	if query == "" {
		return "websearch: missing query", true
	}
	return e.fetch(ctx, "websearch", "https://html.duckduckgo.com/html/?q="+url.QueryEscape(query))
}

func (e *builtinExecutor) fetch(ctx context.Context, tool, target string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Sprintf("%s: %v", tool, err), true
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Sprintf("%s: %v", tool, err), true
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResultBytes))
	if err != nil {
		return fmt.Sprintf("%s: %v", tool, err), true
	}
	if resp.StatusCode >= 400 {
		return fmt.Sprintf("%s: status %d", tool, resp.StatusCode), true
	}
	return string(body), false
}

// stringField pulls one string value out of a raw JSON object without
// requiring a schema.
func stringField(raw []byte, key string) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
