package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type contextBuildRequest struct {
	SessionID     string `json:"session_id"`
	ProjectPath   string `json:"project_path"`
	Personality   string `json:"personality"`
	UserID        string `json:"user_id"`
	ContextDepth  int    `json:"context_depth"`
	CurrentPrompt string `json:"current_prompt"`
}

// handleContextBuild assembles a context bundle from recent conversation
// history and caches it for the session.
func (s *Server) handleContextBuild(w http.ResponseWriter, r *http.Request) {
	var req contextBuildRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		badRequest(w, "session_id is required")
		return
	}
	depth := req.ContextDepth
	if depth <= 0 {
		depth = 20
	}

	history, err := s.store.Sessions.History(r.Context(), req.SessionID, depth)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var b strings.Builder
	if req.ProjectPath != "" {
		fmt.Fprintf(&b, "Project: %s\n", req.ProjectPath)
	}
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "[%s] %s\n", turn.MessageType, turn.Prompt)
		}
	}
	contextText := b.String()

	metadata, _ := json.Marshal(map[string]any{
		"turns":       len(history),
		"project":     req.ProjectPath,
		"personality": req.Personality,
		"built_at":    time.Now().UTC(),
	})
	if err := s.store.ContextCache.Upsert(r.Context(), req.SessionID, contextText, metadata); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "built",
		"context": contextText,
	})
}

type contextGetRequest struct {
	SessionID     string `json:"session_id"`
	MaxAgeMinutes int    `json:"max_age_minutes"`
}

func (s *Server) handleContextGet(w http.ResponseWriter, r *http.Request) {
	var req contextGetRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		badRequest(w, "session_id is required")
		return
	}
	maxAge := time.Duration(req.MaxAgeMinutes) * time.Minute
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}

	entry, err := s.store.ContextCache.GetIfFresh(r.Context(), req.SessionID, maxAge)
	if err != nil || entry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"found":   true,
		"context": entry.ContextText,
	})
}
