package gateway

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dere-ai/dere/internal/curiosity"
	"github.com/dere-ai/dere/internal/storage"
	"github.com/dere-ai/dere/pkg/models"
)

type findOrCreateRequest struct {
	WorkingDir  string   `json:"working_dir"`
	Personality string   `json:"personality"`
	Medium      string   `json:"medium"`
	UserID      string   `json:"user_id"`
	MaxAgeHours *float64 `json:"max_age_hours,omitempty"`
}

func (s *Server) handleFindOrCreate(w http.ResponseWriter, r *http.Request) {
	var req findOrCreateRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.WorkingDir == "" || req.Medium == "" {
		badRequest(w, "working_dir and medium are required")
		return
	}

	row, resumed, err := s.store.Sessions.FindOrCreate(r.Context(), storage.FindOrCreateParams{
		WorkingDir:  req.WorkingDir,
		Personality: req.Personality,
		Medium:      models.Medium(req.Medium),
		UserID:      req.UserID,
		MaxAgeHours: req.MaxAgeHours,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":        row.ID,
		"resumed":           resumed,
		"claude_session_id": row.ClaudeSessionID,
	})
}

// handleSetClaudeSession stores the resume token. The body is the bare
// token string, quoted or not; storing the same token twice is a no-op.
func (s *Server) handleSetClaudeSession(w http.ResponseWriter, r *http.Request) {
	id := trimmedPathValue(r, "id")
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		badRequest(w, "read body: "+err.Error())
		return
	}
	token := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if token == "" {
		badRequest(w, "token is required")
		return
	}
	if err := s.store.Sessions.SetClaudeSession(r.Context(), id, token); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type appendMessageRequest struct {
	Message string `json:"message"`
	Role    string `json:"role"`
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id := trimmedPathValue(r, "id")
	var req appendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		badRequest(w, "message is required")
		return
	}
	role := models.MessageType(req.Role)
	switch role {
	case models.MessageUser, models.MessageAssistant, models.MessageSystem:
	case "":
		role = models.MessageUser
	default:
		badRequest(w, "unknown role "+req.Role)
		return
	}

	row, err := s.store.Sessions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conv := &models.Conversation{
		SessionID:   id,
		Prompt:      req.Message,
		MessageType: role,
		Timestamp:   time.Now().Unix(),
		Medium:      row.Medium,
		UserID:      row.UserID,
	}
	if err := s.store.Sessions.AppendConversation(r.Context(), conv); err != nil {
		s.writeError(w, err)
		return
	}

	if s.collector != nil && role == models.MessageUser {
		go s.collectCuriosity(row, req.Message)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": conv.ID})
}

// collectCuriosity runs the trigger detectors off the request path.
func (s *Server) collectCuriosity(row *models.Session, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var priorAssistant string
	if history, err := s.store.Sessions.History(ctx, row.ID, 5); err == nil {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].MessageType == models.MessageAssistant {
				priorAssistant = history[i].Prompt
				break
			}
		}
	}
	s.collector.ProcessTurn(ctx, curiosity.Turn{
		UserID:             row.UserID,
		UserText:           message,
		PriorAssistantText: priorAssistant,
	})
}

type nameSessionRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleNameSession(w http.ResponseWriter, r *http.Request) {
	var req nameSessionRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		badRequest(w, "name is required")
		return
	}
	if err := s.agents.NameSession(r.Context(), trimmedPathValue(r, "id"), name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "named"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := trimmedPathValue(r, "id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	messages, err := s.store.Sessions.History(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleLastMessageTime(w http.ResponseWriter, r *http.Request) {
	id := trimmedPathValue(r, "id")
	ts, err := s.store.Sessions.LastMessageTime(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"last_message_time": ts})
}

type endSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		badRequest(w, "session_id is required")
		return
	}

	// Prefer the agent service so a live runner is shut down with the row;
	// fall back to ending the row directly for sessions without one.
	err := s.agents.CloseSession(r.Context(), req.SessionID)
	if err != nil {
		err = s.store.Sessions.End(r.Context(), req.SessionID, time.Now())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ended",
		"summary_generated": false,
	})
}
