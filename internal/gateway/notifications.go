package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dere-ai/dere/pkg/models"
)

type notificationCreateRequest struct {
	UserID           string `json:"user_id"`
	TargetMedium     string `json:"target_medium"`
	TargetLocation   string `json:"target_location"`
	Message          string `json:"message"`
	Priority         string `json:"priority"`
	RoutingReasoning string `json:"routing_reasoning"`
	ParentID         string `json:"parent_notification_id"`
	TriggerType      string `json:"trigger_type"`
	TriggerID        string `json:"trigger_id"`
	// trigger_data and context_snapshot are arbitrary JSON values passed
	// through to the stored notification verbatim.
	TriggerData     json.RawMessage `json:"trigger_data"`
	ContextSnapshot json.RawMessage `json:"context_snapshot"`
}

func (s *Server) handleNotificationCreate(w http.ResponseWriter, r *http.Request) {
	var req notificationCreateRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	n := &models.Notification{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		TargetMedium:     models.Medium(req.TargetMedium),
		TargetLocation:   req.TargetLocation,
		Message:          req.Message,
		Priority:         models.Priority(req.Priority),
		RoutingReasoning: req.RoutingReasoning,
		ParentID:         req.ParentID,
	}
	if req.TriggerType != "" || len(req.ContextSnapshot) > 0 {
		n.Context = &models.NotificationContext{
			TriggerType:     req.TriggerType,
			TriggerID:       req.TriggerID,
			TriggerData:     req.TriggerData,
			ContextSnapshot: req.ContextSnapshot,
		}
	}
	if err := s.queue.Enqueue(r.Context(), n); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"notification_id": n.ID,
		"status":          string(models.NotificationPending),
	})
}

func (s *Server) handleNotificationsPending(w http.ResponseWriter, r *http.Request) {
	medium := r.URL.Query().Get("medium")
	if medium == "" {
		badRequest(w, "medium is required")
		return
	}
	rows, err := s.queue.Pending(r.Context(), models.Medium(medium))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": rows})
}

func (s *Server) handleNotificationDelivered(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.MarkDelivered(r.Context(), trimmedPathValue(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type notificationFailedRequest struct {
	ErrorMessage string `json:"error_message"`
}

func (s *Server) handleNotificationFailed(w http.ResponseWriter, r *http.Request) {
	var req notificationFailedRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.queue.MarkFailed(r.Context(), trimmedPathValue(r, "id"), req.ErrorMessage); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (s *Server) handleNotificationAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Acknowledge(r.Context(), trimmedPathValue(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

type unacknowledgedRequest struct {
	UserID   string `json:"user_id"`
	SinceISO string `json:"since_iso"`
}

func (s *Server) handleNotificationsUnacknowledged(w http.ResponseWriter, r *http.Request) {
	var req unacknowledgedRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		badRequest(w, "user_id is required")
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if req.SinceISO != "" {
		parsed, err := time.Parse(time.RFC3339, req.SinceISO)
		if err != nil {
			badRequest(w, "since_iso must be RFC3339")
			return
		}
		since = parsed
	}
	rows, err := s.store.Notifications.RecentUnacknowledged(r.Context(), req.UserID, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": rows})
}
