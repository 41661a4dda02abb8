package gateway

import (
	"net/http"

	"github.com/dere-ai/dere/pkg/models"
)

type presenceRequest struct {
	Medium            string                   `json:"medium"`
	UserID            string                   `json:"user_id"`
	AvailableChannels []models.PresenceChannel `json:"available_channels,omitempty"`
}

func (s *Server) handlePresenceRegister(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	err := s.registry.RegisterWithRetry(r.Context(), &models.Presence{
		Medium:            models.Medium(req.Medium),
		UserID:            req.UserID,
		AvailableChannels: req.AvailableChannels,
	}, 5)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handlePresenceHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.registry.Heartbeat(r.Context(), models.Medium(req.Medium), req.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePresenceUnregister(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := s.registry.Unregister(r.Context(), models.Medium(req.Medium), req.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func (s *Server) handlePresenceAvailable(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		badRequest(w, "user_id is required")
		return
	}
	online, err := s.registry.Online(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	mediums := make([]models.Medium, 0, len(online))
	for _, p := range online {
		mediums = append(mediums, p.Medium)
	}
	writeJSON(w, http.StatusOK, map[string]any{"mediums": mediums})
}
