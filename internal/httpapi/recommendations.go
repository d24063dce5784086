package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lcastelli/warden/internal/chatops"
	"github.com/lcastelli/warden/internal/recommend"
)

type sessionRequest struct {
	AgentID     string `json:"agent_id"`
	SessionID   string `json:"session_id"`
	Enabled     *bool  `json:"enabled,omitempty"`
	AutoApprove *bool  `json:"auto_approve,omitempty"`
}

func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key, ok := sessionKeyFromRequest(req.AgentID, req.SessionID)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session", "agent_id and session_id are required")
		return
	}

	cfg := recommend.SessionConfig{Enabled: true}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.AutoApprove != nil {
		cfg.AutoApprove = *req.AutoApprove
	}
	cfg = s.recommender.InitializeSession(key, cfg)

	respondJSON(w, http.StatusOK, map[string]any{
		"agent_id":   key.AgentID,
		"session_id": key.SessionID,
		"config":     cfg,
	})
}

func (s *Server) handleTeardownSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key, ok := sessionKeyFromRequest(req.AgentID, req.SessionID)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session", "agent_id and session_id are required")
		return
	}

	s.vetting.Teardown(r.Context(), key)
	s.metrics.PendingApprovals.Set(0)
	respondJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

type configRequest struct {
	AgentID     string `json:"agent_id"`
	SessionID   string `json:"session_id"`
	Enabled     *bool  `json:"enabled,omitempty"`
	AutoApprove *bool  `json:"auto_approve,omitempty"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key, ok := sessionKeyFromRequest(req.AgentID, req.SessionID)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session", "agent_id and session_id are required")
		return
	}

	cfg := s.recommender.UpdateConfig(key, recommend.ConfigPatch{
		Enabled:     req.Enabled,
		AutoApprove: req.AutoApprove,
	})
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r.URL.Query().Get("agent_id"), r.URL.Query().Get("session_id"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session", "agent_id and session_id query parameters are required")
		return
	}
	cfg, err := s.recommender.Config(key)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

type addRecommendationRequest struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	recommend.AddRequest
}

func (s *Server) handleAddRecommendation(w http.ResponseWriter, r *http.Request) {
	var req addRecommendationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key, ok := sessionKeyFromRequest(req.AgentID, req.SessionID)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session", "agent_id and session_id are required")
		return
	}

	rec, created, err := s.vetting.Submit(r.Context(), key, req.AddRequest)
	if err != nil && !errors.Is(err, chatops.ErrDeliveryFailure) {
		switch {
		case errors.Is(err, recommend.ErrSessionDisabled):
			respondError(w, http.StatusConflict, "session_disabled", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "invalid_recommendation", err.Error())
		}
		return
	}
	s.metrics.Recommendations.WithLabelValues(string(rec.Source)).Inc()
	if rec.AutoApproved {
		s.metrics.AutoApproved.Inc()
	}

	// A delivery failure does not undo the ingestion; the item is stored and
	// locally approvable, so the response still carries it.
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"recommendation":  rec,
		"delivery_failed": errors.Is(err, chatops.ErrDeliveryFailure),
	})
}

func (s *Server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r.URL.Query().Get("agent_id"), r.URL.Query().Get("session_id"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session", "agent_id and session_id query parameters are required")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"recommendations": s.recommender.List(key),
	})
}

type decisionRequest struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	FinalText string `json:"final_text,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, true)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, false)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, approve bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_id", "missing recommendation id")
		return
	}
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key, ok := sessionKeyFromRequest(req.AgentID, req.SessionID)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session", "agent_id and session_id are required")
		return
	}

	var (
		rec recommend.Recommendation
		err error
	)
	if approve {
		rec, err = s.vetting.Approve(key, id, req.FinalText)
	} else {
		rec, err = s.vetting.Deny(key, id)
	}
	if err != nil {
		respondError(w, http.StatusNotFound, "recommendation_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type usageRequest struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	recommend.TokenUsage
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key, ok := sessionKeyFromRequest(req.AgentID, req.SessionID)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session", "agent_id and session_id are required")
		return
	}
	respondJSON(w, http.StatusOK, s.recommender.RecordUsage(key, req.TokenUsage))
}

func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key, ok := sessionKeyFromRequest(req.AgentID, req.SessionID)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session", "agent_id and session_id are required")
		return
	}
	s.recommender.ResetUsage(key)
	respondJSON(w, http.StatusOK, s.recommender.Usage(key))
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r.URL.Query().Get("agent_id"), r.URL.Query().Get("session_id"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_session", "agent_id and session_id query parameters are required")
		return
	}
	respondJSON(w, http.StatusOK, s.recommender.Usage(key))
}

type chatOpsCallbackRequest struct {
	Actor    string `json:"actor"`
	Token    string `json:"token"`
	Decision string `json:"decision"`
	Channel  string `json:"channel,omitempty"`
	TS       string `json:"ts,omitempty"`
}

func (s *Server) handleChatOpsCallback(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusNotImplemented, "chatops_disabled", "chat-ops integration is not configured")
		return
	}
	var req chatOpsCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		respondError(w, http.StatusBadRequest, "invalid_token", "token is required")
		return
	}

	var decision chatops.Decision
	switch strings.ToLower(strings.TrimSpace(req.Decision)) {
	case "approve", "approved":
		decision = chatops.DecisionApprove
	case "decline", "declined", "deny", "denied":
		decision = chatops.DecisionDecline
	default:
		respondError(w, http.StatusBadRequest, "invalid_decision", "decision must be approve or decline")
		return
	}

	handle := chatops.MessageHandle{Channel: req.Channel, Timestamp: req.TS}
	if err := s.dispatcher.OnCallback(r.Context(), req.Actor, req.Token, handle, decision); err != nil {
		respondError(w, http.StatusInternalServerError, "callback_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
