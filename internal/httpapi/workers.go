package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lcastelli/warden/internal/distribute"
)

type registerWorkerRequest struct {
	ID string `json:"id,omitempty"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	session, err := s.distributor.RegisterSession(req.ID)
	if err != nil {
		respondError(w, http.StatusConflict, "worker_exists", err.Error())
		return
	}
	s.metrics.IdleSessions.Set(float64(s.distributor.IdleCount()))
	respondJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"workers":  s.distributor.List(),
		"strategy": s.distributor.Strategy(),
	})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	session, err := s.distributor.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "worker_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session)
}

type distributeTaskRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleDistributeTask(w http.ResponseWriter, r *http.Request) {
	var req distributeTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_prompt", "prompt is required")
		return
	}

	taskID, err := s.distributor.DistributeTask(req.Prompt)
	if err != nil {
		if errors.Is(err, distribute.ErrNoAvailableSessions) {
			respondError(w, http.StatusServiceUnavailable, "no_idle_workers", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "distribution_failed", err.Error())
		return
	}
	s.metrics.TasksDistributed.WithLabelValues(string(s.distributor.Strategy())).Inc()
	s.metrics.IdleSessions.Set(float64(s.distributor.IdleCount()))
	respondJSON(w, http.StatusCreated, map[string]any{"task_id": taskID})
}

type completeTaskRequest struct {
	Result string `json:"result,omitempty"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req completeTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	session, err := s.distributor.CompleteTask(id, req.Result)
	if err != nil {
		respondError(w, http.StatusNotFound, "worker_not_found", err.Error())
		return
	}
	s.metrics.IdleSessions.Set(float64(s.distributor.IdleCount()))
	respondJSON(w, http.StatusOK, session)
}

type failWorkerRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleFailWorker(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req failWorkerRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	newTaskID, err := s.distributor.HandleFailure(id, req.Reason)
	if err != nil && !errors.Is(err, distribute.ErrNoAvailableSessions) {
		respondError(w, http.StatusNotFound, "worker_not_found", err.Error())
		return
	}
	if newTaskID != "" {
		s.metrics.TaskReassignments.Inc()
	}
	s.metrics.IdleSessions.Set(float64(s.distributor.IdleCount()))
	respondJSON(w, http.StatusOK, map[string]any{
		"resubmitted_as": newTaskID,
		"backlogged":     errors.Is(err, distribute.ErrNoAvailableSessions),
	})
}

type workerStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req workerStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	status := distribute.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	switch status {
	case distribute.StatusIdle, distribute.StatusWorking, distribute.StatusCompleted, distribute.StatusFailed:
	default:
		respondError(w, http.StatusBadRequest, "invalid_status", "status must be idle, working, completed or failed")
		return
	}

	session, err := s.distributor.UpdateStatus(id, status)
	if err != nil {
		respondError(w, http.StatusNotFound, "worker_not_found", err.Error())
		return
	}
	s.metrics.IdleSessions.Set(float64(s.distributor.IdleCount()))
	respondJSON(w, http.StatusOK, session)
}

type strategyRequest struct {
	Strategy string `json:"strategy"`
}

func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.distributor.SetStrategy(distribute.Strategy(strings.TrimSpace(req.Strategy))); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_strategy", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"strategy": s.distributor.Strategy()})
}
