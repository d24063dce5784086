package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lcastelli/warden/internal/chatops"
	"github.com/lcastelli/warden/internal/config"
	"github.com/lcastelli/warden/internal/distribute"
	"github.com/lcastelli/warden/internal/events"
	"github.com/lcastelli/warden/internal/observability"
	"github.com/lcastelli/warden/internal/recommend"
	"github.com/lcastelli/warden/internal/vetting"
)

type Server struct {
	cfg         config.Config
	vetting     *vetting.Service
	recommender *recommend.Manager
	dispatcher  *chatops.Dispatcher
	distributor *distribute.Manager
	bus         *events.Bus
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, svc *vetting.Service, recommender *recommend.Manager, dispatcher *chatops.Dispatcher, distributor *distribute.Manager, bus *events.Bus, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		vetting:     svc,
		recommender: recommender,
		dispatcher:  dispatcher,
		distributor: distributor,
		bus:         bus,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up. Agents and CLIs omit Origin and pass through.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions/init", s.handleInitSession)
	r.Post("/v1/sessions/teardown", s.handleTeardownSession)
	r.Post("/v1/sessions/config", s.handleUpdateConfig)
	r.Get("/v1/sessions/config", s.handleGetConfig)

	r.Post("/v1/recommendations", s.handleAddRecommendation)
	r.Get("/v1/recommendations", s.handleListRecommendations)
	r.Post("/v1/recommendations/{id}/approve", s.handleApprove)
	r.Post("/v1/recommendations/{id}/deny", s.handleDeny)

	r.Post("/v1/usage/record", s.handleRecordUsage)
	r.Post("/v1/usage/reset", s.handleResetUsage)
	r.Get("/v1/usage", s.handleGetUsage)

	r.Post("/v1/chatops/callback", s.handleChatOpsCallback)

	r.Post("/v1/workers", s.handleRegisterWorker)
	r.Get("/v1/workers", s.handleListWorkers)
	r.Get("/v1/workers/{id}", s.handleGetWorker)
	r.Post("/v1/workers/{id}/complete", s.handleCompleteTask)
	r.Post("/v1/workers/{id}/fail", s.handleFailWorker)
	r.Post("/v1/workers/{id}/status", s.handleWorkerStatus)
	r.Post("/v1/tasks", s.handleDistributeTask)
	r.Post("/v1/distribution/strategy", s.handleSetStrategy)

	r.Get("/v1/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"chatops_enabled": s.dispatcher != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"chatops_enabled": s.dispatcher != nil,
		"idle_workers":    s.distributor.IdleCount(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func sessionKeyFromRequest(agentID, sessionID string) (recommend.SessionKey, bool) {
	agentID = strings.TrimSpace(agentID)
	sessionID = strings.TrimSpace(sessionID)
	if agentID == "" || sessionID == "" {
		return recommend.SessionKey{}, false
	}
	return recommend.SessionKey{AgentID: agentID, SessionID: sessionID}, true
}
