// Package hookapi answers the proxy's admission and ping hooks.
package hookapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/helpers"
	"github.com/migadu/maintenance/maintenance"
	"github.com/migadu/maintenance/pkg/metrics"
	"github.com/migadu/maintenance/server/httpapi"
)

const healthPath = "/hooks/health"

// LoginRequest identifies a connecting session.
type LoginRequest struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name"`
	Bypass bool   `json:"bypass"`
}

// PreConnectRequest identifies a session about to join a backend.
type PreConnectRequest struct {
	LoginRequest
	Backend string `json:"backend"`
}

// Server answers hooks from the controller's current state.
type Server struct {
	ctrl *maintenance.Controller
	http *httpapi.Server
}

func New(ctrl *maintenance.Controller, cfg config.HTTPAPIConfig) *Server {
	s := &Server{ctrl: ctrl}
	s.http = httpapi.New(httpapi.Options{
		Name:         "hook",
		Addr:         cfg.Addr,
		APIKey:       cfg.APIKey,
		AllowedHosts: cfg.AllowedHosts,
		Public:       []string{healthPath},
	}, s.routes)
	return s
}

func (s *Server) routes(r *mux.Router) {
	r.HandleFunc("/hooks/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/hooks/preconnect", s.handlePreConnect).Methods(http.MethodPost)
	r.HandleFunc("/hooks/ping", s.handlePing).Methods(http.MethodPost)
	r.HandleFunc(healthPath, s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler { return s.http.Handler() }

func (s *Server) Start(ctx context.Context, errChan chan<- error) { s.http.Start(ctx, errChan) }

func (req LoginRequest) identity() (maintenance.Identity, bool) {
	id, err := uuid.Parse(strings.TrimSpace(req.UUID))
	if err != nil || id == uuid.Nil {
		return maintenance.Identity{}, false
	}
	return maintenance.Identity{ID: id, Name: req.Name, Bypass: req.Bypass}, true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	id, ok := req.identity()
	if !ok {
		httpapi.WriteError(w, http.StatusBadRequest, "A valid uuid is required")
		return
	}

	decision := s.ctrl.Engine().Login(id)
	metrics.AdmissionDecisions.WithLabelValues("login", string(decision.Outcome)).Inc()
	httpapi.WriteJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePreConnect(w http.ResponseWriter, r *http.Request) {
	var req PreConnectRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	id, ok := req.identity()
	if !ok {
		httpapi.WriteError(w, http.StatusBadRequest, "A valid uuid is required")
		return
	}
	backend := helpers.NormalizeBackendName(req.Backend)
	if backend == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "Backend is required")
		return
	}

	decision := s.ctrl.Engine().PreConnect(r.Context(), id, backend)
	metrics.AdmissionDecisions.WithLabelValues("preconnect", string(decision.Outcome)).Inc()
	httpapi.WriteJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req maintenance.PingRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	resp := s.ctrl.Ping().Respond(req)
	metrics.PingsAnswered.WithLabelValues(metrics.BoolLabel(resp.Override)).Inc()
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.ctrl.Snapshot()
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"global":   snap.Global,
		"backends": len(snap.Backends),
	})
}
