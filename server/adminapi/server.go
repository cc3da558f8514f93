// Package adminapi exposes maintenance administration over HTTP.
package adminapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/consts"
	"github.com/migadu/maintenance/logger"
	"github.com/migadu/maintenance/maintenance"
	"github.com/migadu/maintenance/server/httpapi"
)

// ReloadFunc re-reads configuration and applies it.
type ReloadFunc func(ctx context.Context) ([]maintenance.Report, error)

// Server represents the admin API server
type Server struct {
	ctrl   *maintenance.Controller
	reload ReloadFunc
	http   *httpapi.Server
}

// ToggleRequest is the body of the PUT toggle endpoints.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// ToggleResponse reports whether a toggle changed anything.
type ToggleResponse struct {
	Scope   string              `json:"scope"`
	Enabled bool                `json:"enabled"`
	Changed bool                `json:"changed"`
	Report  *maintenance.Report `json:"report,omitempty"`
}

// WhitelistRequest adds or renames an entry.
type WhitelistRequest struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// TimerRequest starts or aborts the countdown. Seconds is the time until the
// switch; DurationSeconds is the window length for "schedule".
type TimerRequest struct {
	Action          string `json:"action"`
	Seconds         int    `json:"seconds"`
	DurationSeconds int    `json:"duration_seconds"`
}

func New(ctrl *maintenance.Controller, reload ReloadFunc, cfg config.HTTPAPIConfig) *Server {
	s := &Server{ctrl: ctrl, reload: reload}
	s.http = httpapi.New(httpapi.Options{
		Name:         "admin",
		Addr:         cfg.Addr,
		APIKey:       cfg.APIKey,
		AllowedHosts: cfg.AllowedHosts,
	}, s.routes)
	return s
}

func (s *Server) routes(r *mux.Router) {
	admin := r.PathPrefix("/admin").Subrouter()

	admin.HandleFunc("/maintenance", s.handleStatus).Methods(http.MethodGet)
	admin.HandleFunc("/maintenance/global", s.handleSetGlobal).Methods(http.MethodPut)
	admin.HandleFunc("/maintenance/backends/{backend}", s.handleSetBackend).Methods(http.MethodPut)

	admin.HandleFunc("/whitelist", s.handleListWhitelist).Methods(http.MethodGet)
	admin.HandleFunc("/whitelist", s.handleAddWhitelist).Methods(http.MethodPost)
	admin.HandleFunc("/whitelist/{entry}", s.handleRemoveWhitelist).Methods(http.MethodDelete)

	admin.HandleFunc("/timer", s.handleTimer).Methods(http.MethodPost)
	admin.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)
}

func (s *Server) Handler() http.Handler { return s.http.Handler() }

func (s *Server) Start(ctx context.Context, errChan chan<- error) { s.http.Start(ctx, errChan) }

// writeControllerError maps controller sentinels to status codes.
func writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrEmptyBackendName),
		errors.Is(err, consts.ErrInvalidUUID),
		errors.Is(err, consts.ErrTimerInvalid):
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, consts.ErrUnknownBackend),
		errors.Is(err, consts.ErrNotWhitelisted):
		httpapi.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, consts.ErrTimerRunning),
		errors.Is(err, consts.ErrNoTimer),
		errors.Is(err, consts.ErrAlreadyOn),
		errors.Is(err, consts.ErrAlreadyOff):
		httpapi.WriteError(w, http.StatusConflict, err.Error())
	default:
		logger.Warn("Admin API: request failed", "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, s.ctrl.Status())
}

func decodeToggle(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req ToggleRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return false, false
	}
	if req.Enabled == nil {
		httpapi.WriteError(w, http.StatusBadRequest, "Field 'enabled' is required")
		return false, false
	}
	return *req.Enabled, true
}

func toggleResponse(change maintenance.Change, report maintenance.Report) ToggleResponse {
	resp := ToggleResponse{Scope: change.Scope.String(), Enabled: change.Enabled, Changed: change.Changed}
	if change.Changed {
		resp.Report = &report
	}
	return resp
}

func (s *Server) handleSetGlobal(w http.ResponseWriter, r *http.Request) {
	enabled, ok := decodeToggle(w, r)
	if !ok {
		return
	}
	change, report := s.ctrl.SetGlobal(r.Context(), enabled)
	logger.Info("Admin API: global maintenance toggled", "enabled", enabled, "changed", change.Changed, "remote", httpapi.GetClientIP(r))
	httpapi.WriteJSON(w, http.StatusOK, toggleResponse(change, report))
}

func (s *Server) handleSetBackend(w http.ResponseWriter, r *http.Request) {
	enabled, ok := decodeToggle(w, r)
	if !ok {
		return
	}
	backend := mux.Vars(r)["backend"]
	change, report, err := s.ctrl.SetBackend(r.Context(), backend, enabled)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	logger.Info("Admin API: backend maintenance toggled", "backend", backend, "enabled", enabled, "changed", change.Changed, "remote", httpapi.GetClientIP(r))
	httpapi.WriteJSON(w, http.StatusOK, toggleResponse(change, report))
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	entries := s.ctrl.Whitelist().Entries()
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req WhitelistRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(req.UUID))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, consts.ErrInvalidUUID.Error())
		return
	}

	added, err := s.ctrl.AddWhitelist(id, strings.TrimSpace(req.Name))
	resp := map[string]any{"uuid": id, "name": strings.TrimSpace(req.Name), "added": added}
	if err != nil {
		if errors.Is(err, consts.ErrInvalidUUID) {
			writeControllerError(w, err)
			return
		}
		// The entry is live; only the config write-back failed.
		logger.Warn("Admin API: whitelist not persisted", "uuid", id, "error", err)
		resp["warning"] = "whitelist not persisted"
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	httpapi.WriteJSON(w, status, resp)
}

// handleRemoveWhitelist accepts a uuid or a whitelisted display name.
func (s *Server) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	entry := mux.Vars(r)["entry"]
	id, err := uuid.Parse(entry)
	if err != nil {
		var ok bool
		if id, ok = s.ctrl.Whitelist().LookupName(entry); !ok {
			writeControllerError(w, consts.ErrNotWhitelisted)
			return
		}
	}

	resp := map[string]any{"uuid": id, "removed": true}
	if err := s.ctrl.RemoveWhitelist(id); err != nil {
		if errors.Is(err, consts.ErrNotWhitelisted) {
			writeControllerError(w, err)
			return
		}
		logger.Warn("Admin API: whitelist not persisted", "uuid", id, "error", err)
		resp["warning"] = "whitelist not persisted"
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTimer(w http.ResponseWriter, r *http.Request) {
	var req TimerRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	d := time.Duration(req.Seconds) * time.Second

	var err error
	switch strings.ToLower(req.Action) {
	case "start":
		err = s.ctrl.StartTimer(d)
	case "end":
		err = s.ctrl.EndTimer(d)
	case "schedule":
		err = s.ctrl.ScheduleTimer(d, time.Duration(req.DurationSeconds)*time.Second)
	case "abort":
		err = s.ctrl.AbortTimer()
	default:
		httpapi.WriteError(w, http.StatusBadRequest, "Action must be one of start, end, schedule, abort")
		return
	}
	if err != nil {
		writeControllerError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, s.ctrl.Timer())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		httpapi.WriteError(w, http.StatusNotImplemented, "Reload is not available")
		return
	}
	reports, err := s.reload(r.Context())
	if err != nil {
		logger.Warn("Admin API: reload failed", "error", err)
		httpapi.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"reloaded":    true,
		"transitions": reports,
	})
}
