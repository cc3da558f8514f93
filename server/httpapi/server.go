// Package httpapi holds the HTTP server plumbing shared by the hook and
// admin APIs: bearer auth, allowed hosts, request logging, JSON helpers and
// graceful shutdown.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/maintenance/logger"
	"github.com/migadu/maintenance/pkg/metrics"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Options configures a Server.
type Options struct {
	// Name labels logs and metrics ("hook", "admin").
	Name         string
	Addr         string
	APIKey       string
	AllowedHosts []string
	// Public paths skip bearer auth.
	Public []string
}

// Server is a gorilla/mux router behind the shared middleware chain.
type Server struct {
	name         string
	addr         string
	apiKey       string
	allowedHosts []string
	public       map[string]struct{}
	router       *mux.Router
	server       *http.Server
}

// New builds a Server. routes registers the API's handlers on the router.
// An empty API key disables bearer auth.
func New(opts Options, routes func(r *mux.Router)) *Server {
	s := &Server{
		name:         opts.Name,
		addr:         opts.Addr,
		apiKey:       opts.APIKey,
		allowedHosts: opts.AllowedHosts,
		public:       make(map[string]struct{}, len(opts.Public)),
		router:       mux.NewRouter(),
	}
	for _, p := range opts.Public {
		s.public[p] = struct{}{}
	}

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.allowedHostsMiddleware)
	s.router.Use(s.authMiddleware)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "Not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	routes(s.router)
	return s
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled. Listener failures are sent to errChan.
func (s *Server) Start(ctx context.Context, errChan chan<- error) {
	logger.Info("HTTP API: Starting server", "name", s.name, "addr", s.addr)
	if err := s.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		errChan <- fmt.Errorf("%s API server failed: %w", s.name, err)
	}
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		logger.Info("HTTP API: Shutting down server", "name", s.name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error shutting down server", "name", s.name, "error", err)
		}
	}()
	defer close(done)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				logger.Error("HTTP API: Handler panic", "name", s.name, "path", r.URL.Path, "panic", p)
				WriteError(rec, http.StatusInternalServerError, "Internal server error")
			}
			metrics.HTTPRequests.WithLabelValues(s.name, strconv.Itoa(rec.status)).Inc()
			logger.Debug("HTTP API: Request", "name", s.name, "method", r.Method, "path", r.URL.Path,
				"remote", r.RemoteAddr, "status", rec.status, "duration", time.Since(start))
		}()
		next.ServeHTTP(rec, r)
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !hostAllowed(s.allowedHosts, GetClientIP(r)) {
			WriteError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, h := range allowed {
		if h == clientIP {
			return true
		}
		if strings.Contains(h, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(h); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := s.public[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			WriteError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			WriteError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP prefers X-Forwarded-For, then X-Real-IP, then RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// DecodeJSON reads a bounded JSON body into v. Unknown fields are accepted.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "error", err)
	}
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
