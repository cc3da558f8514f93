package hookapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/maintenance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "hook-key"

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *maintenance.Controller) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl := maintenance.NewController(cfg, maintenance.Options{})
	return New(ctrl, config.HTTPAPIConfig{APIKey: testKey}), ctrl
}

func post(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf []byte
	switch b := body.(type) {
	case string:
		buf = []byte(b)
	default:
		var err error
		buf, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer "+testKey)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeDecision(t *testing.T, rr *httptest.ResponseRecorder) maintenance.Decision {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var d maintenance.Decision
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	return d
}

func TestLoginHook(t *testing.T) {
	s, ctrl := newTestServer(t, nil)
	id := uuid.New()

	d := decodeDecision(t, post(t, s, "/hooks/login", LoginRequest{UUID: id.String(), Name: "alice"}))
	assert.Equal(t, maintenance.Allow, d.Outcome)

	ctrl.SetGlobal(context.Background(), true)

	d = decodeDecision(t, post(t, s, "/hooks/login", LoginRequest{UUID: id.String(), Name: "alice"}))
	assert.Equal(t, maintenance.Deny, d.Outcome)
	assert.Contains(t, d.Message, "under maintenance")

	d = decodeDecision(t, post(t, s, "/hooks/login", LoginRequest{UUID: id.String(), Name: "alice", Bypass: true}))
	assert.Equal(t, maintenance.Allow, d.Outcome)

	_, err := ctrl.AddWhitelist(id, "alice")
	require.NoError(t, err)
	d = decodeDecision(t, post(t, s, "/hooks/login", LoginRequest{UUID: id.String(), Name: "alice"}))
	assert.Equal(t, maintenance.Allow, d.Outcome)
}

func TestPreConnectHook(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Maintenance.Servers = []string{"survival"}
		cfg.Maintenance.FallbackServer = "lobby"
	})
	id := uuid.New().String()

	d := decodeDecision(t, post(t, s, "/hooks/preconnect", PreConnectRequest{LoginRequest: LoginRequest{UUID: id}, Backend: "lobby"}))
	assert.Equal(t, maintenance.Allow, d.Outcome)

	d = decodeDecision(t, post(t, s, "/hooks/preconnect", PreConnectRequest{LoginRequest: LoginRequest{UUID: id}, Backend: " survival "}))
	assert.Equal(t, maintenance.Redirect, d.Outcome)
	assert.Equal(t, "lobby", d.Target)
	assert.NotEmpty(t, d.KickMessage)

	d = decodeDecision(t, post(t, s, "/hooks/preconnect", PreConnectRequest{LoginRequest: LoginRequest{UUID: id, Bypass: true}, Backend: "survival"}))
	assert.Equal(t, maintenance.Allow, d.Outcome)
	assert.NotEmpty(t, d.Notice)
}

func TestPreConnectHook_FallbackUnusable(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Maintenance.Servers = []string{"lobby"}
		cfg.Maintenance.FallbackServer = "lobby"
	})

	d := decodeDecision(t, post(t, s, "/hooks/preconnect", PreConnectRequest{LoginRequest: LoginRequest{UUID: uuid.New().String()}, Backend: "lobby"}))
	assert.Equal(t, maintenance.Deny, d.Outcome)
	assert.Equal(t, maintenance.FallbackSelf, d.Problem)
}

func TestPingHook(t *testing.T) {
	s, ctrl := newTestServer(t, nil)
	req := maintenance.PingRequest{Motd: "hello", Online: 3, Max: 50, Protocol: 767}

	rr := post(t, s, "/hooks/ping", req)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp maintenance.PingResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Override)

	ctrl.SetGlobal(context.Background(), true)
	rr = post(t, s, "/hooks/ping", req)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Override)
	assert.Equal(t, -1, resp.Protocol)
	assert.Equal(t, 3, resp.Online)
}

func TestHooks_MalformedRequests(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"login invalid json", "/hooks/login", "{not json"},
		{"login missing uuid", "/hooks/login", LoginRequest{Name: "alice"}},
		{"login bad uuid", "/hooks/login", LoginRequest{UUID: "nope"}},
		{"preconnect missing backend", "/hooks/preconnect", PreConnectRequest{LoginRequest: LoginRequest{UUID: uuid.New().String()}}},
		{"ping invalid json", "/hooks/ping", "[1,2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(t, s, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), `"error"`)
		})
	}
}

func TestHooks_AuthAndHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/hooks/login", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/hooks/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}
