package httphost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/consts"
	"github.com/migadu/maintenance/maintenance"
	"github.com/migadu/maintenance/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProxy struct {
	mu          sync.Mutex
	sessions    []SessionInfo
	backends    map[string]bool
	broadcasts  []string
	messages    map[uuid.UUID][]string
	disconnects map[uuid.UUID]string
	connects    map[uuid.UUID]string
	listing     []bool
	connectOK    bool
	connectDelay time.Duration
	authHeaders []string
	fail        bool
}

func newFakeProxy(t *testing.T) (*fakeProxy, *httptest.Server) {
	p := &fakeProxy{
		backends:    map[string]bool{"lobby": true, "survival": true},
		messages:    map[uuid.UUID][]string{},
		disconnects: map[uuid.UUID]string{},
		connects:    map[uuid.UUID]string{},
		connectOK:   true,
	}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p.mu.Lock()
			p.authHeaders = append(p.authHeaders, req.Header.Get("Authorization"))
			fail := p.fail
			p.mu.Unlock()
			if fail {
				http.Error(w, "down", http.StatusBadGateway)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/sessions", func(w http.ResponseWriter, req *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		backend := req.URL.Query().Get("backend")
		out := []SessionInfo{}
		for _, s := range p.sessions {
			if backend == "" || s.Backend == backend {
				out = append(out, s)
			}
		}
		json.NewEncoder(w).Encode(out)
	}).Methods(http.MethodGet)
	r.HandleFunc("/broadcast", func(w http.ResponseWriter, req *http.Request) {
		var body messageRequest
		json.NewDecoder(req.Body).Decode(&body)
		p.mu.Lock()
		p.broadcasts = append(p.broadcasts, body.Message)
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	r.HandleFunc("/backends/{name}", func(w http.ResponseWriter, req *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.backends[mux.Vars(req)["name"]] {
			http.NotFound(w, req)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/{action}", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(mux.Vars(req)["id"])
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		if mux.Vars(req)["action"] == "connect" {
			p.mu.Lock()
			delay := p.connectDelay
			p.mu.Unlock()
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return
			}
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		known := false
		for _, s := range p.sessions {
			known = known || s.UUID == id
		}
		if !known {
			http.NotFound(w, req)
			return
		}
		switch mux.Vars(req)["action"] {
		case "message":
			var body messageRequest
			json.NewDecoder(req.Body).Decode(&body)
			p.messages[id] = append(p.messages[id], body.Message)
		case "disconnect":
			var body disconnectRequest
			json.NewDecoder(req.Body).Decode(&body)
			p.disconnects[id] = body.Reason
		case "connect":
			var body connectRequest
			json.NewDecoder(req.Body).Decode(&body)
			p.connects[id] = body.Backend
			json.NewEncoder(w).Encode(connectResponse{Success: p.connectOK, Reason: "backend full"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	r.HandleFunc("/listing", func(w http.ResponseWriter, req *http.Request) {
		var body listingRequest
		json.NewDecoder(req.Body).Decode(&body)
		p.mu.Lock()
		p.listing = append(p.listing, body.Enabled)
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return p, srv
}

func newTestClient(t *testing.T, baseURL string, listing bool) *Client {
	t.Helper()
	c, err := New(config.HostConfig{BaseURL: baseURL, APIKey: "secret", Timeout: "2s", ListingHook: listing})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(config.HostConfig{BaseURL: ""})
	assert.Error(t, err)
	_, err = New(config.HostConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestClient_Sessions(t *testing.T) {
	p, srv := newFakeProxy(t)
	alice, bob := uuid.New(), uuid.New()
	p.sessions = []SessionInfo{
		{UUID: alice, Name: "alice", Backend: "lobby", Permissions: []string{"maintenance.bypass"}},
		{UUID: bob, Name: "bob", Backend: "survival"},
		{UUID: uuid.Nil, Name: "ghost", Backend: "lobby"},
	}
	c := newTestClient(t, srv.URL, false)
	ctx := context.Background()

	all, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "sessions without a uuid are skipped")
	assert.Equal(t, "alice", all[0].Name())
	assert.True(t, all[0].HasPermission("maintenance.bypass"))
	assert.False(t, all[1].HasPermission("maintenance.bypass"))

	survival, err := c.BackendSessions(ctx, "survival")
	require.NoError(t, err)
	require.Len(t, survival, 1)
	assert.Equal(t, bob, survival[0].ID())

	_, err = c.BackendSessions(ctx, "")
	assert.ErrorIs(t, err, consts.ErrEmptyBackendName)

	assert.Equal(t, "Bearer secret", p.authHeaders[0])
}

func TestClient_SessionActions(t *testing.T) {
	p, srv := newFakeProxy(t)
	id := uuid.New()
	p.sessions = []SessionInfo{{UUID: id, Name: "alice", Backend: "survival"}}
	c := newTestClient(t, srv.URL, false)
	ctx := context.Background()

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	s := sessions[0]

	require.NoError(t, s.SendMessage(ctx, "hello"))
	require.NoError(t, s.Connect(ctx, "lobby"))
	require.NoError(t, s.Disconnect(ctx, "bye"))

	p.mu.Lock()
	assert.Equal(t, []string{"hello"}, p.messages[id])
	assert.Equal(t, "lobby", p.connects[id])
	assert.Equal(t, "bye", p.disconnects[id])
	p.mu.Unlock()

	p.mu.Lock()
	p.connectOK = false
	p.mu.Unlock()
	err = s.Connect(ctx, "lobby")
	assert.ErrorIs(t, err, consts.ErrConnectFailed)
	assert.ErrorContains(t, err, "backend full")

	p.mu.Lock()
	p.sessions = nil
	p.mu.Unlock()
	assert.NoError(t, s.Disconnect(ctx, "bye"), "disconnecting a vanished session is a no-op")
	assert.ErrorIs(t, s.SendMessage(ctx, "hi"), consts.ErrSessionNotFound)
}

func TestClient_BroadcastAndBackends(t *testing.T) {
	p, srv := newFakeProxy(t)
	c := newTestClient(t, srv.URL, false)
	ctx := context.Background()

	require.NoError(t, c.Broadcast(ctx, "maintenance soon"))
	assert.Equal(t, []string{"maintenance soon"}, p.broadcasts)

	ok, err := c.BackendExists(ctx, "lobby")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.BackendExists(ctx, "nether")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.BackendExists(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_ListingHook(t *testing.T) {
	p, srv := newFakeProxy(t)
	ctx := context.Background()

	off := newTestClient(t, srv.URL, false)
	assert.Nil(t, off.ListingHook())
	require.NoError(t, off.SetEnabled(ctx, false))
	assert.Empty(t, p.listing)

	on := newTestClient(t, srv.URL, true)
	require.NotNil(t, on.ListingHook())
	require.NoError(t, on.ListingHook().SetEnabled(ctx, false))
	require.NoError(t, on.SetEnabled(ctx, true))
	assert.Equal(t, []bool{false, true}, p.listing)
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	p, srv := newFakeProxy(t)
	p.fail = true
	c := newTestClient(t, srv.URL, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := c.Broadcast(ctx, "x")
		assert.ErrorIs(t, err, consts.ErrHostUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.breaker.State())

	p.mu.Lock()
	requests := len(p.authHeaders)
	p.mu.Unlock()
	assert.ErrorIs(t, c.Broadcast(ctx, "x"), circuitbreaker.ErrOpen)
	p.mu.Lock()
	assert.Equal(t, requests, len(p.authHeaders), "open breaker fails fast")
	p.mu.Unlock()
}

func TestClient_NotFoundDoesNotTripBreaker(t *testing.T) {
	_, srv := newFakeProxy(t)
	c := newTestClient(t, srv.URL, false)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := c.BackendExists(ctx, "nether")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker.State())
}

func survivalSessions(p *fakeProxy, n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range ids {
		ids[i] = uuid.New()
		p.sessions = append(p.sessions, SessionInfo{UUID: ids[i], Name: "player", Backend: "survival"})
	}
	return ids
}

func TestClient_FailedRedirectsStillKick(t *testing.T) {
	p, srv := newFakeProxy(t)
	p.connectDelay = 300 * time.Millisecond
	ids := survivalSessions(p, 8)

	c := newTestClient(t, srv.URL, false)
	cfg := config.NewDefaultConfig()
	cfg.Maintenance.FallbackServer = "lobby"
	cfg.Maintenance.RedirectTimeout = "100ms"
	ctrl := maintenance.NewController(cfg, maintenance.Options{Registry: c})

	_, report, err := ctrl.SetBackend(context.Background(), "survival", true)
	require.NoError(t, err)

	assert.Equal(t, 8, report.Kicked)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Redirected)
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker.State(), "slow transfers do not open the breaker")

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		assert.NotEmpty(t, p.disconnects[id])
	}
}

func TestClient_ConnectUsesCallerDeadline(t *testing.T) {
	p, srv := newFakeProxy(t)
	p.connectDelay = 300 * time.Millisecond
	survivalSessions(p, 1)

	c, err := New(config.HostConfig{BaseURL: srv.URL, Timeout: "100ms"})
	require.NoError(t, err)
	cfg := config.NewDefaultConfig()
	cfg.Maintenance.FallbackServer = "lobby"
	cfg.Maintenance.RedirectTimeout = "2s"
	ctrl := maintenance.NewController(cfg, maintenance.Options{Registry: c})

	_, report, err := ctrl.SetBackend(context.Background(), "survival", true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Redirected, "redirect_timeout above the host timeout is honoured")
	assert.Zero(t, report.Kicked)

	sessions, err := c.BackendSessions(context.Background(), "survival")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sessions[0].Connect(ctx, "lobby"), context.DeadlineExceeded)
}
