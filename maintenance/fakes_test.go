package maintenance

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/logger"
)

type fakeSession struct {
	id      uuid.UUID
	name    string
	backend string
	perms   map[string]bool

	connectErr   error
	connectDelay time.Duration

	mu          sync.Mutex
	messages    []string
	disconnects []string
	connects    []string
}

func newSession(name, backend string, perms ...string) *fakeSession {
	s := &fakeSession{id: uuid.New(), name: name, backend: backend, perms: map[string]bool{}}
	for _, p := range perms {
		s.perms[p] = true
	}
	return s
}

func (s *fakeSession) ID() uuid.UUID                  { return s.id }
func (s *fakeSession) Name() string                   { return s.name }
func (s *fakeSession) HasPermission(perm string) bool { return s.perms[perm] }

func (s *fakeSession) SendMessage(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, text)
	return nil
}

func (s *fakeSession) Disconnect(ctx context.Context, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, reason)
	return nil
}

func (s *fakeSession) Connect(ctx context.Context, backend string) error {
	s.mu.Lock()
	s.connects = append(s.connects, backend)
	s.mu.Unlock()

	if s.connectDelay > 0 {
		select {
		case <-time.After(s.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.connectErr != nil {
		return s.connectErr
	}
	s.mu.Lock()
	s.backend = backend
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func (s *fakeSession) Disconnects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.disconnects...)
}

func (s *fakeSession) Connects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.connects...)
}

type fakeRegistry struct {
	mu         sync.Mutex
	sessions   []*fakeSession
	backends   map[string]bool
	broadcasts []string
	listErr    error
}

func newRegistry(backends ...string) *fakeRegistry {
	r := &fakeRegistry{backends: map[string]bool{}}
	for _, b := range backends {
		r.backends[b] = true
	}
	return r
}

func (r *fakeRegistry) add(s ...*fakeSession) {
	r.mu.Lock()
	r.sessions = append(r.sessions, s...)
	r.mu.Unlock()
}

func (r *fakeRegistry) Sessions(context.Context) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRegistry) BackendSessions(_ context.Context, backend string) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []Session
	for _, s := range r.sessions {
		s.mu.Lock()
		on := s.backend == backend
		s.mu.Unlock()
		if on {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeRegistry) Broadcast(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, text)
	return nil
}

func (r *fakeRegistry) BackendExists(_ context.Context, backend string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backends[backend], nil
}

func (r *fakeRegistry) Broadcasts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.broadcasts...)
}

type fakeListing struct {
	mu    sync.Mutex
	calls []bool
}

func (l *fakeListing) SetEnabled(_ context.Context, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, enabled)
	return nil
}

type fakePersister struct {
	mu        sync.Mutex
	snaps     []Snapshot
	whitelist map[uuid.UUID]string
}

func (p *fakePersister) Persist(snap Snapshot, wl map[uuid.UUID]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
	p.whitelist = wl
	return nil
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

var errConnect = errors.New("connection refused")

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	restore := logger.SetForTesting(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(restore)
	return buf
}

func testConfig() config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Maintenance.RedirectTimeout = "2s"
	return cfg
}
