package maintenance

import (
	"sort"
	"sync"
	"time"
)

// Scope identifies what a transition applies to. An empty Backend means
// global maintenance.
type Scope struct {
	Backend string
}

var GlobalScope = Scope{}

func BackendScope(name string) Scope { return Scope{Backend: name} }

func (s Scope) IsGlobal() bool { return s.Backend == "" }

func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return "backend:" + s.Backend
}

// Change is the result of a toggle. Changed is false when the flag already
// had the requested value.
type Change struct {
	Scope    Scope
	Previous bool
	Enabled  bool
	Changed  bool
}

// Snapshot is a consistent copy of the state.
type Snapshot struct {
	Global          bool                 `json:"global"`
	Backends        []string             `json:"backends"`
	Fallback        string               `json:"fallback"`
	GlobalChangedAt time.Time            `json:"global_changed_at,omitempty"`
	BackendChanged  map[string]time.Time `json:"backend_changed_at,omitempty"`
}

func (s Snapshot) IsBackend(name string) bool {
	for _, b := range s.Backends {
		if b == name {
			return true
		}
	}
	return false
}

// State is the single authoritative maintenance state. Reads may run
// concurrently; each mutation is atomic for readers.
type State struct {
	mu              sync.RWMutex
	global          bool
	backends        map[string]struct{}
	fallback        string
	globalChangedAt time.Time
	backendChanged  map[string]time.Time
	now             func() time.Time
}

func NewState(global bool, backends []string, fallback string) *State {
	s := &State{
		backends:       make(map[string]struct{}, len(backends)),
		backendChanged: map[string]time.Time{},
		now:            time.Now,
	}
	s.global = global
	for _, b := range backends {
		if b != "" {
			s.backends[b] = struct{}{}
		}
	}
	s.fallback = fallback
	return s
}

func (s *State) SetGlobal(enabled bool) Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Change{Scope: GlobalScope, Previous: s.global, Enabled: enabled, Changed: s.global != enabled}
	if c.Changed {
		s.global = enabled
		s.globalChangedAt = s.now()
	}
	return c
}

func (s *State) SetBackend(backend string, enabled bool) Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, prev := s.backends[backend]
	c := Change{Scope: BackendScope(backend), Previous: prev, Enabled: enabled, Changed: prev != enabled}
	if !c.Changed {
		return c
	}
	if enabled {
		s.backends[backend] = struct{}{}
	} else {
		delete(s.backends, backend)
	}
	s.backendChanged[backend] = s.now()
	return c
}

func (s *State) SetFallback(backend string) {
	s.mu.Lock()
	s.fallback = backend
	s.mu.Unlock()
}

func (s *State) IsGlobal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}

func (s *State) IsBackend(backend string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.backends[backend]
	return ok
}

func (s *State) Fallback() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Global:          s.global,
		Backends:        make([]string, 0, len(s.backends)),
		Fallback:        s.fallback,
		GlobalChangedAt: s.globalChangedAt,
		BackendChanged:  make(map[string]time.Time, len(s.backendChanged)),
	}
	for b := range s.backends {
		snap.Backends = append(snap.Backends, b)
	}
	sort.Strings(snap.Backends)
	for b, t := range s.backendChanged {
		snap.BackendChanged[b] = t
	}
	return snap
}

// Replace installs a new global flag, backend set and fallback in one step
// and returns the per-scope changes relative to the previous state.
func (s *State) Replace(global bool, backends []string, fallback string) []Change {
	next := make(map[string]struct{}, len(backends))
	for _, b := range backends {
		if b != "" {
			next[b] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var changes []Change
	if s.global != global {
		changes = append(changes, Change{Scope: GlobalScope, Previous: s.global, Enabled: global, Changed: true})
		s.globalChangedAt = now
	}
	for b := range s.backends {
		if _, ok := next[b]; !ok {
			changes = append(changes, Change{Scope: BackendScope(b), Previous: true, Enabled: false, Changed: true})
			s.backendChanged[b] = now
		}
	}
	for b := range next {
		if _, ok := s.backends[b]; !ok {
			changes = append(changes, Change{Scope: BackendScope(b), Previous: false, Enabled: true, Changed: true})
			s.backendChanged[b] = now
		}
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changeOrder(changes[i]) < changeOrder(changes[j])
	})

	s.global = global
	s.backends = next
	s.fallback = fallback
	return changes
}

// changeOrder puts global first, then backend names alphabetically.
func changeOrder(c Change) string {
	if c.Scope.IsGlobal() {
		return ""
	}
	return "\x00" + c.Scope.Backend
}
