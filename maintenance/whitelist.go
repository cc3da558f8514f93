package maintenance

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Identity is derived from a session for a single decision.
type Identity struct {
	ID     uuid.UUID
	Name   string
	Bypass bool
}

// WhitelistEntry is one exempt identity.
type WhitelistEntry struct {
	ID   uuid.UUID `json:"uuid"`
	Name string    `json:"name"`
}

// Whitelist maps identities to display names. Membership alone exempts an
// identity from maintenance.
type Whitelist struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]string
}

func NewWhitelist(entries map[uuid.UUID]string) *Whitelist {
	w := &Whitelist{}
	w.Replace(entries)
	return w
}

func (w *Whitelist) Contains(id uuid.UUID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.entries[id]
	return ok
}

// Add inserts or renames an entry. It reports whether the whitelist changed.
func (w *Whitelist) Add(id uuid.UUID, name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.entries[id]; ok && cur == name {
		return false
	}
	w.entries[id] = name
	return true
}

// Remove deletes an entry and reports whether it existed.
func (w *Whitelist) Remove(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[id]; !ok {
		return false
	}
	delete(w.entries, id)
	return true
}

// LookupName finds an entry by display name, case-insensitively.
func (w *Whitelist) LookupName(name string) (uuid.UUID, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for id, n := range w.entries {
		if strings.EqualFold(n, name) {
			return id, true
		}
	}
	return uuid.Nil, false
}

// Entries returns a copy sorted by name, then uuid.
func (w *Whitelist) Entries() []WhitelistEntry {
	w.mu.RLock()
	out := make([]WhitelistEntry, 0, len(w.entries))
	for id, name := range w.entries {
		out = append(out, WhitelistEntry{ID: id, Name: name})
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Map returns a copy of the entries.
func (w *Whitelist) Map() map[uuid.UUID]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[uuid.UUID]string, len(w.entries))
	for id, name := range w.entries {
		out[id] = name
	}
	return out
}

func (w *Whitelist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Replace swaps all entries at once.
func (w *Whitelist) Replace(entries map[uuid.UUID]string) {
	next := make(map[uuid.UUID]string, len(entries))
	for id, name := range entries {
		next[id] = name
	}
	w.mu.Lock()
	w.entries = next
	w.mu.Unlock()
}

// IsExempt reports whether an identity bypasses maintenance gating.
func IsExempt(id Identity, wl *Whitelist) bool {
	if id.Bypass {
		return true
	}
	return wl != nil && wl.Contains(id.ID)
}
