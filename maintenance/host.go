package maintenance

import (
	"context"

	"github.com/google/uuid"
)

// Session is a connected player as seen through the proxy. Implementations
// live in host adapters; the core never holds on to a Session beyond a
// single event or transition.
type Session interface {
	ID() uuid.UUID
	Name() string
	HasPermission(permission string) bool
	SendMessage(ctx context.Context, text string) error
	Disconnect(ctx context.Context, reason string) error
	// Connect asks the proxy to move the session to backend and blocks
	// until the proxy reports the outcome or ctx is done.
	Connect(ctx context.Context, backend string) error
}

// SessionRegistry enumerates sessions and reaches all of them at once.
type SessionRegistry interface {
	Sessions(ctx context.Context) ([]Session, error)
	BackendSessions(ctx context.Context, backend string) ([]Session, error)
	Broadcast(ctx context.Context, text string) error
	BackendExists(ctx context.Context, backend string) (bool, error)
}

// ListingHook toggles an external server-list integration.
type ListingHook interface {
	SetEnabled(ctx context.Context, enabled bool) error
}

// Persister writes the current state and whitelist back to configuration.
type Persister interface {
	Persist(snap Snapshot, whitelist map[uuid.UUID]string) error
}

// listing wraps an optional ListingHook; calls on a nil hook do nothing.
type listing struct {
	hook ListingHook
}

func (l listing) SetEnabled(ctx context.Context, enabled bool) error {
	if l.hook == nil {
		return nil
	}
	return l.hook.SetEnabled(ctx, enabled)
}

func identityOf(s Session, bypassPermission string) Identity {
	return Identity{
		ID:     s.ID(),
		Name:   s.Name(),
		Bypass: bypassPermission != "" && s.HasPermission(bypassPermission),
	}
}

// emptyRegistry stands in when no host is attached.
type emptyRegistry struct{}

func (emptyRegistry) Sessions(context.Context) ([]Session, error)                { return nil, nil }
func (emptyRegistry) BackendSessions(context.Context, string) ([]Session, error) { return nil, nil }
func (emptyRegistry) Broadcast(context.Context, string) error                    { return nil }
func (emptyRegistry) BackendExists(context.Context, string) (bool, error)        { return true, nil }
