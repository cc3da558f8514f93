package httphost

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/migadu/maintenance/consts"
)

// Session is a proxy session listed by the control API.
type Session struct {
	client  *Client
	info    SessionInfo
	perms   map[string]struct{}
	pathFor string
}

func newSession(c *Client, info SessionInfo) *Session {
	perms := make(map[string]struct{}, len(info.Permissions))
	for _, p := range info.Permissions {
		perms[p] = struct{}{}
	}
	return &Session{client: c, info: info, perms: perms, pathFor: "/sessions/" + info.UUID.String()}
}

func (s *Session) ID() uuid.UUID   { return s.info.UUID }
func (s *Session) Name() string    { return s.info.Name }
func (s *Session) Backend() string { return s.info.Backend }

// HasPermission checks the permissions reported with the session listing.
// A "*" entry grants everything.
func (s *Session) HasPermission(permission string) bool {
	if _, ok := s.perms["*"]; ok {
		return true
	}
	_, ok := s.perms[permission]
	return ok
}

func (s *Session) SendMessage(ctx context.Context, text string) error {
	return s.client.do(ctx, "message", http.MethodPost, s.pathFor+"/message", messageRequest{Message: text}, nil)
}

func (s *Session) Disconnect(ctx context.Context, reason string) error {
	err := s.client.do(ctx, "disconnect", http.MethodPost, s.pathFor+"/disconnect", disconnectRequest{Reason: reason}, nil)
	if errors.Is(err, consts.ErrSessionNotFound) {
		// Already gone.
		return nil
	}
	return err
}

// Connect blocks until the proxy reports whether the transfer succeeded or
// ctx is done. Transfers bypass the breaker and are bounded by the caller's
// deadline rather than the host timeout.
func (s *Session) Connect(ctx context.Context, backend string) error {
	var resp connectResponse
	if err := s.client.request(ctx, "connect", http.MethodPost, s.pathFor+"/connect", connectRequest{Backend: backend}, &resp, false); err != nil {
		return err
	}
	if !resp.Success {
		if resp.Reason != "" {
			return fmt.Errorf("%w: %s", consts.ErrConnectFailed, resp.Reason)
		}
		return consts.ErrConnectFailed
	}
	return nil
}
