// Package httphost reaches the proxy through its session control API.
package httphost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/consts"
	"github.com/migadu/maintenance/logger"
	"github.com/migadu/maintenance/maintenance"
	"github.com/migadu/maintenance/pkg/circuitbreaker"
	"github.com/migadu/maintenance/pkg/metrics"
)

// SessionInfo is one entry of GET /sessions.
type SessionInfo struct {
	UUID        uuid.UUID `json:"uuid"`
	Name        string    `json:"name"`
	Backend     string    `json:"backend"`
	Permissions []string  `json:"permissions"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type disconnectRequest struct {
	Reason string `json:"reason"`
}

type connectRequest struct {
	Backend string `json:"backend"`
}

type connectResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

type listingRequest struct {
	Enabled bool `json:"enabled"`
}

// Client implements maintenance.SessionRegistry and maintenance.ListingHook.
type Client struct {
	baseURL     string
	apiKey      string
	timeout     time.Duration
	listingHook bool
	client      *http.Client
	breaker     *circuitbreaker.Breaker
}

func New(cfg config.HostConfig) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid host base_url %q: %v", cfg.BaseURL, err)
	}
	timeout := cfg.GetTimeoutWithDefault()

	breaker := circuitbreaker.New(circuitbreaker.Settings{
		Name:             "proxy-host",
		FailureThreshold: 5,
		OpenTimeout:      15 * time.Second,
		IsFailure: func(err error) bool {
			var se *StatusError
			return err != nil && !errors.As(err, &se) && !errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Host circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.HostCircuitState.Set(float64(to))
		},
	})

	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL:     base,
		apiKey:      cfg.APIKey,
		timeout:     timeout,
		listingHook: cfg.ListingHook,
		client:      &http.Client{Transport: transport},
		breaker:     breaker,
	}, nil
}

// do sends one request through the breaker. out may be nil. A 404 is
// returned as consts.ErrSessionNotFound and does not count as a failure.
func (c *Client) do(ctx context.Context, endpoint, method, path string, in, out any) error {
	return c.request(ctx, endpoint, method, path, in, out, true)
}

// request sends one request. Unguarded requests bypass the breaker and keep
// the caller's deadline when it has one; the host timeout applies otherwise.
func (c *Client) request(ctx context.Context, endpoint, method, path string, in, out any, guarded bool) error {
	start := time.Now()
	var status int

	send := func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); guarded || !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		var body io.Reader
		if in != nil {
			buf, err := json.Marshal(in)
			if err != nil {
				return fmt.Errorf("failed to encode request: %w", err)
			}
			body = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", consts.ErrHostUnavailable, err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		switch {
		case resp.StatusCode == http.StatusNotFound:
			io.Copy(io.Discard, resp.Body)
			return nil
		case resp.StatusCode >= 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%w: %s %s returned %d: %s", consts.ErrHostUnavailable, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		case resp.StatusCode >= 300:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}
		return nil
	}

	var err error
	if guarded {
		err = c.breaker.Call(ctx, send)
	} else {
		err = send(ctx)
	}

	metrics.HostRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	label := "error"
	if status != 0 {
		label = strconv.Itoa(status)
	} else if errors.Is(err, circuitbreaker.ErrOpen) {
		label = "circuit_open"
	}
	metrics.HostRequests.WithLabelValues(endpoint, label).Inc()

	if err == nil && status == http.StatusNotFound {
		return consts.ErrSessionNotFound
	}
	return err
}

// StatusError is a 4xx answer from the proxy.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("proxy returned %d", e.Code)
	}
	return fmt.Sprintf("proxy returned %d: %s", e.Code, e.Body)
}

func (c *Client) listSessions(ctx context.Context, backend string) ([]maintenance.Session, error) {
	path := "/sessions"
	if backend != "" {
		path += "?backend=" + url.QueryEscape(backend)
	}
	var infos []SessionInfo
	if err := c.do(ctx, "sessions", http.MethodGet, path, nil, &infos); err != nil {
		if errors.Is(err, consts.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]maintenance.Session, 0, len(infos))
	for _, info := range infos {
		if info.UUID == uuid.Nil {
			continue
		}
		out = append(out, newSession(c, info))
	}
	return out, nil
}

func (c *Client) Sessions(ctx context.Context) ([]maintenance.Session, error) {
	return c.listSessions(ctx, "")
}

func (c *Client) BackendSessions(ctx context.Context, backend string) ([]maintenance.Session, error) {
	if backend == "" {
		return nil, consts.ErrEmptyBackendName
	}
	return c.listSessions(ctx, backend)
}

func (c *Client) Broadcast(ctx context.Context, text string) error {
	return c.do(ctx, "broadcast", http.MethodPost, "/broadcast", messageRequest{Message: text}, nil)
}

func (c *Client) BackendExists(ctx context.Context, backend string) (bool, error) {
	if backend == "" {
		return false, nil
	}
	err := c.do(ctx, "backend", http.MethodGet, "/backends/"+url.PathEscape(backend), nil, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, consts.ErrSessionNotFound):
		return false, nil
	default:
		return false, err
	}
}

// SetEnabled toggles the proxy's server-list integration. It does nothing
// unless listing_hook is enabled.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) error {
	if !c.listingHook {
		return nil
	}
	return c.do(ctx, "listing", http.MethodPost, "/listing", listingRequest{Enabled: enabled}, nil)
}

// ListingHook returns c as a maintenance.ListingHook, or nil when the
// integration is disabled.
func (c *Client) ListingHook() maintenance.ListingHook {
	if !c.listingHook {
		return nil
	}
	return c
}
