package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/maintenance/logger"
	"github.com/migadu/maintenance/pkg/metrics"
)

// Report summarizes the side effects of one transition.
type Report struct {
	Scope      string `json:"scope"`
	Enabled    bool   `json:"enabled"`
	Notified   int    `json:"notified"`
	Kicked     int    `json:"kicked"`
	Redirected int    `json:"redirected"`
	Failed     int    `json:"failed"`
	Warning    string `json:"warning,omitempty"`
}

type reportCounter struct {
	mu sync.Mutex
	r  Report
}

func (c *reportCounter) add(f func(*Report)) {
	c.mu.Lock()
	f(&c.r)
	c.mu.Unlock()
}

// DispatcherSettings are the reloadable knobs of the dispatcher.
type DispatcherSettings struct {
	BypassPermission string
	RedirectTimeout  time.Duration
}

// Dispatcher turns transitions into messages, kicks and redirects.
type Dispatcher struct {
	registry SessionRegistry
	listing  listing
	engine   *Engine
	messages func() *Messages
	settings func() DispatcherSettings
}

func NewDispatcher(registry SessionRegistry, hook ListingHook, engine *Engine, messages func() *Messages, settings func() DispatcherSettings) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		listing:  listing{hook: hook},
		engine:   engine,
		messages: messages,
		settings: settings,
	}
}

// OnTransition applies the side effects of a scope changing to enabled.
// It returns once every kick and redirect has resolved.
func (d *Dispatcher) OnTransition(ctx context.Context, scope Scope, enabled bool) Report {
	metrics.Transitions.WithLabelValues(scopeLabel(scope), stateLabel(enabled)).Inc()
	if scope.IsGlobal() {
		if enabled {
			return d.globalOn(ctx)
		}
		return d.globalOff(ctx)
	}
	if enabled {
		return d.backendOn(ctx, scope.Backend)
	}
	return d.backendOff(ctx, scope.Backend)
}

func (d *Dispatcher) broadcast(ctx context.Context, text string) {
	logger.Info("Maintenance broadcast", "message", text)
	if err := d.registry.Broadcast(ctx, text); err != nil {
		logger.Warn("Maintenance: broadcast failed", "error", err)
	}
}

func (d *Dispatcher) globalOn(ctx context.Context) Report {
	msgs := d.messages()
	settings := d.settings()
	report := Report{Scope: GlobalScope.String(), Enabled: true}

	d.broadcast(ctx, msgs.Activated())

	sessions, err := d.registry.Sessions(ctx)
	if err != nil {
		logger.Warn("Maintenance: cannot list sessions, nobody was kicked", "error", err)
		report.Warning = fmt.Sprintf("listing sessions failed: %v", err)
	}
	kick := msgs.Kick()
	for _, s := range uniqueSessions(sessions) {
		if IsExempt(identityOf(s, settings.BypassPermission), d.engine.whitelist) {
			continue
		}
		if err := s.Disconnect(ctx, kick); err != nil {
			logger.Warn("Maintenance: failed to kick session", "session", s.Name(), "error", err)
			report.Failed++
			continue
		}
		report.Kicked++
		metrics.SessionsKicked.WithLabelValues("global").Inc()
	}

	if err := d.listing.SetEnabled(ctx, false); err != nil {
		logger.Warn("Maintenance: failed to disable server list integration", "error", err)
	}
	return report
}

func (d *Dispatcher) globalOff(ctx context.Context) Report {
	d.broadcast(ctx, d.messages().Deactivated())
	if err := d.listing.SetEnabled(ctx, true); err != nil {
		logger.Warn("Maintenance: failed to enable server list integration", "error", err)
	}
	return Report{Scope: GlobalScope.String(), Enabled: false}
}

func (d *Dispatcher) backendOn(ctx context.Context, backend string) Report {
	settings := d.settings()
	counter := &reportCounter{r: Report{Scope: BackendScope(backend).String(), Enabled: true}}

	sessions, err := d.registry.BackendSessions(ctx, backend)
	if err != nil {
		logger.Warn("Maintenance: cannot list backend sessions", "backend", backend, "error", err)
		counter.r.Warning = fmt.Sprintf("listing sessions failed: %v", err)
		return counter.r
	}
	sessions = uniqueSessions(sessions)
	if len(sessions) == 0 {
		return counter.r
	}

	res := d.engine.ResolveFallback(ctx, backend)
	if res.Problem != FallbackOK {
		logger.Warn("Maintenance: sessions on backend will be kicked", "backend", backend, "fallback", res.Fallback, "problem", string(res.Problem))
		counter.r.Warning = string(res.Problem)
	}

	activated := d.messages().BackendActivated(backend)
	var wg sync.WaitGroup
	for _, s := range sessions {
		decision := d.engine.Backend(identityOf(s, settings.BypassPermission), res)
		switch decision.Outcome {
		case Allow:
			if err := s.SendMessage(ctx, decision.Notice); err != nil {
				logger.Debug("Maintenance: failed to notify session", "session", s.Name(), "error", err)
			}
			counter.add(func(r *Report) { r.Notified++ })
		case Deny:
			if err := s.Disconnect(ctx, decision.Message); err != nil {
				logger.Warn("Maintenance: failed to kick session", "session", s.Name(), "backend", backend, "error", err)
				counter.add(func(r *Report) { r.Failed++ })
				continue
			}
			metrics.SessionsKicked.WithLabelValues("backend").Inc()
			counter.add(func(r *Report) { r.Kicked++ })
		case Redirect:
			if err := s.SendMessage(ctx, activated); err != nil {
				logger.Debug("Maintenance: failed to notify session", "session", s.Name(), "error", err)
			}
			wg.Add(1)
			go func(s Session, decision Decision) {
				defer wg.Done()
				d.redirect(ctx, s, decision, settings.RedirectTimeout, counter)
			}(s, decision)
		}
	}
	wg.Wait()
	return counter.r
}

// redirect moves a session to the fallback and kicks it if that fails.
// Exactly one of the two actions is issued.
func (d *Dispatcher) redirect(ctx context.Context, s Session, decision Decision, timeout time.Duration, counter *reportCounter) {
	start := time.Now()
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	err := s.Connect(connectCtx, decision.Target)
	cancel()
	metrics.RedirectDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.Redirects.WithLabelValues("success").Inc()
		if msgErr := s.SendMessage(ctx, decision.Message); msgErr != nil {
			logger.Debug("Maintenance: failed to message redirected session", "session", s.Name(), "error", msgErr)
		}
		counter.add(func(r *Report) { r.Redirected++ })
		return
	}

	result := "failure"
	if errors.Is(err, context.DeadlineExceeded) {
		result = "timeout"
	}
	metrics.Redirects.WithLabelValues(result).Inc()
	logger.Warn("Maintenance: redirect to fallback failed, kicking session", "session", s.Name(), "fallback", decision.Target, "error", err)

	if kickErr := s.Disconnect(ctx, decision.KickMessage); kickErr != nil {
		logger.Warn("Maintenance: failed to kick session", "session", s.Name(), "error", kickErr)
		counter.add(func(r *Report) { r.Failed++ })
		return
	}
	metrics.SessionsKicked.WithLabelValues("backend").Inc()
	counter.add(func(r *Report) { r.Kicked++ })
}

func (d *Dispatcher) backendOff(ctx context.Context, backend string) Report {
	report := Report{Scope: BackendScope(backend).String(), Enabled: false}
	sessions, err := d.registry.BackendSessions(ctx, backend)
	if err != nil {
		logger.Warn("Maintenance: cannot list backend sessions", "backend", backend, "error", err)
		report.Warning = fmt.Sprintf("listing sessions failed: %v", err)
		return report
	}
	text := d.messages().BackendDeactivated(backend)
	for _, s := range uniqueSessions(sessions) {
		if err := s.SendMessage(ctx, text); err != nil {
			logger.Debug("Maintenance: failed to notify session", "session", s.Name(), "error", err)
			continue
		}
		report.Notified++
	}
	return report
}

// Announce broadcasts a chat line and logs it.
func (d *Dispatcher) Announce(ctx context.Context, text string) {
	d.broadcast(ctx, text)
}

func uniqueSessions(in []Session) []Session {
	seen := make(map[uuid.UUID]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s == nil {
			continue
		}
		if _, dup := seen[s.ID()]; dup {
			continue
		}
		seen[s.ID()] = struct{}{}
		out = append(out, s)
	}
	return out
}

func scopeLabel(s Scope) string {
	if s.IsGlobal() {
		return "global"
	}
	return "backend"
}

func stateLabel(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
