package maintenance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/consts"
	"github.com/migadu/maintenance/db"
	"github.com/migadu/maintenance/helpers"
	"github.com/migadu/maintenance/logger"
	"github.com/migadu/maintenance/pkg/metrics"
)

// Options wires the controller to its collaborators. Without a Registry
// transitions change state but reach no sessions.
type Options struct {
	Registry  SessionRegistry
	Listing   ListingHook
	Persister Persister
	Store     db.Store
}

// Status is the externally visible maintenance status.
type Status struct {
	Snapshot
	Timer          TimerStatus `json:"timer"`
	WhitelistCount int         `json:"whitelist_count"`
	SharedState    bool        `json:"shared_state"`
}

// Controller owns the maintenance state and serializes every transition.
type Controller struct {
	toggleMu sync.Mutex

	state      *State
	whitelist  *Whitelist
	engine     *Engine
	dispatcher *Dispatcher
	countdown  *Countdown
	ping       *PingResponder

	registry  SessionRegistry
	listing   listing
	persister Persister
	store     db.Store

	messages atomic.Pointer[Messages]
	settings atomic.Pointer[DispatcherSettings]

	pollInterval atomic.Int64
	lastPoll     time.Time
}

func NewController(cfg config.Config, opts Options) *Controller {
	c := &Controller{
		state:     NewState(cfg.Maintenance.Enabled, normalizeAll(cfg.Maintenance.Servers), helpers.NormalizeBackendName(cfg.Maintenance.FallbackServer)),
		whitelist: NewWhitelist(whitelistFromConfig(&cfg)),
		registry:  opts.Registry,
		persister: opts.Persister,
		store:     opts.Store,
	}
	c.applySettings(cfg)

	var checker BackendChecker
	registry := opts.Registry
	if registry != nil {
		checker = registry
	} else {
		registry = emptyRegistry{}
	}
	c.engine = NewEngine(c.state, c.whitelist, checker, c.messages.Load)
	c.dispatcher = NewDispatcher(registry, opts.Listing, c.engine, c.messages.Load, func() DispatcherSettings {
		return *c.settings.Load()
	})
	c.countdown = NewCountdown(cfg.Maintenance.TimerBroadcastForSeconds, c.timerBroadcast, c.timerExpired)
	c.listing = listing{hook: opts.Listing}
	c.ping = NewPingResponder(c.state, cfg.Maintenance.Ping)
	c.ping.Update(cfg.Maintenance.Ping, c.loadIcon(cfg.Maintenance))

	c.updateGauges()
	return c
}

func (c *Controller) applySettings(cfg config.Config) {
	c.messages.Store(NewMessages(cfg.Messages))
	c.settings.Store(&DispatcherSettings{
		BypassPermission: cfg.Maintenance.BypassPermission,
		RedirectTimeout:  cfg.Maintenance.GetRedirectTimeoutWithDefault(),
	})
	c.pollInterval.Store(int64(cfg.SharedState.GetPollIntervalWithDefault()))
}

func whitelistFromConfig(cfg *config.Config) map[uuid.UUID]string {
	entries, errs := cfg.WhitelistEntries()
	for _, err := range errs {
		logger.Warn("Maintenance: ignoring whitelist entry", "error", err)
	}
	return entries
}

func normalizeAll(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = helpers.NormalizeBackendName(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func (c *Controller) loadIcon(m config.MaintenanceConfig) string {
	if !m.Ping.CustomIcon {
		return ""
	}
	path := m.GetIconPath()
	favicon, err := LoadIcon(path)
	if err != nil {
		if m.Debug {
			logger.Warn("Maintenance: could not load custom icon, using the default", "path", path, "error", err)
		} else {
			logger.Warn("Maintenance: could not load custom icon, using the default", "path", path)
		}
		return ""
	}
	logger.Info("Maintenance: custom icon loaded", "path", path)
	return favicon
}

func (c *Controller) Engine() *Engine { return c.engine }
func (c *Controller) Ping() *PingResponder { return c.ping }
func (c *Controller) Whitelist() *Whitelist { return c.whitelist }
func (c *Controller) Snapshot() Snapshot { return c.state.Snapshot() }
func (c *Controller) BypassPermission() string { return c.settings.Load().BypassPermission }
func (c *Controller) Timer() TimerStatus { return c.countdown.Status() }
func (c *Controller) Messages() *Messages { return c.messages.Load() }
func (c *Controller) Dispatcher() *Dispatcher { return c.dispatcher }

func (c *Controller) Status() Status {
	return Status{
		Snapshot:       c.state.Snapshot(),
		Timer:          c.countdown.Status(),
		WhitelistCount: c.whitelist.Len(),
		SharedState:    c.store != nil,
	}
}

// SetGlobal toggles global maintenance. A no-op toggle returns an unchanged
// Change and dispatches nothing. Once the state has changed, its side effects
// run to completion even if ctx is cancelled.
func (c *Controller) SetGlobal(ctx context.Context, enabled bool) (Change, Report) {
	ctx = context.WithoutCancel(ctx)
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()

	change := c.state.SetGlobal(enabled)
	if !change.Changed {
		return change, Report{Scope: GlobalScope.String(), Enabled: enabled}
	}
	logger.Info("Maintenance: global maintenance changed", "enabled", enabled)

	report := c.dispatcher.OnTransition(ctx, GlobalScope, enabled)
	c.afterChange(&report)
	if c.store != nil {
		if err := c.store.SetGlobal(ctx, enabled); err != nil {
			logger.Warn("Maintenance: failed to publish shared state", "error", err)
			report.Warning = joinWarning(report.Warning, "shared state not updated")
		}
	}
	return change, report
}

// SetBackend toggles maintenance for one backend. Enabling requires the
// proxy to know the backend. Like SetGlobal, dispatch ignores cancellation
// of ctx.
func (c *Controller) SetBackend(ctx context.Context, backend string, enabled bool) (Change, Report, error) {
	backend = helpers.NormalizeBackendName(backend)
	if backend == "" {
		return Change{}, Report{}, consts.ErrEmptyBackendName
	}
	if enabled && c.registry != nil {
		ok, err := c.registry.BackendExists(ctx, backend)
		switch {
		case err != nil:
			logger.Warn("Maintenance: cannot verify backend, enabling anyway", "backend", backend, "error", err)
		case !ok:
			return Change{}, Report{}, fmt.Errorf("%w: %s", consts.ErrUnknownBackend, backend)
		}
	}

	ctx = context.WithoutCancel(ctx)
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()

	change := c.state.SetBackend(backend, enabled)
	if !change.Changed {
		return change, Report{Scope: change.Scope.String(), Enabled: enabled}, nil
	}
	logger.Info("Maintenance: backend maintenance changed", "backend", backend, "enabled", enabled)

	report := c.dispatcher.OnTransition(ctx, change.Scope, enabled)
	c.afterChange(&report)
	if c.store != nil {
		if err := c.store.SetBackend(ctx, backend, enabled); err != nil {
			logger.Warn("Maintenance: failed to publish shared state", "backend", backend, "error", err)
			report.Warning = joinWarning(report.Warning, "shared state not updated")
		}
	}
	return change, report, nil
}

// AddWhitelist adds or renames an exempt identity.
func (c *Controller) AddWhitelist(id uuid.UUID, name string) (bool, error) {
	if id == uuid.Nil {
		return false, consts.ErrInvalidUUID
	}
	added := c.whitelist.Add(id, helpers.SanitizeUTF8(name))
	if !added {
		return false, nil
	}
	c.updateGauges()
	return true, c.persist()
}

// RemoveWhitelist removes an exempt identity.
func (c *Controller) RemoveWhitelist(id uuid.UUID) error {
	if !c.whitelist.Remove(id) {
		return consts.ErrNotWhitelisted
	}
	c.updateGauges()
	return c.persist()
}

func (c *Controller) StartTimer(d time.Duration) error {
	if c.state.IsGlobal() {
		return consts.ErrAlreadyOn
	}
	return c.startTimer(TimerStart, d, 0)
}

func (c *Controller) EndTimer(d time.Duration) error {
	if !c.state.IsGlobal() {
		return consts.ErrAlreadyOff
	}
	return c.startTimer(TimerEnd, d, 0)
}

// ScheduleTimer enables maintenance after start and disables it again
// after duration.
func (c *Controller) ScheduleTimer(start, duration time.Duration) error {
	if c.state.IsGlobal() {
		return consts.ErrAlreadyOn
	}
	if duration < time.Second {
		return consts.ErrTimerInvalid
	}
	return c.startTimer(TimerStart, start, duration)
}

func (c *Controller) startTimer(kind TimerKind, d, then time.Duration) error {
	if err := c.countdown.Start(kind, d, then); err != nil {
		return err
	}
	logger.Info("Maintenance: timer started", "kind", string(kind), "seconds", int(d/time.Second), "then_seconds", int(then/time.Second))
	return nil
}

func (c *Controller) AbortTimer() error {
	if err := c.countdown.Abort(); err != nil {
		return err
	}
	logger.Info("Maintenance: timer aborted")
	return nil
}

func (c *Controller) timerBroadcast(ctx context.Context, kind TimerKind, remaining int) {
	msgs := c.messages.Load()
	if kind == TimerStart {
		c.dispatcher.Announce(ctx, msgs.StartTimer(remaining))
	} else {
		c.dispatcher.Announce(ctx, msgs.EndTimer(remaining))
	}
}

func (c *Controller) timerExpired(ctx context.Context, kind TimerKind) {
	logger.Info("Maintenance: timer expired", "kind", string(kind))
	c.SetGlobal(ctx, kind == TimerStart)
}

// Register attaches the controller's periodic work to the ticker.
func (c *Controller) Register(t *Ticker) {
	t.Register(c.Tick)
}

// Tick advances the countdown and polls shared state when due. A poll that
// coincides with a toggle is skipped and retried on the next tick.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	c.countdown.Tick(ctx, now)

	if c.store == nil {
		return
	}
	if !c.lastPoll.IsZero() && now.Sub(c.lastPoll) < time.Duration(c.pollInterval.Load()) {
		return
	}
	if !c.toggleMu.TryLock() {
		return
	}
	defer c.toggleMu.Unlock()
	c.lastPoll = now
	if _, err := c.syncShared(ctx); err != nil {
		logger.Warn("Maintenance: shared state poll failed", "error", err)
	}
}

// SyncShared applies remote changes from the shared store as transitions.
// A store that was never written is seeded with the local state instead.
func (c *Controller) SyncShared(ctx context.Context) ([]Report, error) {
	if c.store == nil {
		return nil, nil
	}
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()
	return c.syncShared(ctx)
}

// syncShared must be called with toggleMu held, so the snapshot it loads
// already includes every local toggle that was published.
func (c *Controller) syncShared(ctx context.Context) ([]Report, error) {
	remote, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if remote.UpdatedAt.IsZero() {
		return nil, c.seedShared(ctx)
	}

	changes := c.state.Replace(remote.Global, remote.Backends, c.state.Fallback())
	if len(changes) == 0 {
		return nil, nil
	}
	reports := c.dispatchChanges(context.WithoutCancel(ctx), changes)
	c.afterChange(nil)
	return reports, nil
}

// SyncListing aligns the server-list integration with global maintenance.
// Transitions keep it in line afterwards.
func (c *Controller) SyncListing(ctx context.Context) error {
	return c.listing.SetEnabled(ctx, !c.state.IsGlobal())
}

func (c *Controller) seedShared(ctx context.Context) error {
	snap := c.state.Snapshot()
	if err := c.store.SetGlobal(ctx, snap.Global); err != nil {
		return err
	}
	for _, b := range snap.Backends {
		if err := c.store.SetBackend(ctx, b, true); err != nil {
			return err
		}
	}
	logger.Info("Maintenance: seeded shared state", "global", snap.Global, "backends", len(snap.Backends))
	return nil
}

// Reload applies a new configuration. Differences in the maintenance flags
// are dispatched as regular transitions.
func (c *Controller) Reload(ctx context.Context, cfg config.Config) []Report {
	ctx = context.WithoutCancel(ctx)
	c.applySettings(cfg)
	c.whitelist.Replace(whitelistFromConfig(&cfg))
	c.countdown.SetBroadcastSeconds(cfg.Maintenance.TimerBroadcastForSeconds)
	c.ping.Update(cfg.Maintenance.Ping, c.loadIcon(cfg.Maintenance))

	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()

	changes := c.state.Replace(cfg.Maintenance.Enabled, normalizeAll(cfg.Maintenance.Servers), helpers.NormalizeBackendName(cfg.Maintenance.FallbackServer))
	reports := c.dispatchChanges(ctx, changes)
	if c.store != nil {
		for _, ch := range changes {
			var err error
			if ch.Scope.IsGlobal() {
				err = c.store.SetGlobal(ctx, ch.Enabled)
			} else {
				err = c.store.SetBackend(ctx, ch.Scope.Backend, ch.Enabled)
			}
			if err != nil {
				logger.Warn("Maintenance: failed to publish shared state", "scope", ch.Scope.String(), "error", err)
			}
		}
	}
	if err := c.SyncListing(ctx); err != nil {
		logger.Warn("Maintenance: failed to update server list integration", "error", err)
	}
	c.updateGauges()
	logger.Info("Maintenance: configuration reloaded", "transitions", len(changes))
	return reports
}

func (c *Controller) dispatchChanges(ctx context.Context, changes []Change) []Report {
	reports := make([]Report, 0, len(changes))
	for _, ch := range changes {
		logger.Info("Maintenance: applying state change", "scope", ch.Scope.String(), "enabled", ch.Enabled)
		reports = append(reports, c.dispatcher.OnTransition(ctx, ch.Scope, ch.Enabled))
	}
	return reports
}

// afterChange must be called with toggleMu held.
func (c *Controller) afterChange(report *Report) {
	c.updateGauges()
	if err := c.persist(); err != nil {
		logger.Warn("Maintenance: failed to persist state", "error", err)
		if report != nil {
			report.Warning = joinWarning(report.Warning, "state not persisted")
		}
	}
}

func (c *Controller) persist() error {
	if c.persister == nil {
		return nil
	}
	if err := c.persister.Persist(c.state.Snapshot(), c.whitelist.Map()); err != nil {
		return fmt.Errorf("failed to persist maintenance state: %w", err)
	}
	return nil
}

func (c *Controller) updateGauges() {
	snap := c.state.Snapshot()
	if snap.Global {
		metrics.GlobalMaintenance.Set(1)
	} else {
		metrics.GlobalMaintenance.Set(0)
	}
	metrics.BackendsUnderMaintenance.Set(float64(len(snap.Backends)))
	metrics.WhitelistSize.Set(float64(c.whitelist.Len()))
}

func joinWarning(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
