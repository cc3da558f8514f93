package maintenance

import (
	"context"

	"github.com/migadu/maintenance/logger"
)

type Outcome string

const (
	Allow    Outcome = "allow"
	Deny     Outcome = "deny"
	Redirect Outcome = "redirect"
)

// FallbackProblem explains why a backend under maintenance has no usable
// fallback. Empty means the fallback can be used.
type FallbackProblem string

const (
	FallbackOK            FallbackProblem = ""
	FallbackUnset         FallbackProblem = "fallback server is not configured"
	FallbackUnknown       FallbackProblem = "fallback server does not exist"
	FallbackSelf          FallbackProblem = "fallback server is the server under maintenance"
	FallbackInMaintenance FallbackProblem = "fallback server is also under maintenance"
)

// Decision is the admission verdict for one connection or transfer.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Target  string  `json:"target,omitempty"`
	// Message is the disconnect reason for Deny and the chat line for Redirect.
	Message string `json:"message,omitempty"`
	// Notice is informational text for an allowed exempt identity.
	Notice string `json:"notice,omitempty"`
	// Problem is set when a Deny was caused by an unusable fallback.
	Problem FallbackProblem `json:"problem,omitempty"`
	// KickMessage replaces a failed redirect.
	KickMessage string `json:"kick_message,omitempty"`
}

// FallbackResolution is the outcome of checking the fallback for one target.
type FallbackResolution struct {
	Target   string
	Fallback string
	Problem  FallbackProblem
}

// BackendChecker tells whether the proxy knows a backend.
type BackendChecker interface {
	BackendExists(ctx context.Context, backend string) (bool, error)
}

// Engine produces admission decisions from the state and whitelist.
type Engine struct {
	state     *State
	whitelist *Whitelist
	checker   BackendChecker
	messages  func() *Messages
}

func NewEngine(state *State, whitelist *Whitelist, checker BackendChecker, messages func() *Messages) *Engine {
	return &Engine{state: state, whitelist: whitelist, checker: checker, messages: messages}
}

// Login decides a proxy-wide connection attempt.
func (e *Engine) Login(id Identity) Decision {
	if !e.state.IsGlobal() {
		return Decision{Outcome: Allow}
	}
	if IsExempt(id, e.whitelist) {
		return Decision{Outcome: Allow}
	}
	return Decision{Outcome: Deny, Message: e.messages().Kick()}
}

// PreConnect decides a join or switch to target.
func (e *Engine) PreConnect(ctx context.Context, id Identity, target string) Decision {
	if !e.state.IsBackend(target) {
		return Decision{Outcome: Allow}
	}
	if IsExempt(id, e.whitelist) {
		return e.Backend(id, FallbackResolution{Target: target})
	}
	res := e.ResolveFallback(ctx, target)
	if res.Problem != FallbackOK {
		logger.Debug("Maintenance: cannot redirect to fallback", "backend", target, "fallback", res.Fallback, "problem", string(res.Problem))
	}
	return e.Backend(id, res)
}

// ResolveFallback checks whether sessions leaving target can be sent to
// the configured fallback.
func (e *Engine) ResolveFallback(ctx context.Context, target string) FallbackResolution {
	fb := e.state.Fallback()
	res := FallbackResolution{Target: target, Fallback: fb}
	switch {
	case fb == "":
		res.Problem = FallbackUnset
	case fb == target:
		res.Problem = FallbackSelf
	case e.state.IsBackend(fb):
		res.Problem = FallbackInMaintenance
	default:
		if e.checker == nil {
			break
		}
		ok, err := e.checker.BackendExists(ctx, fb)
		if err != nil {
			logger.Debug("Maintenance: fallback lookup failed", "fallback", fb, "error", err)
			res.Problem = FallbackUnknown
		} else if !ok {
			res.Problem = FallbackUnknown
		}
	}
	return res
}

// Backend decides for a target already known to be under maintenance.
// Exemption is checked before the fallback resolution is looked at.
func (e *Engine) Backend(id Identity, res FallbackResolution) Decision {
	msgs := e.messages()
	if IsExempt(id, e.whitelist) {
		return Decision{Outcome: Allow, Notice: msgs.BackendActivated(res.Target)}
	}
	if res.Problem != FallbackOK {
		return Decision{Outcome: Deny, Message: msgs.BackendKick(res.Target), Problem: res.Problem}
	}
	return Decision{
		Outcome:     Redirect,
		Target:      res.Fallback,
		Message:     msgs.BackendRedirect(res.Target),
		KickMessage: msgs.BackendKick(res.Target),
	}
}
