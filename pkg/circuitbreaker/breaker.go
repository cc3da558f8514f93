// Package circuitbreaker guards calls to the proxy's session control API.
// After a run of consecutive failures the breaker opens and calls fail fast
// until the cool-down elapses; then a limited number of trial calls decide
// whether it closes again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings configures a Breaker. Zero values fall back to defaults.
type Settings struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenMaxRequests bounds concurrent trial calls.
	HalfOpenMaxRequests uint32
	OnStateChange       func(name string, from, to State)
	// IsFailure decides whether an error counts against the breaker.
	// Context cancellation by the caller does not by default.
	IsFailure func(err error) bool
}

type Breaker struct {
	settings Settings

	mu                  sync.Mutex
	state               State
	consecutiveFailures uint32
	inFlight            uint32
	openedAt            time.Time
	now                 func() time.Time
}

func New(st Settings) *Breaker {
	if st.Name == "" {
		st.Name = "breaker"
	}
	if st.FailureThreshold == 0 {
		st.FailureThreshold = 5
	}
	if st.OpenTimeout <= 0 {
		st.OpenTimeout = 30 * time.Second
	}
	if st.HalfOpenMaxRequests == 0 {
		st.HalfOpenMaxRequests = 1
	}
	if st.IsFailure == nil {
		st.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	return &Breaker{settings: st, now: time.Now}
}

func (b *Breaker) Name() string {
	return b.settings.Name
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Call runs fn unless the breaker is open.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			b.after(false)
			panic(r)
		}
		b.after(!b.settings.IsFailure(err))
	}()

	err = fn(ctx)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.inFlight >= b.settings.HalfOpenMaxRequests {
			return ErrTooManyRequests
		}
	}
	b.inFlight++
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight > 0 {
		b.inFlight--
	}
	state := b.currentState()
	if success {
		b.consecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.consecutiveFailures++
	if state == StateHalfOpen || b.consecutiveFailures >= b.settings.FailureThreshold {
		b.setState(StateOpen)
	}
}

// currentState must be called with mu held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.OpenTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.consecutiveFailures = 0
	}
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}
