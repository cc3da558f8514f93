package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/maintenance/consts"
	"github.com/migadu/maintenance/pkg/metrics"
)

type TimerKind string

const (
	// TimerStart enables global maintenance when it expires.
	TimerStart TimerKind = "start"
	// TimerEnd disables global maintenance when it expires.
	TimerEnd TimerKind = "end"
)

// TimerStatus describes the running countdown, if any.
type TimerStatus struct {
	Running   bool      `json:"running"`
	Kind      TimerKind `json:"kind,omitempty"`
	Remaining int       `json:"remaining_seconds,omitempty"`
	// Then is the length of the end phase of a scheduled maintenance window.
	Then int `json:"then_seconds,omitempty"`
}

// Countdown is a single maintenance timer advanced by the scheduled task.
type Countdown struct {
	mu          sync.Mutex
	running     bool
	kind        TimerKind
	remaining   int
	then        int
	broadcastAt map[int]struct{}

	onBroadcast func(ctx context.Context, kind TimerKind, remaining int)
	onExpire    func(ctx context.Context, kind TimerKind)
}

func NewCountdown(broadcastAt []int, onBroadcast func(context.Context, TimerKind, int), onExpire func(context.Context, TimerKind)) *Countdown {
	c := &Countdown{onBroadcast: onBroadcast, onExpire: onExpire}
	c.SetBroadcastSeconds(broadcastAt)
	return c
}

func (c *Countdown) SetBroadcastSeconds(secs []int) {
	set := make(map[int]struct{}, len(secs))
	for _, s := range secs {
		set[s] = struct{}{}
	}
	c.mu.Lock()
	c.broadcastAt = set
	c.mu.Unlock()
}

// Start arms a timer of kind that expires after d. When then is positive
// the timer is a scheduled window: it switches to an end timer of length
// then once the start phase expires.
func (c *Countdown) Start(kind TimerKind, d, then time.Duration) error {
	secs := int(d / time.Second)
	if secs <= 0 || then < 0 || (then > 0 && then < time.Second) {
		return consts.ErrTimerInvalid
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return consts.ErrTimerRunning
	}
	c.running = true
	c.kind = kind
	c.remaining = secs
	c.then = int(then / time.Second)
	metrics.TimerRunning.WithLabelValues(string(kind)).Set(1)
	return nil
}

// Abort cancels the running timer.
func (c *Countdown) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return consts.ErrNoTimer
	}
	metrics.TimerRunning.WithLabelValues(string(c.kind)).Set(0)
	c.running = false
	c.remaining = 0
	c.then = 0
	return nil
}

func (c *Countdown) Status() TimerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return TimerStatus{}
	}
	return TimerStatus{Running: true, Kind: c.kind, Remaining: c.remaining, Then: c.then}
}

// Tick advances the timer by one second. Callbacks run without the lock held.
func (c *Countdown) Tick(ctx context.Context, _ time.Time) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	kind := c.kind
	remaining := c.remaining
	expired := remaining <= 0
	broadcast := false

	if expired {
		metrics.TimerRunning.WithLabelValues(string(kind)).Set(0)
		if c.then > 0 {
			c.kind = TimerEnd
			c.remaining = c.then
			c.then = 0
			metrics.TimerRunning.WithLabelValues(string(TimerEnd)).Set(1)
		} else {
			c.running = false
		}
	} else {
		_, broadcast = c.broadcastAt[remaining]
		c.remaining--
	}
	c.mu.Unlock()

	switch {
	case expired && c.onExpire != nil:
		c.onExpire(ctx, kind)
	case broadcast && c.onBroadcast != nil:
		c.onBroadcast(ctx, kind, remaining)
	}
}
