package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/maintenance/logger"
	"github.com/migadu/maintenance/pkg/metrics"
)

// TickPeriod is the period of the scheduled task.
const TickPeriod = time.Second

// TickFunc is called once per tick. It must be idempotent for a given now.
type TickFunc func(ctx context.Context, now time.Time)

// Ticker runs registered callbacks on a fixed period from a single
// goroutine, so two ticks never run at the same time.
type Ticker struct {
	period time.Duration

	mu    sync.Mutex
	funcs []TickFunc

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewTicker(period time.Duration) *Ticker {
	if period <= 0 {
		period = TickPeriod
	}
	return &Ticker{period: period, done: make(chan struct{})}
}

// Register adds a callback. Callbacks added after Start run from the next tick.
func (t *Ticker) Register(f TickFunc) {
	t.mu.Lock()
	t.funcs = append(t.funcs, f)
	t.mu.Unlock()
}

// Start launches the loop. Calling it again has no effect.
func (t *Ticker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		ctx, t.cancel = context.WithCancel(ctx)
		go t.run(ctx)
	})
}

// Stop cancels the loop and waits for the current tick to finish.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		started := false
		t.startOnce.Do(func() {})
		if t.cancel != nil {
			started = true
			t.cancel()
		}
		if started {
			<-t.done
		}
	})
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.done)
	tk := time.NewTicker(t.period)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tk.C:
			t.tick(ctx, now)
		}
	}
}

func (t *Ticker) tick(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		metrics.TickDuration.Observe(elapsed.Seconds())
		// time.Ticker drops ticks that fire while we are still busy.
		if missed := int(elapsed / t.period); missed > 0 {
			metrics.TicksSkipped.Add(float64(missed))
		}
	}()

	t.mu.Lock()
	funcs := append([]TickFunc(nil), t.funcs...)
	t.mu.Unlock()

	for _, f := range funcs {
		if ctx.Err() != nil {
			return
		}
		t.safeCall(ctx, f, now)
	}
}

func (t *Ticker) safeCall(ctx context.Context, f TickFunc, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Maintenance: scheduled task panicked", "panic", r)
		}
	}()
	f(ctx, now)
}
