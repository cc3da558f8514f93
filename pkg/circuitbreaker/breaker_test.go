package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("test error")

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

func newTestBreaker(t *testing.T, threshold uint32) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	b := New(Settings{Name: t.Name(), FailureThreshold: threshold, OpenTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Call(ctx, fail), errTest)
	}
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Call(ctx, fail), errTest)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Call(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not run the call")
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b, _ := newTestBreaker(t, 2)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	require.NoError(t, b.Call(ctx, succeed))
	_ = b.Call(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(t, 1)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t, 1)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	*now = now.Add(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Call(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CanceledContextDoesNotCount(t *testing.T) {
	b, _ := newTestBreaker(t, 1)
	ctx := context.Background()

	err := b.Call(ctx, func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	b := New(Settings{
		Name:             "host",
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = b.Call(context.Background(), fail)
	assert.Equal(t, []string{"host:closed->open"}, transitions)
}
