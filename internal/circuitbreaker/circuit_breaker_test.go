package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errUpstream = errors.New("upstream 503")

func newTestBreaker(t *testing.T, s Settings) (*Breaker, *time.Time) {
	t.Helper()
	clock := time.Unix(1_700_000_000, 0)
	b := New("tavily", s, zaptest.NewLogger(t))
	b.now = func() time.Time { return clock }
	b.resetGeneration(clock)
	return b, &clock
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{MaxRequests: 1, FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, func() error { return errUpstream }), errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	*clock = clock.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{MaxRequests: 1, FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errUpstream })
	require.Equal(t, StateOpen, b.State())

	*clock = clock.Add(2 * time.Second)
	_ = b.Execute(ctx, func() error { return errUpstream })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{MaxRequests: 1, FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})
	ctx := context.Background()
	_ = b.Execute(ctx, func() error { return errUpstream })
	*clock = clock.Add(2 * time.Second)

	// First probe succeeds but the success threshold is 2, so the breaker
	// stays half-open and the probe budget is spent.
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, func() error { return nil }), ErrTooManyRequests)
}

func TestBreaker_IsFailureFiltersErrors(t *testing.T) {
	errRateLimited := errors.New("429")
	b, _ := newTestBreaker(t, Settings{
		MaxRequests: 1, FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second,
		IsFailure: func(err error) bool { return !errors.Is(err, errRateLimited) },
	})

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func() error { return errRateLimited })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CancelledContextSkipsCall(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{MaxRequests: 1, FailureThreshold: 1, SuccessThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Execute(ctx, func() error { t.Fatal("should not run"); return nil }), context.Canceled)
}

func TestSet_OpenListsTrippedProviders(t *testing.T) {
	set := NewSet(Settings{MaxRequests: 1, FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour}, nil)
	_ = set.Get("serpapi").Execute(context.Background(), func() error { return errUpstream })
	_ = set.Get("jina").Execute(context.Background(), func() error { return nil })

	assert.Same(t, set.Get("serpapi"), set.Get("serpapi"))
	assert.Equal(t, []string{"serpapi"}, set.Open())
}
