package ratecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimit_Limit(t *testing.T) {
	assert.Equal(t, rate.Inf, RateLimit{}.Limit())
	assert.InDelta(t, 1.0, float64(RateLimit{RPM: 60}.Limit()), 1e-9)
}

func TestController_BurstThenDelay(t *testing.T) {
	c := New(map[string]RateLimit{"serpapi": {RPM: 60, Burst: 2}})
	ctx := context.Background()

	require.NoError(t, c.Wait(ctx, "serpapi"))
	require.NoError(t, c.Wait(ctx, "serpapi"))
	assert.Greater(t, c.DelayForRequest("serpapi"), 500*time.Millisecond)
	assert.Zero(t, c.DelayForRequest("unknown"))
}

func TestController_WaitRespectsContext(t *testing.T) {
	c := New(map[string]RateLimit{"jina": {RPM: 1, Burst: 1}})
	require.NoError(t, c.Wait(context.Background(), "jina"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Wait(ctx, "jina"))
}

func TestController_UpdateAndFromConfig(t *testing.T) {
	limits := FromConfig(map[string]config.ProviderConfig{"tavily": {RPM: 30, Burst: 3}})
	c := New(limits)
	got, ok := c.Get("tavily")
	require.True(t, ok)
	assert.Equal(t, 30, got.RPM)

	c.Update(map[string]RateLimit{"tavily": {RPM: 0}})
	assert.Zero(t, c.DelayForRequest("tavily"))
}
