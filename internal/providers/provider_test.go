package providers

import (
	"context"
	"testing"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/providers/providertest"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Pricing == nil {
		tbl, err := pricing.New(config.PricingConfig{Providers: map[string]config.ProviderPricing{
			"search": {PerCall: 0.25},
			"llm":    {Models: map[string]config.ModelPricing{"m": {InputPer1K: 1, OutputPer1K: 2}}},
		}})
		require.NoError(t, err)
		opts.Pricing = tbl
	}
	opts.Logger = zaptest.NewLogger(t)
	return NewRegistry(opts)
}

func TestInvoke_SuccessRecordsCostAndLatency(t *testing.T) {
	reg := newRegistry(t, Options{})
	reg.Register(&providertest.Scripted{IDValue: "search", Cap: models.CapabilitySearch, Steps: []providertest.Step{
		{Resp: &models.ProviderResponse{Sources: []models.Source{{URL: "https://a"}}}},
	}})

	call, err := reg.Invoke(context.Background(), "search", models.ProviderRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 0.25, call.Cost)
	assert.Equal(t, models.CapabilitySearch, call.Capability)
	assert.NotEmpty(t, call.ID)
	assert.GreaterOrEqual(t, call.Latency, time.Duration(0))
	require.NotNil(t, call.Output)
	assert.Len(t, call.Output.Sources, 1)
}

func TestInvoke_CompletionPricedByTokens(t *testing.T) {
	reg := newRegistry(t, Options{})
	reg.Register(&providertest.Scripted{IDValue: "llm", Cap: models.CapabilityCompletion, Steps: []providertest.Step{
		{Resp: &models.ProviderResponse{Text: "x", Model: "m", InputTokens: 1000, OutputTokens: 500}},
	}})
	call, err := reg.Invoke(context.Background(), "llm", models.ProviderRequest{Capability: models.CapabilityCompletion})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, call.Cost, 1e-9)
	assert.InDelta(t, 1.0+2.0*0.1, reg.Estimate("llm", models.ProviderRequest{
		Capability: models.CapabilityCompletion, Model: "m", Prompt: string(make([]byte, 4000)), MaxTokens: 100,
	}), 1e-9)
}

func TestInvoke_UnknownProviderIsUnavailable(t *testing.T) {
	reg := newRegistry(t, Options{})
	call, err := reg.Invoke(context.Background(), "ghost", models.ProviderRequest{})
	assert.Equal(t, models.KindProviderUnavailable, models.KindOf(err))
	assert.Equal(t, models.KindProviderUnavailable, call.ErrorKind)
	assert.NotEmpty(t, call.Error)
}

func TestInvoke_CapabilityMismatch(t *testing.T) {
	reg := newRegistry(t, Options{})
	reg.Register(&providertest.Scripted{IDValue: "search", Cap: models.CapabilitySearch})
	_, err := reg.Invoke(context.Background(), "search", models.ProviderRequest{Capability: models.CapabilityCompletion})
	assert.Equal(t, models.KindProviderUnavailable, models.KindOf(err))
}

func TestInvoke_TimeoutClassified(t *testing.T) {
	reg := newRegistry(t, Options{Timeouts: map[string]time.Duration{"slow": 20 * time.Millisecond}})
	reg.Register(&providertest.Scripted{IDValue: "slow", Cap: models.CapabilitySearch, Steps: []providertest.Step{{Delay: time.Second}}})

	call, err := reg.Invoke(context.Background(), "slow", models.ProviderRequest{})
	assert.Equal(t, models.KindProviderTimeout, models.KindOf(err))
	assert.Zero(t, call.Cost)
	assert.GreaterOrEqual(t, call.Latency, 20*time.Millisecond)
}

func TestInvoke_RateLimitedPassesThroughWithoutTripping(t *testing.T) {
	breakers := circuitbreaker.NewSet(circuitbreaker.Settings{
		MaxRequests: 1, FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, IsFailure: BreakerFailure,
	}, nil)
	reg := newRegistry(t, Options{Breakers: breakers})
	reg.Register(&providertest.Scripted{IDValue: "search", Cap: models.CapabilitySearch, Steps: []providertest.Step{
		{Err: providertest.Err(models.KindProviderRateLimited, "search")},
	}})

	for i := 0; i < 3; i++ {
		_, err := reg.Invoke(context.Background(), "search", models.ProviderRequest{})
		assert.Equal(t, models.KindProviderRateLimited, models.KindOf(err))
	}
	assert.Empty(t, reg.OpenCircuits())
}

func TestInvoke_OpenCircuitIsUnavailable(t *testing.T) {
	breakers := circuitbreaker.NewSet(circuitbreaker.Settings{
		MaxRequests: 1, FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour, IsFailure: BreakerFailure,
	}, nil)
	reg := newRegistry(t, Options{Breakers: breakers})
	p := &providertest.Scripted{IDValue: "search", Cap: models.CapabilitySearch, Steps: []providertest.Step{
		{Err: providertest.Err(models.KindProviderUnavailable, "search")},
	}}
	reg.Register(p)

	_, _ = reg.Invoke(context.Background(), "search", models.ProviderRequest{})
	_, err := reg.Invoke(context.Background(), "search", models.ProviderRequest{})
	assert.Equal(t, models.KindProviderUnavailable, models.KindOf(err))
	assert.Equal(t, 1, p.Calls(), "open breaker must short-circuit")
	assert.Equal(t, []string{"search"}, reg.OpenCircuits())
}

func TestInvoke_LimiterDeadlineIsRateLimited(t *testing.T) {
	limits := ratecontrol.New(map[string]ratecontrol.RateLimit{"search": {RPM: 1, Burst: 1}})
	reg := newRegistry(t, Options{Limits: limits})
	reg.Register(&providertest.Scripted{IDValue: "search", Cap: models.CapabilitySearch})

	_, err := reg.Invoke(context.Background(), "search", models.ProviderRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = reg.Invoke(ctx, "search", models.ProviderRequest{})
	assert.Equal(t, models.KindProviderRateLimited, models.KindOf(err))
}

func TestWithCapability(t *testing.T) {
	reg := newRegistry(t, Options{})
	reg.Register(&providertest.Scripted{IDValue: "tavily", Cap: models.CapabilitySearch})
	reg.Register(&providertest.Scripted{IDValue: "serpapi", Cap: models.CapabilitySearch})
	reg.Register(&providertest.Scripted{IDValue: "jina", Cap: models.CapabilitySemanticMatch})
	assert.Equal(t, []string{"serpapi", "tavily"}, reg.WithCapability(models.CapabilitySearch))
}

func TestRegisterBuiltins_OnlyEnabled(t *testing.T) {
	reg := newRegistry(t, Options{})
	RegisterBuiltins(reg, map[string]config.ProviderConfig{
		"tavily":     {Enabled: true, APIKey: "k", Timeout: time.Second},
		"serpapi":    {Enabled: false},
		"openrouter": {Enabled: true, APIKey: "k"},
	}, zaptest.NewLogger(t))
	assert.Equal(t, []string{"openrouter", "tavily"}, reg.IDs())
}
