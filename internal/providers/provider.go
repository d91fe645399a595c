// Package providers adapts external search, extraction, semantic-match and
// completion services to one provider-neutral contract.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/pricing"
	"github.com/Kocoro-lab/Shannon/go/research/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Built-in provider ids.
const (
	SerpAPI    = "serpapi"
	Tavily     = "tavily"
	Firecrawl  = "firecrawl"
	Jina       = "jina"
	OpenRouter = "openrouter"
)

// DefaultTimeout applies when a provider has no configured timeout.
const DefaultTimeout = 30 * time.Second

// Provider is one external service. Implementations classify their own
// failures with models.NewStageError where they can; anything else is
// treated as ProviderUnavailable.
type Provider interface {
	ID() string
	Capability() models.Capability
	Call(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error)
}

// Invoker is what stages depend on.
type Invoker interface {
	Invoke(ctx context.Context, providerID string, req models.ProviderRequest) (*models.ProviderCall, error)
	Estimate(providerID string, req models.ProviderRequest) float64
}

// Options configure a Registry.
type Options struct {
	Timeouts map[string]time.Duration
	Pricing  *pricing.Table
	Limits   *ratecontrol.Controller
	Breakers *circuitbreaker.Set
	Logger   *zap.Logger
	Now      func() time.Time
}

// Registry dispatches invocations to registered providers, enforcing
// timeouts, rate limits and circuit breaking.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	timeouts  map[string]time.Duration
	pricing   *pricing.Table
	limits    *ratecontrol.Controller
	breakers  *circuitbreaker.Set
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
		timeouts:  make(map[string]time.Duration),
		pricing:   opts.Pricing,
		limits:    opts.Limits,
		breakers:  opts.Breakers,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	for id, d := range opts.Timeouts {
		r.timeouts[id] = d
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.pricing == nil {
		r.pricing, _ = pricing.New(config.PricingConfig{})
	}
	if r.breakers == nil {
		r.breakers = circuitbreaker.NewSet(circuitbreaker.Settings{
			MaxRequests: 1, FailureThreshold: 5, SuccessThreshold: 1, Timeout: 30 * time.Second,
			IsFailure: BreakerFailure,
		}, nil)
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs lists registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WithCapability lists registered providers offering c, sorted by id.
func (r *Registry) WithCapability(c models.Capability) []string {
	var out []string
	for _, id := range r.IDs() {
		if p, _ := r.Get(id); p.Capability() == c {
			out = append(out, id)
		}
	}
	return out
}

// OpenCircuits lists providers whose breaker is open.
func (r *Registry) OpenCircuits() []string {
	return r.breakers.Open()
}

// SetTimeout overrides the per-provider timeout.
func (r *Registry) SetTimeout(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts[id] = d
}

func (r *Registry) timeout(id string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.timeouts[id]; ok && d > 0 {
		return d
	}
	return DefaultTimeout
}

// Estimate quotes the cost of req against providerID.
func (r *Registry) Estimate(providerID string, req models.ProviderRequest) float64 {
	return r.pricing.Estimate(providerID, req)
}

// Invoke performs one call. The returned ProviderCall is always populated,
// including latency and cost, even when err is non-nil.
func (r *Registry) Invoke(ctx context.Context, providerID string, req models.ProviderRequest) (*models.ProviderCall, error) {
	call := &models.ProviderCall{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		Capability: req.Capability,
		Input:      req,
		StartedAt:  r.now(),
	}

	p, ok := r.Get(providerID)
	if !ok {
		err := models.NewStageError(models.KindProviderUnavailable, "", providerID, fmt.Errorf("provider %q not registered", providerID))
		r.finish(call, nil, err)
		return call, err
	}
	if req.Capability == "" {
		req.Capability = p.Capability()
		call.Input.Capability = req.Capability
		call.Capability = req.Capability
	}
	if req.Capability != p.Capability() {
		err := models.NewStageError(models.KindProviderUnavailable, "", providerID,
			fmt.Errorf("provider %q does not support %s", providerID, req.Capability))
		r.finish(call, nil, err)
		return call, err
	}

	ctx, span := tracing.StartSpan(ctx, "provider."+providerID,
		attribute.String("provider.id", providerID),
		attribute.String("provider.capability", string(req.Capability)),
	)

	if r.limits != nil {
		if err := r.limits.Wait(ctx, providerID); err != nil {
			kind := models.KindProviderRateLimited
			if errors.Is(ctx.Err(), context.Canceled) {
				kind = models.KindCancelled
			}
			err = models.NewStageError(kind, "", providerID, err)
			r.finish(call, nil, err)
			tracing.EndSpan(span, err)
			return call, err
		}
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout(providerID))
	defer cancel()

	var resp *models.ProviderResponse
	breaker := r.breakers.Get(providerID)
	err := breaker.Execute(cctx, func() error {
		var callErr error
		resp, callErr = p.Call(cctx, req)
		if callErr != nil {
			return classify(cctx, providerID, callErr)
		}
		return nil
	})
	if err != nil {
		err = classify(cctx, providerID, err)
		resp = nil
	}
	circuitbreaker.RecordRequest(providerID, breaker.State(), err == nil)

	r.finish(call, resp, err)
	span.SetAttributes(
		attribute.Float64("provider.cost", call.Cost),
		attribute.Int64("provider.latency_ms", call.Latency.Milliseconds()),
	)
	tracing.EndSpan(span, err)
	return call, err
}

func (r *Registry) finish(call *models.ProviderCall, resp *models.ProviderResponse, err error) {
	call.Latency = r.now().Sub(call.StartedAt)
	result := "success"
	if err != nil {
		call.ErrorKind = models.KindOf(err)
		call.Error = err.Error()
		result = string(call.ErrorKind)
	} else {
		call.Output = resp
		call.Cost = r.costOf(call.ProviderID, call.Input, resp)
	}

	metrics.ProviderCalls.WithLabelValues(call.ProviderID, string(call.Capability), result).Inc()
	metrics.ProviderLatency.WithLabelValues(call.ProviderID).Observe(call.Latency.Seconds())
	if call.Cost > 0 {
		metrics.ProviderCost.WithLabelValues(call.ProviderID).Add(call.Cost)
	}
	if err != nil {
		r.logger.Debug("Provider call failed",
			zap.String("provider", call.ProviderID),
			zap.String("error_kind", string(call.ErrorKind)),
			zap.Duration("latency", call.Latency),
			zap.Error(err),
		)
	}
}

// costOf prices a successful response. Rejected calls are not billed by
// the providers wired here, so failures cost zero.
func (r *Registry) costOf(providerID string, req models.ProviderRequest, resp *models.ProviderResponse) float64 {
	if resp == nil {
		return 0
	}
	if req.Capability == models.CapabilityCompletion {
		model := resp.Model
		if model == "" {
			model = req.Model
		}
		return r.pricing.CostForSplit(providerID, model, resp.InputTokens, resp.OutputTokens)
	}
	return r.pricing.PerCall(providerID)
}

// BreakerFailure counts only outage-like failures against a provider's
// breaker; throttling and auth problems do not trip it.
func BreakerFailure(err error) bool {
	switch models.KindOf(err) {
	case models.KindProviderUnavailable, models.KindProviderTimeout:
		return true
	}
	return false
}

func classify(ctx context.Context, providerID string, err error) error {
	var se *models.StageError
	if errors.As(err, &se) {
		if se.Provider == "" {
			se.Provider = providerID
		}
		return se
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return models.NewStageError(models.KindProviderUnavailable, "", providerID, err)
	}
	return classifyContextErr(ctx, providerID, err)
}

func classifyContextErr(ctx context.Context, providerID string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.NewStageError(models.KindProviderTimeout, "", providerID, err)
	case errors.Is(err, context.Canceled):
		return models.NewStageError(models.KindCancelled, "", providerID, err)
	default:
		return models.NewStageError(models.KindProviderUnavailable, "", providerID, err)
	}
}
