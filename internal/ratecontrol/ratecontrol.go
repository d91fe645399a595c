package ratecontrol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"golang.org/x/time/rate"
)

// RateLimit is the request budget of one provider.
type RateLimit struct {
	RPM   int
	Burst int
}

// Limit converts RPM into a token-bucket refill rate. Zero RPM means unlimited.
func (l RateLimit) Limit() rate.Limit {
	if l.RPM <= 0 {
		return rate.Inf
	}
	return rate.Every(time.Minute / time.Duration(l.RPM))
}

func (l RateLimit) burst() int {
	if l.Burst > 0 {
		return l.Burst
	}
	return 1
}

// Controller owns one limiter per provider.
type Controller struct {
	mu       sync.RWMutex
	limits   map[string]RateLimit
	limiters map[string]*rate.Limiter
}

// New builds a controller from explicit limits.
func New(limits map[string]RateLimit) *Controller {
	c := &Controller{limits: make(map[string]RateLimit), limiters: make(map[string]*rate.Limiter)}
	c.Update(limits)
	return c
}

// FromConfig builds limits from the providers section.
func FromConfig(providers map[string]config.ProviderConfig) map[string]RateLimit {
	out := make(map[string]RateLimit, len(providers))
	for id, p := range providers {
		out[id] = RateLimit{RPM: p.RPM, Burst: p.Burst}
	}
	return out
}

// Update applies new limits in place; existing limiters keep their tokens.
func (c *Controller) Update(limits map[string]RateLimit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, l := range limits {
		c.limits[id] = l
		if lim, ok := c.limiters[id]; ok {
			lim.SetLimit(l.Limit())
			lim.SetBurst(l.burst())
			continue
		}
		c.limiters[id] = rate.NewLimiter(l.Limit(), l.burst())
	}
}

// Wait blocks until provider may issue one request or ctx ends. Unknown
// providers are not limited.
func (c *Controller) Wait(ctx context.Context, provider string) error {
	c.mu.RLock()
	lim := c.limiters[provider]
	c.mu.RUnlock()
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", provider, err)
	}
	return nil
}

// DelayForRequest reports how long the next request to provider would wait,
// without consuming a token.
func (c *Controller) DelayForRequest(provider string) time.Duration {
	c.mu.RLock()
	lim := c.limiters[provider]
	c.mu.RUnlock()
	if lim == nil {
		return 0
	}
	r := lim.Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}

// Get returns the configured limit for provider.
func (c *Controller) Get(provider string) (RateLimit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.limits[provider]
	return l, ok
}
