package pricing

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"gopkg.in/yaml.v3"
)

// charsPerToken is the rough prompt-size heuristic used for estimates.
const charsPerToken = 4

// DefaultPer1K applies to completion models missing from the table.
const DefaultPer1K = 0.01

type fileFormat struct {
	Pricing struct {
		Providers map[string]config.ProviderPricing `yaml:"providers"`
	} `yaml:"pricing"`
}

// Table is the provider price list. Safe for concurrent use.
type Table struct {
	mu        sync.RWMutex
	providers map[string]config.ProviderPricing
}

// New creates a table from the pricing config section. When File is set it
// replaces the inline providers.
func New(pc config.PricingConfig) (*Table, error) {
	t := &Table{}
	if err := t.Reload(pc); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload swaps the price list.
func (t *Table) Reload(pc config.PricingConfig) error {
	providers := pc.Providers
	if pc.File != "" {
		loaded, err := LoadFile(pc.File)
		if err != nil {
			return err
		}
		providers = loaded
	}
	if err := Validate(providers); err != nil {
		return err
	}
	t.mu.Lock()
	t.providers = providers
	t.mu.Unlock()
	return nil
}

// LoadFile reads a YAML pricing table of the form pricing.providers.<id>.
func LoadFile(path string) (map[string]config.ProviderPricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	return f.Pricing.Providers, nil
}

// Validate rejects negative or non-finite prices.
func Validate(providers map[string]config.ProviderPricing) error {
	bad := func(v float64) bool { return v < 0 || math.IsNaN(v) || math.IsInf(v, 0) }
	for id, p := range providers {
		if bad(p.PerCall) {
			return fmt.Errorf("pricing.%s.per_call: invalid value %v", id, p.PerCall)
		}
		for m, mp := range p.Models {
			if bad(mp.InputPer1K) || bad(mp.OutputPer1K) {
				return fmt.Errorf("pricing.%s.models.%s: invalid value", id, m)
			}
		}
	}
	return nil
}

// PerCall returns the flat price of one request to provider.
func (t *Table) PerCall(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.providers[provider].PerCall
}

// CostForSplit prices a completion by input and output token counts.
func (t *Table) CostForSplit(provider, model string, inputTokens, outputTokens int) float64 {
	t.mu.RLock()
	p := t.providers[provider]
	t.mu.RUnlock()

	mp, ok := p.Models[model]
	if !ok {
		return p.PerCall + float64(inputTokens+outputTokens)/1000*DefaultPer1K
	}
	return p.PerCall + float64(inputTokens)/1000*mp.InputPer1K + float64(outputTokens)/1000*mp.OutputPer1K
}

// Estimate quotes the worst-case cost of req before it is sent. Completion
// requests assume the full MaxTokens output.
func (t *Table) Estimate(provider string, req models.ProviderRequest) float64 {
	if req.Capability != models.CapabilityCompletion {
		return t.PerCall(provider)
	}
	in := (len(req.SystemPrompt) + len(req.Prompt) + charsPerToken - 1) / charsPerToken
	return t.CostForSplit(provider, req.Model, in, req.MaxTokens)
}
