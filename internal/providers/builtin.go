package providers

import (
	"net/http"

	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"go.uber.org/zap"
)

// RegisterBuiltins registers every enabled built-in adapter and applies its
// configured timeout.
func RegisterBuiltins(reg *Registry, providers map[string]config.ProviderConfig, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{}
	for id, pc := range providers {
		if !pc.Enabled {
			continue
		}
		var p Provider
		switch id {
		case SerpAPI:
			p = NewSerpAPIProvider(pc.APIKey, pc.BaseURL, client)
		case Tavily:
			p = NewTavilyProvider(pc.APIKey, pc.BaseURL, client)
		case Firecrawl:
			p = NewFirecrawlProvider(pc.APIKey, pc.BaseURL, client)
		case Jina:
			p = NewJinaProvider(pc.APIKey, pc.BaseURL, pc.Model, client)
		case OpenRouter:
			p = NewOpenRouterProvider(pc.APIKey, pc.BaseURL, pc.Model)
		default:
			logger.Warn("Unknown provider in config; skipping", zap.String("provider", id))
			continue
		}
		reg.Register(p)
		if pc.Timeout > 0 {
			reg.SetTimeout(id, pc.Timeout)
		}
		logger.Info("Provider registered", zap.String("provider", id), zap.String("capability", string(p.Capability())))
	}
}
