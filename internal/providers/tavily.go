package providers

import (
	"context"
	"net/http"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

const tavilyBaseURL = "https://api.tavily.com"

// TavilyProvider searches through api.tavily.com.
type TavilyProvider struct {
	apiKey  string
	baseURL string
	http    httpJSON
}

func NewTavilyProvider(apiKey, baseURL string, client HTTPDoer) *TavilyProvider {
	if baseURL == "" {
		baseURL = tavilyBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &TavilyProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpJSON{provider: Tavily, client: client},
	}
}

func (p *TavilyProvider) ID() string                    { return Tavily }
func (p *TavilyProvider) Capability() models.Capability { return models.CapabilitySearch }

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results,omitempty"`
	Topic       string `json:"topic,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (p *TavilyProvider) Call(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error) {
	body := tavilyRequest{
		APIKey:      p.apiKey,
		Query:       req.Query,
		SearchDepth: "basic",
		MaxResults:  req.MaxResults,
		Topic:       req.Params["topic"],
	}
	if d := req.Params["search_depth"]; d != "" {
		body.SearchDepth = d
	}
	// Tavily caps max_results at 20.
	if body.MaxResults > 20 {
		body.MaxResults = 20
	}

	var out tavilyResponse
	if err := p.http.do(ctx, http.MethodPost, p.baseURL+"/search", body, &out); err != nil {
		return nil, err
	}
	resp := &models.ProviderResponse{Sources: make([]models.Source, 0, len(out.Results))}
	for i, r := range out.Results {
		if r.URL == "" {
			continue
		}
		rel := r.Score
		if rel <= 0 {
			rel = DefaultRelevance
		}
		resp.Sources = append(resp.Sources, models.Source{
			URL:       r.URL,
			Title:     r.Title,
			Snippet:   r.Content,
			Provider:  Tavily,
			Rank:      i + 1,
			Relevance: rel,
		})
	}
	return resp, nil
}
