package providers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

const serpAPIBaseURL = "https://serpapi.com"

// SerpAPIProvider searches through serpapi.com. The engine defaults to
// google; academic plans pass params["engine"]="google_scholar".
type SerpAPIProvider struct {
	apiKey  string
	baseURL string
	http    httpJSON
}

func NewSerpAPIProvider(apiKey, baseURL string, client HTTPDoer) *SerpAPIProvider {
	if baseURL == "" {
		baseURL = serpAPIBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SerpAPIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpJSON{provider: SerpAPI, client: client},
	}
}

func (p *SerpAPIProvider) ID() string                    { return SerpAPI }
func (p *SerpAPIProvider) Capability() models.Capability { return models.CapabilitySearch }

type serpAPIResponse struct {
	Error          string `json:"error"`
	OrganicResults []struct {
		Position int    `json:"position"`
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
	} `json:"organic_results"`
}

func (p *SerpAPIProvider) Call(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error) {
	q := url.Values{}
	q.Set("q", req.Query)
	q.Set("engine", "google")
	q.Set("api_key", p.apiKey)
	if req.MaxResults > 0 {
		q.Set("num", strconv.Itoa(req.MaxResults))
	}
	for k, v := range req.Params {
		q.Set(k, v)
	}

	var out serpAPIResponse
	if err := p.http.do(ctx, http.MethodGet, p.baseURL+"/search.json?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if out.Error != "" && len(out.OrganicResults) == 0 && !strings.Contains(strings.ToLower(out.Error), "hasn't returned any results") {
		return nil, models.NewStageError(models.KindProviderUnavailable, "", SerpAPI, errString(out.Error))
	}

	n := len(out.OrganicResults)
	resp := &models.ProviderResponse{Sources: make([]models.Source, 0, n)}
	for i, r := range out.OrganicResults {
		if r.Link == "" {
			continue
		}
		pos := r.Position
		if pos <= 0 {
			pos = i + 1
		}
		resp.Sources = append(resp.Sources, models.Source{
			URL:       r.Link,
			Title:     r.Title,
			Snippet:   r.Snippet,
			Provider:  SerpAPI,
			Rank:      pos,
			Relevance: rankRelevance(pos, n),
		})
	}
	return resp, nil
}

type errString string

func (e errString) Error() string { return string(e) }
