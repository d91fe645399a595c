package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

const firecrawlBaseURL = "https://api.firecrawl.dev"

// maxDocumentChars bounds stored page content per document.
const maxDocumentChars = 20000

// FirecrawlProvider extracts page content as markdown via the v1 scrape API.
// Each URL in the request is scraped in order.
type FirecrawlProvider struct {
	baseURL string
	http    httpJSON
}

func NewFirecrawlProvider(apiKey, baseURL string, client HTTPDoer) *FirecrawlProvider {
	if baseURL == "" {
		baseURL = firecrawlBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &FirecrawlProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: httpJSON{
			provider: Firecrawl,
			client:   client,
			headers:  map[string]string{"Authorization": "Bearer " + apiKey},
		},
	}
}

func (p *FirecrawlProvider) ID() string                    { return Firecrawl }
func (p *FirecrawlProvider) Capability() models.Capability { return models.CapabilityContentExtraction }

type firecrawlScrapeRequest struct {
	URL             string   `json:"url"`
	Formats         []string `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent"`
}

type firecrawlScrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Markdown string `json:"markdown"`
		Metadata struct {
			Title     string `json:"title"`
			SourceURL string `json:"sourceURL"`
		} `json:"metadata"`
	} `json:"data"`
}

func (p *FirecrawlProvider) Call(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error) {
	if len(req.URLs) == 0 {
		return nil, models.NewStageError(models.KindProviderUnavailable, "", Firecrawl, errors.New("no url to scrape"))
	}
	resp := &models.ProviderResponse{}
	for _, u := range req.URLs {
		var out firecrawlScrapeResponse
		body := firecrawlScrapeRequest{URL: u, Formats: []string{"markdown"}, OnlyMainContent: true}
		if err := p.http.do(ctx, http.MethodPost, p.baseURL+"/v1/scrape", body, &out); err != nil {
			return nil, err
		}
		if !out.Success {
			return nil, models.NewStageError(models.KindProviderUnavailable, "", Firecrawl, errString("scrape failed: "+out.Error))
		}
		content := out.Data.Markdown
		if len(content) > maxDocumentChars {
			content = content[:maxDocumentChars]
		}
		resp.Documents = append(resp.Documents, models.Document{
			URL:     u,
			Title:   out.Data.Metadata.Title,
			Content: content,
		})
	}
	return resp, nil
}
