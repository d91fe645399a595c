package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

const (
	jinaBaseURL      = "https://api.jina.ai"
	jinaDefaultModel = "jina-reranker-v2-base-multilingual"
)

// JinaProvider scores candidate documents against a query with the rerank
// API. req.URLs[i] identifies req.Documents[i].
type JinaProvider struct {
	baseURL string
	model   string
	http    httpJSON
}

func NewJinaProvider(apiKey, baseURL, model string, client HTTPDoer) *JinaProvider {
	if baseURL == "" {
		baseURL = jinaBaseURL
	}
	if model == "" {
		model = jinaDefaultModel
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &JinaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http: httpJSON{
			provider: Jina,
			client:   client,
			headers:  map[string]string{"Authorization": "Bearer " + apiKey},
		},
	}
}

func (p *JinaProvider) ID() string                    { return Jina }
func (p *JinaProvider) Capability() models.Capability { return models.CapabilitySemanticMatch }

type jinaRerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents"`
}

type jinaRerankResponse struct {
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (p *JinaProvider) Call(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error) {
	if len(req.Documents) == 0 {
		return nil, models.NewStageError(models.KindProviderUnavailable, "", Jina, errors.New("no documents to rank"))
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := jinaRerankRequest{
		Model:     model,
		Query:     req.Query,
		Documents: req.Documents,
		TopN:      len(req.Documents),
	}

	var out jinaRerankResponse
	if err := p.http.do(ctx, http.MethodPost, p.baseURL+"/v1/rerank", body, &out); err != nil {
		return nil, err
	}

	// Results come back sorted by score; restore candidate order.
	scores := make([]models.SemanticScore, len(req.Documents))
	for i := range scores {
		if i < len(req.URLs) {
			scores[i].URL = req.URLs[i]
		}
	}
	for _, r := range out.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index].Score = r.RelevanceScore
		}
	}
	return &models.ProviderResponse{Scores: scores, Model: out.Model, InputTokens: out.Usage.TotalTokens}, nil
}
