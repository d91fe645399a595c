package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerpAPI_MapsOrganicResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search.json", r.URL.Path)
		assert.Equal(t, "quantum batteries", r.URL.Query().Get("q"))
		assert.Equal(t, "google_scholar", r.URL.Query().Get("engine"))
		assert.Equal(t, "30", r.URL.Query().Get("num"))
		assert.Equal(t, "k", r.URL.Query().Get("api_key"))
		_, _ = w.Write([]byte(`{"organic_results":[
			{"position":1,"title":"A","link":"https://arxiv.org/abs/1","snippet":"s1"},
			{"position":2,"title":"B","link":"https://example.com/b"}
		]}`))
	}))
	defer srv.Close()

	p := NewSerpAPIProvider("k", srv.URL, srv.Client())
	resp, err := p.Call(context.Background(), models.ProviderRequest{
		Query: "quantum batteries", MaxResults: 30, Params: map[string]string{"engine": "google_scholar"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "https://arxiv.org/abs/1", resp.Sources[0].URL)
	assert.Equal(t, 1.0, resp.Sources[0].Relevance)
	assert.Equal(t, 0.5, resp.Sources[1].Relevance)
	assert.Equal(t, SerpAPI, resp.Sources[1].Provider)
}

func TestTavily_PostsQueryAndDefaultsScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tvly", body.APIKey)
		assert.Equal(t, 20, body.MaxResults)
		_, _ = w.Write([]byte(`{"results":[{"title":"T","url":"https://news.example.com/x","content":"c","score":0.91},{"title":"U","url":"https://u.example"}]}`))
	}))
	defer srv.Close()

	resp, err := NewTavilyProvider("tvly", srv.URL, srv.Client()).Call(context.Background(),
		models.ProviderRequest{Query: "q", MaxResults: 50})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, 0.91, resp.Sources[0].Relevance)
	assert.Equal(t, DefaultRelevance, resp.Sources[1].Relevance)
}

func TestFirecrawl_ScrapesEachURL(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer fc", r.Header.Get("Authorization"))
		var body firecrawlScrapeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		seen = append(seen, body.URL)
		_, _ = w.Write([]byte(`{"success":true,"data":{"markdown":"# Page","metadata":{"title":"Page"}}}`))
	}))
	defer srv.Close()

	resp, err := NewFirecrawlProvider("fc", srv.URL, srv.Client()).Call(context.Background(),
		models.ProviderRequest{URLs: []string{"https://a.example", "https://b.example"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, seen)
	require.Len(t, resp.Documents, 2)
	assert.Equal(t, "# Page", resp.Documents[1].Content)
}

func TestJina_RestoresCandidateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rerank", r.URL.Path)
		_, _ = w.Write([]byte(`{"model":"m","usage":{"total_tokens":12},"results":[{"index":1,"relevance_score":0.9},{"index":0,"relevance_score":0.2}]}`))
	}))
	defer srv.Close()

	resp, err := NewJinaProvider("j", srv.URL, "", srv.Client()).Call(context.Background(), models.ProviderRequest{
		Query: "q", Documents: []string{"doc a", "doc b"}, URLs: []string{"https://a", "https://b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.SemanticScore{{URL: "https://a", Score: 0.2}, {URL: "https://b", Score: 0.9}}, resp.Scores)
}

func TestOpenRouter_CompletionAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "anthropic/claude-3-sonnet", body["model"])
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"anthropic/claude-3-sonnet",
			"choices":[{"index":0,"message":{"role":"assistant","content":"## Summary\nok"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":100,"completion_tokens":40,"total_tokens":140}}`))
	}))
	defer srv.Close()

	resp, err := NewOpenRouterProvider("or-key", srv.URL, "").Call(context.Background(), models.ProviderRequest{
		Capability: models.CapabilityCompletion, SystemPrompt: "sys", Prompt: "hi", MaxTokens: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "## Summary\nok", resp.Text)
	assert.Equal(t, 100, resp.InputTokens)
	assert.Equal(t, 40, resp.OutputTokens)
}

func TestStatusMapping(t *testing.T) {
	cases := map[int]models.ErrorKind{
		http.StatusTooManyRequests:     models.KindProviderRateLimited,
		http.StatusUnauthorized:        models.KindProviderAuthError,
		http.StatusForbidden:           models.KindProviderAuthError,
		http.StatusGatewayTimeout:      models.KindProviderTimeout,
		http.StatusInternalServerError: models.KindProviderUnavailable,
		http.StatusBadRequest:          models.KindProviderUnavailable,
	}
	for code, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", code)
		}))
		_, err := NewTavilyProvider("k", srv.URL, srv.Client()).Call(context.Background(), models.ProviderRequest{Query: "q"})
		srv.Close()
		assert.Equal(t, want, models.KindOf(err), "status %d", code)
	}
}

func TestOpenRouter_RateLimitIsDistinct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit","code":429}}`))
	}))
	defer srv.Close()

	_, err := NewOpenRouterProvider("k", srv.URL, "").Call(context.Background(), models.ProviderRequest{Prompt: "x"})
	assert.Equal(t, models.KindProviderRateLimited, models.KindOf(err))
}
