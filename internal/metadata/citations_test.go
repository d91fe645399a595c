package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://www.Example.com/path/", "https://example.com/path"},
		{"https://example.com/a?utm_source=x&id=3#frag", "https://example.com/a?id=3"},
		{"HTTPS://EXAMPLE.COM/", "https://example.com"},
		{"  https://example.com/x  ", "https://example.com/x"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestExtractDomain(t *testing.T) {
	d, err := ExtractDomain("https://www.blog.example.com:8443/p")
	require.NoError(t, err)
	assert.Equal(t, "blog.example.com", d)
}

func TestClassifySourceType(t *testing.T) {
	tests := map[string]string{
		"https://arxiv.org/abs/2401.00001":        SourceAcademic,
		"https://scholar.google.com/citations?x=1": SourceAcademic,
		"https://pubmed.ncbi.nlm.nih.gov/123":      SourceAcademic,
		"https://www.reuters.com/markets":          SourceNews,
		"https://example.com/news/today":           SourceNews,
		"https://medium.com/@someone/post":         SourceBlog,
		"https://blog.example.com/p":               SourceBlog,
		"https://www.energy.gov/report":            SourceGovernment,
		"https://example.org/official-statement":   SourceGovernment,
		"https://example.com/products":             SourceWeb,
	}
	for u, want := range tests {
		assert.Equal(t, want, ClassifySourceType(u), u)
	}
}

func TestCredibilityRules_Defaults(t *testing.T) {
	r := DefaultCredibilityRules()
	assert.Equal(t, 0.85, r.Score("mit.edu"))
	assert.Equal(t, 0.80, r.Score("energy.gov"))
	assert.Equal(t, 0.90, r.Score("arxiv.org"))
	assert.Equal(t, 0.90, r.Score("export.arxiv.org"))
	assert.Equal(t, 0.50, r.Score("medium.com"))
	assert.Equal(t, 0.60, r.Score("notarxiv.org"))
}

func TestLoadCredibilityRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
domain_groups:
  - category: trusted
    score: 0.95
    domains: [example.com]
`), 0o644))

	r, err := LoadCredibilityRules(path)
	require.NoError(t, err)
	assert.Equal(t, 0.95, r.Score("docs.example.com"))
	assert.Equal(t, 0.60, r.Score("other.com"))

	_, err = LoadCredibilityRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
