package metadata

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source types
const (
	SourceAcademic   = "academic"
	SourceNews       = "news"
	SourceBlog       = "blog"
	SourceGovernment = "government"
	SourceWeb        = "web"
)

// sourceTypePatterns are checked in order against host and path.
var sourceTypePatterns = []struct {
	kind     string
	patterns []string
}{
	{SourceAcademic, []string{"arxiv", "scholar", "pubmed"}},
	{SourceNews, []string{"news", "reuters", "bloomberg"}},
	{SourceBlog, []string{"blog", "medium"}},
	{SourceGovernment, []string{".gov", "official"}},
}

// CredibilityRules scores domains. TLD patterns win over domain groups.
type CredibilityRules struct {
	TLDPatterns []struct {
		Suffix string  `yaml:"suffix"`
		Score  float64 `yaml:"score"`
	} `yaml:"tld_patterns"`
	DomainGroups []struct {
		Category string   `yaml:"category"`
		Score    float64  `yaml:"score"`
		Domains  []string `yaml:"domains"`
	} `yaml:"domain_groups"`
	DefaultScore float64 `yaml:"default_score"`
}

const defaultCredibilityYAML = `
tld_patterns:
  - {suffix: ".edu", score: 0.85}
  - {suffix: ".gov", score: 0.80}
domain_groups:
  - category: academic
    score: 0.90
    domains: [arxiv.org, nature.com, science.org, pubmed.ncbi.nlm.nih.gov, scholar.google.com, ieee.org, acm.org]
  - category: news
    score: 0.75
    domains: [reuters.com, bloomberg.com, apnews.com, ft.com, nytimes.com, bbc.co.uk]
  - category: reference
    score: 0.70
    domains: [wikipedia.org, github.com]
  - category: blog
    score: 0.50
    domains: [medium.com, substack.com, blogspot.com]
default_score: 0.60
`

// DefaultCredibilityRules returns the built-in rule set.
func DefaultCredibilityRules() *CredibilityRules {
	var r CredibilityRules
	if err := yaml.Unmarshal([]byte(defaultCredibilityYAML), &r); err != nil {
		panic(fmt.Sprintf("metadata: bad default credibility rules: %v", err))
	}
	return &r
}

// LoadCredibilityRules reads a rule file in the same layout as the defaults.
func LoadCredibilityRules(path string) (*CredibilityRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credibility rules: %w", err)
	}
	var r CredibilityRules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse credibility rules: %w", err)
	}
	if r.DefaultScore <= 0 {
		r.DefaultScore = 0.60
	}
	return &r, nil
}

// Score returns the credibility of domain.
func (r *CredibilityRules) Score(domain string) float64 {
	domain = strings.ToLower(domain)
	for _, p := range r.TLDPatterns {
		if strings.HasSuffix(domain, p.Suffix) {
			return p.Score
		}
	}
	for _, g := range r.DomainGroups {
		for _, d := range g.Domains {
			d = strings.ToLower(d)
			if domain == d || strings.HasSuffix(domain, "."+d) {
				return g.Score
			}
		}
	}
	return r.DefaultScore
}

// NormalizeURL cleans a URL for deduplication
// - lowercases scheme and host, drops "www."
// - removes fragment and tracking query parameters
// - removes a trailing slash
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"fbclid", "gclid", "msclkid", "ref",
		} {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}

// ExtractDomain returns the lowercase host without port or "www.".
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}

// ClassifySourceType maps a URL to academic, news, blog, government or web.
func ClassifySourceType(rawURL string) string {
	target := strings.ToLower(rawURL)
	if parsed, err := url.Parse(rawURL); err == nil {
		target = strings.ToLower(parsed.Hostname() + parsed.Path)
	}
	for _, t := range sourceTypePatterns {
		for _, p := range t.patterns {
			if strings.Contains(target, p) {
				return t.kind
			}
		}
	}
	return SourceWeb
}
