// Package metadata turns a completed run into its final report: source
// ranking, credibility scoring and overall confidence.
package metadata

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// DefaultRelevance applies when a provider reports none.
const DefaultRelevance = 0.5

// Credibility blend
const (
	domainWeight    = 0.6
	relevanceWeight = 0.4
)

// StageWeight is one stage of the run's plan as the aggregator sees it.
type StageWeight struct {
	Stage     string
	Weight    float64
	Mandatory bool
}

// Aggregator builds reports. It keeps no state between calls.
type Aggregator struct {
	rules  *CredibilityRules
	logger *zap.Logger
}

// NewAggregator creates an aggregator; nil rules use the defaults.
func NewAggregator(rules *CredibilityRules, logger *zap.Logger) *Aggregator {
	if rules == nil {
		rules = DefaultCredibilityRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{rules: rules, logger: logger}
}

// Aggregate produces the report for run. The same run and plan always
// yield an identical report.
func (a *Aggregator) Aggregate(run *models.WorkflowRun, plan []StageWeight) (*models.AggregatedReport, error) {
	results := make(map[string]models.StageResult, len(run.StageResults))
	for _, r := range run.StageResults {
		if _, seen := results[r.Stage]; !seen {
			results[r.Stage] = r
		}
	}

	mandatoryOK := lo.SomeBy(plan, func(s StageWeight) bool {
		r, ok := results[s.Stage]
		return s.Mandatory && ok && r.Succeeded()
	})
	if !mandatoryOK {
		return nil, models.NewStageError(models.KindInsufficientData, "", "",
			fmt.Errorf("%w: no mandatory stage produced a result", models.ErrInsufficientData))
	}

	report := &models.AggregatedReport{
		WorkflowID:    run.ID,
		Methodology:   run.Request.Methodology,
		TotalCost:     run.AccumulatedCost,
		TotalDuration: run.AccumulatedElapsed,
		StageScores:   make([]models.StageScore, 0, len(plan)),
	}

	var weighted, total float64
	for _, s := range plan {
		conf := 0.0
		if r, ok := results[s.Stage]; ok && r.Succeeded() {
			conf = r.Confidence
		}
		weighted += s.Weight * conf
		total += s.Weight
		report.StageScores = append(report.StageScores, models.StageScore{Stage: s.Stage, Weight: s.Weight, Confidence: conf})
	}
	if total > 0 {
		report.OverallConfidence = clamp01(weighted / total)
	}
	report.QualityGatePassed = report.OverallConfidence >= run.Request.QualityThreshold
	report.ExecutiveSummary = executiveSummary(run.StageResults)
	report.Sources = a.rankSources(run.StageResults, run.Request.MaxSources)

	a.logger.Debug("Report aggregated",
		zap.String("workflow_id", run.ID),
		zap.Float64("overall_confidence", report.OverallConfidence),
		zap.Int("sources", len(report.Sources)),
	)
	return report, nil
}

// rankSources dedupes discovered sources (first discovery wins), scores
// them and returns the top max by credibility. Ties keep discovery order.
func (a *Aggregator) rankSources(results []models.StageResult, max int) []models.RankedSource {
	semantic := make(map[string]float64)
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		for _, sc := range r.Output.Scores {
			if key, err := NormalizeURL(sc.URL); err == nil {
				semantic[key] = sc.Score
			}
		}
	}

	seen := make(map[string]bool)
	var ranked []models.RankedSource
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		for _, src := range r.Output.Sources {
			key, err := NormalizeURL(src.URL)
			if err != nil || key == "" || seen[key] {
				continue
			}
			seen[key] = true

			relevance := src.Relevance
			if relevance <= 0 {
				relevance = DefaultRelevance
			}
			if s, ok := semantic[key]; ok {
				relevance = s
			}
			relevance = clamp01(relevance)

			domain, _ := ExtractDomain(src.URL)
			ranked = append(ranked, models.RankedSource{
				URL:         src.URL,
				Title:       src.Title,
				SourceType:  ClassifySourceType(src.URL),
				Provider:    src.Provider,
				Credibility: clamp01(domainWeight*a.rules.Score(domain) + relevanceWeight*relevance),
			})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Credibility > ranked[j].Credibility
	})
	if max > 0 && len(ranked) > max {
		ranked = ranked[:max]
	}
	if ranked == nil {
		ranked = []models.RankedSource{}
	}
	return ranked
}

// executiveSummary prefers the synthesizer's Executive Summary section and
// falls back to its full text, then to the last successful persona output.
func executiveSummary(results []models.StageResult) string {
	var fallback *models.Artifact
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if !r.Succeeded() || r.Output.Text == "" {
			continue
		}
		if r.Output.Persona == "synthesizer" {
			if v := r.Output.Sections["Executive Summary"]; v != "" {
				return v
			}
			keys := lo.Keys(r.Output.Sections)
			sort.Strings(keys)
			for _, k := range keys {
				if strings.EqualFold(k, "Executive Summary") && r.Output.Sections[k] != "" {
					return r.Output.Sections[k]
				}
			}
			return r.Output.Text
		}
		if fallback == nil {
			fallback = r.Output
		}
	}
	if fallback != nil {
		return fallback.Text
	}
	return ""
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
