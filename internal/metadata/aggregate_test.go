package metadata

import (
	"fmt"
	"testing"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var hybridPlan = []StageWeight{
	{Stage: "source-discovery", Weight: 0.20, Mandatory: true},
	{Stage: "content-extraction", Weight: 0.15},
	{Stage: "agent-analysis", Weight: 0.25, Mandatory: true},
	{Stage: "synthesis", Weight: 0.40, Mandatory: true},
}

func ok(stage string, conf float64, art *models.Artifact) models.StageResult {
	return models.StageResult{Stage: stage, Confidence: conf, Output: art}
}

func completedRun() *models.WorkflowRun {
	return &models.WorkflowRun{
		ID: "wf-1",
		Request: models.ResearchRequest{
			Query: "q", Methodology: models.MethodologyHybrid, MaxSources: 10, QualityThreshold: 0.6,
		},
		AccumulatedCost:    1.25,
		AccumulatedElapsed: 42 * time.Second,
		StageResults: []models.StageResult{
			ok("source-discovery", 0.8, &models.Artifact{Sources: []models.Source{
				{URL: "https://example.com/a", Title: "A", Provider: "serpapi", Relevance: 0.9},
				{URL: "https://arxiv.org/abs/1", Title: "Paper", Provider: "serpapi", Relevance: 0.5},
				{URL: "https://www.example.com/a/", Title: "A dup", Provider: "tavily", Relevance: 1},
			}}),
			{Stage: "content-extraction", ErrorKind: models.KindProviderUnavailable, Error: "down"},
			ok("agent-analysis", 0.8, &models.Artifact{Text: "analysis", Persona: "analyst"}),
			ok("synthesis", 0.85, &models.Artifact{
				Text:     "## Executive Summary\nThe short version.\n## Findings\n...",
				Sections: map[string]string{"Executive Summary": "The short version.", "Findings": "..."},
				Persona:  "synthesizer",
			}),
		},
	}
}

func TestAggregate_Report(t *testing.T) {
	a := NewAggregator(nil, zaptest.NewLogger(t))
	rep, err := a.Aggregate(completedRun(), hybridPlan)
	require.NoError(t, err)

	want := 0.20*0.8 + 0.15*0 + 0.25*0.8 + 0.40*0.85
	assert.InDelta(t, want, rep.OverallConfidence, 1e-9)
	assert.True(t, rep.QualityGatePassed)
	assert.Equal(t, "The short version.", rep.ExecutiveSummary)
	assert.Equal(t, 1.25, rep.TotalCost)
	assert.Equal(t, 42*time.Second, rep.TotalDuration)

	require.Len(t, rep.StageScores, 4)
	assert.Equal(t, 0.0, rep.StageScores[1].Confidence)

	require.Len(t, rep.Sources, 2, "normalized duplicate removed")
	assert.Equal(t, "https://arxiv.org/abs/1", rep.Sources[0].URL)
	assert.Equal(t, SourceAcademic, rep.Sources[0].SourceType)
	assert.InDelta(t, 0.6*0.9+0.4*0.5, rep.Sources[0].Credibility, 1e-9)
	assert.Equal(t, "A", rep.Sources[1].Title, "first discovery wins")
	assert.InDelta(t, 0.6*0.6+0.4*0.9, rep.Sources[1].Credibility, 1e-9)
}

func TestAggregate_Deterministic(t *testing.T) {
	a := NewAggregator(nil, zaptest.NewLogger(t))
	first, err := a.Aggregate(completedRun(), hybridPlan)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := a.Aggregate(completedRun(), hybridPlan)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAggregate_QualityGateFlagOnly(t *testing.T) {
	run := completedRun()
	run.Request.QualityThreshold = 0.99
	rep, err := NewAggregator(nil, zaptest.NewLogger(t)).Aggregate(run, hybridPlan)
	require.NoError(t, err)
	assert.False(t, rep.QualityGatePassed)
}

func TestAggregate_SemanticScoresOverrideRelevance(t *testing.T) {
	run := completedRun()
	run.StageResults = append(run.StageResults, ok("semantic-ranking", 0.7, &models.Artifact{
		Scores: []models.SemanticScore{{URL: "https://example.com/a", Score: 0.1}},
	}))
	rep, err := NewAggregator(nil, zaptest.NewLogger(t)).Aggregate(run, hybridPlan)
	require.NoError(t, err)

	for _, s := range rep.Sources {
		if s.URL == "https://example.com/a" {
			assert.InDelta(t, 0.6*0.6+0.4*0.1, s.Credibility, 1e-9)
		}
	}
}

func TestAggregate_StableTiesAndTruncation(t *testing.T) {
	var sources []models.Source
	for i := 0; i < 8; i++ {
		sources = append(sources, models.Source{URL: fmt.Sprintf("https://site%d.com/x", i), Relevance: 0.5})
	}
	run := &models.WorkflowRun{
		ID:      "wf",
		Request: models.ResearchRequest{MaxSources: 5},
		StageResults: []models.StageResult{
			ok("source-discovery", 1, &models.Artifact{Sources: sources}),
		},
	}
	rep, err := NewAggregator(nil, zaptest.NewLogger(t)).Aggregate(run, hybridPlan[:1])
	require.NoError(t, err)
	require.Len(t, rep.Sources, 5)
	for i, s := range rep.Sources {
		assert.Equal(t, fmt.Sprintf("https://site%d.com/x", i), s.URL)
	}
}

func TestAggregate_DefaultRelevance(t *testing.T) {
	run := &models.WorkflowRun{
		ID:      "wf",
		Request: models.ResearchRequest{MaxSources: 5},
		StageResults: []models.StageResult{
			ok("source-discovery", 1, &models.Artifact{Sources: []models.Source{{URL: "https://example.com"}}}),
		},
	}
	rep, err := NewAggregator(nil, zaptest.NewLogger(t)).Aggregate(run, hybridPlan[:1])
	require.NoError(t, err)
	assert.InDelta(t, 0.6*0.6+0.4*DefaultRelevance, rep.Sources[0].Credibility, 1e-9)
}

func TestAggregate_InsufficientData(t *testing.T) {
	run := &models.WorkflowRun{
		ID: "wf",
		StageResults: []models.StageResult{
			{Stage: "source-discovery", Mandatory: true, ErrorKind: models.KindProviderUnavailable, Error: "down"},
			ok("content-extraction", 0.5, &models.Artifact{}),
		},
	}
	_, err := NewAggregator(nil, zaptest.NewLogger(t)).Aggregate(run, hybridPlan)
	assert.Equal(t, models.KindInsufficientData, models.KindOf(err))
}

func TestAggregate_SummaryFallsBackToText(t *testing.T) {
	run := completedRun()
	last := &run.StageResults[3]
	last.Output = &models.Artifact{Text: "plain synthesis", Persona: "synthesizer"}
	rep, err := NewAggregator(nil, zaptest.NewLogger(t)).Aggregate(run, hybridPlan)
	require.NoError(t, err)
	assert.Equal(t, "plain synthesis", rep.ExecutiveSummary)
}
