package workflows

import (
	"testing"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/personas"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageIDs(plan []StageSpec) []string {
	return lo.Map(plan, func(s StageSpec, _ int) string { return s.ID })
}

func TestPlanFor_BuiltinMethodologies(t *testing.T) {
	tests := []struct {
		methodology models.Methodology
		stages      []string
		optional    []string
	}{
		{
			methodology: models.MethodologyHybrid,
			stages:      []string{StageSourceDiscovery, StageContentExtraction, StageAgentAnalysis, StageSynthesis},
			optional:    []string{StageContentExtraction},
		},
		{
			methodology: models.MethodologyAcademic,
			stages:      []string{StageSourceDiscovery, StageSemanticRanking, StageAgentAnalysis, StagePeerReview, StageSynthesis},
			optional:    []string{StageSemanticRanking, StagePeerReview},
		},
		{
			methodology: models.MethodologyBusiness,
			stages: []string{StageSourceDiscovery, StageContentExtraction, StageAgentAnalysis,
				StageProductStrategy, StageSolutionArchitecture, StageSynthesis},
			optional: []string{StageContentExtraction, StageProductStrategy, StageSolutionArchitecture},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.methodology), func(t *testing.T) {
			plan, err := PlanFor(models.ResearchRequest{Methodology: tt.methodology})
			require.NoError(t, err)
			assert.Equal(t, tt.stages, stageIDs(plan))

			optional := lo.FilterMap(plan, func(s StageSpec, _ int) (string, bool) { return s.ID, !s.Mandatory })
			assert.Equal(t, tt.optional, optional)
			assert.InDelta(t, 1.0, lo.SumBy(plan, func(s StageSpec) float64 { return s.Weight }), 1e-9)
		})
	}
}

func TestPlanFor_AcademicUsesScholarEngine(t *testing.T) {
	plan, err := PlanFor(models.ResearchRequest{Methodology: models.MethodologyAcademic})
	require.NoError(t, err)
	assert.Equal(t, "google_scholar", plan[0].Params["engine"])
	assert.Equal(t, personas.RoleResearcher, plan[2].Role)
	assert.Equal(t, personas.RoleReviewer, plan[3].Role)
}

func TestPlanFor_ReturnsIndependentCopies(t *testing.T) {
	req := models.ResearchRequest{Methodology: models.MethodologyAcademic}
	first, err := PlanFor(req)
	require.NoError(t, err)
	first[0].Params["engine"] = "bing"
	first[0].Providers[0] = "mutated"

	second, err := PlanFor(req)
	require.NoError(t, err)
	assert.Equal(t, "google_scholar", second[0].Params["engine"])
	assert.NotEqual(t, "mutated", second[0].Providers[0])
}

func TestPlanFor_CustomNormalizesWeights(t *testing.T) {
	plan, err := PlanFor(models.ResearchRequest{
		Methodology: models.MethodologyCustom,
		CustomStages: []models.CustomStage{
			{Name: StageScholarDiscovery, Mandatory: true, Weight: 1},
			{Name: StageLiteratureAnalysis, Weight: 1},
			{Name: StageSynthesis, Mandatory: true, Weight: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{StageScholarDiscovery, StageLiteratureAnalysis, StageSynthesis}, stageIDs(plan))
	assert.InDelta(t, 0.25, plan[0].Weight, 1e-9)
	assert.InDelta(t, 0.25, plan[1].Weight, 1e-9)
	assert.InDelta(t, 0.5, plan[2].Weight, 1e-9)
	assert.False(t, plan[1].Mandatory)
}

func TestPlanFor_CustomDefaultWeights(t *testing.T) {
	plan, err := PlanFor(models.ResearchRequest{
		Methodology: models.MethodologyCustom,
		CustomStages: []models.CustomStage{
			{Name: StageSourceDiscovery, Mandatory: true},
			{Name: StageSynthesis, Mandatory: true},
		},
	})
	require.NoError(t, err)
	// 0.15 and 0.40 renormalized
	assert.InDelta(t, 0.15/0.55, plan[0].Weight, 1e-9)
	assert.InDelta(t, 0.40/0.55, plan[1].Weight, 1e-9)
}

func TestPlanFor_CustomErrors(t *testing.T) {
	tests := []struct {
		name   string
		stages []models.CustomStage
	}{
		{"empty", nil},
		{"unknown stage", []models.CustomStage{{Name: "telepathy", Mandatory: true}}},
		{"duplicate", []models.CustomStage{{Name: StageSynthesis, Mandatory: true}, {Name: StageSynthesis}}},
		{"no mandatory stage", []models.CustomStage{{Name: StageSourceDiscovery}, {Name: StageSynthesis}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PlanFor(models.ResearchRequest{Methodology: models.MethodologyCustom, CustomStages: tt.stages})
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestPlanFor_UnknownMethodology(t *testing.T) {
	_, err := PlanFor(models.ResearchRequest{Methodology: "astrology"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCatalogStages_AllResolvable(t *testing.T) {
	for _, name := range CatalogStages() {
		_, ok := catalog[name]
		assert.True(t, ok, name)
	}
	assert.Len(t, CatalogStages(), len(catalog))
}

func TestWeights(t *testing.T) {
	plan, err := PlanFor(models.ResearchRequest{Methodology: models.MethodologyHybrid})
	require.NoError(t, err)
	w := Weights(plan)
	require.Len(t, w, 4)
	assert.Equal(t, StageSynthesis, w[3].Stage)
	assert.InDelta(t, 0.40, w[3].Weight, 1e-9)
	assert.True(t, w[3].Mandatory)
	assert.False(t, w[1].Mandatory)
}
