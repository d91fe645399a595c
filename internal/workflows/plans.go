package workflows

import (
	"errors"
	"fmt"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metadata"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/personas"
	"github.com/Kocoro-lab/Shannon/go/research/internal/providers"
	"github.com/samber/lo"
)

// ErrInvalidRequest wraps request validation failures at submit.
var ErrInvalidRequest = errors.New("invalid research request")

// StageSpec is one step of a methodology plan.
type StageSpec struct {
	ID        string
	Kind      models.StageKind
	Mandatory bool
	Weight    float64

	// Provider stages
	Capability models.Capability
	Providers  []string
	Params     map[string]string

	// Agent stages
	Role personas.RoleID
}

// Stage catalog names usable in custom methodologies.
const (
	StageSourceDiscovery      = "source-discovery"
	StageScholarDiscovery     = "scholar-discovery"
	StageContentExtraction    = "content-extraction"
	StageSemanticRanking      = "semantic-ranking"
	StageAgentAnalysis        = "agent-analysis"
	StageLiteratureAnalysis   = "literature-analysis"
	StagePeerReview           = "peer-review"
	StageProductStrategy      = "product-strategy"
	StageSolutionArchitecture = "solution-architecture"
	StageSynthesis            = "synthesis"
)

func searchStage(id string, weight float64, params map[string]string) StageSpec {
	return StageSpec{
		ID: id, Kind: models.StageKindProvider, Mandatory: true, Weight: weight,
		Capability: models.CapabilitySearch, Providers: []string{providers.SerpAPI, providers.Tavily}, Params: params,
	}
}

func extractionStage(weight float64) StageSpec {
	return StageSpec{
		ID: StageContentExtraction, Kind: models.StageKindProvider, Weight: weight,
		Capability: models.CapabilityContentExtraction, Providers: []string{providers.Firecrawl},
	}
}

func semanticStage(weight float64) StageSpec {
	return StageSpec{
		ID: StageSemanticRanking, Kind: models.StageKindProvider, Weight: weight,
		Capability: models.CapabilitySemanticMatch, Providers: []string{providers.Jina},
	}
}

func agentStage(id string, role personas.RoleID, mandatory bool, weight float64) StageSpec {
	return StageSpec{ID: id, Kind: models.StageKindAgent, Role: role, Mandatory: mandatory, Weight: weight}
}

var scholarParams = map[string]string{"engine": "google_scholar"}

var plans = map[models.Methodology][]StageSpec{
	models.MethodologyHybrid: {
		searchStage(StageSourceDiscovery, 0.20, nil),
		extractionStage(0.15),
		agentStage(StageAgentAnalysis, personas.RoleAnalyst, true, 0.25),
		agentStage(StageSynthesis, personas.RoleSynthesizer, true, 0.40),
	},
	models.MethodologyAcademic: {
		searchStage(StageSourceDiscovery, 0.15, scholarParams),
		semanticStage(0.10),
		agentStage(StageAgentAnalysis, personas.RoleResearcher, true, 0.20),
		agentStage(StagePeerReview, personas.RoleReviewer, false, 0.15),
		agentStage(StageSynthesis, personas.RoleSynthesizer, true, 0.40),
	},
	models.MethodologyBusiness: {
		searchStage(StageSourceDiscovery, 0.15, nil),
		extractionStage(0.10),
		agentStage(StageAgentAnalysis, personas.RoleAnalyst, true, 0.20),
		agentStage(StageProductStrategy, personas.RoleProductManager, false, 0.15),
		agentStage(StageSolutionArchitecture, personas.RoleArchitect, false, 0.10),
		agentStage(StageSynthesis, personas.RoleSynthesizer, true, 0.30),
	},
}

// catalog holds the stages a custom methodology can pick from, with their
// default weights.
var catalog = map[string]StageSpec{
	StageSourceDiscovery:      searchStage(StageSourceDiscovery, 0.15, nil),
	StageScholarDiscovery:     searchStage(StageScholarDiscovery, 0.15, scholarParams),
	StageContentExtraction:    extractionStage(0.10),
	StageSemanticRanking:      semanticStage(0.10),
	StageAgentAnalysis:        agentStage(StageAgentAnalysis, personas.RoleAnalyst, true, 0.20),
	StageLiteratureAnalysis:   agentStage(StageLiteratureAnalysis, personas.RoleResearcher, true, 0.20),
	StagePeerReview:           agentStage(StagePeerReview, personas.RoleReviewer, false, 0.15),
	StageProductStrategy:      agentStage(StageProductStrategy, personas.RoleProductManager, false, 0.15),
	StageSolutionArchitecture: agentStage(StageSolutionArchitecture, personas.RoleArchitect, false, 0.10),
	StageSynthesis:            agentStage(StageSynthesis, personas.RoleSynthesizer, true, 0.40),
}

// CatalogStages lists the stage names accepted by custom methodologies.
func CatalogStages() []string {
	return []string{
		StageSourceDiscovery, StageScholarDiscovery, StageContentExtraction, StageSemanticRanking,
		StageAgentAnalysis, StageLiteratureAnalysis, StagePeerReview, StageProductStrategy,
		StageSolutionArchitecture, StageSynthesis,
	}
}

// PlanFor resolves the ordered stage plan of req. Custom weights are
// normalized to sum to one.
func PlanFor(req models.ResearchRequest) ([]StageSpec, error) {
	if req.Methodology != models.MethodologyCustom {
		plan, ok := plans[req.Methodology]
		if !ok {
			return nil, fmt.Errorf("%w: unknown methodology %q", ErrInvalidRequest, req.Methodology)
		}
		return clonePlan(plan), nil
	}

	if len(req.CustomStages) == 0 {
		return nil, fmt.Errorf("%w: custom methodology needs at least one stage", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(req.CustomStages))
	plan := make([]StageSpec, 0, len(req.CustomStages))
	for _, cs := range req.CustomStages {
		spec, ok := catalog[cs.Name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidRequest, cs.Name)
		}
		if seen[cs.Name] {
			return nil, fmt.Errorf("%w: stage %q listed twice", ErrInvalidRequest, cs.Name)
		}
		seen[cs.Name] = true
		spec.Mandatory = cs.Mandatory
		if cs.Weight > 0 {
			spec.Weight = cs.Weight
		}
		plan = append(plan, spec)
	}
	if !lo.SomeBy(plan, func(s StageSpec) bool { return s.Mandatory }) {
		return nil, fmt.Errorf("%w: custom methodology needs a mandatory stage", ErrInvalidRequest)
	}

	total := lo.SumBy(plan, func(s StageSpec) float64 { return s.Weight })
	for i := range plan {
		plan[i].Weight /= total
	}
	return clonePlan(plan), nil
}

// Weights projects a plan for the aggregator.
func Weights(plan []StageSpec) []metadata.StageWeight {
	return lo.Map(plan, func(s StageSpec, _ int) metadata.StageWeight {
		return metadata.StageWeight{Stage: s.ID, Weight: s.Weight, Mandatory: s.Mandatory}
	})
}

func clonePlan(plan []StageSpec) []StageSpec {
	out := make([]StageSpec, len(plan))
	for i, s := range plan {
		s.Providers = append([]string(nil), s.Providers...)
		if s.Params != nil {
			s.Params = lo.Assign(s.Params)
		}
		out[i] = s
	}
	return out
}
