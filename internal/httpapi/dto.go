package httpapi

import (
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// submitRequest is the wire form of a research request. Ceilings accept Go
// duration strings ("90s", "15m").
type submitRequest struct {
	Query            string               `json:"query"`
	Subject          string               `json:"subject,omitempty"`
	Methodology      string               `json:"methodology"`
	MaxSources       int                  `json:"max_sources,omitempty"`
	QualityThreshold float64              `json:"quality_threshold,omitempty"`
	BudgetCeiling    float64              `json:"budget_ceiling,omitempty"`
	TimeCeiling      string               `json:"time_ceiling,omitempty"`
	ExecutionMode    string               `json:"execution_mode,omitempty"`
	CustomStages     []models.CustomStage `json:"custom_stages,omitempty"`
}

func (s submitRequest) toModel() (models.ResearchRequest, error) {
	req := models.ResearchRequest{
		Query:            s.Query,
		Subject:          s.Subject,
		Methodology:      models.Methodology(s.Methodology),
		MaxSources:       s.MaxSources,
		QualityThreshold: s.QualityThreshold,
		BudgetCeiling:    s.BudgetCeiling,
		ExecutionMode:    models.ExecutionMode(s.ExecutionMode),
		CustomStages:     s.CustomStages,
	}
	if s.TimeCeiling != "" {
		d, err := time.ParseDuration(s.TimeCeiling)
		if err != nil {
			return req, fmt.Errorf("invalid time_ceiling %q: %w", s.TimeCeiling, err)
		}
		req.TimeCeiling = d
	}
	return req, nil
}

type clarificationRequest struct {
	StageID string `json:"stage_id"`
	Answer  string `json:"answer"`
}

type statusResponse struct {
	WorkflowID           string                `json:"workflow_id"`
	Status               models.RunStatus      `json:"status"`
	Methodology          models.Methodology    `json:"methodology"`
	CurrentStage         int                   `json:"current_stage"`
	StagesCompleted      int                   `json:"stages_completed"`
	AccumulatedCost      float64               `json:"accumulated_cost"`
	Elapsed              string                `json:"elapsed"`
	FailureKind          models.ErrorKind      `json:"failure_kind,omitempty"`
	FailureReason        string                `json:"failure_reason,omitempty"`
	PendingClarification *models.Clarification `json:"pending_clarification,omitempty"`
	ReportReady          bool                  `json:"report_ready"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

func newStatusResponse(run *models.WorkflowRun) statusResponse {
	return statusResponse{
		WorkflowID:           run.ID,
		Status:               run.Status,
		Methodology:          run.Request.Methodology,
		CurrentStage:         run.CurrentStage,
		StagesCompleted:      len(run.StageResults),
		AccumulatedCost:      run.AccumulatedCost,
		Elapsed:              run.AccumulatedElapsed.String(),
		FailureKind:          run.FailureKind,
		FailureReason:        run.FailureReason,
		PendingClarification: run.PendingClarification,
		ReportReady:          run.Report != nil,
		CreatedAt:            run.CreatedAt,
		UpdatedAt:            run.UpdatedAt,
	}
}
