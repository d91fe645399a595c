package workflows

import (
	"context"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// Progress is a read-only projection of a run for dashboards and clients.
type Progress struct {
	WorkflowID      string             `json:"workflow_id"`
	Status          models.RunStatus   `json:"status"`
	Methodology     models.Methodology `json:"methodology"`
	StagesTotal     int                `json:"stages_total"`
	StagesCompleted int                `json:"stages_completed"`
	Percent         float64            `json:"percent"`
	CurrentStage    string             `json:"current_stage,omitempty"`
	Cost            float64            `json:"cost"`
	BudgetCeiling   float64            `json:"budget_ceiling"`
	BudgetRemaining float64            `json:"budget_remaining"`
	BudgetPressure  string             `json:"budget_pressure"`
	Elapsed         time.Duration      `json:"elapsed"`
	TimeCeiling     time.Duration      `json:"time_ceiling"`
	Stages          []StageProgress    `json:"stages"`
	Question        string             `json:"question,omitempty"`
	FailureKind     models.ErrorKind   `json:"failure_kind,omitempty"`
}

// StageProgress summarizes one finished stage.
type StageProgress struct {
	Stage      string           `json:"stage"`
	Succeeded  bool             `json:"succeeded"`
	Skipped    bool             `json:"skipped,omitempty"`
	Confidence float64          `json:"confidence"`
	Cost       float64          `json:"cost"`
	ErrorKind  models.ErrorKind `json:"error_kind,omitempty"`
}

// Progress reports how far a run has come. Elapsed includes the stage in
// flight but never time spent suspended.
func (o *Orchestrator) Progress(ctx context.Context, id string) (*Progress, error) {
	var (
		run  *models.WorkflowRun
		plan []StageSpec
		live time.Duration
	)
	if e, ok := o.lookup(id); ok {
		e.mu.Lock()
		run = e.run.Clone()
		plan = e.plan
		if !e.mark.IsZero() {
			live = o.now().Sub(e.mark)
		}
		e.mu.Unlock()
	} else {
		var err error
		if run, err = o.store.Load(ctx, id); err != nil {
			return nil, err
		}
		plan, _ = PlanFor(run.Request)
	}

	cost := run.AccumulatedCost
	if u, ok := o.budget.Usage(id); ok {
		cost = u.Spent
	}
	p := &Progress{
		WorkflowID:      run.ID,
		Status:          run.Status,
		Methodology:     run.Request.Methodology,
		StagesTotal:     len(plan),
		StagesCompleted: len(run.StageResults),
		Cost:            cost,
		BudgetCeiling:   run.Request.BudgetCeiling,
		BudgetPressure:  budget.PressureLevel(cost, run.Request.BudgetCeiling),
		Elapsed:         run.AccumulatedElapsed + live,
		TimeCeiling:     run.Request.TimeCeiling,
		FailureKind:     run.FailureKind,
	}
	p.BudgetRemaining = max(0, p.BudgetCeiling-cost)
	if p.StagesTotal > 0 {
		p.Percent = float64(p.StagesCompleted) / float64(p.StagesTotal) * 100
	}
	if !run.Status.Terminal() && run.CurrentStage < len(plan) {
		p.CurrentStage = plan[run.CurrentStage].ID
	}
	if run.PendingClarification != nil {
		p.Question = run.PendingClarification.Question
	}
	for _, r := range run.StageResults {
		p.Stages = append(p.Stages, StageProgress{
			Stage:      r.Stage,
			Succeeded:  r.Succeeded(),
			Skipped:    r.Skipped,
			Confidence: r.Confidence,
			Cost:       r.Cost,
			ErrorKind:  r.ErrorKind,
		})
	}
	return p, nil
}
