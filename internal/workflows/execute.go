package workflows

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// stageOutcome is what the run loop applies after a stage. Exactly one of
// result and clarification is set. fatal ends the run with its kind. calls
// and cost are every call the stage made and the part of it committed to
// the budget; they are carried on the run when no result is appended.
type stageOutcome struct {
	result        *models.StageResult
	clarification *models.Clarification
	fatal         error
	calls         []models.ProviderCall
	cost          float64
}

// execute drives one run from its current stage until it is terminal,
// suspended, or interrupted by shutdown.
func (o *Orchestrator) execute(e *entry) {
	ctx := o.ctx

	e.mu.Lock()
	run := e.run
	if run.Status.Terminal() {
		e.active = false
		e.mu.Unlock()
		return
	}
	started := run.Status == models.StatusPending
	if started {
		_ = run.Transition(models.StatusRunning, o.now())
	}
	e.mark = o.now()
	id, plan := run.ID, e.plan
	e.mu.Unlock()

	metrics.WorkflowsActive.Inc()
	defer metrics.WorkflowsActive.Dec()

	if started {
		_ = o.persist(ctx, e)
		o.emit(ctx, id, streaming.EventWorkflowStarted, "", "workflow started", map[string]any{"stages": len(plan)})
	}

	for {
		e.mu.Lock()
		if run.CancelRequested {
			o.closeSegment(e)
			_ = run.Transition(models.StatusCancelled, o.now())
			run.FailureKind = models.KindCancelled
			run.FailureReason = "cancelled by request"
			e.mu.Unlock()
			o.finalize(ctx, e)
			return
		}
		idx := run.CurrentStage
		if idx >= len(plan) {
			e.mu.Unlock()
			break
		}
		stage := plan[idx]
		remaining := run.Request.TimeCeiling - (run.AccumulatedElapsed + o.now().Sub(e.mark))
		snap := run.Clone()
		e.mu.Unlock()

		if remaining <= 0 {
			o.failRun(ctx, e, models.KindTimeExceeded,
				fmt.Sprintf("time ceiling %s reached before stage %s", run.Request.TimeCeiling, stage.ID))
			return
		}

		stageStart := o.now()
		out := o.runStage(ctx, e, snap, stage, remaining)

		if ctx.Err() != nil {
			// Shutdown: leave the run non-terminal for Recover, keeping
			// what the interrupted stage already billed.
			e.mu.Lock()
			o.closeSegment(e)
			run.CarryCharged(stage.ID, stageStart, out.calls, out.cost)
			run.AccumulatedCost = o.budget.Spent(id)
			run.UpdatedAt = o.now()
			e.active = false
			e.mu.Unlock()
			_ = o.persist(context.Background(), e)
			o.logger.Info("Workflow interrupted by shutdown", zap.String("workflow_id", id), zap.String("stage", stage.ID))
			return
		}

		e.mu.Lock()
		o.closeSegment(e)
		e.mark = o.now()
		if out.clarification != nil {
			run.PendingClarification = out.clarification
			run.CarryCharged(stage.ID, stageStart, out.calls, out.cost)
			run.AccumulatedCost = o.budget.Spent(id)
			run.UpdatedAt = o.now()
			e.active = false
			e.mark = time.Time{}
			e.mu.Unlock()
			_ = o.persist(ctx, e)
			metrics.Clarifications.WithLabelValues("requested").Inc()
			o.emit(ctx, id, streaming.EventClarificationRequested, stage.ID, out.clarification.Question, nil)
			o.logger.Info("Workflow suspended for clarification",
				zap.String("workflow_id", id), zap.String("stage", stage.ID))
			return
		}
		res := *out.result
		run.AppendStage(res, o.now())
		run.CurrentStage++
		run.AccumulatedCost = o.budget.Spent(id)
		e.mu.Unlock()

		o.recordStage(ctx, id, stage, res)

		if out.fatal != nil {
			o.failRun(ctx, e, models.KindOf(out.fatal), out.fatal.Error())
			return
		}
		_ = o.persist(ctx, e)
	}

	o.complete(ctx, e)
}

// closeSegment folds the running segment into AccumulatedElapsed. Caller
// holds e.mu.
func (o *Orchestrator) closeSegment(e *entry) {
	if e.mark.IsZero() {
		return
	}
	e.run.AccumulatedElapsed += o.now().Sub(e.mark)
	e.mark = time.Time{}
}

func (o *Orchestrator) failRun(ctx context.Context, e *entry, kind models.ErrorKind, reason string) {
	e.mu.Lock()
	o.closeSegment(e)
	if e.run.CancelRequested && kind == models.KindCancelled {
		_ = e.run.Transition(models.StatusCancelled, o.now())
		e.run.FailureKind = kind
		e.run.FailureReason = reason
	} else {
		_ = e.run.Fail(kind, reason, o.now())
	}
	e.mu.Unlock()
	o.finalize(ctx, e)
}

// complete aggregates a run whose plan is exhausted.
func (o *Orchestrator) complete(ctx context.Context, e *entry) {
	e.mu.Lock()
	o.closeSegment(e)
	e.run.AccumulatedCost = o.budget.Spent(e.run.ID)
	snap := e.run.Clone()
	plan := e.plan
	e.mu.Unlock()

	report, err := o.aggregator.Aggregate(snap, Weights(plan))

	e.mu.Lock()
	if err != nil {
		kind := models.KindOf(err)
		if kind == models.KindInternal {
			kind = models.KindInsufficientData
		}
		_ = e.run.Fail(kind, err.Error(), o.now())
	} else {
		e.run.Report = report
		_ = e.run.Transition(models.StatusSucceeded, o.now())
	}
	e.mu.Unlock()
	o.finalize(ctx, e)
}

func (o *Orchestrator) recordStage(ctx context.Context, id string, stage StageSpec, res models.StageResult) {
	metrics.StageDuration.WithLabelValues(stage.ID, string(stage.Kind)).Observe(res.EndedAt.Sub(res.StartedAt).Seconds())
	data := map[string]any{
		"confidence": res.Confidence,
		"cost":       res.Cost,
		"attempts":   res.Attempts,
	}
	switch {
	case res.Skipped:
		metrics.StageOutcomes.WithLabelValues(stage.ID, "skipped").Inc()
		data["error_kind"] = res.ErrorKind
		o.emit(ctx, id, streaming.EventStageSkipped, stage.ID, res.Error, data)
	case res.Succeeded():
		metrics.StageOutcomes.WithLabelValues(stage.ID, "succeeded").Inc()
		o.emit(ctx, id, streaming.EventStageCompleted, stage.ID, "", data)
	default:
		metrics.StageOutcomes.WithLabelValues(stage.ID, "failed").Inc()
		data["error_kind"] = res.ErrorKind
		o.emit(ctx, id, streaming.EventStageFailed, stage.ID, res.Error, data)
	}
	o.logger.Info("Stage finished",
		zap.String("workflow_id", id),
		zap.String("stage", stage.ID),
		zap.Bool("succeeded", res.Succeeded()),
		zap.Bool("skipped", res.Skipped),
		zap.String("error_kind", string(res.ErrorKind)),
		zap.Float64("confidence", res.Confidence),
		zap.Float64("cost", res.Cost),
	)
}

// runStage executes one stage under the remaining time ceiling.
func (o *Orchestrator) runStage(ctx context.Context, e *entry, snap *models.WorkflowRun, stage StageSpec, remaining time.Duration) stageOutcome {
	sctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	sctx, span := tracing.StartSpan(sctx, "stage."+stage.ID,
		attribute.String("workflow.id", snap.ID),
		attribute.String("stage.kind", string(stage.Kind)),
		attribute.Bool("stage.mandatory", stage.Mandatory),
	)
	o.emit(ctx, snap.ID, streaming.EventStageStarted, stage.ID, "", map[string]any{"index": snap.CurrentStage})

	var out stageOutcome
	if stage.Kind == models.StageKindAgent {
		out = o.runAgentStage(sctx, e, snap, stage)
	} else {
		out = o.runProviderStage(sctx, e, snap, stage)
	}
	tracing.EndSpan(span, out.fatal)
	return out
}

func newResult(stage StageSpec, started time.Time) models.StageResult {
	return models.StageResult{Stage: stage.ID, Kind: stage.Kind, Mandatory: stage.Mandatory, StartedAt: started}
}

// refuse records a budget refusal. Optional stages are skipped; mandatory
// stages end the run.
func (o *Orchestrator) refuse(res models.StageResult, stage StageSpec, estimate float64, snap *models.WorkflowRun) stageOutcome {
	metrics.BudgetRefusals.WithLabelValues(stage.ID, fmt.Sprintf("%t", stage.Mandatory)).Inc()
	res.EndedAt = o.now()
	res.Skipped = true
	res.ErrorKind = models.KindBudgetExceeded
	res.Error = fmt.Sprintf("estimated cost %.4f refused with %.4f spent of %.4f",
		estimate, o.budget.Spent(snap.ID), snap.Request.BudgetCeiling)
	out := stageOutcome{result: &res}
	if stage.Mandatory {
		out.fatal = models.NewStageError(models.KindBudgetExceeded, stage.ID, "", errors.New(res.Error))
	}
	return out
}

// settle finishes a stage result from err. Mandatory failures, time
// ceiling hits and commit overruns end the run; optional failures are
// recorded and the run continues.
func (o *Orchestrator) settle(ctx context.Context, res models.StageResult, stage StageSpec, err, overrun error) stageOutcome {
	res.EndedAt = o.now()
	if err != nil {
		kind := models.KindOf(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && stage.Kind == models.StageKindProvider {
			kind = models.KindTimeExceeded
			err = models.NewStageError(kind, stage.ID, "", err)
		}
		res.ErrorKind = kind
		res.Error = err.Error()
		res.Output = nil
		res.Confidence = 0
	}
	out := stageOutcome{result: &res}
	switch {
	case overrun != nil:
		out.fatal = overrun
	case err == nil:
	case stage.Mandatory, res.ErrorKind == models.KindTimeExceeded, res.ErrorKind == models.KindCancelled:
		out.fatal = models.NewStageError(res.ErrorKind, stage.ID, "", err)
	}
	return out
}

// commitCalls charges every call and returns the committed total. The
// first overrun is returned.
func (o *Orchestrator) commitCalls(ctx context.Context, snap *models.WorkflowRun, stage StageSpec, calls []models.ProviderCall) (float64, error) {
	var total float64
	var overrun error
	for _, call := range calls {
		err := o.budget.Commit(ctx, snap, budget.Charge{
			Key:      call.ID,
			Stage:    stage.ID,
			Provider: call.ProviderID,
			Actual:   call.Cost,
		})
		if err != nil {
			if overrun == nil {
				overrun = err
			}
			continue
		}
		total += call.Cost
	}
	return total, overrun
}

func (o *Orchestrator) cancelRequested(e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.CancelRequested
}

func (o *Orchestrator) runAgentStage(ctx context.Context, e *entry, snap *models.WorkflowRun, stage StageSpec) stageOutcome {
	res := newResult(stage, o.now())
	task := models.AgentTask{
		RoleID:  string(stage.Role),
		StageID: stage.ID,
		Input: map[string]any{
			"query":       snap.Request.Query,
			"subject":     snap.Request.Subject,
			"methodology": string(snap.Request.Methodology),
		},
		Prior:         priorArtifacts(snap.StageResults),
		Mode:          snap.Request.ExecutionMode,
		Clarification: snap.Clarifications[stage.ID],
	}
	if o.agents == nil {
		return o.settle(ctx, res, stage, models.NewStageError(models.KindInternal, stage.ID, "", errors.New("no agent engine configured")), nil)
	}
	estimate, err := o.agents.Estimate(task)
	if err != nil {
		return o.settle(ctx, res, stage, err, nil)
	}
	if !o.budget.Authorize(snap, estimate) {
		return o.refuse(res, stage, estimate, snap)
	}
	defer o.budget.Release(snap, estimate)

	outcome, err := o.agents.Execute(ctx, task)
	var overrun error
	if outcome != nil {
		res.Calls = outcome.Calls
		res.Attempts = len(outcome.Calls)
		res.Cost, overrun = o.commitCalls(ctx, snap, stage, outcome.Calls)
	}
	if err == nil && overrun == nil && outcome != nil && outcome.Clarification != nil {
		return stageOutcome{clarification: outcome.Clarification, calls: res.Calls, cost: res.Cost}
	}
	if err == nil && (outcome == nil || outcome.Result == nil) {
		err = models.NewStageError(models.KindAgentOutputInvalid, stage.ID, "", errors.New("agent returned no result"))
	}
	if err == nil {
		artifact := outcome.Result.Artifact
		res.Output = &artifact
		res.Confidence = outcome.Result.Confidence
	}
	out := o.settle(ctx, res, stage, err, overrun)
	out.calls, out.cost = res.Calls, res.Cost
	return out
}

func priorArtifacts(results []models.StageResult) []models.Artifact {
	var out []models.Artifact
	for _, r := range results {
		if r.Succeeded() {
			out = append(out, *r.Output)
		}
	}
	return out
}

func clampRatio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return math.Min(1, num/den)
}
