package models

import (
	"encoding/json"
	"fmt"
	"time"
)

var allowedTransitions = map[RunStatus][]RunStatus{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to RunStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NewWorkflowRun creates a pending run for req.
func NewWorkflowRun(id string, req ResearchRequest, now time.Time) *WorkflowRun {
	return &WorkflowRun{
		ID:        id,
		Request:   req,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the run to status `to`. Terminal states never change.
func (r *WorkflowRun) Transition(to RunStatus, now time.Time) error {
	if r.Status == to {
		return nil
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// Fail transitions to failed and records the reason.
func (r *WorkflowRun) Fail(kind ErrorKind, reason string, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusFailed)
	}
	if err := r.Transition(StatusFailed, now); err != nil {
		return err
	}
	r.FailureKind = kind
	r.FailureReason = reason
	r.PendingClarification = nil
	return nil
}

// AppendStage appends a stage result. Results are never rewritten. Calls
// carried for the same stage are folded in, so the stage history accounts
// for every charge.
func (r *WorkflowRun) AppendStage(res StageResult, now time.Time) {
	if c := r.Charged; c != nil && c.Stage == res.Stage {
		res.Calls = append(append([]ProviderCall(nil), c.Calls...), res.Calls...)
		res.Cost += c.Cost
		res.Attempts += len(c.Calls)
		if !c.StartedAt.IsZero() && (res.StartedAt.IsZero() || c.StartedAt.Before(res.StartedAt)) {
			res.StartedAt = c.StartedAt
		}
		r.Charged = nil
	}
	r.StageResults = append(r.StageResults, res)
	r.UpdatedAt = now
}

// CarryCharged keeps calls made for stage until its result is appended.
// cost is the committed part of the calls.
func (r *WorkflowRun) CarryCharged(stage string, started time.Time, calls []ProviderCall, cost float64) {
	if len(calls) == 0 && cost == 0 {
		return
	}
	if r.Charged == nil {
		r.Charged = &ChargedStage{Stage: stage, StartedAt: started}
	}
	r.Charged.Calls = append(r.Charged.Calls, calls...)
	r.Charged.Cost += cost
}

// Clone returns a deep copy suitable for handing out as a snapshot.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		cp := *r
		return &cp
	}
	var out WorkflowRun
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *r
		return &cp
	}
	return &out
}
