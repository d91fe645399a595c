package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_TerminalStatesAreStable(t *testing.T) {
	now := time.Now()
	for _, terminal := range []RunStatus{StatusSucceeded, StatusFailed, StatusCancelled} {
		run := NewWorkflowRun("wf-1", ResearchRequest{Query: "q"}, now)
		require.NoError(t, run.Transition(StatusRunning, now))
		require.NoError(t, run.Transition(terminal, now))

		for _, next := range []RunStatus{StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled} {
			if next == terminal {
				continue
			}
			err := run.Transition(next, now)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", terminal, next)
			assert.Equal(t, terminal, run.Status)
		}
	}
}

func TestTransition_PendingCanCancel(t *testing.T) {
	run := NewWorkflowRun("wf-1", ResearchRequest{}, time.Now())
	require.NoError(t, run.Transition(StatusCancelled, time.Now()))
	assert.True(t, run.Status.Terminal())
}

func TestFail_RecordsReasonAndClearsClarification(t *testing.T) {
	now := time.Now()
	run := NewWorkflowRun("wf-1", ResearchRequest{}, now)
	require.NoError(t, run.Transition(StatusRunning, now))
	run.PendingClarification = &Clarification{StageID: "agent-analysis"}

	require.NoError(t, run.Fail(KindBudgetExceeded, "budget ceiling 10.00 reached", now))
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, KindBudgetExceeded, run.FailureKind)
	assert.Nil(t, run.PendingClarification)
}

func TestClone_IsDeep(t *testing.T) {
	now := time.Now().UTC()
	run := NewWorkflowRun("wf-1", ResearchRequest{Query: "q"}, now)
	run.AppendStage(StageResult{Stage: "source-discovery", Output: &Artifact{Sources: []Source{{URL: "https://a"}}}}, now)

	cp := run.Clone()
	cp.StageResults[0].Output.Sources[0].URL = "https://b"
	cp.StageResults = append(cp.StageResults, StageResult{Stage: "x"})

	assert.Equal(t, "https://a", run.StageResults[0].Output.Sources[0].URL)
	assert.Len(t, run.StageResults, 1)
}

func TestKindOf(t *testing.T) {
	se := NewStageError(KindProviderRateLimited, "source-discovery", "tavily", nil)
	wrapped := fmt.Errorf("invoke: %w", se)

	assert.Equal(t, KindProviderRateLimited, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrProviderRateLimited))
	assert.True(t, KindProviderRateLimited.Retryable())
	assert.False(t, KindProviderAuthError.Retryable())
	assert.Equal(t, KindBudgetExceeded, KindOf(fmt.Errorf("x: %w", ErrBudgetExceeded)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestKindOf_MultipleSentinelsUseFixedPrecedence(t *testing.T) {
	err := fmt.Errorf("commit: %w (after %w)", ErrBudgetExceeded, ErrProviderTimeout)
	for range 50 {
		assert.Equal(t, KindBudgetExceeded, KindOf(err))
	}
	assert.Equal(t, KindCancelled, KindOf(errors.Join(ErrProviderUnavailable, ErrCancelled)))
}

func TestAppendStage_FoldsChargedCalls(t *testing.T) {
	start := time.Now()
	run := NewWorkflowRun("wf-1", ResearchRequest{Query: "q"}, start)

	run.CarryCharged("agent-analysis", start, []ProviderCall{{ID: "c1", Cost: 1}}, 1)
	require.NotNil(t, run.Charged)
	assert.InDelta(t, 1.0, run.Charged.Cost, 1e-9)

	later := start.Add(time.Minute)
	run.AppendStage(StageResult{
		Stage: "agent-analysis", StartedAt: later, Cost: 1, Attempts: 1,
		Calls: []ProviderCall{{ID: "c2", Cost: 1}},
	}, later)

	assert.Nil(t, run.Charged)
	require.Len(t, run.StageResults, 1)
	res := run.StageResults[0]
	assert.InDelta(t, 2.0, res.Cost, 1e-9)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"c1", "c2"}, []string{res.Calls[0].ID, res.Calls[1].ID})
	assert.Equal(t, start, res.StartedAt)
}

func TestCarryCharged_CountsOnlyCommittedCost(t *testing.T) {
	now := time.Now()
	run := NewWorkflowRun("wf-1", ResearchRequest{Query: "q"}, now)
	run.CarryCharged("source-discovery", now, nil, 0)
	assert.Nil(t, run.Charged)

	run.CarryCharged("source-discovery", now, []ProviderCall{{ID: "a", Cost: 2}, {ID: "b", Cost: 3}}, 2)
	run.AppendStage(StageResult{Stage: "other"}, now)
	require.NotNil(t, run.Charged, "charges for a different stage stay carried")
	assert.InDelta(t, 2.0, run.Charged.Cost, 1e-9)

	clone := run.Clone()
	require.NotNil(t, clone.Charged)
	assert.Len(t, clone.Charged.Calls, 2)
}
