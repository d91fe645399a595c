// Package store persists workflow runs so they survive restarts.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// Store persists WorkflowRuns. Stage results are append-only: an
// implementation may assume results already saved for a run never change.
type Store interface {
	Save(ctx context.Context, run *models.WorkflowRun) error
	// Load returns models.ErrWorkflowNotFound for unknown ids.
	Load(ctx context.Context, id string) (*models.WorkflowRun, error)
	// ListActive returns non-terminal runs ordered by creation time.
	ListActive(ctx context.Context) ([]*models.WorkflowRun, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Memory keeps runs in process. Runs are copied on the way in and out.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*models.WorkflowRun
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*models.WorkflowRun)}
}

func (m *Memory) Save(_ context.Context, run *models.WorkflowRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("save: run id is required")
	}
	cp := run.Clone()
	m.mu.Lock()
	m.runs[run.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context, id string) (*models.WorkflowRun, error) {
	m.mu.RLock()
	run, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	return run.Clone(), nil
}

func (m *Memory) ListActive(_ context.Context) ([]*models.WorkflowRun, error) {
	m.mu.RLock()
	var out []*models.WorkflowRun
	for _, r := range m.runs {
		if !r.Status.Terminal() {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.runs, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

func sortByCreated(runs []*models.WorkflowRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
}
