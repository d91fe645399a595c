// Package providertest offers scripted providers for exercising the
// orchestrator without network access.
package providertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// Step is one scripted reply. Delay is honoured against the call context.
type Step struct {
	Resp  *models.ProviderResponse
	Err   error
	Delay time.Duration
}

// Scripted replays Steps in order; the last step repeats once exhausted.
// Fn, when set, takes precedence over Steps.
type Scripted struct {
	IDValue string
	Cap     models.Capability
	Steps   []Step
	Fn      func(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error)

	mu       sync.Mutex
	calls    int
	requests []models.ProviderRequest
}

func (s *Scripted) ID() string                    { return s.IDValue }
func (s *Scripted) Capability() models.Capability { return s.Cap }

func (s *Scripted) Call(ctx context.Context, req models.ProviderRequest) (*models.ProviderResponse, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.requests = append(s.requests, req)
	fn := s.Fn
	var step Step
	if len(s.Steps) > 0 {
		if idx >= len(s.Steps) {
			idx = len(s.Steps) - 1
		}
		step = s.Steps[idx]
	}
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Resp == nil {
		return &models.ProviderResponse{}, nil
	}
	cp := *step.Resp
	return &cp, nil
}

// Calls returns how many times Call ran.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns a copy of every request seen.
func (s *Scripted) Requests() []models.ProviderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ProviderRequest(nil), s.requests...)
}

// Err builds a classified provider error.
func Err(kind models.ErrorKind, provider string) error {
	return models.NewStageError(kind, "", provider, errors.New("scripted "+string(kind)))
}
