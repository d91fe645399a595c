package health

import (
	"context"
	"time"
)

// CheckStatus represents the result of a health check
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s CheckStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CheckResult contains the result of a health check
type CheckResult struct {
	Status    CheckStatus    `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	Critical  bool           `json:"critical"` // failure marks the service unhealthy
}

// Checker is one dependency probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	IsCritical() bool
	Timeout() time.Duration
}

// Report is the aggregate answer for /health.
type Report struct {
	Status     CheckStatus            `json:"status"`
	Ready      bool                   `json:"ready"`
	Timestamp  time.Time              `json:"timestamp"`
	Duration   time.Duration          `json:"duration"`
	Components map[string]CheckResult `json:"components"`
}
