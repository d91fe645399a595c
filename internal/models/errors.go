package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the provider, budget, agent and
// aggregation layers.
type ErrorKind string

const (
	KindProviderUnavailable ErrorKind = "ProviderUnavailable"
	KindProviderRateLimited ErrorKind = "ProviderRateLimited"
	KindProviderTimeout     ErrorKind = "ProviderTimeout"
	KindProviderAuthError   ErrorKind = "ProviderAuthError"
	KindBudgetExceeded      ErrorKind = "BudgetExceeded"
	KindTimeExceeded        ErrorKind = "TimeExceeded"
	KindAgentTimeout        ErrorKind = "AgentTimeout"
	KindAgentOutputInvalid  ErrorKind = "AgentOutputInvalid"
	KindInsufficientData    ErrorKind = "InsufficientData"
	KindCancelled           ErrorKind = "Cancelled"
	KindPolicyDenied        ErrorKind = "PolicyDenied"
	KindInternal            ErrorKind = "Internal"
)

// Base error types
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderAuth        = errors.New("provider authentication failed")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrTimeExceeded        = errors.New("time ceiling exceeded")
	ErrAgentTimeout        = errors.New("agent timeout")
	ErrAgentOutputInvalid  = errors.New("agent output invalid")
	ErrInsufficientData    = errors.New("insufficient data")
	ErrCancelled           = errors.New("workflow cancelled")
	ErrPolicyDenied        = errors.New("request denied by policy")

	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotAwaiting       = errors.New("workflow is not awaiting clarification for this stage")
)

var kindSentinels = map[ErrorKind]error{
	KindProviderUnavailable: ErrProviderUnavailable,
	KindProviderRateLimited: ErrProviderRateLimited,
	KindProviderTimeout:     ErrProviderTimeout,
	KindProviderAuthError:   ErrProviderAuth,
	KindBudgetExceeded:      ErrBudgetExceeded,
	KindTimeExceeded:        ErrTimeExceeded,
	KindAgentTimeout:        ErrAgentTimeout,
	KindAgentOutputInvalid:  ErrAgentOutputInvalid,
	KindInsufficientData:    ErrInsufficientData,
	KindCancelled:           ErrCancelled,
	KindPolicyDenied:        ErrPolicyDenied,
}

// kindOrder is the precedence KindOf uses when an error wraps more than
// one sentinel: run-level limits first, then agent and provider kinds.
var kindOrder = []ErrorKind{
	KindCancelled,
	KindPolicyDenied,
	KindBudgetExceeded,
	KindTimeExceeded,
	KindAgentTimeout,
	KindAgentOutputInvalid,
	KindInsufficientData,
	KindProviderAuthError,
	KindProviderRateLimited,
	KindProviderTimeout,
	KindProviderUnavailable,
}

// Sentinel returns the base error for a kind, or nil when the kind has none.
func (k ErrorKind) Sentinel() error {
	return kindSentinels[k]
}

// Retryable reports whether the orchestrator may retry an idempotent call
// that failed with this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindProviderRateLimited || k == KindProviderTimeout
}

// StageError carries the taxonomy kind together with where it happened.
type StageError struct {
	Kind     ErrorKind
	Stage    string
	Provider string
	Cause    error
}

// NewStageError builds a StageError; a nil cause falls back to the kind's sentinel.
func NewStageError(kind ErrorKind, stage, provider string, cause error) *StageError {
	if cause == nil {
		cause = kind.Sentinel()
	}
	return &StageError{Kind: kind, Stage: stage, Provider: provider, Cause: cause}
}

func (e *StageError) Error() string {
	switch {
	case e.Stage != "" && e.Provider != "":
		return fmt.Sprintf("%s in stage %s (provider %s): %v", e.Kind, e.Stage, e.Provider, e.Cause)
	case e.Stage != "":
		return fmt.Sprintf("%s in stage %s: %v", e.Kind, e.Stage, e.Cause)
	case e.Provider != "":
		return fmt.Sprintf("%s (provider %s): %v", e.Kind, e.Provider, e.Cause)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// Is matches the kind's sentinel so callers can use errors.Is(err, ErrBudgetExceeded).
func (e *StageError) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && s == target
}

// KindOf extracts the taxonomy kind from err. Unclassified errors map to
// KindInternal; nil maps to the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	for _, kind := range kindOrder {
		if errors.Is(err, kindSentinels[kind]) {
			return kind
		}
	}
	return KindInternal
}
