package models

import (
	"time"
)

// Methodology selects the ordered stage plan a run executes.
type Methodology string

const (
	MethodologyHybrid   Methodology = "hybrid"
	MethodologyAcademic Methodology = "academic"
	MethodologyBusiness Methodology = "business"
	MethodologyCustom   Methodology = "custom"
)

// Valid reports whether m is one of the known methodologies.
func (m Methodology) Valid() bool {
	switch m {
	case MethodologyHybrid, MethodologyAcademic, MethodologyBusiness, MethodologyCustom:
		return true
	}
	return false
}

// ExecutionMode controls whether agent stages may suspend for clarification.
type ExecutionMode string

const (
	ModeInteractive ExecutionMode = "interactive"
	ModeAutonomous  ExecutionMode = "autonomous"
)

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// StageKind distinguishes provider-backed from persona-backed stages.
type StageKind string

const (
	StageKindProvider StageKind = "provider"
	StageKindAgent    StageKind = "agent"
)

// Capability is the provider contract type.
type Capability string

const (
	CapabilitySearch            Capability = "search"
	CapabilityContentExtraction Capability = "content_extraction"
	CapabilitySemanticMatch     Capability = "semantic_match"
	CapabilityCompletion        Capability = "completion"
)

// CustomStage selects one catalog stage for a custom methodology.
type CustomStage struct {
	Name      string  `json:"name" validate:"required"`
	Mandatory bool    `json:"mandatory"`
	Weight    float64 `json:"weight,omitempty" validate:"gte=0"`
}

// ResearchRequest is the immutable input of a workflow.
type ResearchRequest struct {
	Query            string        `json:"query" validate:"required,max=4000"`
	Methodology      Methodology   `json:"methodology" validate:"required,oneof=hybrid academic business custom"`
	MaxSources       int           `json:"max_sources" validate:"gt=0,lte=200"`
	QualityThreshold float64       `json:"quality_threshold" validate:"gte=0,lte=1"`
	BudgetCeiling    float64       `json:"budget_ceiling" validate:"gte=0"`
	TimeCeiling      time.Duration `json:"time_ceiling" validate:"gte=0"`
	ExecutionMode    ExecutionMode `json:"execution_mode,omitempty" validate:"omitempty,oneof=interactive autonomous"`
	CustomStages     []CustomStage `json:"custom_stages,omitempty" validate:"required_if=Methodology custom,dive"`
	Subject          string        `json:"subject,omitempty"`
}

// Source is one discovered document reference.
type Source struct {
	URL       string  `json:"url"`
	Title     string  `json:"title,omitempty"`
	Snippet   string  `json:"snippet,omitempty"`
	Provider  string  `json:"provider,omitempty"`
	Relevance float64 `json:"relevance"`
	// Rank is the provider-assigned position, 1-based.
	Rank int `json:"rank,omitempty"`
}

// Document is extracted page content.
type Document struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// SemanticScore ties a relevance score to a candidate URL.
type SemanticScore struct {
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

// Artifact is the output of a stage. Provider stages fill the structured
// slices; agent stages fill Text and Sections.
type Artifact struct {
	Sources   []Source          `json:"sources,omitempty"`
	Documents []Document        `json:"documents,omitempty"`
	Scores    []SemanticScore   `json:"scores,omitempty"`
	Text      string            `json:"text,omitempty"`
	Sections  map[string]string `json:"sections,omitempty"`
	Persona   string            `json:"persona,omitempty"`
	Verdict   string            `json:"verdict,omitempty"`
}

// ProviderRequest is the provider-neutral request payload.
type ProviderRequest struct {
	Capability   Capability        `json:"capability"`
	Query        string            `json:"query,omitempty"`
	URLs         []string          `json:"urls,omitempty"`
	Documents    []string          `json:"documents,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Prompt       string            `json:"prompt,omitempty"`
	Model        string            `json:"model,omitempty"`
	Temperature  float64           `json:"temperature,omitempty"`
	MaxTokens    int               `json:"max_tokens,omitempty"`
	MaxResults   int               `json:"max_results,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}

// ProviderResponse is the provider-neutral structured output.
type ProviderResponse struct {
	Sources      []Source        `json:"sources,omitempty"`
	Documents    []Document      `json:"documents,omitempty"`
	Scores       []SemanticScore `json:"scores,omitempty"`
	Text         string          `json:"text,omitempty"`
	Model        string          `json:"model,omitempty"`
	InputTokens  int             `json:"input_tokens,omitempty"`
	OutputTokens int             `json:"output_tokens,omitempty"`
}

// ProviderCall records one request/response exchange with a provider.
type ProviderCall struct {
	ID         string            `json:"id"`
	ProviderID string            `json:"provider_id"`
	Capability Capability        `json:"capability"`
	Input      ProviderRequest   `json:"input"`
	Output     *ProviderResponse `json:"output,omitempty"`
	ErrorKind  ErrorKind         `json:"error_kind,omitempty"`
	Error      string            `json:"error,omitempty"`
	Latency    time.Duration     `json:"latency"`
	Cost       float64           `json:"cost"`
	Attempt    int               `json:"attempt"`
	StartedAt  time.Time         `json:"started_at"`
}

// StageResult is the immutable outcome of one stage.
type StageResult struct {
	Stage      string         `json:"stage"`
	Kind       StageKind      `json:"kind"`
	Mandatory  bool           `json:"mandatory"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	Output     *Artifact      `json:"output,omitempty"`
	Confidence float64        `json:"confidence"`
	Cost       float64        `json:"cost"`
	Attempts   int            `json:"attempts"`
	Calls      []ProviderCall `json:"calls,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	Skipped    bool           `json:"skipped,omitempty"`
}

// Succeeded reports whether the stage produced a usable result.
func (r StageResult) Succeeded() bool {
	return r.Error == "" && !r.Skipped && r.Output != nil
}

// Clarification is a pending question raised by an interactive stage.
type Clarification struct {
	StageID     string    `json:"stage_id"`
	Question    string    `json:"question"`
	RequestedAt time.Time `json:"requested_at"`
}

// AgentTask is the unit of work for the agent engine.
type AgentTask struct {
	RoleID        string         `json:"role_id"`
	StageID       string         `json:"stage_id"`
	Input         map[string]any `json:"input"`
	Prior         []Artifact     `json:"prior,omitempty"`
	Mode          ExecutionMode  `json:"mode"`
	Clarification string         `json:"clarification,omitempty"`
}

// RankedSource is one entry of the final report's source list.
type RankedSource struct {
	URL         string  `json:"url"`
	Title       string  `json:"title,omitempty"`
	SourceType  string  `json:"source_type"`
	Provider    string  `json:"provider,omitempty"`
	Credibility float64 `json:"credibility"`
}

// StageScore is a per-stage confidence entry in the report.
type StageScore struct {
	Stage      string  `json:"stage"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
}

// AggregatedReport is the final artifact of a successful run.
type AggregatedReport struct {
	WorkflowID        string         `json:"workflow_id"`
	Methodology       Methodology    `json:"methodology"`
	ExecutiveSummary  string         `json:"executive_summary"`
	Sources           []RankedSource `json:"sources"`
	OverallConfidence float64        `json:"overall_confidence"`
	QualityGatePassed bool           `json:"quality_gate_passed"`
	TotalCost         float64        `json:"total_cost"`
	TotalDuration     time.Duration  `json:"total_duration"`
	StageScores       []StageScore   `json:"stage_scores"`
}

// ChargedStage holds calls already billed for the current stage while its
// StageResult does not exist yet: the stage suspended for clarification or
// was interrupted by shutdown. Cost counts committed charges only.
type ChargedStage struct {
	Stage     string         `json:"stage"`
	StartedAt time.Time      `json:"started_at"`
	Calls     []ProviderCall `json:"calls"`
	Cost      float64        `json:"cost"`
}

// WorkflowRun is the mutable execution record of a request.
type WorkflowRun struct {
	ID                   string            `json:"id"`
	Request              ResearchRequest   `json:"request"`
	Status               RunStatus         `json:"status"`
	CurrentStage         int               `json:"current_stage"`
	AccumulatedCost      float64           `json:"accumulated_cost"`
	AccumulatedElapsed   time.Duration     `json:"accumulated_elapsed"`
	StageResults         []StageResult     `json:"stage_results"`
	FailureKind          ErrorKind         `json:"failure_kind,omitempty"`
	FailureReason        string            `json:"failure_reason,omitempty"`
	PendingClarification *Clarification    `json:"pending_clarification,omitempty"`
	Clarifications       map[string]string `json:"clarifications,omitempty"`
	CancelRequested      bool              `json:"cancel_requested,omitempty"`
	Overrun              float64           `json:"overrun,omitempty"`
	Charged              *ChargedStage     `json:"charged,omitempty"`
	Report               *AggregatedReport `json:"report,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}
