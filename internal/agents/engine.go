// Package agents runs persona-backed stages against a completion provider.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/personas"
	"github.com/Kocoro-lab/Shannon/go/research/internal/providers"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PersonaSource resolves role ids to persona definitions.
type PersonaSource interface {
	Get(role personas.RoleID) (*personas.Persona, error)
}

// Options configure an Engine.
type Options struct {
	// ProviderID is the completion provider; defaults to openrouter.
	ProviderID string
	// DefaultModel applies when a persona leaves Model empty.
	DefaultModel string
	Logger       *zap.Logger
	Now          func() time.Time
}

// Result is a validated persona output.
type Result struct {
	Artifact   models.Artifact
	Confidence float64
}

// Outcome is either a Result or a Clarification. Calls and Cost cover
// every completion made, and are set even when Execute returns an error.
type Outcome struct {
	Result        *Result
	Clarification *models.Clarification
	Calls         []models.ProviderCall
	Cost          float64
}

// Engine executes AgentTasks for any persona in the catalog.
type Engine struct {
	personas     PersonaSource
	invoker      providers.Invoker
	providerID   string
	defaultModel string
	logger       *zap.Logger
	now          func() time.Time
}

// NewEngine creates an engine.
func NewEngine(src PersonaSource, invoker providers.Invoker, opts Options) *Engine {
	e := &Engine{
		personas:     src,
		invoker:      invoker,
		providerID:   opts.ProviderID,
		defaultModel: opts.DefaultModel,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if e.providerID == "" {
		e.providerID = providers.OpenRouter
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ProviderID returns the completion provider the engine calls.
func (e *Engine) ProviderID() string { return e.providerID }

// Estimate quotes one completion for task.
func (e *Engine) Estimate(task models.AgentTask) (float64, error) {
	p, err := e.personas.Get(personas.RoleID(task.RoleID))
	if err != nil {
		return 0, err
	}
	req, err := e.request(p, task, "")
	if err != nil {
		return 0, err
	}
	return e.invoker.Estimate(e.providerID, req), nil
}

// Execute runs task. Output failing section validation is retried once
// with a stricter prompt before AgentOutputInvalid is returned.
func (e *Engine) Execute(ctx context.Context, task models.AgentTask) (*Outcome, error) {
	out := &Outcome{}
	p, err := e.personas.Get(personas.RoleID(task.RoleID))
	if err != nil {
		return out, models.NewStageError(models.KindInternal, task.StageID, "", err)
	}

	ctx, span := tracing.StartSpan(ctx, "agent."+task.RoleID,
		attribute.String("agent.role", task.RoleID),
		attribute.String("agent.stage", task.StageID),
		attribute.String("agent.mode", string(task.Mode)),
	)
	err = e.execute(ctx, p, task, out)
	tracing.EndSpan(span, err)

	result := "success"
	switch {
	case err != nil:
		result = string(models.KindOf(err))
	case out.Clarification != nil:
		result = "clarification"
	}
	metrics.AgentExecutions.WithLabelValues(task.RoleID, string(task.Mode), result).Inc()
	return out, err
}

func (e *Engine) execute(ctx context.Context, p *personas.Persona, task models.AgentTask, out *Outcome) error {
	canAsk := task.Mode == models.ModeInteractive && p.Can(personas.CapRequestClarification) && task.Clarification == ""

	var missing []string
	for attempt := 1; attempt <= 2; attempt++ {
		extra := ""
		if attempt > 1 {
			extra = stricterInstructions(missing)
		}
		req, err := e.request(p, task, extra)
		if err != nil {
			return models.NewStageError(models.KindInternal, task.StageID, "", err)
		}

		call, err := e.invoker.Invoke(ctx, e.providerID, req)
		if call != nil {
			call.Attempt = attempt
			out.Calls = append(out.Calls, *call)
			out.Cost += call.Cost
		}
		if err != nil {
			return e.classify(ctx, task, err)
		}
		text := ""
		if call.Output != nil {
			text = call.Output.Text
		}

		question, stripped := extractClarification(text)
		if question != "" && canAsk {
			out.Clarification = &models.Clarification{StageID: task.StageID, Question: question, RequestedAt: e.now()}
			metrics.Clarifications.WithLabelValues("requested").Inc()
			e.logger.Info("Agent requested clarification",
				zap.String("role", task.RoleID),
				zap.String("stage", task.StageID),
				zap.String("question", question),
			)
			return nil
		}

		sections := ParseSections(stripped)
		var coverage float64
		missing, coverage = checkSections(sections, p.RequiredSections)
		if len(missing) > 0 {
			e.logger.Warn("Agent output missing required sections",
				zap.String("role", task.RoleID),
				zap.String("stage", task.StageID),
				zap.Int("attempt", attempt),
				zap.Strings("missing", missing),
			)
			continue
		}

		art := models.Artifact{Text: stripped, Sections: sections, Persona: task.RoleID}
		confidence := p.BaseConfidence * coverage
		if p.Can(personas.CapValidatePeerOutput) {
			art.Verdict = parseVerdict(stripped)
			if art.Verdict == "revise" {
				confidence /= 2
			}
		}
		out.Result = &Result{Artifact: art, Confidence: clamp01(confidence)}
		return nil
	}
	return models.NewStageError(models.KindAgentOutputInvalid, task.StageID, e.providerID,
		fmt.Errorf("%w: missing sections %s", models.ErrAgentOutputInvalid, strings.Join(missing, ", ")))
}

// request renders the completion request for p. extra is appended to the
// user prompt.
func (e *Engine) request(p *personas.Persona, task models.AgentTask, extra string) (models.ProviderRequest, error) {
	prompt, err := p.Render(personas.PromptData{
		Query:         inputString(task.Input, "query"),
		Subject:       inputString(task.Input, "subject"),
		Methodology:   inputString(task.Input, "methodology"),
		Context:       buildContext(task.Prior),
		Clarification: task.Clarification,
	})
	if err != nil {
		return models.ProviderRequest{}, err
	}

	parts := []string{strings.TrimSpace(prompt)}
	if s := sectionInstructions(p.RequiredSections); s != "" {
		parts = append(parts, s)
	}
	switch {
	case task.Mode == models.ModeInteractive && p.Can(personas.CapRequestClarification) && task.Clarification == "":
		parts = append(parts, "If information essential to the task is missing, reply with only one line of the form '"+
			ClarificationMarker+" <question>' instead of the document.")
	case task.Mode != models.ModeInteractive:
		parts = append(parts, "Do not ask questions. Where information is missing, state a reasonable default assumption and proceed.")
	}
	if extra != "" {
		parts = append(parts, extra)
	}

	model := p.Model
	if model == "" {
		model = e.defaultModel
	}
	return models.ProviderRequest{
		Capability:   models.CapabilityCompletion,
		SystemPrompt: p.SystemPrompt,
		Prompt:       strings.Join(parts, "\n\n"),
		Model:        model,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	}, nil
}

func (e *Engine) classify(ctx context.Context, task models.AgentTask, err error) error {
	kind := models.KindOf(err)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || kind == models.KindProviderTimeout {
		return models.NewStageError(models.KindAgentTimeout, task.StageID, e.providerID,
			fmt.Errorf("%w: %v", models.ErrAgentTimeout, err))
	}
	var se *models.StageError
	if errors.As(err, &se) && se.Stage == "" {
		se.Stage = task.StageID
	}
	return err
}

func inputString(in map[string]any, key string) string {
	if v, ok := in[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
