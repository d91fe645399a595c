package personas

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/samber/lo"
)

// RoleID identifies one persona. The set is closed.
type RoleID string

const (
	RoleAnalyst        RoleID = "analyst"
	RoleArchitect      RoleID = "architect"
	RoleProductManager RoleID = "product-manager"
	RoleResearcher     RoleID = "researcher"
	RoleReviewer       RoleID = "reviewer"
	RoleSynthesizer    RoleID = "synthesizer"
)

// Roles lists every known role in catalog order.
var Roles = []RoleID{RoleAnalyst, RoleArchitect, RoleProductManager, RoleResearcher, RoleReviewer, RoleSynthesizer}

// Valid reports whether r is a known role.
func (r RoleID) Valid() bool {
	return lo.Contains(Roles, r)
}

// Persona capabilities
const (
	CapProduceDocument      = "produce-structured-document"
	CapRequestClarification = "request-clarification"
	CapValidatePeerOutput   = "validate-peer-output"
)

var knownCapabilities = []string{CapProduceDocument, CapRequestClarification, CapValidatePeerOutput}

// Persona is the configuration record behind a role.
type Persona struct {
	ID               RoleID   `yaml:"id" json:"id"`
	DisplayName      string   `yaml:"display_name" json:"display_name"`
	Capabilities     []string `yaml:"capabilities" json:"capabilities"`
	SystemPrompt     string   `yaml:"system_prompt" json:"system_prompt"`
	Template         string   `yaml:"template" json:"template"`
	RequiredSections []string `yaml:"required_sections" json:"required_sections"`
	BaseConfidence   float64  `yaml:"base_confidence" json:"base_confidence"`
	Model            string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature      float64  `yaml:"temperature" json:"temperature"`
	MaxTokens        int      `yaml:"max_tokens" json:"max_tokens"`

	tmpl *template.Template
}

// Can reports whether the persona declares capability c.
func (p *Persona) Can(c string) bool {
	return lo.Contains(p.Capabilities, c)
}

// PromptData is the input of a persona template.
type PromptData struct {
	Query         string
	Subject       string
	Methodology   string
	Context       string
	Clarification string
}

// Render executes the persona template.
func (p *Persona) Render(data PromptData) (string, error) {
	if p.tmpl == nil {
		if err := p.compile(); err != nil {
			return "", err
		}
	}
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render persona %s: %w", p.ID, err)
	}
	return buf.String(), nil
}

func (p *Persona) compile() error {
	t, err := template.New(string(p.ID)).Option("missingkey=error").Parse(p.Template)
	if err != nil {
		return NewConfigError("", string(p.ID), "template", err)
	}
	p.tmpl = t
	return nil
}

func (p *Persona) validate() error {
	if !p.ID.Valid() {
		return NewConfigError("", string(p.ID), "id", fmt.Errorf("%w: unknown role %q", ErrConfigInvalid, p.ID))
	}
	if p.SystemPrompt == "" {
		return NewConfigError("", string(p.ID), "system_prompt", fmt.Errorf("system_prompt is required"))
	}
	if p.BaseConfidence <= 0 || p.BaseConfidence > 1 {
		return NewConfigError("", string(p.ID), "base_confidence", fmt.Errorf("base_confidence must be in (0, 1], got %f", p.BaseConfidence))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return NewConfigError("", string(p.ID), "temperature", fmt.Errorf("temperature must be between 0 and 2, got %f", p.Temperature))
	}
	if p.MaxTokens < 0 {
		return NewConfigError("", string(p.ID), "max_tokens", fmt.Errorf("max_tokens cannot be negative"))
	}
	if unknown, _ := lo.Difference(p.Capabilities, knownCapabilities); len(unknown) > 0 {
		return NewConfigError("", string(p.ID), "capabilities", fmt.Errorf("unknown capabilities %v", unknown))
	}
	return p.compile()
}

func (p *Persona) clone() *Persona {
	cp := *p
	cp.Capabilities = append([]string(nil), p.Capabilities...)
	cp.RequiredSections = append([]string(nil), p.RequiredSections...)
	cp.tmpl = nil
	return &cp
}
