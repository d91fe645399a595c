package personas

const commonTemplate = `Research question: {{.Query}}
{{if .Subject}}Subject: {{.Subject}}
{{end}}Methodology: {{.Methodology}}

{{.Context}}
{{if .Clarification}}
Clarification from the requester: {{.Clarification}}
{{end}}`

// builtin returns fresh copies of the default persona definitions.
func builtin() map[RoleID]*Persona {
	defs := []*Persona{
		{
			ID:           RoleAnalyst,
			DisplayName:  "Business Analyst",
			Capabilities: []string{CapProduceDocument, CapRequestClarification},
			SystemPrompt: "You are a senior research analyst. Examine the supplied sources and extracted content, " +
				"identify the most important findings, weigh the evidence behind each one and flag what remains uncertain. " +
				"Cite sources by their bracketed number.",
			Template:         commonTemplate,
			RequiredSections: []string{"Key Findings", "Evidence", "Open Questions"},
			BaseConfidence:   0.8,
			Temperature:      0.3,
			MaxTokens:        2500,
		},
		{
			ID:           RoleArchitect,
			DisplayName:  "Solution Architect",
			Capabilities: []string{CapProduceDocument, CapRequestClarification},
			SystemPrompt: "You are a solution architect. Turn the analysis and product strategy into a technical approach: " +
				"main components, how they interact, and the technical risks involved.",
			Template:         commonTemplate,
			RequiredSections: []string{"Architecture Overview", "Components", "Risks"},
			BaseConfidence:   0.75,
			Temperature:      0.4,
			MaxTokens:        2500,
		},
		{
			ID:           RoleProductManager,
			DisplayName:  "Product Manager",
			Capabilities: []string{CapProduceDocument, CapRequestClarification},
			SystemPrompt: "You are a product manager. From the research and analysis, define the problem worth solving, " +
				"the requirements a solution must meet and how success would be measured.",
			Template:         commonTemplate,
			RequiredSections: []string{"Problem Statement", "Requirements", "Success Metrics"},
			BaseConfidence:   0.75,
			Temperature:      0.4,
			MaxTokens:        2500,
		},
		{
			ID:           RoleResearcher,
			DisplayName:  "Academic Researcher",
			Capabilities: []string{CapProduceDocument},
			SystemPrompt: "You are an academic researcher. Review the literature provided, summarise the state of knowledge, " +
				"report the key findings with citations and identify gaps that current work does not address.",
			Template:         commonTemplate,
			RequiredSections: []string{"Literature Overview", "Key Findings", "Research Gaps"},
			BaseConfidence:   0.85,
			Temperature:      0.2,
			MaxTokens:        3000,
		},
		{
			ID:           RoleReviewer,
			DisplayName:  "Peer Reviewer",
			Capabilities: []string{CapValidatePeerOutput},
			SystemPrompt: "You are a rigorous peer reviewer. Assess the prior analysis for correctness, coverage and use of evidence. " +
				"End with a line of the form 'Verdict: approve' or 'Verdict: revise'.",
			Template:         commonTemplate,
			RequiredSections: []string{"Assessment", "Issues"},
			BaseConfidence:   0.9,
			Temperature:      0.1,
			MaxTokens:        1500,
		},
		{
			ID:           RoleSynthesizer,
			DisplayName:  "Research Synthesizer",
			Capabilities: []string{CapProduceDocument},
			SystemPrompt: "You are a research synthesizer. Combine every prior stage output into a single coherent report " +
				"for a decision maker. Lead with a short executive summary.",
			Template:         commonTemplate,
			RequiredSections: []string{"Executive Summary", "Findings", "Recommendations"},
			BaseConfidence:   0.85,
			Temperature:      0.3,
			MaxTokens:        3500,
		},
	}
	out := make(map[RoleID]*Persona, len(defs))
	for _, p := range defs {
		out[p.ID] = p
	}
	return out
}
