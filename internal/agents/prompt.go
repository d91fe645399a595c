package agents

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/samber/lo"
)

const (
	// ClarificationMarker starts the line a persona uses to ask a question.
	ClarificationMarker = "NEEDS_CLARIFICATION:"

	maxContextSources   = 20
	maxContextDocuments = 5
	maxDocumentChars    = 2000
)

var (
	headingRe = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*\s*$`)
	verdictRe = regexp.MustCompile(`(?im)^[*_\s]*verdict[*_]*\s*:\s*[*_]*\s*(approve|revise)\b`)
)

// buildContext renders prior stage artifacts into the prompt context block.
func buildContext(prior []models.Artifact) string {
	var (
		b       strings.Builder
		sources []models.Source
		docs    []models.Document
	)
	for _, a := range prior {
		sources = append(sources, a.Sources...)
		docs = append(docs, a.Documents...)
	}
	sources = lo.UniqBy(sources, func(s models.Source) string { return s.URL })

	if len(sources) > 0 {
		b.WriteString("Sources:\n")
		for i, s := range lo.Slice(sources, 0, maxContextSources) {
			fmt.Fprintf(&b, "[%d] %s - %s\n", i+1, titleOr(s.Title, s.URL), s.URL)
			if s.Snippet != "" {
				fmt.Fprintf(&b, "    %s\n", s.Snippet)
			}
		}
		b.WriteString("\n")
	}
	if len(docs) > 0 {
		b.WriteString("Extracted content:\n")
		for _, d := range lo.Slice(docs, 0, maxContextDocuments) {
			fmt.Fprintf(&b, "--- %s (%s)\n%s\n", titleOr(d.Title, d.URL), d.URL, truncate(d.Content, maxDocumentChars))
		}
		b.WriteString("\n")
	}
	for _, a := range prior {
		if a.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "Output of the %s:\n%s\n\n", lo.Ternary(a.Persona != "", a.Persona, "previous stage"), a.Text)
	}
	return strings.TrimSpace(b.String())
}

func titleOr(title, fallback string) string {
	if title != "" {
		return title
	}
	return fallback
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func sectionInstructions(sections []string) string {
	if len(sections) == 0 {
		return ""
	}
	lines := lo.Map(sections, func(s string, _ int) string { return "## " + s })
	return "Structure the answer as markdown with exactly these section headings:\n" + strings.Join(lines, "\n")
}

func stricterInstructions(missing []string) string {
	return fmt.Sprintf("Your previous answer was rejected because it lacked these required sections: %s. "+
		"Answer again and include every required heading verbatim as a markdown '## ' heading, each followed by content.",
		strings.Join(missing, ", "))
}

// extractClarification returns the question on the first marker line and
// the text with every marker line removed.
func extractClarification(text string) (question string, stripped string) {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(trimmed), ClarificationMarker) {
			if question == "" {
				question = strings.TrimSpace(trimmed[len(ClarificationMarker):])
			}
			continue
		}
		kept = append(kept, line)
	}
	return question, strings.TrimSpace(strings.Join(kept, "\n"))
}

// ParseSections splits markdown into heading -> body.
func ParseSections(text string) map[string]string {
	sections := make(map[string]string)
	var (
		current string
		body    []string
		seen    bool
	)
	flush := func() {
		if seen {
			if _, dup := sections[current]; !dup {
				sections[current] = strings.TrimSpace(strings.Join(body, "\n"))
			}
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if m := headingRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			current = strings.TrimRight(strings.Trim(m[1], "*_ "), ":")
			body = body[:0]
			seen = true
			continue
		}
		if seen {
			body = append(body, line)
		}
	}
	flush()
	return sections
}

// findSection looks a heading up case-insensitively.
func findSection(sections map[string]string, name string) (string, bool) {
	if v, ok := sections[name]; ok {
		return v, true
	}
	for k, v := range sections {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// checkSections returns the missing required sections and the fraction of
// required sections that carry content.
func checkSections(sections map[string]string, required []string) (missing []string, coverage float64) {
	if len(required) == 0 {
		return nil, 1
	}
	filled := 0
	for _, name := range required {
		body, ok := findSection(sections, name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		if body != "" {
			filled++
		}
	}
	return missing, float64(filled) / float64(len(required))
}

func parseVerdict(text string) string {
	m := verdictRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
