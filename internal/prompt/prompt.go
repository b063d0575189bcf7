// Package prompt builds the LLM prompts for the drafting and critic stages.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/grantflow/internal/redact"
	"github.com/dshills/grantflow/internal/retrieval"
	"github.com/dshills/grantflow/internal/schema"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/strategy"
)

// ArchitectOpts configures the theory-of-change drafting prompt.
type ArchitectOpts struct {
	Strategy  strategy.Strategy
	Input     map[string]any
	Evidence  []retrieval.EvidenceHit
	Feedback  []string
	Iteration int
}

// MELOpts configures the indicator drafting prompt.
type MELOpts struct {
	Strategy strategy.Strategy
	Input    map[string]any
	TocDraft map[string]any
	Evidence []retrieval.EvidenceHit
}

// CriticOpts configures the LLM review prompt.
type CriticOpts struct {
	Strategy      strategy.Strategy
	TocDraft      map[string]any
	LogframeDraft map[string]any
	RuleFindings  []state.Finding
	MaxFindings   int
}

// BuildArchitect assembles the theory-of-change drafting prompt.
func BuildArchitect(opts ArchitectOpts) string {
	var b strings.Builder
	b.WriteString(`You are a grant proposal architect. Draft a theory of change for the project below.

You MUST output ONLY valid JSON. No markdown, no prose outside JSON.

`)
	writeStrategy(&b, opts.Strategy, "architect")
	b.WriteString(tocShape(opts.Strategy))
	b.WriteString("\n\n")

	b.WriteString(`## Rules

1. Use only facts from the project brief and the evidence excerpts.
2. Every objective and result needs a short description of the change it produces.
3. Do not invent statistics, budgets or partner names.

`)
	writeInput(&b, opts.Input)
	writeEvidence(&b, opts.Evidence)

	if len(opts.Feedback) > 0 {
		fmt.Fprintf(&b, "## Reviewer Feedback (iteration %d)\n\nAddress each point below in the new draft.\n\n", opts.Iteration)
		for _, f := range opts.Feedback {
			fmt.Fprintf(&b, "- %s\n", redact.Redact(f))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// BuildMEL assembles the indicator drafting prompt.
func BuildMEL(opts MELOpts) string {
	var b strings.Builder
	b.WriteString(`You are a monitoring, evaluation and learning specialist. Propose indicators for the results in the theory of change below.

You MUST output ONLY valid JSON. No markdown, no prose outside JSON.

## Output JSON Schema

{
  "indicators": [{
    "indicator_id": "IND-NNN",
    "result_id": string,
    "name": string,
    "unit": string,
    "baseline": string,
    "target": string,
    "frequency": string,
    "means_of_verification": string
  }]
}

`)
	writeStrategy(&b, opts.Strategy, "mel")
	writeInput(&b, opts.Input)
	b.WriteString("## Theory of Change\n\n")
	b.WriteString(indent(opts.TocDraft))
	b.WriteString("\n\n")
	writeEvidence(&b, opts.Evidence)
	b.WriteString("Give every lowest-level result at least one indicator with a baseline and a target.\n")
	return b.String()
}

// BuildCritic assembles the LLM review prompt.
func BuildCritic(opts CriticOpts) string {
	var b strings.Builder
	b.WriteString(`You are a senior grant reviewer. Critique the draft theory of change and logframe below.

You MUST output ONLY valid JSON. No markdown, no prose outside JSON.

## Output JSON Schema

{
  "score": number (0-10, 10 = ready to submit),
  "findings": [{
    "section": "toc" | "logframe" | "general",
    "severity": "low" | "medium" | "high",
    "message": string,
    "fix_hint": string
  }]
}

`)
	writeStrategy(&b, opts.Strategy, "critic")

	b.WriteString("## Theory of Change\n\n")
	b.WriteString(indent(opts.TocDraft))
	b.WriteString("\n\n## Logframe\n\n")
	b.WriteString(indent(opts.LogframeDraft))
	b.WriteString("\n\n")

	if len(opts.RuleFindings) > 0 {
		b.WriteString("## Structural Findings Already Recorded\n\nDo not repeat these.\n\n")
		for _, f := range opts.RuleFindings {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Code, f.Message)
		}
		b.WriteString("\n")
	}

	maxFindings := opts.MaxFindings
	if maxFindings <= 0 {
		maxFindings = 20
	}
	fmt.Fprintf(&b, "Return at most %d findings.\n", maxFindings)
	return b.String()
}

// BuildRepair constructs a follow-up prompt to fix schema validation errors.
func BuildRepair(originalOutput string, errors []schema.ValidationError) string {
	var b strings.Builder
	b.WriteString("The JSON output you returned has validation errors. Fix ONLY the errors listed below and return the corrected JSON.\n\n")
	b.WriteString("## Validation Errors\n\n")
	for _, e := range errors {
		fmt.Fprintf(&b, "- %s: %s\n", e.Path, e.Message)
	}
	b.WriteString("\n## Original Output\n\n```json\n")
	b.WriteString(originalOutput)
	b.WriteString("\n```\n\nReturn ONLY the corrected JSON. No prose.\n")
	return b.String()
}

func writeStrategy(b *strings.Builder, s strategy.Strategy, role string) {
	if s == nil {
		return
	}
	b.WriteString(strategy.FormatForPrompt(s))
	if text := strings.TrimSpace(s.Prompts()[role]); text != "" {
		fmt.Fprintf(b, "## Donor Guidance\n\n%s\n\n", text)
	}
}

func writeInput(b *strings.Builder, input map[string]any) {
	b.WriteString("## Project Brief\n\n")
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %s\n", k, redact.Redact(flat(input[k])))
	}
	b.WriteString("\n")
}

func writeEvidence(b *strings.Builder, hits []retrieval.EvidenceHit) {
	if len(hits) == 0 {
		return
	}
	b.WriteString("## Evidence Excerpts\n\n")
	for i, h := range hits {
		fmt.Fprintf(b, "<evidence n=%d source=%q page=%d>\n%s\n</evidence>\n", i+1, h.Source, h.Page, h.Excerpt)
	}
	b.WriteString("\n")
}

// tocShape describes the JSON layout the donor hierarchy expects.
func tocShape(s strategy.Strategy) string {
	var b strings.Builder
	b.WriteString("## Output JSON Schema\n\n{\n")
	if s == nil {
		b.WriteString("  \"goal\": string,\n  \"objectives\": [{\"id\": string, \"description\": string}]\n}")
		return b.String()
	}
	sch := s.Schema()
	for _, f := range sch.NarrativeFields {
		fmt.Fprintf(&b, "  %q: string,\n", f.Key)
	}
	b.WriteString(levelShape(sch.Hierarchy, "  "))
	b.WriteString("  \"assumptions\": [string]\n}")
	return b.String()
}

func levelShape(levels []strategy.Level, pad string) string {
	if len(levels) == 0 {
		return ""
	}
	lv := levels[0]
	inner := levelShape(levels[1:], pad+"  ")
	return fmt.Sprintf("%s%q: [{\"id\": \"%s-N\", \"description\": string,\n%s%s}],\n",
		pad, lv.Key, lv.IDPrefix, inner, pad)
}

// indent renders a draft as redacted JSON; an absent or empty draft is
// "(none)".
func indent(m map[string]any) string {
	if len(m) == 0 {
		return "(none)"
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Sprint(m)
	}
	return redact.Redact(string(raw))
}

func flat(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, flat(item))
		}
		return strings.Join(parts, "; ")
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	}
}
