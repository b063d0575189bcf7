// Package render produces Markdown output from critic, grounding and
// version results.
package render

import (
	"fmt"
	"strings"

	"github.com/dshills/grantflow/internal/critic"
	"github.com/dshills/grantflow/internal/grounding"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/version"
)

// Markdown renders a critic report as a quality summary. The grounding
// section reuses r.Grounding.
func Markdown(r *critic.Report) string {
	var b strings.Builder

	// Summary
	b.WriteString("# Proposal Quality Review\n\n")
	fmt.Fprintf(&b, "**Score:** %.2f / 10 (threshold %.2f)\n", r.CombinedScore, r.Threshold)
	fmt.Fprintf(&b, "**Rule score:** %.2f\n", r.RuleScore)
	if r.LLMScore != nil {
		fmt.Fprintf(&b, "**LLM score:** %.2f\n", *r.LLMScore)
	}
	if r.LLMError != "" {
		fmt.Fprintf(&b, "**LLM review skipped:** %s\n", r.LLMError)
	}
	fmt.Fprintf(&b, "**Needs revision:** %s\n", yesNo(r.NeedsRevision))
	fmt.Fprintf(&b, "**Findings:** %d high, %d medium, %d low (%d open)\n\n",
		r.Counts.High, r.Counts.Medium, r.Counts.Low, r.Counts.Open)

	// Findings by severity
	sections := []struct {
		title string
		sev   state.Severity
	}{
		{"High Severity", state.SeverityHigh},
		{"Medium Severity", state.SeverityMedium},
		{"Low Severity", state.SeverityLow},
	}
	for _, sec := range sections {
		fs := filterFindings(r.Findings, sec.sev)
		if len(fs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", sec.title)
		for _, f := range fs {
			renderFinding(&b, f)
		}
	}
	if len(r.Findings) == 0 {
		b.WriteString("No findings.\n\n")
	}

	if len(r.Calibration) > 0 {
		b.WriteString("## Calibration\n\n")
		for _, n := range r.Calibration {
			fmt.Fprintf(&b, "- %s\n", n)
		}
		b.WriteString("\n")
	}

	writeGrounding(&b, r.Grounding)

	// Rule checks
	if len(r.Checks) > 0 {
		b.WriteString("## Rule Checks\n\n")
		b.WriteString("| Code | Section | Status | Message |\n|---|---|---|---|\n")
		for _, c := range r.Checks {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", c.Code, c.Section, c.Status, escapeCell(c.Message))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// Preflight renders a standalone grounding gate report.
func Preflight(g grounding.Report) string {
	var b strings.Builder
	b.WriteString("# Grounding Preflight\n\n")
	fmt.Fprintf(&b, "**Mode:** %s\n", g.Mode)
	fmt.Fprintf(&b, "**Passed:** %s\n", yesNo(g.Passed))
	fmt.Fprintf(&b, "**Blocking:** %s\n\n", yesNo(g.Blocking))
	writeGrounding(&b, g)
	return b.String()
}

// Diff renders a version comparison as a fenced diff block.
func Diff(d *version.DiffResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s: %s → %s\n\n", d.Section, d.FromID, d.ToID)
	if !d.HasChanges() {
		b.WriteString("No changes.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "+%d / -%d lines\n\n", d.Added, d.Removed)
	b.WriteString("```diff\n")
	b.WriteString(strings.TrimRight(d.Unified, "\n"))
	b.WriteString("\n```\n")
	return b.String()
}

func writeGrounding(b *strings.Builder, g grounding.Report) {
	b.WriteString("## Grounding\n\n")
	fmt.Fprintf(b, "**Severity:** %s\n", g.Severity)
	st := g.Stats
	fmt.Fprintf(b, "**Citations:** %d (%d complete, %d partial, %d missing)\n",
		st.Total, st.Complete, st.Partial, st.Missing)
	if st.RetrievalEnabled {
		fmt.Fprintf(b, "**Architect retrieval hits:** %d\n", st.RetrievalHits)
	}
	if !st.Calibrated {
		b.WriteString("Ratios not computed: too few citations.\n")
	}
	b.WriteString("\n")
	for _, r := range g.Reasons {
		if r.Ratio > 0 {
			fmt.Fprintf(b, "- **%s** (%.0f%%): %s\n", r.Code, r.Ratio*100, r.Message)
		} else {
			fmt.Fprintf(b, "- **%s**: %s\n", r.Code, r.Message)
		}
	}
	if len(g.Reasons) > 0 {
		b.WriteString("\n")
	}
}

func filterFindings(fs []state.Finding, sev state.Severity) []state.Finding {
	var result []state.Finding
	for _, f := range fs {
		if f.Severity == sev {
			result = append(result, f)
		}
	}
	return result
}

func renderFinding(b *strings.Builder, f state.Finding) {
	fmt.Fprintf(b, "### %s [%s / %s]\n\n", f.Code, f.Section, f.Status)
	fmt.Fprintf(b, "%s\n\n", f.Message)
	if f.FixHint != "" {
		fmt.Fprintf(b, "**Fix:** %s\n\n", f.FixHint)
	}
	meta := []string{"id " + f.ID, "source " + string(f.Source)}
	if f.VersionID != "" {
		meta = append(meta, "version "+f.VersionID)
	}
	if len(f.Labels) > 0 {
		meta = append(meta, "labels "+strings.Join(f.Labels, ", "))
	}
	fmt.Fprintf(b, "_%s_\n\n", strings.Join(meta, "; "))
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
