package render

import (
	"strings"
	"testing"

	"github.com/dshills/grantflow/internal/critic"
	"github.com/dshills/grantflow/internal/grounding"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/version"
)

func sampleReport() *critic.Report {
	llmScore := 6.5
	return &critic.Report{
		RuleScore:     7.25,
		LLMScore:      &llmScore,
		CombinedScore: 6.5,
		Threshold:     8,
		NeedsRevision: true,
		Checks: []state.RuleCheck{
			{Code: "USAID_DO_MISSING", Section: state.SectionToC, Status: state.CheckFail, Message: "no Development Objective | found"},
		},
		Findings: []state.Finding{
			{ID: "F-1", Code: "USAID_DO_MISSING", Severity: state.SeverityHigh, Section: state.SectionToC,
				Status: state.StatusOpen, Message: "no Development Objective found", FixHint: "Add one.", Source: state.SourceRules, VersionID: "toc_v2"},
			{ID: "F-2", Code: "INDICATOR_CITATIONS", Severity: state.SeverityMedium, Section: state.SectionLogframe,
				Status: state.StatusAcknowledged, Message: "indicators without citations: IND-1", Source: state.SourceRules},
			{ID: "F-3", Code: "LLM_WORDING", Severity: state.SeverityLow, Section: state.SectionGeneral,
				Status: state.StatusOpen, Message: "Tighten wording", Source: state.SourceLLM, Labels: []string{"wording"}},
		},
		Counts:      critic.Counts{High: 1, Medium: 1, Low: 1, Open: 2},
		Calibration: []string{"weak grounding: llm penalty capped at 1.50 below rule score"},
		Grounding: grounding.Report{
			Mode:     grounding.ModeWarn,
			Severity: grounding.SeverityMedium,
			Reasons:  []grounding.Reason{{Code: grounding.ReasonTraceabilityGap, Message: "gaps", Ratio: 0.6}},
			Stats:    grounding.Stats{Total: 5, Complete: 2, Partial: 3, Calibrated: true},
		},
	}
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sampleReport())

	checks := []string{
		"# Proposal Quality Review",
		"**Score:** 6.50 / 10 (threshold 8.00)",
		"**LLM score:** 6.50",
		"**Needs revision:** yes",
		"**Findings:** 1 high, 1 medium, 1 low (2 open)",
		"## High Severity",
		"### USAID_DO_MISSING [toc / open]",
		"**Fix:** Add one.",
		"version toc_v2",
		"## Medium Severity",
		"[logframe / acknowledged]",
		"## Low Severity",
		"labels wording",
		"## Calibration",
		"**TRACEABILITY_GAPS** (60%)",
		"**Citations:** 5 (2 complete, 3 partial, 0 missing)",
		`no Development Objective \| found`,
	}
	for _, want := range checks {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
}

func TestMarkdownEmpty(t *testing.T) {
	md := Markdown(&critic.Report{CombinedScore: 9.25, Threshold: 8})
	if !strings.Contains(md, "No findings") {
		t.Error("expected 'No findings' for empty report")
	}
	if !strings.Contains(md, "Ratios not computed") {
		t.Error("expected uncalibrated note")
	}
	if strings.Contains(md, "LLM score") {
		t.Error("LLM score shown without one")
	}
}

func TestPreflight(t *testing.T) {
	md := Preflight(grounding.Report{
		Mode: grounding.ModeStrict, Blocking: true, Severity: grounding.SeverityHigh,
		Reasons: []grounding.Reason{{Code: grounding.ReasonNoRetrievalHits, Message: "no evidence"}},
		Stats:   grounding.Stats{RetrievalEnabled: true},
	})
	for _, want := range []string{"**Mode:** strict", "**Passed:** no", "**Blocking:** yes", "**ARCHITECT_RETRIEVAL_NO_HITS**: no evidence", "hits:** 0"} {
		if !strings.Contains(md, want) {
			t.Errorf("preflight missing %q", want)
		}
	}
}

func TestDiff(t *testing.T) {
	md := Diff(&version.DiffResult{Section: state.SectionToC, FromID: "toc_v1", ToID: "toc_v2",
		Unified: "--- toc_v1\n+++ toc_v2\n@@ -1 +1 @@\n-a\n+b\n", Added: 1, Removed: 1})
	if !strings.Contains(md, "```diff\n--- toc_v1") || !strings.Contains(md, "+1 / -1 lines") {
		t.Errorf("unexpected diff render:\n%s", md)
	}
	md = Diff(&version.DiffResult{Section: state.SectionToC, FromID: "toc_v1", ToID: "toc_v1"})
	if !strings.Contains(md, "No changes.") {
		t.Error("expected no-change note")
	}
}
