package critic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/grantflow/internal/llm"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/strategy"
)

func usaid(t *testing.T) strategy.Strategy {
	t.Helper()
	c, err := strategy.LoadBuiltin("usaid")
	require.NoError(t, err)
	return c
}

// groundedState is a complete USAID proposal with strong evidence.
func groundedState(t *testing.T) *state.ProposalState {
	t.Helper()
	s := &state.ProposalState{
		DonorID:       "usaid",
		Strategy:      usaid(t),
		Iteration:     1,
		MaxIterations: 3,
		TocDraft: map[string]any{
			"project_goal": "Improved early-grade reading in Northern Ghana",
			"development_objectives": []any{map[string]any{
				"id":          "DO-1",
				"description": "Teachers apply structured pedagogy",
				"intermediate_results": []any{map[string]any{
					"id":          "IR-1",
					"description": "Teachers trained",
					"outputs":     []any{map[string]any{"id": "OP-1", "description": "Coaching visits delivered"}},
				}},
			}},
		},
		TocValidation: state.Validation{Valid: true},
		LogframeDraft: map[string]any{
			"indicators": []any{map[string]any{
				"indicator_id": "IND-1",
				"result_id":    "OP-1",
				"name":         "Coaching visits completed",
				"baseline":     "0",
				"target":       "120",
			}},
		},
		ArchitectRetrieval: state.RetrievalSummary{Enabled: true, Namespace: "usaid_ads201", HitsCount: 5},
	}
	for i := 0; i < 5; i++ {
		s.Citations = append(s.Citations, state.Citation{
			Stage:              state.StageArchitect,
			CitationType:       state.CitationClaimSupport,
			Namespace:          "usaid_ads201",
			DocID:              fmt.Sprintf("ads-%d", i),
			Source:             "ads201.pdf",
			Page:               i + 1,
			StatementPath:      fmt.Sprintf("toc.claim[%d]", i),
			CitationConfidence: 0.8,
		})
	}
	s.Citations = append(s.Citations, state.Citation{
		Stage:              state.StageMEL,
		CitationType:       state.CitationResult,
		Namespace:          "usaid_ads201",
		DocID:              "ads-9",
		Source:             "ads201.pdf",
		UsedFor:            "IND-1",
		CitationConfidence: 0.7,
	})
	return s
}

func codes(fs []state.Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Code
	}
	return out
}

func TestRulesPassOnCompleteDraft(t *testing.T) {
	checks, findings := EvaluateRules(groundedState(t))
	assert.Empty(t, findings)
	for _, c := range checks {
		assert.Equal(t, state.CheckPass, c.Status, c.Code)
	}
	assert.Equal(t, StartScore, RuleScore(findings))
}

func TestRulesMissingDevelopmentObjectives(t *testing.T) {
	s := groundedState(t)
	delete(s.TocDraft, "development_objectives")
	s.TocValidation = state.Validation{Errors: []string{"development_objectives: required"}}

	_, findings := EvaluateRules(s)
	got := codes(findings)
	assert.Contains(t, got, "USAID_DO_MISSING")
	assert.Contains(t, got, "USAID_IR_MISSING")
	assert.Contains(t, got, "USAID_OUTPUT_MISSING")
	assert.Contains(t, got, CodeTocSchema)
	for _, f := range findings {
		if strings.HasSuffix(f.Code, "_MISSING") {
			assert.Equal(t, state.SeverityHigh, f.Severity)
			assert.Equal(t, state.SourceRules, f.Source)
			assert.Equal(t, state.SectionToC, f.Section)
		}
	}
	assert.Less(t, RuleScore(findings), DefaultThreshold)
}

func TestRulesMissingNarrativeAndDrafts(t *testing.T) {
	s := groundedState(t)
	s.TocDraft["project_goal"] = "  "
	_, findings := EvaluateRules(s)
	assert.Equal(t, []string{"USAID_GOAL_MISSING"}, codes(findings))

	empty := &state.ProposalState{}
	_, findings = EvaluateRules(empty)
	assert.ElementsMatch(t, []string{CodeTocPresent, CodeLogframePresent}, codes(findings))
	assert.Equal(t, StartScore-4, RuleScore(findings))
}

func TestRulesIndicatorChecks(t *testing.T) {
	s := groundedState(t)
	s.LogframeDraft["indicators"] = append(s.LogframeDraft["indicators"].([]any), map[string]any{
		"indicator_id": "IND-2", "result_id": "OP-1", "name": "Reading fluency",
	})
	_, findings := EvaluateRules(s)
	require.Len(t, findings, 2)
	for _, f := range findings {
		assert.Equal(t, state.SeverityMedium, f.Severity)
		assert.Contains(t, f.Message, "IND-2")
	}

	s.LogframeDraft["indicators"] = []any{}
	_, findings = EvaluateRules(s)
	assert.Equal(t, []string{CodeIndicatorsPresent}, codes(findings))
}

func TestRulesClaimCitations(t *testing.T) {
	s := groundedState(t)
	s.Citations = s.CitationsFor(state.StageMEL)
	_, findings := EvaluateRules(s)
	assert.Equal(t, []string{CodeTocCitations}, codes(findings))

	s = groundedState(t)
	s.Citations[0].CitationConfidence = 0.1
	checks, findings := EvaluateRules(s)
	assert.Empty(t, findings, "weak citations only warn")
	for _, c := range checks {
		if c.Code == CodeTocCitations {
			assert.Equal(t, state.CheckWarn, c.Status)
		}
	}
}

func TestRuleScoreBounds(t *testing.T) {
	many := make([]state.Finding, 10)
	for i := range many {
		many[i].Severity = state.SeverityHigh
	}
	assert.Equal(t, 0.0, RuleScore(many))
	assert.Equal(t, 9.25-2-1-0.5, RuleScore([]state.Finding{
		{Severity: state.SeverityHigh}, {Severity: state.SeverityMedium}, {Severity: state.SeverityLow},
	}))
}

func ptr(f float64) *float64 { return &f }

func TestCombine(t *testing.T) {
	tests := []struct {
		name     string
		rule     float64
		llm      *float64
		weak     bool
		advisory bool
		want     float64
		notes    int
	}{
		{"rule only", 7.25, nil, false, false, 7.25, 0},
		{"llm lower", 9.25, ptr(6), false, false, 6, 0},
		{"llm higher", 7.25, ptr(9), false, false, 7.25, 0},
		{"weak grounding caps penalty", 9.25, ptr(5), true, false, 7.75, 1},
		{"weak grounding small penalty", 9.25, ptr(8.5), true, false, 8.5, 0},
		{"weak grounding llm higher", 6.25, ptr(9), true, false, 6.25, 0},
		{"advisory caps penalty", 9.25, ptr(6), false, true, 8.5, 1},
		{"weak then advisory", 9.25, ptr(2), true, true, 8.5, 2},
		{"clamps llm", 9.25, ptr(14), false, false, 9.25, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, notes := Combine(tt.rule, tt.llm, tt.weak, tt.advisory)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.Len(t, notes, tt.notes)
		})
	}
}

func TestCombineBoundsProperty(t *testing.T) {
	for rule := 0.0; rule <= 10; rule += 0.25 {
		for l := 0.0; l <= 10; l += 0.5 {
			for _, weak := range []bool{false, true} {
				for _, adv := range []bool{false, true} {
					got, _ := Combine(rule, ptr(l), weak, adv)
					require.GreaterOrEqual(t, got, 0.0)
					require.LessOrEqual(t, got, 10.0)
					require.LessOrEqual(t, got, rule)
					if weak {
						require.GreaterOrEqual(t, got, rule-1.5-1e-9)
					}
					if adv {
						require.GreaterOrEqual(t, got, rule-0.75-1e-9)
					}
				}
			}
		}
	}
}

func TestEvaluateRuleOnly(t *testing.T) {
	s := groundedState(t)
	r := Evaluate(context.Background(), s, Options{})
	assert.Equal(t, StartScore, r.CombinedScore)
	assert.Nil(t, r.LLMScore)
	assert.False(t, r.NeedsRevision)
	assert.False(t, r.WeakGrounding)
	assert.InDelta(t, 1.0, r.ClaimHitRate, 1e-9)
}

func TestEvaluateAdvisoryCalibration(t *testing.T) {
	s := groundedState(t)
	p := &llm.MockProvider{Response: `{"score": 6.0, "findings": [
		{"section": "TOC", "severity": "Medium", "message": "Consider gender inclusion in outputs", "fix_hint": ""}
	]}`}

	r := Evaluate(context.Background(), s, Options{Provider: p, UseLLM: true})
	require.NotNil(t, r.LLMScore)
	assert.True(t, r.AdvisoryApplied)
	assert.InDelta(t, 8.5, r.CombinedScore, 1e-9)
	assert.False(t, r.NeedsRevision)
	require.Len(t, r.Findings, 1)

	f := r.Findings[0]
	assert.Equal(t, state.SeverityLow, f.Severity)
	assert.Equal(t, state.SourceLLM, f.Source)
	assert.Equal(t, state.SectionToC, f.Section)
	assert.Equal(t, []string{"cross_cutting_gap"}, f.Labels)
	assert.Equal(t, "LLM_CROSS_CUTTING_GAP", f.Code)
	assert.Empty(t, f.VersionID)
	assert.Equal(t, FindingID(f), f.ID, "id recomputed after downgrade")
}

func TestEvaluateSubstantiveLLMFinding(t *testing.T) {
	s := groundedState(t)
	p := &llm.MockProvider{Response: "```json\n" + `{"score": 6.0, "findings": [
		{"section": "logframe", "severity": "high", "message": "Baseline values are not evidenced"}
	]}` + "\n```"}

	r := Evaluate(context.Background(), s, Options{Provider: p, UseLLM: true})
	assert.False(t, r.AdvisoryApplied)
	assert.InDelta(t, 6.0, r.CombinedScore, 1e-9)
	assert.True(t, r.NeedsRevision)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, state.SeverityHigh, r.Findings[0].Severity)
	assert.Equal(t, "LLM_BASELINE_TARGET_GAP", r.Findings[0].Code)

	s.Iteration = 3
	r = Evaluate(context.Background(), s, Options{Provider: p, UseLLM: true})
	assert.False(t, r.NeedsRevision, "iteration budget exhausted")
}

func TestEvaluateWeakGroundingCapsPenalty(t *testing.T) {
	s := groundedState(t)
	s.Citations = nil
	s.ArchitectRetrieval = state.RetrievalSummary{Enabled: true, Namespace: "usaid_ads201"}
	p := &llm.MockProvider{Response: `{"score": 2.0, "findings": []}`}

	r := Evaluate(context.Background(), s, Options{Provider: p, UseLLM: true})
	assert.True(t, r.WeakGrounding)
	assert.False(t, r.AdvisoryApplied)
	// TOC_CLAIM_CITATIONS and INDICATOR_CITATIONS are medium failures.
	assert.InDelta(t, 7.25, r.RuleScore, 1e-9)
	assert.InDelta(t, 5.75, r.CombinedScore, 1e-9)
	assert.NotEmpty(t, r.Calibration)
}

func TestEvaluateRepairsInvalidOutput(t *testing.T) {
	s := groundedState(t)
	p := &llm.ScriptedProvider{Responses: []string{
		`{"score": 7, "findings": [{"severity": "urgent", "message": "x"}]}`,
		`{"score": 7, "findings": [{"severity": "medium", "message": "Causal pathway from IR-1 to DO-1 is unclear"}]}`,
	}}

	r := Evaluate(context.Background(), s, Options{Provider: p, UseLLM: true})
	require.Empty(t, r.LLMError)
	require.NotNil(t, r.LLMScore)
	assert.InDelta(t, 7.0, *r.LLMScore, 1e-9)
	prompts := p.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "findings[0].severity")
	require.Len(t, r.Findings, 1)
	assert.Equal(t, []string{"vague_objective", "weak_causal_link"}, r.Findings[0].Labels)
	assert.Equal(t, state.SectionGeneral, r.Findings[0].Section)
}

func TestEvaluateLLMFailureDegradesToRules(t *testing.T) {
	s := groundedState(t)
	for _, p := range []llm.Provider{
		&llm.MockProvider{Err: errors.New("connection refused")},
		&llm.ScriptedProvider{Responses: []string{"not json", "still not json"}},
	} {
		r := Evaluate(context.Background(), s, Options{Provider: p, UseLLM: true})
		assert.NotEmpty(t, r.LLMError, p.Name())
		assert.Nil(t, r.LLMScore)
		assert.Equal(t, StartScore, r.CombinedScore)
	}
}

func TestEvaluateTruncatesLLMFindings(t *testing.T) {
	s := groundedState(t)
	p := &llm.MockProvider{Response: `{"score": 8, "findings": [
		{"severity": "low", "message": "wording a"},
		{"severity": "low", "message": "wording b"},
		{"severity": "low", "message": "wording c"}
	]}`}
	pol := DefaultPolicy()
	pol.MaxLLMFindings = 2

	r := Evaluate(context.Background(), s, Options{Provider: p, UseLLM: true, Policy: pol})
	assert.Len(t, r.Findings, 2)
}

func TestFindingStatusSurvivesRecompute(t *testing.T) {
	s := groundedState(t)
	s.LogframeDraft["indicators"] = []any{map[string]any{"indicator_id": "IND-1", "name": "n"}}
	s.DraftVersions = []state.DraftVersion{{VersionID: "logframe_v1", Sequence: 1, Section: state.SectionLogframe}}

	Apply(s, Evaluate(context.Background(), s, Options{}))
	require.Len(t, s.CriticNotes.Findings, 1)
	first := s.CriticNotes.Findings[0]
	assert.Equal(t, "logframe_v1", first.VersionID)
	require.Len(t, s.CriticFeedbackHistory, 1)
	assert.Contains(t, s.CriticFeedbackHistory[0], "["+CodeBaselineTarget+"]")

	got, err := SetFindingStatus(s, first.ID, state.StatusAcknowledged)
	require.NoError(t, err)
	assert.Equal(t, state.StatusAcknowledged, got.Status)

	r := Evaluate(context.Background(), s, Options{})
	require.Len(t, r.Findings, 1)
	assert.Equal(t, first.ID, r.Findings[0].ID)
	assert.Equal(t, state.StatusAcknowledged, r.Findings[0].Status)
	assert.Equal(t, 0, r.Counts.Open)

	Apply(s, r)
	assert.Len(t, s.CriticFeedbackHistory, 1, "no feedback line without open findings")
	assert.Empty(t, OpenFeedback(s, 0))

	// A new version of the section yields a new finding identity.
	s.DraftVersions = append(s.DraftVersions, state.DraftVersion{VersionID: "logframe_v2", Sequence: 2, Section: state.SectionLogframe})
	r = Evaluate(context.Background(), s, Options{})
	assert.NotEqual(t, first.ID, r.Findings[0].ID)
	assert.Equal(t, state.StatusOpen, r.Findings[0].Status)
}

func TestSetFindingStatusErrors(t *testing.T) {
	s := groundedState(t)
	_, err := SetFindingStatus(s, "F-missing", state.StatusResolved)
	assert.ErrorIs(t, err, ErrUnknownFinding)
	_, err = SetFindingStatus(s, "F-missing", "closed")
	assert.Error(t, err)
}

func TestApplyMirrorsScore(t *testing.T) {
	s := &state.ProposalState{Iteration: 1}
	Apply(s, Evaluate(context.Background(), s, Options{}))
	score, ok := s.Score()
	require.True(t, ok)
	assert.InDelta(t, 5.25, score, 1e-9)
	assert.Equal(t, *s.CriticScore, *s.QualityScore)
	assert.True(t, s.NeedsRevision)
	assert.NotNil(t, s.CriticNotes.Checks)
	assert.Len(t, OpenFeedback(s, 1), 1)
}

func TestClassify(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, []string{Unclassified}, p.Classify("looks fine"))
	assert.Equal(t, []string{"baseline_target_gap", "cross_cutting_gap"}, p.Classify("No BASELINE for gender results"))
	assert.True(t, p.IsAdvisory([]string{"cross_cutting_gap", "wording"}))
	assert.False(t, p.IsAdvisory([]string{"cross_cutting_gap", "evidence_gap"}))
	assert.False(t, p.IsAdvisory(nil))
}

func TestParsePolicyErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "labels: ["},
		{"no labels", "advisory_labels: [wording]"},
		{"unnamed label", "labels:\n  - phrases: [x]"},
		{"unknown advisory", "advisory_labels: [tone]\nlabels:\n  - label: wording\n    phrases: [typo]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}

	p, err := ParsePolicy([]byte("labels:\n  - label: wording\n    phrases: [' Typo ']"))
	require.NoError(t, err)
	assert.Equal(t, 0.8, p.MinClaimHitRate)
	assert.Equal(t, 20, p.MaxLLMFindings)
	assert.Equal(t, []string{"wording"}, p.Classify("a typo here"))
}
