package prompt

import (
	"strings"
	"testing"

	"github.com/dshills/grantflow/internal/retrieval"
	"github.com/dshills/grantflow/internal/schema"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/strategy"
)

func usaid(t *testing.T) strategy.Strategy {
	t.Helper()
	c, err := strategy.LoadBuiltin("usaid")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestBuildArchitect(t *testing.T) {
	text := BuildArchitect(ArchitectOpts{
		Strategy: usaid(t),
		Input: map[string]any{
			"title":   "Clean water for rural schools",
			"contact": "api_key=sk-abc123",
		},
		Evidence: []retrieval.EvidenceHit{{Source: "ads201.pdf", Page: 12, Excerpt: "Development objectives describe results."}},
	})

	checks := []string{
		"grant proposal architect",
		"ONLY valid JSON",
		"## Donor: usaid",
		`"project_goal": string`,
		`"development_objectives": [{"id": "DO-N"`,
		`"intermediate_results": [{"id": "IR-N"`,
		"- title: Clean water for rural schools",
		`<evidence n=1 source="ads201.pdf" page=12>`,
	}
	for _, want := range checks {
		if !strings.Contains(text, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(text, "sk-abc123") {
		t.Error("secret leaked into prompt")
	}
	if strings.Contains(text, "Reviewer Feedback") {
		t.Error("feedback section should be absent without feedback")
	}
}

func TestBuildArchitectFeedback(t *testing.T) {
	text := BuildArchitect(ArchitectOpts{
		Input:     map[string]any{"title": "x"},
		Feedback:  []string{"Add gender-disaggregated results"},
		Iteration: 2,
	})
	if !strings.Contains(text, "## Reviewer Feedback (iteration 2)") {
		t.Error("feedback header missing")
	}
	if !strings.Contains(text, "- Add gender-disaggregated results") {
		t.Error("feedback item missing")
	}
	if !strings.Contains(text, `"objectives": [{"id": string`) {
		t.Error("generic shape missing without strategy")
	}
}

func TestBuildMEL(t *testing.T) {
	text := BuildMEL(MELOpts{
		Strategy: usaid(t),
		Input:    map[string]any{"title": "x"},
		TocDraft: map[string]any{"project_goal": "Improved learning"},
	})
	for _, want := range []string{"monitoring, evaluation and learning", `"indicator_id": "IND-NNN"`, "Improved learning", "## Donor Guidance"} {
		if !strings.Contains(text, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildCritic(t *testing.T) {
	text := BuildCritic(CriticOpts{
		TocDraft:     map[string]any{"goal": "g"},
		RuleFindings: []state.Finding{{Code: "LOGFRAME_PRESENT", Message: "logframe draft is missing"}},
	})
	for _, want := range []string{"senior grant reviewer", "[LOGFRAME_PRESENT] logframe draft is missing", "(none)", "Return at most 20 findings."} {
		if !strings.Contains(text, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildCriticEmptyDrafts(t *testing.T) {
	for _, lf := range []map[string]any{nil, {}} {
		text := BuildCritic(CriticOpts{TocDraft: map[string]any{"goal": "g"}, LogframeDraft: lf})
		if strings.Contains(text, "null") {
			t.Errorf("empty logframe %#v rendered as null:\n%s", lf, text)
		}
		if !strings.Contains(text, "(none)") {
			t.Errorf("empty logframe %#v not rendered as (none)", lf)
		}
	}
}

func TestBuildRepair(t *testing.T) {
	errs := []schema.ValidationError{
		{Path: "findings[0].severity", Message: "must be one of [low medium high], got urgent"},
	}
	text := BuildRepair(`{"broken": true}`, errs)
	if !strings.Contains(text, "findings[0].severity") {
		t.Error("repair prompt missing error path")
	}
	if !strings.Contains(text, `{"broken": true}`) {
		t.Error("repair prompt missing original output")
	}
}
