package schema

import (
	"testing"
)

var usaidRules = map[string]any{
	"project_goal":           "required",
	"development_objectives": "required,min=1",
	"critical_assumptions":   "omitempty",
}

func hasPath(errs []ValidationError, path string) bool {
	for _, e := range errs {
		if e.Path == path {
			return true
		}
	}
	return false
}

func TestValidateDraftValid(t *testing.T) {
	draft := map[string]any{
		"project_goal":           "Improve maternal health outcomes",
		"development_objectives": []any{map[string]any{"id": "DO1"}},
	}
	if errs := ValidateDraft(draft, usaidRules); len(errs) > 0 {
		for _, e := range errs {
			t.Errorf("unexpected error: %s", e)
		}
	}
}

func TestValidateDraftMissingFields(t *testing.T) {
	errs := ValidateDraft(map[string]any{}, usaidRules)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
	// sorted by path
	if errs[0].Path != "development_objectives" || errs[1].Path != "project_goal" {
		t.Errorf("unexpected order: %v", errs)
	}
	if errs[1].Message != "required" {
		t.Errorf("message = %q, want required", errs[1].Message)
	}
}

func TestValidateDraftEmptyList(t *testing.T) {
	draft := map[string]any{"project_goal": "g", "development_objectives": []any{}}
	errs := ValidateDraft(draft, usaidRules)
	if !hasPath(errs, "development_objectives") {
		t.Fatalf("expected min error, got %v", errs)
	}
	if errs[0].Message != "must have at least 1" {
		t.Errorf("message = %q", errs[0].Message)
	}
}

func TestValidateDraftNilDraft(t *testing.T) {
	if errs := ValidateDraft(nil, usaidRules); len(errs) != 2 {
		t.Errorf("expected 2 errors for nil draft, got %v", errs)
	}
	if errs := ValidateDraft(nil, nil); errs != nil {
		t.Errorf("no rules should yield no errors, got %v", errs)
	}
}

func TestValidateDraftNested(t *testing.T) {
	rules := map[string]any{
		"results_framework": map[string]any{"goal": "required"},
	}
	errs := ValidateDraft(map[string]any{"results_framework": map[string]any{}}, rules)
	if !hasPath(errs, "results_framework.goal") {
		t.Errorf("expected nested path, got %v", errs)
	}

	errs = ValidateDraft(map[string]any{"results_framework": "flat"}, rules)
	if !hasPath(errs, "results_framework") {
		t.Errorf("expected error for non-object, got %v", errs)
	}
}

func TestValidateLogframe(t *testing.T) {
	lf := map[string]any{
		"indicators": []any{
			map[string]any{"indicator_id": "IND-1", "name": "Coverage", "result_id": "DO1"},
			map[string]any{"indicator_id": "IND-2"},
			"junk",
		},
	}
	errs := ValidateLogframe(lf)
	for _, want := range []string{"indicators[1].name", "indicators[1].result_id", "indicators[2]"} {
		if !hasPath(errs, want) {
			t.Errorf("expected error at %s, got %v", want, errs)
		}
	}
	if hasPath(errs, "indicators[0].name") {
		t.Error("valid indicator should not produce errors")
	}

	if errs := ValidateLogframe(map[string]any{}); !hasPath(errs, "indicators") {
		t.Error("expected missing indicators error")
	}
	if errs := ValidateLogframe(map[string]any{"indicators": "x"}); !hasPath(errs, "indicators") {
		t.Error("expected list error")
	}
}

type sampleFinding struct {
	Message  string `json:"message" validate:"required"`
	Severity string `json:"severity" validate:"oneof=low medium high"`
}

type sampleReview struct {
	Score    float64         `json:"score" validate:"gte=0,lte=10"`
	Findings []sampleFinding `json:"findings" validate:"dive"`
}

func TestValidateStruct(t *testing.T) {
	ok := sampleReview{Score: 7, Findings: []sampleFinding{{Message: "m", Severity: "low"}}}
	if errs := ValidateStruct(ok); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}

	bad := sampleReview{Score: 11, Findings: []sampleFinding{{Severity: "urgent"}}}
	errs := ValidateStruct(bad)
	for _, want := range []string{"score", "findings[0].message", "findings[0].severity"} {
		if !hasPath(errs, want) {
			t.Errorf("expected error at %s, got %v", want, errs)
		}
	}
}

func TestMessages(t *testing.T) {
	got := Messages([]ValidationError{{"a", "required"}})
	if len(got) != 1 || got[0] != "a: required" {
		t.Errorf("Messages = %v", got)
	}
}
