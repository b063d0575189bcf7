package critic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/grantflow/internal/citation"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/strategy"
)

// Rule check codes that do not come from a donor catalog.
const (
	CodeTocPresent        = "TOC_DRAFT_PRESENT"
	CodeTocSchema         = "TOC_SCHEMA_VALID"
	CodeTocCitations      = "TOC_CLAIM_CITATIONS"
	CodeLogframePresent   = "LOGFRAME_PRESENT"
	CodeIndicatorsPresent = "LOGFRAME_INDICATORS_PRESENT"
	CodeBaselineTarget    = "INDICATOR_BASELINE_TARGET"
	CodeIndicatorCitation = "INDICATOR_CITATIONS"
)

var fixHints = map[string]string{
	CodeTocPresent:        "Regenerate the theory of change from the project brief.",
	CodeTocSchema:         "Correct the fields listed in the validation errors.",
	CodeTocCitations:      "Ground objectives in retrieved donor guidance and cite the supporting excerpts.",
	CodeLogframePresent:   "Run the MEL stage to produce a logframe.",
	CodeIndicatorsPresent: "Define at least one indicator for each lowest-level result.",
	CodeBaselineTarget:    "Provide a baseline and a target for every indicator.",
	CodeIndicatorCitation: "Attach a source or means of verification to every indicator.",
}

type checker struct {
	checks   []state.RuleCheck
	findings []state.Finding
	s        *state.ProposalState
}

func (c *checker) record(code string, section state.Section, sev state.Severity, status state.CheckStatus, msg, hint string) {
	c.checks = append(c.checks, state.RuleCheck{Code: code, Status: status, Section: section, Severity: sev, Message: msg})
	if status != state.CheckFail {
		return
	}
	if hint == "" {
		hint = fixHints[code]
	}
	f := state.Finding{
		Code:     code,
		Severity: sev,
		Section:  section,
		Status:   state.StatusOpen,
		Message:  msg,
		FixHint:  hint,
		Source:   state.SourceRules,
	}
	if v, ok := c.s.LatestVersion(section); ok {
		f.VersionID = v.VersionID
	}
	f.ID = FindingID(f)
	c.findings = append(c.findings, f)
}

func (c *checker) pass(code string, section state.Section, sev state.Severity, msg string) {
	c.record(code, section, sev, state.CheckPass, msg, "")
}

// EvaluateRules runs the structural checks. Donor hierarchy and narrative
// checks need s.Strategy; without it only the generic checks run.
func EvaluateRules(s *state.ProposalState) ([]state.RuleCheck, []state.Finding) {
	c := &checker{s: s}
	var sch strategy.Schema
	if s.Strategy != nil {
		sch = s.Strategy.Schema()
	}

	if len(s.TocDraft) == 0 {
		c.record(CodeTocPresent, state.SectionToC, state.SeverityHigh, state.CheckFail, "theory of change draft is missing", "")
	} else {
		c.pass(CodeTocPresent, state.SectionToC, state.SeverityHigh, "theory of change draft present")
		checkTocSchema(c, s)
		checkNarratives(c, s.TocDraft, sch.NarrativeFields)
		checkHierarchy(c, s.TocDraft, sch.Hierarchy)
		checkClaimCitations(c, s)
	}

	if len(s.LogframeDraft) == 0 {
		c.record(CodeLogframePresent, state.SectionLogframe, state.SeverityHigh, state.CheckFail, "logframe draft is missing", "")
	} else {
		c.pass(CodeLogframePresent, state.SectionLogframe, state.SeverityHigh, "logframe draft present")
		checkIndicators(c, s)
	}

	SortFindings(c.findings)
	return c.checks, c.findings
}

func checkTocSchema(c *checker, s *state.ProposalState) {
	if s.TocValidation.Valid {
		c.pass(CodeTocSchema, state.SectionToC, state.SeverityHigh, "theory of change passes schema validation")
		return
	}
	msg := "theory of change failed schema validation"
	if len(s.TocValidation.Errors) > 0 {
		msg += ": " + strings.Join(s.TocValidation.Errors, "; ")
	}
	c.record(CodeTocSchema, state.SectionToC, state.SeverityHigh, state.CheckFail, msg, "")
}

func checkNarratives(c *checker, draft map[string]any, fields []strategy.Field) {
	for _, f := range fields {
		if text, _ := draft[f.Key].(string); strings.TrimSpace(text) != "" {
			c.pass(f.Code, state.SectionToC, state.SeverityHigh, fmt.Sprintf("%s present", f.Label))
			continue
		}
		c.record(f.Code, state.SectionToC, state.SeverityHigh, state.CheckFail,
			fmt.Sprintf("%s is missing from toc_draft.%s", f.Label, f.Key),
			fmt.Sprintf("Write the %s as a single outcome-focused statement.", strings.ToLower(f.Label)))
	}
}

func checkHierarchy(c *checker, draft map[string]any, levels []strategy.Level) {
	for i, items := range levelItems(draft, levels) {
		lv := levels[i]
		path := levelPath(levels[:i+1])
		if len(items) > 0 {
			c.pass(lv.Code, state.SectionToC, state.SeverityHigh, fmt.Sprintf("%d %s item(s) at %s", len(items), lv.Label, path))
			continue
		}
		c.record(lv.Code, state.SectionToC, state.SeverityHigh, state.CheckFail,
			fmt.Sprintf("no %s found at %s", lv.Label, path),
			fmt.Sprintf("Add at least one %s under each parent result.", lv.Label))
	}
}

func checkClaimCitations(c *checker, s *state.ProposalState) {
	architect := s.CitationsFor(state.StageArchitect)
	claims, weak := 0, 0
	for _, ct := range architect {
		if ct.CitationType == state.CitationClaimSupport {
			claims++
		}
		if citation.IsWeak(ct) {
			weak++
		}
	}
	switch {
	case claims == 0:
		c.record(CodeTocCitations, state.SectionToC, state.SeverityMedium, state.CheckFail,
			"no claim-level citations support the theory of change", "")
	case weak > 0:
		c.record(CodeTocCitations, state.SectionToC, state.SeverityMedium, state.CheckWarn,
			fmt.Sprintf("%d claim citation(s), %d weak or fallback", claims, weak), "")
	default:
		c.pass(CodeTocCitations, state.SectionToC, state.SeverityMedium,
			fmt.Sprintf("%d claim citation(s)", claims))
	}
}

func checkIndicators(c *checker, s *state.ProposalState) {
	indicators := asObjects(s.LogframeDraft["indicators"])
	if len(indicators) == 0 {
		c.record(CodeIndicatorsPresent, state.SectionLogframe, state.SeverityHigh, state.CheckFail,
			"logframe has no indicators", "")
		return
	}
	c.pass(CodeIndicatorsPresent, state.SectionLogframe, state.SeverityHigh,
		fmt.Sprintf("%d indicator(s)", len(indicators)))

	cited := make(map[string]bool)
	for _, ct := range s.CitationsFor(state.StageMEL) {
		if ct.UsedFor != "" {
			cited[ct.UsedFor] = true
		}
		if ct.StatementPath != "" {
			cited[ct.StatementPath] = true
		}
	}

	var noBaseline, noCitation []string
	for i, ind := range indicators {
		id := text(ind["indicator_id"])
		if id == "" {
			id = fmt.Sprintf("#%d", i+1)
		}
		if text(ind["baseline"]) == "" || text(ind["target"]) == "" {
			noBaseline = append(noBaseline, id)
		}
		if !cited[text(ind["indicator_id"])] && !cited[fmt.Sprintf("logframe.indicators[%d]", i)] {
			noCitation = append(noCitation, id)
		}
	}

	if len(noBaseline) > 0 {
		c.record(CodeBaselineTarget, state.SectionLogframe, state.SeverityMedium, state.CheckFail,
			"indicators missing baseline or target: "+strings.Join(noBaseline, ", "), "")
	} else {
		c.pass(CodeBaselineTarget, state.SectionLogframe, state.SeverityMedium, "every indicator has a baseline and target")
	}
	if len(noCitation) > 0 {
		c.record(CodeIndicatorCitation, state.SectionLogframe, state.SeverityMedium, state.CheckFail,
			"indicators without citations: "+strings.Join(noCitation, ", "), "")
	} else {
		c.pass(CodeIndicatorCitation, state.SectionLogframe, state.SeverityMedium, "every indicator is cited")
	}
}

// levelItems returns the items found at each hierarchy depth. Items of
// level i+1 are read from the Key of each level i item.
func levelItems(draft map[string]any, levels []strategy.Level) [][]map[string]any {
	out := make([][]map[string]any, len(levels))
	parents := []map[string]any{draft}
	for i, lv := range levels {
		var items []map[string]any
		for _, p := range parents {
			items = append(items, asObjects(p[lv.Key])...)
		}
		out[i] = items
		parents = items
	}
	return out
}

// LeafItems returns the items of the deepest hierarchy level.
func LeafItems(draft map[string]any, levels []strategy.Level) []map[string]any {
	if len(levels) == 0 {
		return nil
	}
	all := levelItems(draft, levels)
	return all[len(all)-1]
}

func levelPath(levels []strategy.Level) string {
	keys := make([]string, len(levels))
	for i, lv := range levels {
		keys[i] = lv.Key
	}
	return "toc_draft." + strings.Join(keys, "[].")
}

// asObjects reads a list of objects. Plain strings count as objects with a
// description.
func asObjects(v any) []map[string]any {
	var out []map[string]any
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			switch x := item.(type) {
			case map[string]any:
				out = append(out, x)
			case string:
				if strings.TrimSpace(x) != "" {
					out = append(out, map[string]any{"description": x})
				}
			}
		}
	case []map[string]any:
		out = append(out, list...)
	}
	return out
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	default:
		return fmt.Sprint(x)
	}
}

// SortFindings orders findings by severity (high first), then section, code
// and message.
func SortFindings(fs []state.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Severity != b.Severity {
			return a.Severity.Less(b.Severity)
		}
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
}
