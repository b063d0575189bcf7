// Package critic scores proposal drafts. Structural rule checks always run;
// an optional LLM review is calibrated against retrieval grounding before
// the two scores are combined.
package critic

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/grantflow/internal/citation"
	"github.com/dshills/grantflow/internal/grounding"
	"github.com/dshills/grantflow/internal/llm"
	"github.com/dshills/grantflow/internal/state"
)

// Options configures an evaluation. A nil Provider or UseLLM=false runs
// the rule critic only.
type Options struct {
	Provider  llm.Provider
	UseLLM    bool
	Settings  llm.Settings
	Policy    *Policy
	Threshold float64
	Grounding grounding.Options
}

// Report is the result of one critic pass.
type Report struct {
	RuleScore       float64           `json:"rule_score"`
	LLMScore        *float64          `json:"llm_score,omitempty"`
	CombinedScore   float64           `json:"combined_score"`
	Threshold       float64           `json:"threshold"`
	NeedsRevision   bool              `json:"needs_revision"`
	Checks          []state.RuleCheck `json:"rule_checks"`
	Findings        []state.Finding   `json:"findings"`
	Counts          Counts            `json:"counts"`
	Calibration     []string          `json:"calibration,omitempty"`
	WeakGrounding   bool              `json:"weak_grounding"`
	AdvisoryApplied bool              `json:"advisory_applied"`
	ClaimHitRate    float64           `json:"claim_hit_rate"`
	LLMError        string            `json:"llm_error,omitempty"`
	Grounding       grounding.Report  `json:"grounding"`
}

// Evaluate scores s without modifying it. LLM failures degrade to the rule
// score and are reported in LLMError.
func Evaluate(ctx context.Context, s *state.ProposalState, opts Options) *Report {
	policy := opts.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	checks, ruleFindings := EvaluateRules(s)
	r := &Report{
		RuleScore: RuleScore(ruleFindings),
		Threshold: threshold,
		Checks:    checks,
		Grounding: grounding.Evaluate(s, grounding.ModeWarn, opts.Grounding),
	}
	r.WeakGrounding = r.Grounding.Weak()

	hitRate, weakArchitect := architectGrounding(s)
	r.ClaimHitRate = hitRate

	var llmFindings []state.Finding
	if opts.UseLLM && opts.Provider != nil {
		res, err := reviewWithLLM(ctx, opts.Provider, opts.Settings, s, ruleFindings, policy)
		if err != nil {
			r.LLMError = err.Error()
		} else {
			score := res.score
			r.LLMScore = &score
			llmFindings = res.findings
		}
	}

	advisory := r.LLMScore != nil &&
		len(llmFindings) > 0 &&
		allAdvisory(policy, llmFindings) &&
		failures(checks) == 0 &&
		hitRate >= policy.MinClaimHitRate &&
		weakArchitect == 0
	if advisory {
		for i := range llmFindings {
			llmFindings[i].Severity = state.SeverityLow
			llmFindings[i].ID = FindingID(llmFindings[i])
		}
		r.AdvisoryApplied = true
	}
	r.CombinedScore, r.Calibration = Combine(r.RuleScore, r.LLMScore, r.WeakGrounding, advisory)

	findings := append(append([]state.Finding(nil), ruleFindings...), llmFindings...)
	SortFindings(findings)
	r.Findings = MergeFindings(s.CriticNotes.Findings, findings)
	r.Counts = CountFindings(r.Findings)

	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = state.DefaultMaxIterations
	}
	r.NeedsRevision = r.CombinedScore < threshold && s.Iteration < maxIter
	return r
}

// Apply writes the report onto s: critic notes, both score fields, the
// revision flag and a feedback history entry when findings remain open.
func Apply(s *state.ProposalState, r *Report) {
	s.CriticNotes = state.CriticNotes{
		RuleScore:     r.RuleScore,
		LLMScore:      r.LLMScore,
		CombinedScore: r.CombinedScore,
		Threshold:     r.Threshold,
		Checks:        r.Checks,
		Findings:      MergeFindings(s.CriticNotes.Findings, r.Findings),
		Calibration:   r.Calibration,
		WeakGrounding: r.WeakGrounding,
		LLMError:      r.LLMError,
	}
	if s.CriticNotes.Checks == nil {
		s.CriticNotes.Checks = []state.RuleCheck{}
	}
	s.SetScore(r.CombinedScore)
	s.NeedsRevision = r.NeedsRevision
	if line := feedbackLine(s.Iteration, r); line != "" {
		s.CriticFeedbackHistory = append(s.CriticFeedbackHistory, line)
	}
}

// OpenFeedback returns the messages of open findings, most severe first.
func OpenFeedback(s *state.ProposalState, limit int) []string {
	var out []string
	for _, f := range s.CriticNotes.Findings {
		if f.Status != state.StatusOpen {
			continue
		}
		msg := f.Message
		if f.FixHint != "" {
			msg += " (" + f.FixHint + ")"
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func feedbackLine(iteration int, r *Report) string {
	var open []string
	for _, f := range r.Findings {
		if f.Status == state.StatusOpen {
			open = append(open, fmt.Sprintf("[%s] %s", f.Code, f.Message))
		}
	}
	if len(open) == 0 {
		return ""
	}
	if len(open) > 3 {
		open = append(open[:3], fmt.Sprintf("and %d more", len(open)-3))
	}
	return fmt.Sprintf("iteration %d: score %.2f; %s", iteration, r.CombinedScore, strings.Join(open, "; "))
}

// architectGrounding returns the claim-support share of architect citations
// and the count of weak (low confidence or fallback) architect citations.
func architectGrounding(s *state.ProposalState) (float64, int) {
	cs := s.CitationsFor(state.StageArchitect)
	if len(cs) == 0 {
		return 0, 0
	}
	claims, weak := 0, 0
	for _, c := range cs {
		if c.CitationType == state.CitationClaimSupport {
			claims++
		}
		if citation.IsWeak(c) {
			weak++
		}
	}
	return float64(claims) / float64(len(cs)), weak
}

func allAdvisory(p *Policy, fs []state.Finding) bool {
	for _, f := range fs {
		if !p.IsAdvisory(f.Labels) {
			return false
		}
	}
	return true
}

func failures(checks []state.RuleCheck) int {
	n := 0
	for _, c := range checks {
		if c.Status == state.CheckFail {
			n++
		}
	}
	return n
}
