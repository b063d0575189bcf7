package critic

import (
	"fmt"

	"github.com/dshills/grantflow/internal/state"
)

const (
	// StartScore is the rule score of a draft with no flaws.
	StartScore = 9.25
	MaxScore   = 10.0

	// DefaultThreshold is the combined score below which a revision is requested.
	DefaultThreshold = 8.0

	weakGroundingCap = 1.5
	advisoryCap      = 0.75
)

// RuleScore calculates a deterministic score from rule finding severities.
// Starts at 9.25, subtracts 2.0 per high, 1.0 per medium, 0.5 per low,
// clamped to [0, 10].
func RuleScore(findings []state.Finding) float64 {
	score := StartScore
	for _, f := range findings {
		switch f.Severity {
		case state.SeverityHigh:
			score -= 2.0
		case state.SeverityMedium:
			score -= 1.0
		case state.SeverityLow:
			score -= 0.5
		}
	}
	return clamp(score)
}

// Combine merges the rule and LLM scores. With no LLM score the rule score
// stands. Otherwise the lower score wins, except that weak grounding limits
// the LLM penalty to 1.5 below the rule score and advisory-only findings
// limit it further to 0.75. The returned notes name each cap applied.
func Combine(rule float64, llmScore *float64, weakGrounding, advisory bool) (float64, []string) {
	rule = clamp(rule)
	if llmScore == nil {
		return rule, nil
	}
	llm := clamp(*llmScore)

	var notes []string
	combined := min(rule, llm)
	if weakGrounding && llm < rule {
		combined = min(rule, max(llm, rule-weakGroundingCap))
		if combined != llm {
			notes = append(notes, fmt.Sprintf("weak grounding: llm penalty capped at %.2f below rule score", weakGroundingCap))
		}
	}
	if advisory {
		capped := min(rule, max(combined, rule-advisoryCap))
		if capped != combined {
			notes = append(notes, fmt.Sprintf("advisory findings: llm penalty capped at %.2f below rule score", advisoryCap))
		}
		combined = capped
	}
	return clamp(combined), notes
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}
