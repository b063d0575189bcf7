// Package grounding aggregates the citation ledger into a grounding-risk
// signal. It is stateless and independent of the critic.
package grounding

import (
	"fmt"
	"strings"

	"github.com/dshills/grantflow/internal/citation"
	"github.com/dshills/grantflow/internal/state"
)

// DefaultFloor is the citation count below which ratios are not evaluated.
const DefaultFloor = 5

const (
	fallbackOrLowLimit = 0.6
	lowConfidenceLimit = 0.75
	traceGapLimit      = 0.6
	highRatio          = 0.8
)

// Mode selects whether weak grounding blocks.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeWarn   Mode = "warn"
	ModeStrict Mode = "strict"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeWarn, ModeStrict:
		return true
	}
	return false
}

// ParseMode accepts a mode name case-insensitively; "" means warn.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeWarn, nil
	}
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("grounding.ParseMode: unknown mode %q (want off, warn or strict)", s)
	}
	return m, nil
}

// Severity grades a gate result.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Reason codes.
const (
	ReasonNoRetrievalHits = "ARCHITECT_RETRIEVAL_NO_HITS"
	ReasonFallbackOrLow   = "FALLBACK_OR_LOW_CONFIDENCE_DOMINANT"
	ReasonLowConfidence   = "LOW_CONFIDENCE_DOMINANT"
	ReasonTraceabilityGap = "TRACEABILITY_GAPS"
)

// Options tunes the gate.
type Options struct {
	// Floor is the calibration floor; <= 0 selects DefaultFloor.
	Floor int
}

// Reason is one weak-grounding signal.
type Reason struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Ratio   float64 `json:"ratio,omitempty"`
}

// Stats are the raw aggregates behind a report.
type Stats struct {
	Total            int  `json:"citation_count"`
	LowConfidence    int  `json:"low_confidence_count"`
	RAGLowConfidence int  `json:"rag_low_confidence_count"`
	Fallback         int  `json:"fallback_count"`
	FallbackOrLow    int  `json:"fallback_or_low_count"`
	Complete         int  `json:"traceability_complete"`
	Partial          int  `json:"traceability_partial"`
	Missing          int  `json:"traceability_missing"`
	Calibrated       bool `json:"calibrated"`

	FallbackOrLowRatio float64 `json:"fallback_or_low_ratio"`
	LowConfidenceRatio float64 `json:"low_confidence_ratio"`
	TraceGapRatio      float64 `json:"traceability_gap_ratio"`

	RetrievalEnabled bool `json:"architect_retrieval_enabled"`
	RetrievalHits    int  `json:"architect_retrieval_hits"`
}

// Report is the gate verdict.
type Report struct {
	Mode     Mode     `json:"mode"`
	Passed   bool     `json:"passed"`
	Blocking bool     `json:"blocking"`
	Severity Severity `json:"severity"`
	Reasons  []Reason `json:"reasons"`
	Stats    Stats    `json:"stats"`
}

// Weak reports whether any weak-grounding reason fired, regardless of mode.
func (r Report) Weak() bool { return len(r.Reasons) > 0 }

// Evaluate computes the grounding report for s. Mode off always passes,
// warn passes only without reasons but never blocks, strict blocks on any
// reason.
func Evaluate(s *state.ProposalState, mode Mode, opts Options) Report {
	if !mode.Valid() {
		mode = ModeWarn
	}
	floor := opts.Floor
	if floor <= 0 {
		floor = DefaultFloor
	}

	st := aggregate(s.Citations)
	st.RetrievalEnabled = s.ArchitectRetrieval.Enabled
	st.RetrievalHits = s.ArchitectRetrieval.HitsCount

	var reasons []Reason
	if st.RetrievalEnabled && st.RetrievalHits == 0 {
		reasons = append(reasons, Reason{
			Code:    ReasonNoRetrievalHits,
			Message: "architect retrieval was enabled but returned no evidence",
		})
	}

	if st.Total >= floor {
		st.Calibrated = true
		total := float64(st.Total)
		st.FallbackOrLowRatio = round(float64(st.FallbackOrLow) / total)
		st.LowConfidenceRatio = round(float64(st.LowConfidence) / total)
		st.TraceGapRatio = round(float64(st.Partial+st.Missing) / total)

		if st.FallbackOrLowRatio >= fallbackOrLowLimit {
			reasons = append(reasons, Reason{
				Code:    ReasonFallbackOrLow,
				Message: fmt.Sprintf("%d of %d citations are fallback or low confidence", st.FallbackOrLow, st.Total),
				Ratio:   st.FallbackOrLowRatio,
			})
		}
		if st.LowConfidenceRatio >= lowConfidenceLimit {
			reasons = append(reasons, Reason{
				Code:    ReasonLowConfidence,
				Message: fmt.Sprintf("%d of %d citations are low confidence", st.LowConfidence, st.Total),
				Ratio:   st.LowConfidenceRatio,
			})
		}
		if st.TraceGapRatio >= traceGapLimit {
			reasons = append(reasons, Reason{
				Code:    ReasonTraceabilityGap,
				Message: fmt.Sprintf("%d of %d citations lack a document id and source", st.Partial+st.Missing, st.Total),
				Ratio:   st.TraceGapRatio,
			})
		}
	}
	if reasons == nil {
		reasons = []Reason{}
	}

	r := Report{Mode: mode, Reasons: reasons, Stats: st, Severity: grade(reasons)}
	switch mode {
	case ModeOff:
		r.Passed = true
	case ModeWarn:
		r.Passed = len(reasons) == 0
	case ModeStrict:
		r.Passed = len(reasons) == 0
		r.Blocking = !r.Passed
	}
	return r
}

func aggregate(cs []state.Citation) Stats {
	var st Stats
	for _, c := range cs {
		st.Total++
		if citation.IsLowConfidence(c) {
			st.LowConfidence++
		}
		switch c.CitationType {
		case state.CitationLowConfidence:
			st.RAGLowConfidence++
		case state.CitationFallbackNamespace:
			st.Fallback++
		}
		if citation.IsWeak(c) {
			st.FallbackOrLow++
		}
		switch citation.TraceabilityOf(c) {
		case citation.TraceComplete:
			st.Complete++
		case citation.TracePartial:
			st.Partial++
		default:
			st.Missing++
		}
	}
	return st
}

func grade(reasons []Reason) Severity {
	if len(reasons) == 0 {
		return SeverityNone
	}
	if len(reasons) >= 2 {
		return SeverityHigh
	}
	if reasons[0].Ratio >= highRatio {
		return SeverityHigh
	}
	return SeverityMedium
}

func round(f float64) float64 {
	return float64(int(f*10000+0.5)) / 10000
}
