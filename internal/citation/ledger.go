// Package citation maintains the append-only, de-duplicated evidence ledger
// on a proposal state.
package citation

import (
	"fmt"
	"math"
	"strings"

	"github.com/dshills/grantflow/internal/state"
)

// DefaultMaxItems caps the ledger; older entries are evicted first.
const DefaultMaxItems = 200

// LowConfidence is the confidence below which a citation counts as weak.
const LowConfidence = 0.3

// Traceability buckets a citation by how precisely it can be located.
type Traceability string

const (
	TraceComplete Traceability = "complete"
	TracePartial  Traceability = "partial"
	TraceMissing  Traceability = "missing"
)

// Append adds incoming citations that are not already present, then trims
// the ledger to the most recent maxItems entries. It only touches
// s.Citations. maxItems <= 0 selects DefaultMaxItems.
func Append(s *state.ProposalState, incoming []state.Citation, maxItems int) int {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	seen := make(map[string]bool, len(s.Citations)+len(incoming))
	for _, c := range s.Citations {
		seen[Key(c)] = true
	}

	added := 0
	for _, c := range incoming {
		c = Clean(c)
		k := Key(c)
		if seen[k] {
			continue
		}
		seen[k] = true
		s.Citations = append(s.Citations, c)
		added++
	}

	if over := len(s.Citations) - maxItems; over > 0 {
		s.Citations = append([]state.Citation(nil), s.Citations[over:]...)
	}
	return added
}

// Clean trims text fields, clamps confidences to [0,1] and drops negative
// page numbers so every record holds plain JSON-safe scalars.
func Clean(c state.Citation) state.Citation {
	c.Stage = state.Stage(strings.ToLower(strings.TrimSpace(string(c.Stage))))
	c.CitationType = state.CitationType(strings.ToLower(strings.TrimSpace(string(c.CitationType))))
	c.Namespace = strings.TrimSpace(c.Namespace)
	c.DocID = strings.TrimSpace(c.DocID)
	c.Source = strings.TrimSpace(c.Source)
	c.Chunk = strings.TrimSpace(c.Chunk)
	c.ChunkID = strings.TrimSpace(c.ChunkID)
	c.UsedFor = strings.TrimSpace(c.UsedFor)
	c.StatementPath = strings.TrimSpace(c.StatementPath)
	c.Label = strings.TrimSpace(c.Label)
	c.Excerpt = strings.TrimSpace(c.Excerpt)
	c.Page = nonNegative(c.Page)
	c.PageStart = nonNegative(c.PageStart)
	c.PageEnd = nonNegative(c.PageEnd)
	c.CitationConfidence = unit(c.CitationConfidence)
	c.ConfidenceThreshold = unit(c.ConfidenceThreshold)
	return c
}

// Key is the identity used for de-duplication.
func Key(c state.Citation) string {
	return strings.Join([]string{
		string(c.Stage),
		string(c.CitationType),
		c.Namespace,
		c.Source,
		fmt.Sprint(c.Page),
		fmt.Sprint(c.PageStart),
		fmt.Sprint(c.PageEnd),
		c.Chunk,
		c.ChunkID,
		c.UsedFor,
		c.StatementPath,
		c.Label,
	}, "\x1f")
}

// TraceabilityOf reports whether c can be traced to a document location.
func TraceabilityOf(c state.Citation) Traceability {
	if c.DocID != "" && c.Source != "" {
		return TraceComplete
	}
	if c.DocID != "" || c.Source != "" || c.Page > 0 || c.PageStart > 0 || c.PageEnd > 0 ||
		c.Chunk != "" || c.ChunkID != "" {
		return TracePartial
	}
	return TraceMissing
}

// IsLowConfidence reports whether c's numeric confidence is below
// LowConfidence. The citation type is not consulted.
func IsLowConfidence(c state.Citation) bool {
	return c.CitationConfidence < LowConfidence
}

// IsWeak reports whether c is weak evidence: a fallback or
// rag_low_confidence citation, or one with low numeric confidence.
func IsWeak(c state.Citation) bool {
	switch c.CitationType {
	case state.CitationFallbackNamespace, state.CitationLowConfidence:
		return true
	}
	return IsLowConfidence(c)
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func unit(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return math.Round(f*10000) / 10000
}
