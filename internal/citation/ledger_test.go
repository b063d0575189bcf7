package citation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/grantflow/internal/state"
)

func sample() state.Citation {
	return state.Citation{
		Stage:              state.StageArchitect,
		CitationType:       state.CitationClaimSupport,
		Namespace:          "usaid_ads201",
		DocID:              "doc-1",
		Source:             "ads201.pdf",
		Page:               12,
		ChunkID:            "c-7",
		StatementPath:      "toc.development_objectives[0].description",
		CitationConfidence: 0.82,
	}
}

func TestAppendDeduplicates(t *testing.T) {
	s := &state.ProposalState{}
	assert.Equal(t, 1, Append(s, []state.Citation{sample()}, 0))
	assert.Equal(t, 0, Append(s, []state.Citation{sample()}, 0))
	assert.Len(t, s.Citations, 1)
}

func TestAppendDeduplicatesWithinBatch(t *testing.T) {
	s := &state.ProposalState{}
	c := sample()
	padded := c
	padded.Source = "  ads201.pdf "
	Append(s, []state.Citation{c, padded}, 0)
	assert.Len(t, s.Citations, 1)
}

func TestAppendDistinctIdentity(t *testing.T) {
	s := &state.ProposalState{}
	a := sample()
	b := sample()
	b.StatementPath = "toc.development_objectives[1].description"
	c := sample()
	c.Excerpt = "excerpt is not part of the identity"
	Append(s, []state.Citation{a, b, c}, 0)
	assert.Len(t, s.Citations, 2)
}

func TestAppendEvictsOldest(t *testing.T) {
	s := &state.ProposalState{}
	var batch []state.Citation
	for i := 0; i < 7; i++ {
		c := sample()
		c.Label = fmt.Sprintf("claim-%d", i)
		batch = append(batch, c)
	}
	Append(s, batch, 5)
	require.Len(t, s.Citations, 5)
	assert.Equal(t, "claim-2", s.Citations[0].Label)
	assert.Equal(t, "claim-6", s.Citations[4].Label)
}

func TestAppendDoesNotTouchDrafts(t *testing.T) {
	s := &state.ProposalState{TocDraft: map[string]any{"goal": "g"}}
	Append(s, []state.Citation{sample()}, 0)
	assert.Equal(t, map[string]any{"goal": "g"}, s.TocDraft)
}

func TestCleanClampsConfidence(t *testing.T) {
	c := sample()
	c.CitationConfidence = 1.7
	c.ConfidenceThreshold = -0.2
	c.Page = -3
	c.Stage = " MEL "
	got := Clean(c)
	assert.Equal(t, 1.0, got.CitationConfidence)
	assert.Equal(t, 0.0, got.ConfidenceThreshold)
	assert.Equal(t, 0, got.Page)
	assert.Equal(t, state.StageMEL, got.Stage)
}

func TestTraceability(t *testing.T) {
	tests := []struct {
		name string
		c    state.Citation
		want Traceability
	}{
		{"doc and source", state.Citation{DocID: "d", Source: "s"}, TraceComplete},
		{"source only", state.Citation{Source: "s"}, TracePartial},
		{"page span", state.Citation{PageStart: 2, PageEnd: 4}, TracePartial},
		{"chunk only", state.Citation{Chunk: "3"}, TracePartial},
		{"nothing", state.Citation{Namespace: "ns", Label: "x"}, TraceMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TraceabilityOf(tt.c))
		})
	}
}

func TestIsLowConfidence(t *testing.T) {
	assert.False(t, IsLowConfidence(state.Citation{CitationType: state.CitationLowConfidence, CitationConfidence: 0.9}),
		"the type alone does not make a citation low confidence")
	assert.True(t, IsLowConfidence(state.Citation{CitationType: state.CitationClaimSupport, CitationConfidence: 0.1}))
	assert.False(t, IsLowConfidence(state.Citation{CitationType: state.CitationClaimSupport, CitationConfidence: 0.3}))
}

func TestIsWeak(t *testing.T) {
	tests := []struct {
		typ  state.CitationType
		conf float64
		want bool
	}{
		{state.CitationClaimSupport, 0.9, false},
		{state.CitationClaimSupport, 0.1, true},
		{state.CitationLowConfidence, 0.9, true},
		{state.CitationFallbackNamespace, 0.5, true},
	}
	for _, tt := range tests {
		got := IsWeak(state.Citation{CitationType: tt.typ, CitationConfidence: tt.conf})
		assert.Equal(t, tt.want, got, "%s %.1f", tt.typ, tt.conf)
	}
}
