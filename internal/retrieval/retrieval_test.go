package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *MemoryRetriever {
	r := NewMemoryRetriever()
	r.Add("usaid_ads201",
		Document{EvidenceHit: EvidenceHit{DocID: "ads-1", Source: "ads201.pdf", Page: 12}, Text: "Development objectives describe the most ambitious result a mission can achieve."},
		Document{EvidenceHit: EvidenceHit{DocID: "ads-2", Source: "ads201.pdf", Page: 30}, Text: "Intermediate results contribute to development objectives through outputs."},
		Document{EvidenceHit: EvidenceHit{DocID: "ads-3", Source: "ads201.pdf", Page: 44}, Text: "Budget annexes follow a standard template."},
	)
	return r
}

func TestQueryRanksByOverlap(t *testing.T) {
	hits, err := seeded().Query(context.Background(), "usaid_ads201", "development objectives intermediate results", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "ads-2", hits[0].DocID)
	assert.Equal(t, 1.0, hits[0].Confidence)
	assert.Equal(t, 0.5, hits[1].Confidence)
	assert.Equal(t, "usaid_ads201", hits[0].Namespace)
	assert.NotEmpty(t, hits[0].Excerpt)
}

func TestQueryTopKAndUnknownNamespace(t *testing.T) {
	r := seeded()
	hits, err := r.Query(context.Background(), "usaid_ads201", "development objectives", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = r.Query(context.Background(), "eu_intpa", "development objectives", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = r.Query(context.Background(), "usaid_ads201", "the and", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQueryCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := seeded().Query(ctx, "usaid_ads201", "development", 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadCorpus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.yaml")
	corpus := `namespaces:
  worldbank_pad:
    - doc_id: wb-1
      source: pad_guidance.pdf
      page: 3
      text: The project development objective states the intended outcome for beneficiaries.
`
	require.NoError(t, os.WriteFile(path, []byte(corpus), 0o644))

	r, err := LoadCorpus(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"worldbank_pad"}, r.Namespaces())

	hits, err := r.Query(context.Background(), "worldbank_pad", "development objective outcome", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "pad_guidance.pdf", hits[0].Source)
	assert.Equal(t, 3, hits[0].Page)

	_, err = LoadCorpus(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExcerptTruncates(t *testing.T) {
	assert.Equal(t, "alpha beta", excerpt("  alpha   beta ", 40))
	assert.Equal(t, "alpha...", excerpt("alpha beta gamma", 8))
}
