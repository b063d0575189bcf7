// Package retrieval defines the evidence lookup capability used by the
// drafting stages and an in-memory implementation over a YAML corpus.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

// DefaultTopK is the number of hits requested when the caller passes 0.
const DefaultTopK = 5

// EvidenceHit is one retrieved passage.
type EvidenceHit struct {
	DocID      string  `json:"doc_id" yaml:"doc_id"`
	Source     string  `json:"source" yaml:"source"`
	Page       int     `json:"page,omitempty" yaml:"page"`
	ChunkID    string  `json:"chunk_id,omitempty" yaml:"chunk_id"`
	Excerpt    string  `json:"excerpt" yaml:"excerpt"`
	Confidence float64 `json:"confidence" yaml:"-"`
	Namespace  string  `json:"namespace" yaml:"-"`
}

// Retriever looks up evidence in a namespace.
type Retriever interface {
	Query(ctx context.Context, namespace, text string, topK int) ([]EvidenceHit, error)
}

// Document is a corpus passage as stored in YAML.
type Document struct {
	EvidenceHit `yaml:",inline"`
	Text        string `yaml:"text"`
}

// Corpus is the YAML file layout: namespace -> documents.
type Corpus struct {
	Namespaces map[string][]Document `yaml:"namespaces"`
}

// MemoryRetriever ranks passages by query term overlap. Safe for concurrent use.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs map[string][]indexed
}

type indexed struct {
	doc   Document
	terms map[string]bool
}

// NewMemoryRetriever returns an empty retriever.
func NewMemoryRetriever() *MemoryRetriever {
	return &MemoryRetriever{docs: make(map[string][]indexed)}
}

// LoadCorpus reads a YAML corpus file into a new retriever.
func LoadCorpus(path string) (*MemoryRetriever, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("retrieval.LoadCorpus: %w", err)
	}
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("retrieval.LoadCorpus %s: %w", path, err)
	}
	r := NewMemoryRetriever()
	for ns, docs := range c.Namespaces {
		r.Add(ns, docs...)
	}
	return r, nil
}

// Add indexes docs under namespace.
func (r *MemoryRetriever) Add(namespace string, docs ...Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range docs {
		body := d.Text
		if body == "" {
			body = d.Excerpt
		}
		r.docs[namespace] = append(r.docs[namespace], indexed{doc: d, terms: termSet(body)})
	}
}

// Namespaces lists indexed namespaces.
func (r *MemoryRetriever) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.docs))
	for ns := range r.docs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Query scores every passage in namespace by the fraction of query terms it
// contains and returns the best topK with a non-zero score.
func (r *MemoryRetriever) Query(ctx context.Context, namespace, text string, topK int) ([]EvidenceHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	query := termSet(text)
	if len(query) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	docs := r.docs[namespace]
	r.mu.RUnlock()

	type scored struct {
		hit   EvidenceHit
		score float64
	}
	var ranked []scored
	for _, d := range docs {
		n := 0
		for t := range query {
			if d.terms[t] {
				n++
			}
		}
		if n == 0 {
			continue
		}
		hit := d.doc.EvidenceHit
		if hit.Excerpt == "" {
			hit.Excerpt = excerpt(d.doc.Text, 240)
		}
		hit.Namespace = namespace
		hit.Confidence = math.Round(float64(n)/float64(len(query))*10000) / 10000
		ranked = append(ranked, scored{hit, hit.Confidence})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].hit.DocID < ranked[j].hit.DocID
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	out := make([]EvidenceHit, len(ranked))
	for i, s := range ranked {
		out[i] = s.hit
	}
	return out, nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "are": true, "was": true, "will": true, "their": true,
	"have": true, "has": true, "its": true, "our": true, "all": true, "not": true,
}

func termSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndexByte(s[:n], ' ')
	if cut <= 0 {
		cut = n
	}
	return s[:cut] + "..."
}
