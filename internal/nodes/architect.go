package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dshills/grantflow/internal/citation"
	"github.com/dshills/grantflow/internal/critic"
	"github.com/dshills/grantflow/internal/llm"
	"github.com/dshills/grantflow/internal/prompt"
	"github.com/dshills/grantflow/internal/retrieval"
	"github.com/dshills/grantflow/internal/schema"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/strategy"
	"github.com/dshills/grantflow/internal/version"
)

const maxFeedbackItems = 8

// Architect drafts the theory of change, grounds its claims in retrieved
// evidence and records a new toc version. It starts a new iteration.
func (d *Deps) Architect(ctx context.Context, s *state.ProposalState) error {
	state.Normalize(s)
	if err := d.require(s, "architect"); err != nil {
		return err
	}
	start := time.Now()
	s.Iteration++
	s.IterationCount = s.Iteration
	sch := s.Strategy.Schema()
	ns := s.Strategy.RAGNamespace()

	evidence := d.retrieveContext(ctx, s, ns)

	draft, mode := d.draftToC(ctx, s, sch, evidence)
	s.GenerationMeta.ArchitectMode = mode

	errs := schema.ValidateDraft(draft, sch.TocRules)
	s.TocValidation = state.Validation{Valid: len(errs) == 0, Errors: schema.Messages(errs)}
	s.TocDraft = draft

	v, appended, err := version.Append(s, state.SectionToC, draft, "architect", s.Iteration, d.versionMax())
	if err != nil {
		return fmt.Errorf("nodes.architect: %w", err)
	}

	cites := d.claimCitations(ctx, s, ns, sch)
	added := citation.Append(s, cites, d.citationMax())

	d.log().Info("architect",
		"iteration", s.Iteration,
		"mode", mode,
		"version", v.VersionID,
		"new_version", appended,
		"evidence", len(evidence),
		"citations_added", added,
		"valid", s.TocValidation.Valid,
		"duration", time.Since(start))
	return nil
}

// retrieveContext runs the architect's evidence lookup and records the
// retrieval summary. A nil retriever disables retrieval.
func (d *Deps) retrieveContext(ctx context.Context, s *state.ProposalState, ns string) []retrieval.EvidenceHit {
	if d.Retriever == nil {
		s.ArchitectRetrieval = state.RetrievalSummary{Enabled: false, Namespace: ns}
		return nil
	}
	hits, err := d.Retriever.Query(ctx, ns, queryText(s.InputContext), d.topK())
	if err != nil {
		s.GenerationMeta.RetrievalError = err.Error()
		d.log().Warn("architect retrieval failed", "namespace", ns, "err", err)
		hits = nil
	}
	s.ArchitectRetrieval = state.RetrievalSummary{Enabled: true, Namespace: ns, HitsCount: len(hits)}
	return hits
}

func (d *Deps) draftToC(ctx context.Context, s *state.ProposalState, sch strategy.Schema, evidence []retrieval.EvidenceHit) (map[string]any, string) {
	if !s.LLMMode {
		return deterministicToC(s.InputContext, sch), ModeDeterministic
	}
	if d.LLM == nil {
		s.GenerationMeta.LLMFallbackReason = "architect: llm_mode requested but no provider is configured"
		return deterministicToC(s.InputContext, sch), ModeFallback
	}

	text := prompt.BuildArchitect(prompt.ArchitectOpts{
		Strategy:  s.Strategy,
		Input:     s.InputContext,
		Evidence:  evidence,
		Feedback:  revisionFeedback(s),
		Iteration: s.Iteration,
	})
	var draft map[string]any
	if err := llm.GenerateJSON(ctx, d.LLM, text, d.Settings, &draft); err != nil || len(draft) == 0 {
		if err == nil {
			err = fmt.Errorf("empty draft")
		}
		s.GenerationMeta.LLMFallbackReason = "architect: " + err.Error()
		d.log().Warn("architect llm failed; using deterministic draft", "err", err)
		return deterministicToC(s.InputContext, sch), ModeFallback
	}
	return draft, ModeLLM
}

// revisionFeedback collects open critic findings and reviewer notes for the
// next draft.
func revisionFeedback(s *state.ProposalState) []string {
	out := critic.OpenFeedback(s, maxFeedbackItems)
	for _, h := range s.CriticFeedbackHistory {
		if strings.HasPrefix(h, "reviewer ") {
			out = append(out, h)
		}
	}
	if len(out) > maxFeedbackItems {
		out = out[len(out)-maxFeedbackItems:]
	}
	return out
}

// deterministicToC builds a draft from the brief alone: narrative fields
// come from their source keys and every objective becomes a top-level
// result with one child per lower level.
func deterministicToC(in map[string]any, sch strategy.Schema) map[string]any {
	draft := map[string]any{}
	title := inputText(in, "title", "project_title", "name")
	for _, f := range sch.NarrativeFields {
		if v := inputText(in, f.Source, f.Key); v != "" {
			draft[f.Key] = v
		} else if title != "" {
			draft[f.Key] = title
		}
	}

	if len(sch.Hierarchy) > 0 {
		var top []any
		for i, obj := range objects(in["objectives"]) {
			desc := describe(obj)
			if desc == "" {
				continue
			}
			top = append(top, buildLevel(sch.Hierarchy, 0, fmt.Sprint(i+1), desc, desc))
		}
		if len(top) > 0 {
			draft[sch.Hierarchy[0].Key] = top
		}
	}

	if as := objects(in["assumptions"]); len(as) > 0 {
		list := make([]any, 0, len(as))
		for _, a := range as {
			list = append(list, describe(a))
		}
		draft["assumptions"] = list
	}
	return draft
}

func buildLevel(levels []strategy.Level, depth int, num, desc, objective string) map[string]any {
	lv := levels[depth]
	item := map[string]any{
		"id":          fmt.Sprintf("%s-%s", lv.IDPrefix, num),
		"description": desc,
	}
	if depth+1 < len(levels) {
		child := levels[depth+1]
		childDesc := fmt.Sprintf("%s toward: %s", child.Label, objective)
		item[child.Key] = []any{buildLevel(levels, depth+1, num+".1", childDesc, objective)}
	}
	return item
}

// claim is one statement of the draft that needs evidence.
type claim struct {
	path string
	text string
}

// claims lists the narrative fields and top-level results of the draft.
func claims(draft map[string]any, sch strategy.Schema) []claim {
	var out []claim
	for _, f := range sch.NarrativeFields {
		if v, ok := draft[f.Key].(string); ok && strings.TrimSpace(v) != "" {
			out = append(out, claim{path: "toc_draft." + f.Key, text: v})
		}
	}
	if len(sch.Hierarchy) > 0 {
		key := sch.Hierarchy[0].Key
		for i, item := range objects(draft[key]) {
			if desc := describe(item); desc != "" {
				out = append(out, claim{path: fmt.Sprintf("toc_draft.%s[%d]", key, i), text: desc})
			}
		}
	}
	return out
}

// claimCitations attributes each claim to its best evidence passage.
func (d *Deps) claimCitations(ctx context.Context, s *state.ProposalState, ns string, sch strategy.Schema) []state.Citation {
	var out []state.Citation
	for _, c := range claims(s.TocDraft, sch) {
		out = append(out, d.cite(ctx, s, citeReq{
			stage:     state.StageArchitect,
			namespace: ns,
			path:      c.path,
			text:      c.text,
			threshold: sch.ClaimThreshold,
			strong:    state.CitationClaimSupport,
			weak:      state.CitationLowConfidence,
		}))
	}
	return out
}

type citeReq struct {
	stage     state.Stage
	namespace string
	path      string
	usedFor   string
	text      string
	threshold float64
	strong    state.CitationType
	weak      state.CitationType
}

// cite looks up the single best passage for one statement. Without a
// retriever the statement cites the strategy namespace; without a hit it
// cites the fallback namespace.
func (d *Deps) cite(ctx context.Context, s *state.ProposalState, c citeReq) state.Citation {
	out := state.Citation{
		Stage:               c.stage,
		Namespace:           c.namespace,
		StatementPath:       c.path,
		UsedFor:             c.usedFor,
		ConfidenceThreshold: c.threshold,
	}
	if d.Retriever == nil {
		out.CitationType = state.CitationStrategyNamespace
		out.Label = "donor strategy guidance"
		return out
	}
	hits, err := d.Retriever.Query(ctx, c.namespace, c.text, 1)
	if err != nil {
		s.GenerationMeta.RetrievalError = err.Error()
	}
	if err != nil || len(hits) == 0 {
		out.CitationType = state.CitationFallbackNamespace
		out.Label = "no matching evidence"
		return out
	}
	h := hits[0]
	out.DocID = h.DocID
	out.Source = h.Source
	out.Page = h.Page
	out.ChunkID = h.ChunkID
	out.Excerpt = h.Excerpt
	out.CitationConfidence = h.Confidence
	out.CitationType = c.strong
	if h.Confidence < c.threshold {
		out.CitationType = c.weak
	}
	return out
}

// queryText summarizes the brief for retrieval.
func queryText(in map[string]any) string {
	parts := []string{inputText(in, "title", "project_title", "name")}
	for _, k := range []string{"goal", "problem", "summary", "description"} {
		if v := inputText(in, k); v != "" {
			parts = append(parts, truncate(v, 400))
		}
	}
	for _, o := range objects(in["objectives"]) {
		parts = append(parts, describe(o))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
