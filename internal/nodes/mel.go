package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/grantflow/internal/citation"
	"github.com/dshills/grantflow/internal/critic"
	"github.com/dshills/grantflow/internal/llm"
	"github.com/dshills/grantflow/internal/prompt"
	"github.com/dshills/grantflow/internal/schema"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/strategy"
	"github.com/dshills/grantflow/internal/version"
)

// MEL drafts the logframe: one indicator per lowest-level result, each
// cited against the donor namespace.
func (d *Deps) MEL(ctx context.Context, s *state.ProposalState) error {
	state.Normalize(s)
	if err := d.require(s, "mel"); err != nil {
		return err
	}
	start := time.Now()
	sch := s.Strategy.Schema()
	ns := s.Strategy.RAGNamespace()

	lf, mode := d.draftLogframe(ctx, s, sch)
	s.GenerationMeta.MELMode = mode
	s.LogframeDraft = lf

	v, appended, err := version.Append(s, state.SectionLogframe, lf, "mel", s.Iteration, d.versionMax())
	if err != nil {
		return fmt.Errorf("nodes.mel: %w", err)
	}

	var cites []state.Citation
	for i, ind := range objects(lf["indicators"]) {
		id, _ := ind["indicator_id"].(string)
		cites = append(cites, d.cite(ctx, s, citeReq{
			stage:     state.StageMEL,
			namespace: ns,
			path:      fmt.Sprintf("logframe.indicators[%d]", i),
			usedFor:   id,
			text:      describe(ind),
			threshold: sch.IndicatorThreshold,
			strong:    state.CitationResult,
			weak:      state.CitationLowConfidence,
		}))
	}
	added := citation.Append(s, cites, d.citationMax())

	d.log().Info("mel",
		"iteration", s.Iteration,
		"mode", mode,
		"version", v.VersionID,
		"new_version", appended,
		"indicators", len(cites),
		"citations_added", added,
		"duration", time.Since(start))
	return nil
}

func (d *Deps) draftLogframe(ctx context.Context, s *state.ProposalState, sch strategy.Schema) (map[string]any, string) {
	if !s.LLMMode {
		return deterministicLogframe(s.InputContext, s.TocDraft, sch), ModeDeterministic
	}
	if d.LLM == nil {
		s.GenerationMeta.LLMFallbackReason = "mel: llm_mode requested but no provider is configured"
		return deterministicLogframe(s.InputContext, s.TocDraft, sch), ModeFallback
	}

	text := prompt.BuildMEL(prompt.MELOpts{
		Strategy: s.Strategy,
		Input:    s.InputContext,
		TocDraft: s.TocDraft,
	})
	var lf map[string]any
	err := llm.GenerateJSON(ctx, d.LLM, text, d.Settings, &lf)
	if err == nil {
		if errs := schema.ValidateLogframe(lf); len(errs) > 0 {
			err = fmt.Errorf("invalid logframe: %s", errs[0])
		}
	}
	if err != nil {
		s.GenerationMeta.LLMFallbackReason = "mel: " + err.Error()
		d.log().Warn("mel llm failed; using deterministic logframe", "err", err)
		return deterministicLogframe(s.InputContext, s.TocDraft, sch), ModeFallback
	}
	return lf, ModeLLM
}

// deterministicLogframe derives one indicator per leaf result. Baseline and
// target come from the brief when it states them.
func deterministicLogframe(in map[string]any, toc map[string]any, sch strategy.Schema) map[string]any {
	baseline := inputText(in, "baseline")
	target := inputText(in, "target")
	mov := inputText(in, "means_of_verification")
	if mov == "" {
		mov = "Project monitoring records"
	}

	indicators := []any{}
	for i, leaf := range critic.LeafItems(toc, sch.Hierarchy) {
		desc := describe(leaf)
		resultID, _ := leaf["id"].(string)
		if resultID == "" {
			resultID = fmt.Sprintf("R-%d", i+1)
		}
		indicators = append(indicators, map[string]any{
			"indicator_id":          fmt.Sprintf("IND-%03d", i+1),
			"result_id":             resultID,
			"name":                  "Progress on " + desc,
			"baseline":              baseline,
			"target":                target,
			"means_of_verification": mov,
		})
	}
	return map[string]any{"indicators": indicators}
}
