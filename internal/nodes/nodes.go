// Package nodes implements the pipeline stages. Each node reads and writes
// the proposal state in place; capability failures degrade to deterministic
// output and are recorded in generation_meta instead of returned.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dshills/grantflow/internal/citation"
	"github.com/dshills/grantflow/internal/critic"
	"github.com/dshills/grantflow/internal/grounding"
	"github.com/dshills/grantflow/internal/llm"
	"github.com/dshills/grantflow/internal/retrieval"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/strategy"
	"github.com/dshills/grantflow/internal/version"
)

// ErrNoStrategy is returned when a drafting node runs without a donor
// strategy and none can be bound.
var ErrNoStrategy = errors.New("no donor strategy resolved")

// Generation modes recorded in generation_meta.
const (
	ModeLLM           = "llm"
	ModeDeterministic = "deterministic"
	ModeFallback      = "deterministic_fallback"
)

// Node is one pipeline stage.
type Node func(ctx context.Context, s *state.ProposalState) error

// Deps are the capabilities shared by every node. Retriever and LLM are
// optional.
type Deps struct {
	Registry  *strategy.Registry
	Retriever retrieval.Retriever
	LLM       llm.Provider
	Settings  llm.Settings

	CriticPolicy    *critic.Policy
	CriticThreshold float64
	GroundingFloor  int

	TopK             int
	CitationMaxItems int
	VersionMaxItems  int

	Logger *slog.Logger
}

func (d *Deps) log() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) topK() int {
	if d.TopK <= 0 {
		return retrieval.DefaultTopK
	}
	return d.TopK
}

func (d *Deps) citationMax() int {
	if d.CitationMaxItems <= 0 {
		return citation.DefaultMaxItems
	}
	return d.CitationMaxItems
}

func (d *Deps) versionMax() int {
	if d.VersionMaxItems <= 0 {
		return version.DefaultMaxItems
	}
	return d.VersionMaxItems
}

// BindStrategy attaches the registry strategy for s.DonorID when s has
// none, falling back to the generic catalog. It reports whether the donor
// itself was found.
func (d *Deps) BindStrategy(s *state.ProposalState) bool {
	if s.Strategy != nil {
		return true
	}
	if d.Registry == nil {
		return false
	}
	st, found := d.Registry.Resolve(s.DonorID)
	s.Strategy = st
	return found
}

// CriticOptions returns the critic configuration for s. The LLM reviewer
// runs only when s asks for LLM mode and a provider is configured.
func (d *Deps) CriticOptions(s *state.ProposalState) critic.Options {
	return critic.Options{
		Provider:  d.LLM,
		UseLLM:    s.LLMMode && d.LLM != nil,
		Settings:  d.Settings,
		Policy:    d.CriticPolicy,
		Threshold: d.CriticThreshold,
		Grounding: grounding.Options{Floor: d.GroundingFloor},
	}
}

// Discovery checks the inputs and resolves the donor strategy from the
// registry, replacing any strategy already attached. Problems are recorded
// in s.Errors and never fail the node.
func (d *Deps) Discovery(_ context.Context, s *state.ProposalState) error {
	state.Normalize(s)
	if s.DonorID == "" {
		s.AddError("input: donor_id is missing; using the generic strategy")
		s.DonorID, s.Donor = strategy.GenericDonor, strategy.GenericDonor
	}
	switch {
	case d.Registry == nil:
		s.AddError(fmt.Sprintf("input: no strategy registry to resolve donor %q", s.DonorID))
	default:
		st, found := d.Registry.Resolve(s.DonorID)
		s.Strategy = st
		if !found {
			s.AddError(fmt.Sprintf("input: unknown donor %q; using the generic strategy", s.DonorID))
		}
	}
	if len(s.InputContext) == 0 {
		s.AddError("input: project description (input_context) is empty")
	}
	d.log().Info("discovery", "donor", s.DonorID, "strategy", strategyID(s), "errors", len(s.Errors))
	return nil
}

func strategyID(s *state.ProposalState) string {
	if s.Strategy == nil {
		return ""
	}
	return s.Strategy.DonorID()
}

// Critic scores the drafts and records the verdict on s.
func (d *Deps) Critic(ctx context.Context, s *state.ProposalState) error {
	state.Normalize(s)
	if err := d.require(s, "critic"); err != nil {
		return err
	}
	r := critic.Evaluate(ctx, s, d.CriticOptions(s))
	critic.Apply(s, r)
	if r.LLMError != "" {
		s.GenerationMeta.LLMFallbackReason = "critic: " + r.LLMError
	}
	d.log().Info("critic",
		"iteration", s.Iteration,
		"rule_score", r.RuleScore,
		"combined_score", r.CombinedScore,
		"needs_revision", r.NeedsRevision,
		"open_findings", r.Counts.Open)
	return nil
}

func (d *Deps) require(s *state.ProposalState, node string) error {
	d.BindStrategy(s)
	if s.Strategy == nil {
		return fmt.Errorf("nodes.%s: %w (donor %q)", node, ErrNoStrategy, s.DonorID)
	}
	return nil
}

// inputText returns the first non-empty string among keys.
func inputText(in map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := in[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// objects reads a list of objects; plain strings become descriptions.
func objects(v any) []map[string]any {
	var out []map[string]any
	list, _ := v.([]any)
	for _, item := range list {
		switch x := item.(type) {
		case map[string]any:
			out = append(out, x)
		case string:
			if strings.TrimSpace(x) != "" {
				out = append(out, map[string]any{"description": strings.TrimSpace(x)})
			}
		}
	}
	return out
}

func describe(m map[string]any) string {
	for _, k := range []string{"description", "name", "title", "statement"} {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
