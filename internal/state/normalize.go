package state

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dshills/grantflow/internal/strategy"
)

// Normalize reconciles alias fields and fills empty containers in place.
// It is idempotent and returns s for chaining.
func Normalize(s *ProposalState) *ProposalState {
	if s == nil {
		return nil
	}

	donor := s.DonorID
	if strings.TrimSpace(donor) == "" {
		donor = s.Donor
	}
	donor = strategy.CanonicalID(donor)
	s.DonorID, s.Donor = donor, donor

	if len(s.InputContext) == 0 && len(s.Input) > 0 {
		s.InputContext = s.Input
	}
	if s.InputContext == nil {
		s.InputContext = map[string]any{}
	}
	s.Input = s.InputContext

	if s.Iteration <= 0 && s.IterationCount > 0 {
		s.Iteration = s.IterationCount
	}
	if s.Iteration < 0 {
		s.Iteration = 0
	}
	s.IterationCount = s.Iteration
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}

	if s.CriticScore == nil && s.QualityScore != nil {
		v := *s.QualityScore
		s.CriticScore = &v
	}
	if s.CriticScore != nil {
		v := *s.CriticScore
		s.QualityScore = &v
	}

	if s.Citations == nil {
		s.Citations = []Citation{}
	}
	if s.DraftVersions == nil {
		s.DraftVersions = []DraftVersion{}
	}
	if s.Errors == nil {
		s.Errors = []string{}
	}
	if s.CriticFeedbackHistory == nil {
		s.CriticFeedbackHistory = []string{}
	}
	if s.CriticNotes.Checks == nil {
		s.CriticNotes.Checks = []RuleCheck{}
	}
	if s.CriticNotes.Findings == nil {
		s.CriticNotes.Findings = []Finding{}
	}

	if !s.HITLCheckpointStage.Valid() {
		s.HITLCheckpointStage = CheckpointNone
	}
	if !s.HITLResumeFrom.Valid() {
		s.HITLResumeFrom = ResumeNone
	}
	return s
}

// NormalizeMap applies the same reconciliation to a loosely typed record,
// such as a persisted job payload or an API request body.
func NormalizeMap(m map[string]any) map[string]any {
	if m == nil {
		m = map[string]any{}
	}

	donor := strategy.CanonicalID(firstString(m, "donor_id", "donor"))
	m["donor_id"], m["donor"] = donor, donor

	input := map[string]any{}
	for _, k := range []string{"input_context", "input"} {
		if v, ok := m[k].(map[string]any); ok && len(v) > 0 {
			input = v
			break
		}
	}
	m["input_context"], m["input"] = input, input

	for _, k := range []string{"llm_mode", "needs_revision", "hitl_pending", "hitl_enabled"} {
		m[k] = CoerceBool(m[k], false)
	}

	iter := 0
	for _, k := range []string{"iteration", "iteration_count"} {
		if v, ok := CoerceInt(m[k]); ok && v > 0 {
			iter = v
			break
		}
	}
	m["iteration"], m["iteration_count"] = iter, iter

	if v, ok := CoerceInt(m["max_iterations"]); ok && v > 0 {
		m["max_iterations"] = v
	} else {
		m["max_iterations"] = DefaultMaxIterations
	}

	score, hasScore := 0.0, false
	for _, k := range []string{"critic_score", "quality_score"} {
		if v, ok := CoerceFloat(m[k]); ok {
			score, hasScore = v, true
			break
		}
	}
	if hasScore {
		m["critic_score"], m["quality_score"] = score, score
	} else {
		delete(m, "critic_score")
		delete(m, "quality_score")
	}

	if _, ok := m["critic_notes"].(map[string]any); !ok {
		m["critic_notes"] = map[string]any{}
	}
	for _, k := range []string{"errors", "critic_feedback_history"} {
		m[k] = coerceStrings(m[k])
	}
	for _, k := range []string{"citations", "draft_versions"} {
		if _, ok := m[k].([]any); !ok {
			m[k] = []any{}
		}
	}
	for _, k := range []string{"toc_draft", "logframe_draft"} {
		if _, ok := m[k].(map[string]any); !ok {
			m[k] = nil
		}
	}

	if v, _ := m["hitl_checkpoint_stage"].(string); !CheckpointStage(v).Valid() || v == "" {
		delete(m, "hitl_checkpoint_stage")
	}
	if v, _ := m["hitl_resume_from"].(string); !ResumeFrom(v).Valid() || v == "" {
		delete(m, "hitl_resume_from")
	}
	return m
}

// Decode parses a loosely typed JSON record into a normalized state.
func Decode(data []byte) (*ProposalState, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("state.Decode: %w", err)
	}
	return FromMap(m)
}

// FromMap converts a loosely typed record into a normalized state.
func FromMap(m map[string]any) (*ProposalState, error) {
	raw, err := json.Marshal(NormalizeMap(m))
	if err != nil {
		return nil, fmt.Errorf("state.FromMap: %w", err)
	}
	var s ProposalState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("state.FromMap: %w", err)
	}
	return Normalize(&s), nil
}

// Clone deep-copies s through its JSON form. The strategy reference is
// carried over, not copied.
func Clone(s *ProposalState) (*ProposalState, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("state.Clone: %w", err)
	}
	var out ProposalState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("state.Clone: %w", err)
	}
	out.Strategy = s.Strategy
	return &out, nil
}

// CoerceBool interprets common truthy and falsy spellings. Anything else,
// including the empty string, yields def.
func CoerceBool(v any, def bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on", "t":
			return true
		case "false", "0", "no", "n", "off", "f":
			return false
		}
	case float64:
		if t == 1 {
			return true
		}
		if t == 0 {
			return false
		}
	case int:
		if t == 1 {
			return true
		}
		if t == 0 {
			return false
		}
	}
	return def
}

// CoerceInt reads an integral number from JSON-ish values.
func CoerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t == math.Trunc(t) {
			return int(t), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// CoerceFloat reads a finite float from JSON-ish values.
func CoerceFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func coerceStrings(v any) []any {
	switch t := v.(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return []any{}
		}
		return []any{t}
	}
	return []any{}
}
