// Package state defines the proposal record threaded through every pipeline
// stage and the normalization that keeps its legacy aliases consistent.
package state

import "github.com/dshills/grantflow/internal/strategy"

// DefaultMaxIterations bounds the critic -> architect revision loop.
const DefaultMaxIterations = 3

// Citation attributes one drafted statement to evidence.
type Citation struct {
	Stage               Stage        `json:"stage"`
	CitationType        CitationType `json:"citation_type"`
	Namespace           string       `json:"namespace"`
	DocID               string       `json:"doc_id,omitempty"`
	Source              string       `json:"source,omitempty"`
	Page                int          `json:"page,omitempty"`
	PageStart           int          `json:"page_start,omitempty"`
	PageEnd             int          `json:"page_end,omitempty"`
	Chunk               string       `json:"chunk,omitempty"`
	ChunkID             string       `json:"chunk_id,omitempty"`
	UsedFor             string       `json:"used_for,omitempty"`
	StatementPath       string       `json:"statement_path,omitempty"`
	Label               string       `json:"label,omitempty"`
	Excerpt             string       `json:"excerpt,omitempty"`
	CitationConfidence  float64      `json:"citation_confidence"`
	ConfidenceThreshold float64      `json:"confidence_threshold"`
}

// DraftVersion is an immutable snapshot of a draft section.
type DraftVersion struct {
	VersionID   string  `json:"version_id"`
	Sequence    int     `json:"sequence"`
	Section     Section `json:"section"`
	Node        string  `json:"node"`
	Iteration   int     `json:"iteration"`
	Content     any     `json:"content"`
	ContentHash string  `json:"content_hash"`
}

// Finding is a structured critic finding. ID is derived from the identity
// fields so it survives recomputation.
type Finding struct {
	ID        string        `json:"finding_id"`
	Code      string        `json:"code"`
	Severity  Severity      `json:"severity"`
	Section   Section       `json:"section"`
	Status    FindingStatus `json:"status"`
	Message   string        `json:"message"`
	FixHint   string        `json:"fix_hint,omitempty"`
	Source    FindingSource `json:"source"`
	VersionID string        `json:"version_id,omitempty"`
	Labels    []string      `json:"labels,omitempty"`
}

// RuleCheck records the outcome of one structural check.
type RuleCheck struct {
	Code     string      `json:"code"`
	Status   CheckStatus `json:"status"`
	Section  Section     `json:"section"`
	Severity Severity    `json:"severity,omitempty"`
	Message  string      `json:"message"`
}

// CriticNotes is the critic's last report as persisted on the state.
type CriticNotes struct {
	RuleScore     float64     `json:"rule_score"`
	LLMScore      *float64    `json:"llm_score,omitempty"`
	CombinedScore float64     `json:"combined_score"`
	Threshold     float64     `json:"threshold"`
	Checks        []RuleCheck `json:"rule_checks"`
	Findings      []Finding   `json:"findings"`
	Calibration   []string    `json:"calibration,omitempty"`
	WeakGrounding bool        `json:"weak_grounding"`
	LLMError      string      `json:"llm_error,omitempty"`
}

// Validation is the schema check result for a drafted section.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// GenerationMeta records how drafts were produced and why fallbacks fired.
type GenerationMeta struct {
	ArchitectMode     string `json:"architect_mode,omitempty"`
	MELMode           string `json:"mel_mode,omitempty"`
	LLMFallbackReason string `json:"llm_fallback_reason,omitempty"`
	RetrievalError    string `json:"retrieval_error,omitempty"`
}

// RetrievalSummary describes the architect's evidence lookup.
type RetrievalSummary struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace,omitempty"`
	HitsCount int    `json:"hits_count"`
}

// ProposalState is the mutable record every stage reads and writes. The
// alias pairs (DonorID/Donor, InputContext/Input, CriticScore/QualityScore,
// Iteration/IterationCount) are kept equal by Normalize.
type ProposalState struct {
	DonorID  string            `json:"donor_id"`
	Donor    string            `json:"donor,omitempty"`
	Strategy strategy.Strategy `json:"-"`

	InputContext map[string]any `json:"input_context"`
	Input        map[string]any `json:"input,omitempty"`

	LLMMode     bool `json:"llm_mode"`
	HITLEnabled bool `json:"hitl_enabled"`

	TocDraft      map[string]any `json:"toc_draft"`
	LogframeDraft map[string]any `json:"logframe_draft"`
	TocValidation Validation     `json:"toc_validation"`

	Citations             []Citation     `json:"citations"`
	DraftVersions         []DraftVersion `json:"draft_versions"`
	CriticFeedbackHistory []string       `json:"critic_feedback_history"`
	Errors                []string       `json:"errors"`

	Iteration      int      `json:"iteration"`
	IterationCount int      `json:"iteration_count"`
	MaxIterations  int      `json:"max_iterations"`
	CriticScore    *float64 `json:"critic_score,omitempty"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
	NeedsRevision  bool     `json:"needs_revision"`

	HITLPending         bool            `json:"hitl_pending"`
	HITLCheckpointStage CheckpointStage `json:"hitl_checkpoint_stage,omitempty"`
	HITLResumeFrom      ResumeFrom      `json:"hitl_resume_from,omitempty"`
	HITLCheckpointID    string          `json:"hitl_checkpoint_id,omitempty"`
	StartAt             string          `json:"_start_at,omitempty"`

	CriticNotes        CriticNotes      `json:"critic_notes"`
	GenerationMeta     GenerationMeta   `json:"generation_meta"`
	ArchitectRetrieval RetrievalSummary `json:"architect_retrieval"`
}

// AddError appends a non-fatal input or capability error.
func (s *ProposalState) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// SetScore writes the combined critic score to both mirrored fields.
func (s *ProposalState) SetScore(v float64) {
	a, b := v, v
	s.CriticScore = &a
	s.QualityScore = &b
}

// Score returns the critic score, if one has been computed.
func (s *ProposalState) Score() (float64, bool) {
	if s.CriticScore == nil {
		return 0, false
	}
	return *s.CriticScore, true
}

// LatestVersion returns the most recent version of section, if any.
func (s *ProposalState) LatestVersion(section Section) (DraftVersion, bool) {
	for i := len(s.DraftVersions) - 1; i >= 0; i-- {
		if s.DraftVersions[i].Section == section {
			return s.DraftVersions[i], true
		}
	}
	return DraftVersion{}, false
}

// CitationsFor returns the citations produced by stage.
func (s *ProposalState) CitationsFor(stage Stage) []Citation {
	var out []Citation
	for _, c := range s.Citations {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}
