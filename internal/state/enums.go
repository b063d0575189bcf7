package state

// Severity ranks a critic finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// order returns a sort key (lower = more severe).
func (s Severity) order() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 2
	default:
		return 3
	}
}

// Less reports whether s sorts before o (more severe first).
func (s Severity) Less(o Severity) bool { return s.order() < o.order() }

// Section is the draft a finding or version belongs to.
type Section string

const (
	SectionToC      Section = "toc"
	SectionLogframe Section = "logframe"
	SectionGeneral  Section = "general"
)

func (s Section) Valid() bool {
	switch s {
	case SectionToC, SectionLogframe, SectionGeneral:
		return true
	}
	return false
}

// FindingStatus is the reviewer-controlled lifecycle of a finding.
type FindingStatus string

const (
	StatusOpen         FindingStatus = "open"
	StatusAcknowledged FindingStatus = "acknowledged"
	StatusResolved     FindingStatus = "resolved"
)

func (s FindingStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// FindingSource identifies the evaluator that produced a finding.
type FindingSource string

const (
	SourceRules FindingSource = "rules"
	SourceLLM   FindingSource = "llm"
)

// CheckStatus is the outcome of one rule check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

func (cs CheckStatus) Valid() bool {
	switch cs {
	case CheckPass, CheckWarn, CheckFail:
		return true
	}
	return false
}

// Stage names the producing pipeline stage of a citation.
type Stage string

const (
	StageArchitect Stage = "architect"
	StageMEL       Stage = "mel"
)

// CitationType classifies how a citation was obtained.
type CitationType string

const (
	CitationClaimSupport      CitationType = "rag_claim_support"
	CitationLowConfidence     CitationType = "rag_low_confidence"
	CitationResult            CitationType = "rag_result"
	CitationFallbackNamespace CitationType = "fallback_namespace"
	CitationStrategyNamespace CitationType = "strategy_namespace"
)

func (c CitationType) Valid() bool {
	switch c {
	case CitationClaimSupport, CitationLowConfidence, CitationResult,
		CitationFallbackNamespace, CitationStrategyNamespace:
		return true
	}
	return false
}

// CheckpointStage is the HITL gate a paused run is waiting on.
type CheckpointStage string

const (
	CheckpointNone     CheckpointStage = ""
	CheckpointToC      CheckpointStage = "toc"
	CheckpointLogframe CheckpointStage = "logframe"
)

func (c CheckpointStage) Valid() bool {
	switch c {
	case CheckpointNone, CheckpointToC, CheckpointLogframe:
		return true
	}
	return false
}

// ResumeFrom is the node a paused run re-enters after approval.
type ResumeFrom string

const (
	ResumeNone   ResumeFrom = ""
	ResumeMEL    ResumeFrom = "mel"
	ResumeCritic ResumeFrom = "critic"
)

func (r ResumeFrom) Valid() bool {
	switch r {
	case ResumeNone, ResumeMEL, ResumeCritic:
		return true
	}
	return false
}
