package critic

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/grantflow/internal/state"
)

// ErrUnknownFinding is returned when a status change names no current finding.
var ErrUnknownFinding = errors.New("unknown finding")

// FindingID derives a stable id from the finding identity fields.
func FindingID(f state.Finding) string {
	key := strings.Join([]string{
		f.Code,
		string(f.Section),
		f.VersionID,
		f.Message,
		string(f.Source),
	}, "\x1f")
	return fmt.Sprintf("F-%x", sha256.Sum256([]byte(key)))[:14]
}

// MergeFindings carries reviewer status from prior findings onto current
// ones with the same id. Prior findings absent from current are dropped.
func MergeFindings(prior, current []state.Finding) []state.Finding {
	status := make(map[string]state.FindingStatus, len(prior))
	for _, f := range prior {
		if f.Status.Valid() {
			status[f.ID] = f.Status
		}
	}
	out := make([]state.Finding, len(current))
	for i, f := range current {
		if f.ID == "" {
			f.ID = FindingID(f)
		}
		if st, ok := status[f.ID]; ok {
			f.Status = st
		} else if !f.Status.Valid() {
			f.Status = state.StatusOpen
		}
		out[i] = f
	}
	return out
}

// SetFindingStatus records a reviewer decision on the finding with id.
func SetFindingStatus(s *state.ProposalState, id string, status state.FindingStatus) (state.Finding, error) {
	if !status.Valid() {
		return state.Finding{}, fmt.Errorf("critic.SetFindingStatus: invalid status %q", status)
	}
	for i := range s.CriticNotes.Findings {
		f := &s.CriticNotes.Findings[i]
		if f.ID == id {
			f.Status = status
			return *f, nil
		}
	}
	return state.Finding{}, fmt.Errorf("critic.SetFindingStatus: %w: %s", ErrUnknownFinding, id)
}

// Counts tallies findings by severity and open status.
type Counts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
	Open   int `json:"open"`
}

// CountFindings summarizes fs.
func CountFindings(fs []state.Finding) Counts {
	var c Counts
	for _, f := range fs {
		switch f.Severity {
		case state.SeverityHigh:
			c.High++
		case state.SeverityMedium:
			c.Medium++
		case state.SeverityLow:
			c.Low++
		}
		if f.Status == state.StatusOpen {
			c.Open++
		}
	}
	return c
}
