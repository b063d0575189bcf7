// Package version keeps append-only draft snapshots with content-hash
// de-duplication and produces diffs between them.
package version

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/grantflow/internal/state"
)

// DefaultMaxItems caps the version ledger; oldest snapshots go first.
const DefaultMaxItems = 100

// Append snapshots content as the next version of section. When the latest
// snapshot of that section has the same hash, nothing is appended and the
// existing version is returned with appended=false.
func Append(s *state.ProposalState, section state.Section, content any, node string, iteration, maxItems int) (v state.DraftVersion, appended bool, err error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	snapshot, canonical, err := canonicalize(content)
	if err != nil {
		return state.DraftVersion{}, false, fmt.Errorf("version.Append: %w", err)
	}
	hash := Hash(canonical)

	if last, ok := s.LatestVersion(section); ok && last.ContentHash == hash {
		return last, false, nil
	}

	seq := 0
	count, highest := 0, 0
	for _, existing := range s.DraftVersions {
		if existing.Sequence > seq {
			seq = existing.Sequence
		}
		if existing.Section != section {
			continue
		}
		count++
		if n := suffix(existing.VersionID, section); n > highest {
			highest = n
		}
	}
	n := count
	if highest > n {
		n = highest
	}

	v = state.DraftVersion{
		VersionID:   fmt.Sprintf("%s_v%d", section, n+1),
		Sequence:    seq + 1,
		Section:     section,
		Node:        node,
		Iteration:   iteration,
		Content:     snapshot,
		ContentHash: hash,
	}
	s.DraftVersions = append(s.DraftVersions, v)
	if over := len(s.DraftVersions) - maxItems; over > 0 {
		s.DraftVersions = append([]state.DraftVersion(nil), s.DraftVersions[over:]...)
	}
	return v, true, nil
}

// Hash returns the sha256 of canonical JSON bytes.
func Hash(canonical []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(canonical))
}

// Find returns the version with the given id.
func Find(s *state.ProposalState, id string) (state.DraftVersion, bool) {
	for _, v := range s.DraftVersions {
		if v.VersionID == id {
			return v, true
		}
	}
	return state.DraftVersion{}, false
}

// ForSection lists versions of section in ledger order.
func ForSection(s *state.ProposalState, section state.Section) []state.DraftVersion {
	var out []state.DraftVersion
	for _, v := range s.DraftVersions {
		if v.Section == section {
			out = append(out, v)
		}
	}
	return out
}

// canonicalize deep-copies content into plain JSON values. encoding/json
// sorts map keys, so the returned bytes are a stable serialization.
func canonicalize(content any) (any, []byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, err
	}
	canonical, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	return out, canonical, nil
}

func suffix(id string, section state.Section) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, string(section)+"_v"))
	if err != nil {
		return 0
	}
	return n
}
