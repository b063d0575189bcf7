package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/dshills/grantflow/internal/state"
)

var (
	ErrNotFound        = errors.New("version not found")
	ErrNotEnough       = errors.New("fewer than two versions to compare")
	ErrSectionMismatch = errors.New("versions belong to different sections")
)

// DiffResult is a line-level comparison of two snapshots.
type DiffResult struct {
	Section state.Section `json:"section"`
	FromID  string        `json:"from_version_id"`
	ToID    string        `json:"to_version_id"`
	Unified string        `json:"diff"`
	Added   int           `json:"lines_added"`
	Removed int           `json:"lines_removed"`
}

// HasChanges reports whether the two versions differ.
func (d *DiffResult) HasChanges() bool { return d.Unified != "" }

// Diff compares two versions of section. Empty ids default to the last two
// versions; an empty fromID alone means "the version before toID".
func Diff(s *state.ProposalState, section state.Section, fromID, toID string) (*DiffResult, error) {
	from, to, err := pick(s, section, fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("version.Diff: %w", err)
	}

	a, err := render(from.Content)
	if err != nil {
		return nil, fmt.Errorf("version.Diff: %w", err)
	}
	b, err := render(to.Content)
	if err != nil {
		return nil, fmt.Errorf("version.Diff: %w", err)
	}

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: from.VersionID,
		ToFile:   to.VersionID,
		Context:  3,
	})
	if err != nil {
		return nil, fmt.Errorf("version.Diff: %w", err)
	}

	res := &DiffResult{Section: section, FromID: from.VersionID, ToID: to.VersionID, Unified: unified}
	if unified == "" {
		return res, nil
	}
	fd, err := diff.ParseFileDiff([]byte(unified))
	if err != nil {
		return nil, fmt.Errorf("version.Diff: parse stats: %w", err)
	}
	st := fd.Stat()
	res.Added = int(st.Added + st.Changed)
	res.Removed = int(st.Deleted + st.Changed)
	return res, nil
}

// WriteDiffFile writes the unified diff to outPath. Empty diffs create no file.
func WriteDiffFile(d *DiffResult, outPath string) error {
	if !d.HasChanges() {
		return nil
	}
	if err := os.WriteFile(outPath, []byte(d.Unified), 0644); err != nil {
		return fmt.Errorf("version.WriteDiffFile: %w", err)
	}
	return nil
}

func pick(s *state.ProposalState, section state.Section, fromID, toID string) (state.DraftVersion, state.DraftVersion, error) {
	var none state.DraftVersion
	versions := ForSection(s, section)

	if fromID != "" && toID != "" {
		from, ok := Find(s, fromID)
		if !ok {
			return none, none, fmt.Errorf("%w: %s", ErrNotFound, fromID)
		}
		to, ok := Find(s, toID)
		if !ok {
			return none, none, fmt.Errorf("%w: %s", ErrNotFound, toID)
		}
		if from.Section != section || to.Section != section {
			return none, none, ErrSectionMismatch
		}
		return from, to, nil
	}

	toIdx := len(versions) - 1
	if toID != "" {
		toIdx = -1
		for i, v := range versions {
			if v.VersionID == toID {
				toIdx = i
			}
		}
		if toIdx < 0 {
			return none, none, fmt.Errorf("%w: %s", ErrNotFound, toID)
		}
	}
	if fromID != "" {
		from, ok := Find(s, fromID)
		if !ok || from.Section != section {
			return none, none, fmt.Errorf("%w: %s", ErrNotFound, fromID)
		}
		if toIdx < 0 {
			return none, none, ErrNotEnough
		}
		return from, versions[toIdx], nil
	}
	if toIdx < 1 {
		return none, none, ErrNotEnough
	}
	return versions[toIdx-1], versions[toIdx], nil
}

func render(content any) (string, error) {
	raw, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw) + "\n", nil
}
