// Package brief handles reading and hashing project brief files and turning
// them into an initial proposal state.
package brief

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/grantflow/internal/state"
)

// Brief holds a loaded brief file with its decoded record and metadata.
type Brief struct {
	FilePath string
	Raw      string
	Hash     string
	Record   map[string]any
}

// controlKeys are top-level brief keys that configure the run rather than
// describe the project.
var controlKeys = map[string]bool{
	"donor_id":       true,
	"donor":          true,
	"llm_mode":       true,
	"hitl_enabled":   true,
	"max_iterations": true,
}

// Load reads a brief and computes its SHA-256 hash. YAML and JSON files are
// decoded as records; Markdown and text files become a description with
// objectives inferred from headings and bullets.
func Load(path string) (*Brief, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("brief.Load: %w", err)
	}
	h := sha256.Sum256(data)
	b := &Brief{
		FilePath: path,
		Raw:      string(data),
		Hash:     fmt.Sprintf("sha256:%x", h),
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		b.Record = map[string]any{"input_context": FromText(b.Raw)}
	default:
		rec, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("brief.Load %s: %w", path, err)
		}
		b.Record = rec
	}
	return b, nil
}

// Parse decodes a YAML or JSON brief record.
func Parse(data []byte) (map[string]any, error) {
	var rec map[string]any
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse brief: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("brief is empty")
	}
	return rec, nil
}

// State builds a normalized initial state. When the record has no
// input_context or input key, every non-control key is project input.
func (b *Brief) State() (*state.ProposalState, error) {
	rec := make(map[string]any, len(b.Record))
	_, hasInput := b.Record["input_context"]
	_, hasAlias := b.Record["input"]
	input := map[string]any{}
	for k, v := range b.Record {
		if hasInput || hasAlias || controlKeys[k] {
			rec[k] = v
			continue
		}
		input[k] = v
	}
	if !hasInput && !hasAlias {
		rec["input_context"] = input
	}
	s, err := state.FromMap(rec)
	if err != nil {
		return nil, fmt.Errorf("brief.State: %w", err)
	}
	return s, nil
}

var (
	// Markdown heading: ## Title or ## 1. Title
	headingPattern = regexp.MustCompile(`^#{1,6}\s+(?:\d+[\.\)]\s*)?(.+)`)
	// Numbered bullet: 1. Objective text
	numberedPattern = regexp.MustCompile(`^\d+[\.\)]\s+(.+)`)
	// Dash or star bullet: - Objective text
	dashPattern = regexp.MustCompile(`^[-*]\s+(.+)`)
	// Labeled line: Goal: text
	labelPattern = regexp.MustCompile(`^(?i)(title|goal|problem|beneficiaries|location|budget|duration):\s*(.+)`)
)

// FromText turns a free-form brief into project input. The first heading is
// the title, labeled lines ("Goal: ...") become fields and numbered or
// bulleted lines become objectives.
func FromText(raw string) map[string]any {
	input := map[string]any{"description": strings.TrimSpace(raw)}
	var objectives []any
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case headingPattern.MatchString(trimmed):
			if _, ok := input["title"]; !ok {
				input["title"] = strings.TrimSpace(headingPattern.FindStringSubmatch(trimmed)[1])
			}
		case labelPattern.MatchString(trimmed):
			m := labelPattern.FindStringSubmatch(trimmed)
			input[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
		case numberedPattern.MatchString(trimmed):
			objectives = append(objectives, strings.TrimSpace(numberedPattern.FindStringSubmatch(trimmed)[1]))
		case dashPattern.MatchString(trimmed):
			objectives = append(objectives, strings.TrimSpace(dashPattern.FindStringSubmatch(trimmed)[1]))
		}
	}
	if len(objectives) > 0 {
		input["objectives"] = objectives
	}
	return input
}
