package critic

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var builtinPolicy []byte

// Unclassified labels a finding that matched no phrase.
const Unclassified = "unclassified"

// LabelRule assigns Label to any finding text containing one of Phrases.
type LabelRule struct {
	Label   string   `yaml:"label"`
	Phrases []string `yaml:"phrases"`
}

// Policy is the configurable classification data for LLM findings.
type Policy struct {
	MinClaimHitRate float64     `yaml:"min_claim_hit_rate"`
	MaxLLMFindings  int         `yaml:"max_llm_findings"`
	AdvisoryLabels  []string    `yaml:"advisory_labels"`
	Labels          []LabelRule `yaml:"labels"`

	advisory map[string]bool
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(builtinPolicy)
	if err != nil {
		panic(fmt.Sprintf("critic: builtin policy: %v", err))
	}
	return p
}

// LoadPolicy reads a policy YAML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("critic.LoadPolicy: %w", err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("critic.LoadPolicy %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes and checks policy YAML. Phrases are lowercased and
// every advisory label must exist in the taxonomy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if len(p.Labels) == 0 {
		return nil, fmt.Errorf("policy defines no labels")
	}
	if p.MinClaimHitRate <= 0 {
		p.MinClaimHitRate = 0.8
	}
	if p.MaxLLMFindings <= 0 {
		p.MaxLLMFindings = 20
	}

	known := make(map[string]bool, len(p.Labels))
	for i := range p.Labels {
		r := &p.Labels[i]
		if r.Label == "" {
			return nil, fmt.Errorf("labels[%d]: label is required", i)
		}
		known[r.Label] = true
		for j, ph := range r.Phrases {
			r.Phrases[j] = strings.ToLower(strings.TrimSpace(ph))
		}
	}
	p.advisory = make(map[string]bool, len(p.AdvisoryLabels))
	for _, l := range p.AdvisoryLabels {
		if !known[l] {
			return nil, fmt.Errorf("advisory label %q is not in the taxonomy", l)
		}
		p.advisory[l] = true
	}
	return &p, nil
}

// Classify returns the sorted labels matching text, or [Unclassified].
func (p *Policy) Classify(text string) []string {
	lower := strings.ToLower(text)
	var labels []string
	for _, r := range p.Labels {
		for _, ph := range r.Phrases {
			if ph != "" && strings.Contains(lower, ph) {
				labels = append(labels, r.Label)
				break
			}
		}
	}
	if len(labels) == 0 {
		return []string{Unclassified}
	}
	sort.Strings(labels)
	out := labels[:1]
	for _, l := range labels[1:] {
		if l != out[len(out)-1] {
			out = append(out, l)
		}
	}
	return out
}

// IsAdvisory reports whether every label is on the advisory allow-list.
func (p *Policy) IsAdvisory(labels []string) bool {
	if len(labels) == 0 {
		return false
	}
	for _, l := range labels {
		if !p.advisory[l] {
			return false
		}
	}
	return true
}
