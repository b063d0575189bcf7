// Package strategy loads donor capability catalogs and exposes them through the
// Strategy interface consumed by the pipeline nodes.
package strategy

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// GenericDonor is the fallback catalog used when a donor id is unknown.
const GenericDonor = "generic"

// Strategy is the per-donor capability set. Implementations are immutable.
type Strategy interface {
	DonorID() string
	Schema() Schema
	RAGNamespace() string
	Prompts() map[string]string
}

// Level is one tier of a donor's results hierarchy. Level N+1 items are
// nested under Key of each level N item.
type Level struct {
	Key      string `yaml:"key"`
	Label    string `yaml:"label"`
	Code     string `yaml:"code"`
	IDPrefix string `yaml:"id_prefix"`
}

// Field is a narrative field the donor requires in the ToC draft.
type Field struct {
	Key    string `yaml:"key"`
	Label  string `yaml:"label"`
	Code   string `yaml:"code"`
	Source string `yaml:"source"`
}

// Schema describes the shape the donor expects from drafts.
type Schema struct {
	TocRules           map[string]any `yaml:"toc_rules"`
	Hierarchy          []Level        `yaml:"hierarchy"`
	NarrativeFields    []Field        `yaml:"narrative_fields"`
	ClaimThreshold     float64        `yaml:"claim_threshold"`
	IndicatorThreshold float64        `yaml:"indicator_threshold"`
}

// Catalog is the YAML form of a donor strategy.
type Catalog struct {
	Donor       string            `yaml:"donor"`
	Name        string            `yaml:"name"`
	Aliases     []string          `yaml:"aliases"`
	Namespace   string            `yaml:"rag_namespace"`
	Description string            `yaml:"description"`
	Spec        Schema            `yaml:"schema"`
	PromptText  map[string]string `yaml:"prompts"`
}

func (c *Catalog) DonorID() string      { return c.Donor }
func (c *Catalog) RAGNamespace() string { return c.Namespace }
func (c *Catalog) Schema() Schema       { return c.Spec }

// Prompts returns a copy of the stage prompt map.
func (c *Catalog) Prompts() map[string]string {
	out := make(map[string]string, len(c.PromptText))
	for k, v := range c.PromptText {
		out[k] = v
	}
	return out
}

// LoadBuiltin loads a built-in donor catalog by name.
func LoadBuiltin(name string) (*Catalog, error) {
	data, err := builtinFS.ReadFile("builtin/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("strategy.LoadBuiltin: unknown donor %q: %w", name, err)
	}
	return Parse(data)
}

// Parse decodes a catalog and applies threshold defaults.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("strategy.Parse: %w", err)
	}
	c.Donor = CanonicalID(c.Donor)
	if c.Donor == "" {
		return nil, fmt.Errorf("strategy.Parse: donor is required")
	}
	if c.Namespace == "" {
		c.Namespace = c.Donor + "_default"
	}
	if c.Spec.ClaimThreshold <= 0 {
		c.Spec.ClaimThreshold = 0.5
	}
	if c.Spec.IndicatorThreshold <= 0 {
		c.Spec.IndicatorThreshold = c.Spec.ClaimThreshold
	}
	return &c, nil
}

// List returns the names of all built-in catalogs.
func List() ([]string, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, ".yaml") {
			names = append(names, strings.TrimSuffix(n, ".yaml"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// CanonicalID lowercases and trims a donor key.
func CanonicalID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// FormatForPrompt renders a strategy's schema into prompt text.
func FormatForPrompt(s Strategy) string {
	var b strings.Builder
	sch := s.Schema()

	fmt.Fprintf(&b, "## Donor: %s\n\n", s.DonorID())
	fmt.Fprintf(&b, "Evidence namespace: %s\n\n", s.RAGNamespace())

	if len(sch.NarrativeFields) > 0 {
		b.WriteString("### Required narrative fields\n\n")
		for _, f := range sch.NarrativeFields {
			fmt.Fprintf(&b, "- %s (`%s`)\n", f.Label, f.Key)
		}
		b.WriteString("\n")
	}

	if len(sch.Hierarchy) > 0 {
		b.WriteString("### Results hierarchy\n\n")
		for i, lvl := range sch.Hierarchy {
			fmt.Fprintf(&b, "%s- %s (`%s`, ids %s1, %s2, ...)\n",
				strings.Repeat("  ", i), lvl.Label, lvl.Key, lvl.IDPrefix, lvl.IDPrefix)
		}
		b.WriteString("\n")
	}
	return b.String()
}
