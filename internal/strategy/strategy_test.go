package strategy

import (
	"strings"
	"testing"
)

func TestLoadBuiltinAll(t *testing.T) {
	names := []string{"usaid", "eu", "worldbank", "generic"}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			c, err := LoadBuiltin(name)
			if err != nil {
				t.Fatalf("LoadBuiltin(%q): %v", name, err)
			}
			if c.DonorID() != name {
				t.Errorf("donor = %q, want %q", c.DonorID(), name)
			}
			if c.RAGNamespace() == "" {
				t.Error("namespace is empty")
			}
			sch := c.Schema()
			if len(sch.Hierarchy) == 0 {
				t.Error("catalog has no hierarchy")
			}
			for _, lvl := range sch.Hierarchy {
				if lvl.Code == "" || lvl.Key == "" {
					t.Errorf("level %+v missing key or code", lvl)
				}
			}
			for _, stage := range []string{"architect", "mel", "critic"} {
				if c.Prompts()[stage] == "" {
					t.Errorf("missing %s prompt", stage)
				}
			}
		})
	}
}

func TestLoadBuiltinNotFound(t *testing.T) {
	if _, err := LoadBuiltin("nonexistent"); err == nil {
		t.Error("expected error for unknown donor")
	}
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte("donor: \"  Acme \"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Donor != "acme" {
		t.Errorf("donor = %q", c.Donor)
	}
	if c.Namespace != "acme_default" {
		t.Errorf("namespace = %q", c.Namespace)
	}
	if c.Spec.ClaimThreshold != 0.5 || c.Spec.IndicatorThreshold != 0.5 {
		t.Errorf("thresholds = %v/%v", c.Spec.ClaimThreshold, c.Spec.IndicatorThreshold)
	}

	if _, err := Parse([]byte("name: nobody\n")); err == nil {
		t.Error("expected error for missing donor")
	}
}

func TestPromptsReturnsCopy(t *testing.T) {
	c, err := LoadBuiltin("usaid")
	if err != nil {
		t.Fatal(err)
	}
	p := c.Prompts()
	p["architect"] = "mutated"
	if c.Prompts()["architect"] == "mutated" {
		t.Error("Prompts must not expose the catalog map")
	}
}

func TestRegistryResolve(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		in    string
		want  string
		found bool
	}{
		{"usaid", "usaid", true},
		{"  USAID ", "usaid", true},
		{"WB", "worldbank", true},
		{"european_union", "eu", true},
		{"unknown-donor", GenericDonor, false},
		{"", GenericDonor, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, found := r.Resolve(tt.in)
			if s.DonorID() != tt.want || found != tt.found {
				t.Errorf("Resolve(%q) = %s,%v want %s,%v", tt.in, s.DonorID(), found, tt.want, tt.found)
			}
		})
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	c, _ := LoadBuiltin("eu")
	if err := r.Register(c); err == nil {
		t.Error("expected duplicate registration error")
	}
	if len(r.IDs()) != 4 {
		t.Errorf("IDs = %v", r.IDs())
	}
}

func TestFormatForPrompt(t *testing.T) {
	c, err := LoadBuiltin("usaid")
	if err != nil {
		t.Fatal(err)
	}
	out := FormatForPrompt(c)
	for _, want := range []string{"## Donor: usaid", "Development Objective", "Intermediate Result", "usaid_ads201"} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt text missing %q", want)
		}
	}
}
