package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/grantflow/internal/llm"
	"github.com/dshills/grantflow/internal/prompt"
	"github.com/dshills/grantflow/internal/schema"
	"github.com/dshills/grantflow/internal/state"
)

type llmFinding struct {
	Section  string `json:"section" validate:"omitempty,oneof=toc logframe general"`
	Severity string `json:"severity" validate:"required,oneof=low medium high"`
	Message  string `json:"message" validate:"required"`
	FixHint  string `json:"fix_hint"`
}

type llmReview struct {
	Score    *float64     `json:"score" validate:"required,gte=0,lte=10"`
	Findings []llmFinding `json:"findings" validate:"dive"`
}

type llmResult struct {
	score    float64
	findings []state.Finding
}

// reviewWithLLM asks the provider for a score and findings. Output that
// fails validation gets one repair round trip.
func reviewWithLLM(ctx context.Context, p llm.Provider, settings llm.Settings, s *state.ProposalState, ruleFindings []state.Finding, policy *Policy) (*llmResult, error) {
	text := prompt.BuildCritic(prompt.CriticOpts{
		Strategy:      s.Strategy,
		TocDraft:      s.TocDraft,
		LogframeDraft: s.LogframeDraft,
		RuleFindings:  ruleFindings,
		MaxFindings:   policy.MaxLLMFindings,
	})

	raw, err := p.Generate(ctx, text, settings)
	if err != nil {
		return nil, err
	}
	rv, errs := decodeReview(raw)
	if len(errs) > 0 {
		repaired, err := p.Generate(ctx, prompt.BuildRepair(raw, errs), settings)
		if err != nil {
			return nil, fmt.Errorf("repair: %w", err)
		}
		rv, errs = decodeReview(repaired)
		if len(errs) > 0 {
			return nil, fmt.Errorf("invalid critic output after repair: %s", strings.Join(schema.Messages(errs), "; "))
		}
	}

	if len(rv.Findings) > policy.MaxLLMFindings {
		rv.Findings = rv.Findings[:policy.MaxLLMFindings]
	}

	res := &llmResult{score: *rv.Score}
	for _, lf := range rv.Findings {
		section := state.Section(lf.Section)
		if section == "" {
			section = state.SectionGeneral
		}
		labels := policy.Classify(lf.Message + " " + lf.FixHint)
		f := state.Finding{
			Code:     "LLM_" + strings.ToUpper(labels[0]),
			Severity: state.Severity(lf.Severity),
			Section:  section,
			Status:   state.StatusOpen,
			Message:  strings.TrimSpace(lf.Message),
			FixHint:  strings.TrimSpace(lf.FixHint),
			Source:   state.SourceLLM,
			Labels:   labels,
		}
		if v, ok := s.LatestVersion(section); ok {
			f.VersionID = v.VersionID
		}
		f.ID = FindingID(f)
		res.findings = append(res.findings, f)
	}
	return res, nil
}

func decodeReview(raw string) (*llmReview, []schema.ValidationError) {
	var rv llmReview
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &rv); err != nil {
		return nil, []schema.ValidationError{{Path: "$", Message: "invalid JSON: " + err.Error()}}
	}
	for i := range rv.Findings {
		rv.Findings[i].Severity = strings.ToLower(strings.TrimSpace(rv.Findings[i].Severity))
		rv.Findings[i].Section = strings.ToLower(strings.TrimSpace(rv.Findings[i].Section))
	}
	if errs := schema.ValidateStruct(rv); len(errs) > 0 {
		return nil, errs
	}
	return &rv, nil
}
