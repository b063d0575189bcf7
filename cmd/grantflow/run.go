package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/grantflow/internal/brief"
	"github.com/dshills/grantflow/internal/hitl"
	"github.com/dshills/grantflow/internal/jobs"
	"github.com/dshills/grantflow/internal/jobstore"
	"github.com/dshills/grantflow/internal/llm"
	"github.com/dshills/grantflow/internal/state"
)

type runFlags struct {
	brief     string
	donor     string
	hitl      bool
	llm       bool
	out       string
	failUnder float64
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a proposal job from a brief",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, g, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.brief, "brief", "", "Project brief (YAML, JSON or Markdown)")
	flags.StringVar(&f.donor, "donor", "", "Donor id (overrides the brief)")
	flags.BoolVar(&f.hitl, "hitl", false, "Pause for human review at the ToC and logframe gates")
	flags.BoolVar(&f.llm, "llm", false, "Draft and review with the configured LLM provider")
	flags.StringVar(&f.out, "out", "", "Write the final proposal state as JSON to this file")
	flags.Float64Var(&f.failUnder, "fail-under", 0, "Exit 2 if a finished job scores below this")
	_ = cmd.MarkFlagRequired("brief")
	return cmd
}

func runRun(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	a, err := newApp(cmd, g)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := brief.Load(f.brief)
	if err != nil {
		return exitError(exitInput, "failed to load brief: %v", err)
	}
	s, err := b.State()
	if err != nil {
		return exitError(exitInput, "invalid brief: %v", err)
	}
	applyRunOverrides(cmd, a, b, s, f)

	var p llm.Provider
	if s.LLMMode {
		if p, err = a.provider(); err != nil {
			return err
		}
	}
	r, err := a.runner(p)
	if err != nil {
		return err
	}

	j, runErr := r.Start(cmd.Context(), s, b.Hash)
	if j == nil {
		return exitError(exitStore, "start job: %v", runErr)
	}
	if f.out != "" {
		if err := writeJSONFile(f.out, j.State); err != nil {
			return err
		}
	}
	if err := writeJSON(cmd.OutOrStdout(), summarize(j)); err != nil {
		return err
	}
	if runErr != nil {
		return exitError(exitGeneric, "job %s failed: %v", j.ID, runErr)
	}
	return checkScore(j, f.failUnder)
}

// applyRunOverrides layers flags and config over the brief's own settings.
func applyRunOverrides(cmd *cobra.Command, a *app, b *brief.Brief, s *state.ProposalState, f *runFlags) {
	if f.donor != "" {
		s.DonorID, s.Donor = f.donor, f.donor
	}
	if cmd.Flags().Changed("hitl") {
		s.HITLEnabled = f.hitl
	} else if _, ok := b.Record["hitl_enabled"]; !ok {
		s.HITLEnabled = a.cfg.HITLEnabled
	}
	if cmd.Flags().Changed("llm") {
		s.LLMMode = f.llm
	}
	if _, ok := b.Record["max_iterations"]; !ok {
		s.MaxIterations = a.cfg.MaxIterations
	}
}

type resumeFlags struct {
	approve  bool
	reject   bool
	revise   bool
	feedback string
	out      string
}

func newResumeCmd(g *globalFlags) *cobra.Command {
	f := &resumeFlags{}
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Record a review decision and continue a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, g, f, args[0])
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&f.approve, "approve", false, "Approve the paused draft")
	flags.BoolVar(&f.reject, "reject", false, "Reject the paused draft and regenerate it")
	flags.BoolVar(&f.revise, "revise", false, "Accept the draft with reviewer edits noted in --feedback")
	flags.StringVar(&f.feedback, "feedback", "", "Reviewer feedback carried into the next draft")
	flags.StringVar(&f.out, "out", "", "Write the proposal state as JSON to this file")
	cmd.MarkFlagsOneRequired("approve", "reject", "revise")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject", "revise")
	return cmd
}

func (f *resumeFlags) decision() hitl.Status {
	switch {
	case f.reject:
		return hitl.StatusRejected
	case f.revise:
		return hitl.StatusRevised
	default:
		return hitl.StatusApproved
	}
}

func runResume(cmd *cobra.Command, g *globalFlags, f *resumeFlags, jobID string) error {
	a, err := newApp(cmd, g)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openStores(); err != nil {
		return err
	}

	cur, err := a.jobs.Get(cmd.Context(), jobID)
	if err != nil {
		return storeError(err)
	}
	var p llm.Provider
	if cur.State != nil && cur.State.LLMMode {
		if p, err = a.provider(); err != nil {
			a.log.Warn("resuming without an llm provider; drafts fall back to deterministic", "err", err)
			p = nil
		}
	}
	r, err := a.runner(p)
	if err != nil {
		return err
	}

	j, err := r.Resume(cmd.Context(), jobID, f.decision(), f.feedback)
	switch {
	case errors.Is(err, jobs.ErrNotPaused), errors.Is(err, hitl.ErrTerminal):
		return exitError(exitInput, "%v", err)
	case j == nil && err != nil:
		return storeError(err)
	}
	if f.out != "" {
		if werr := writeJSONFile(f.out, j.State); werr != nil {
			return werr
		}
	}
	if werr := writeJSON(cmd.OutOrStdout(), summarize(j)); werr != nil {
		return werr
	}
	if err != nil {
		return exitError(exitGeneric, "job %s failed: %v", j.ID, err)
	}
	return nil
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job, or list all jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openStores(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if len(args) == 0 {
				all, err := a.jobs.List(ctx)
				if err != nil {
					return storeError(err)
				}
				out := make([]jobSummary, 0, len(all))
				for _, j := range all {
					out = append(out, summarize(j))
				}
				sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
				return writeJSON(cmd.OutOrStdout(), out)
			}
			j, err := a.jobs.Get(ctx, args[0])
			if err != nil {
				return storeError(err)
			}
			if full {
				return writeJSON(cmd.OutOrStdout(), j)
			}
			return writeJSON(cmd.OutOrStdout(), summarize(j))
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Include the full proposal state")
	return cmd
}

func newBatchCmd(g *globalFlags) *cobra.Command {
	var useLLM bool
	cmd := &cobra.Command{
		Use:   "batch <brief>...",
		Short: "Run many briefs as independent jobs in parallel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			states := make([]*state.ProposalState, 0, len(args))
			llmMode := useLLM
			for _, path := range args {
				b, err := brief.Load(path)
				if err != nil {
					return exitError(exitInput, "failed to load brief %s: %v", path, err)
				}
				s, err := b.State()
				if err != nil {
					return exitError(exitInput, "invalid brief %s: %v", path, err)
				}
				s.HITLEnabled = false
				if useLLM {
					s.LLMMode = true
				}
				llmMode = llmMode || s.LLMMode
				if _, ok := b.Record["max_iterations"]; !ok {
					s.MaxIterations = a.cfg.MaxIterations
				}
				states = append(states, s)
			}

			var p llm.Provider
			if llmMode {
				if p, err = a.provider(); err != nil {
					return err
				}
			}
			r, err := a.runner(p)
			if err != nil {
				return err
			}
			results, err := r.RunBatch(cmd.Context(), states)
			if err != nil {
				return storeError(err)
			}

			out := make([]jobSummary, 0, len(results))
			failed := 0
			for i, res := range results {
				if res.Job == nil {
					failed++
					a.log.Error("batch job not started", "brief", args[i], "err", res.Err)
					continue
				}
				sum := summarize(res.Job)
				sum.Brief = args[i]
				out = append(out, sum)
				if res.Err != nil {
					failed++
				}
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if failed > 0 {
				return exitError(exitGeneric, "%d of %d jobs failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&useLLM, "llm", false, "Draft and review with the configured LLM provider")
	return cmd
}

// jobSummary is the compact job view printed by run, resume and status.
type jobSummary struct {
	ID            string   `json:"job_id"`
	Brief         string   `json:"brief,omitempty"`
	Status        string   `json:"status"`
	Donor         string   `json:"donor_id,omitempty"`
	Iteration     int      `json:"iteration"`
	Score         *float64 `json:"critic_score,omitempty"`
	NeedsRevision bool     `json:"needs_revision"`
	Stage         string   `json:"hitl_checkpoint_stage,omitempty"`
	CheckpointID  string   `json:"checkpoint_id,omitempty"`
	OpenFindings  int      `json:"open_findings"`
	Error         string   `json:"error,omitempty"`
}

func summarize(j *jobstore.Job) jobSummary {
	out := jobSummary{ID: j.ID, Status: string(j.Status), CheckpointID: j.CheckpointID, Error: j.Error}
	if s := j.State; s != nil {
		out.Donor = s.DonorID
		out.Iteration = s.Iteration
		out.Score = s.CriticScore
		out.NeedsRevision = s.NeedsRevision
		out.Stage = string(s.HITLCheckpointStage)
		for _, f := range s.CriticNotes.Findings {
			if f.Status == state.StatusOpen {
				out.OpenFindings++
			}
		}
	}
	return out
}

func checkScore(j *jobstore.Job, failUnder float64) error {
	if failUnder <= 0 || j.Status != jobstore.StatusDone {
		return nil
	}
	if score, ok := j.State.Score(); ok && score < failUnder {
		return exitError(exitThreshold, "score %.2f is below %.2f", score, failUnder)
	}
	return nil
}

func storeError(err error) error {
	if errors.Is(err, jobstore.ErrNotFound) || errors.Is(err, hitl.ErrNotFound) {
		return exitError(exitInput, "%v", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return exitError(exitGeneric, "%v", err)
	}
	return exitError(exitStore, "%v", err)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// readState loads a proposal state JSON file.
func readState(path string) (*state.ProposalState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, exitError(exitInput, "failed to read state: %v", err)
	}
	s, err := state.Decode(data)
	if err != nil {
		return nil, exitError(exitInput, "invalid state %s: %v", path, strings.TrimPrefix(err.Error(), "state.Decode: "))
	}
	return s, nil
}
