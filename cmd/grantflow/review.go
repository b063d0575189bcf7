package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/grantflow/internal/critic"
	"github.com/dshills/grantflow/internal/grounding"
	"github.com/dshills/grantflow/internal/llm"
	"github.com/dshills/grantflow/internal/render"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/version"
)

// stateSource selects a proposal state from a JSON file or a stored job.
type stateSource struct {
	file string
	job  string
}

func (src *stateSource) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&src.file, "state", "", "Proposal state JSON file")
	cmd.Flags().StringVar(&src.job, "job", "", "Read the state of a stored job instead of a file")
	cmd.MarkFlagsOneRequired("state", "job")
	cmd.MarkFlagsMutuallyExclusive("state", "job")
}

// load reads the state and binds its donor strategy.
func (src *stateSource) load(cmd *cobra.Command, a *app) (*state.ProposalState, error) {
	var s *state.ProposalState
	if src.file != "" {
		var err error
		if s, err = readState(src.file); err != nil {
			return nil, err
		}
	} else {
		if err := a.openStores(); err != nil {
			return nil, err
		}
		j, err := a.jobs.Get(cmd.Context(), src.job)
		if err != nil {
			return nil, storeError(err)
		}
		if j.State == nil {
			return nil, exitError(exitInput, "job %s has no state", src.job)
		}
		s = j.State
	}
	s.Strategy, _ = a.reg.Resolve(s.DonorID)
	return s, nil
}

type criticFlags struct {
	src    stateSource
	format string
	llm    bool
	out    string
}

func newCriticCmd(g *globalFlags) *cobra.Command {
	f := &criticFlags{}
	cmd := &cobra.Command{
		Use:   "critic",
		Short: "Score a proposal state and list its findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCritic(cmd, g, f)
		},
	}
	f.src.register(cmd)
	cmd.Flags().StringVar(&f.format, "format", "json", "Output format: json or md")
	cmd.Flags().BoolVar(&f.llm, "llm", false, "Add an LLM review to the rule checks")
	cmd.Flags().StringVar(&f.out, "out", "", "Output file path (default: stdout)")
	return cmd
}

func runCritic(cmd *cobra.Command, g *globalFlags, f *criticFlags) error {
	a, err := newApp(cmd, g)
	if err != nil {
		return err
	}
	defer a.Close()
	s, err := f.src.load(cmd, a)
	if err != nil {
		return err
	}

	var p llm.Provider
	if f.llm {
		if p, err = a.provider(); err != nil {
			return err
		}
		s.LLMMode = true
	}
	d, err := a.deps(p)
	if err != nil {
		return err
	}
	r := critic.Evaluate(cmd.Context(), s, d.CriticOptions(s))
	if r.LLMError != "" {
		a.log.Warn("llm review failed; rule score only", "err", r.LLMError)
	}

	var output string
	switch f.format {
	case "json":
		var b strings.Builder
		if err := writeJSON(&b, r); err != nil {
			return err
		}
		output = b.String()
	case "md":
		output = render.Markdown(r)
	default:
		return exitError(exitInput, "unknown format: %s", f.format)
	}
	if err := emit(cmd, f.out, output); err != nil {
		return err
	}
	if r.CombinedScore < r.Threshold {
		return exitError(exitThreshold, "score %.2f is below threshold %.2f", r.CombinedScore, r.Threshold)
	}
	return nil
}

func newPreflightCmd(g *globalFlags) *cobra.Command {
	var (
		src    stateSource
		mode   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check whether a proposal's citations ground its drafts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()
			m := a.cfg.Mode()
			if cmd.Flags().Changed("mode") {
				if m, err = grounding.ParseMode(mode); err != nil {
					return exitError(exitInput, "%v", err)
				}
			}
			s, err := src.load(cmd, a)
			if err != nil {
				return err
			}
			rep := grounding.Evaluate(s, m, grounding.Options{Floor: a.cfg.GroundingFloor})

			switch format {
			case "json":
				if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
			case "md":
				fmt.Fprint(cmd.OutOrStdout(), render.Preflight(rep))
			default:
				return exitError(exitInput, "unknown format: %s", format)
			}
			if rep.Blocking {
				return exitError(exitThreshold, "grounding gate blocked: %d reason(s)", len(rep.Reasons))
			}
			return nil
		},
	}
	src.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", "", "Gate mode: off, warn or strict (default from config)")
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or md")
	return cmd
}

func newDiffCmd(g *globalFlags) *cobra.Command {
	var (
		src      stateSource
		section  string
		from, to string
		out      string
	)
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show a unified diff between two draft versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()
			sec := state.Section(strings.ToLower(section))
			if !sec.Valid() {
				return exitError(exitInput, "unknown section: %s", section)
			}
			s, err := src.load(cmd, a)
			if err != nil {
				return err
			}
			d, err := version.Diff(s, sec, from, to)
			if err != nil {
				return exitError(exitInput, "%v", err)
			}
			if out != "" {
				if err := version.WriteDiffFile(d, out); err != nil {
					return fmt.Errorf("failed to write diff: %w", err)
				}
				a.log.Info("diff written", "path", out, "added", d.Added, "removed", d.Removed)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), render.Diff(d))
			return nil
		},
	}
	src.register(cmd)
	cmd.Flags().StringVar(&section, "section", "toc", "Section: toc or logframe")
	cmd.Flags().StringVar(&from, "from", "", "Older version id (default: the one before --to)")
	cmd.Flags().StringVar(&to, "to", "", "Newer version id (default: latest)")
	cmd.Flags().StringVar(&out, "out", "", "Write the diff to this file")
	return cmd
}

func newDonorsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "donors",
		Short: "List the built-in donor strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DONOR\tNAMESPACE\tLEVELS")
			for _, id := range a.reg.IDs() {
				st, _ := a.reg.Get(id)
				var levels []string
				for _, lv := range st.Schema().Hierarchy {
					levels = append(levels, lv.Label)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", id, st.RAGNamespace(), strings.Join(levels, " > "))
			}
			return tw.Flush()
		},
	}
}

func emit(cmd *cobra.Command, path, output string) error {
	if path == "" {
		fmt.Fprint(cmd.OutOrStdout(), output)
		return nil
	}
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
