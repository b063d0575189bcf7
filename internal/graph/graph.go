// Package graph sequences the pipeline nodes through an explicit transition
// table and implements the human review pause/resume protocol.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/grantflow/internal/hitl"
	"github.com/dshills/grantflow/internal/nodes"
	"github.com/dshills/grantflow/internal/state"
)

var (
	ErrStepLimit    = errors.New("step limit exceeded")
	ErrUnknownStart = errors.New("unknown start node")
	ErrUndecided    = errors.New("checkpoint has no decision")
)

// Node names.
const (
	Start        = "start"
	Discovery    = "discovery"
	Architect    = "architect"
	TocGate      = "toc_hitl_gate"
	MEL          = "mel"
	LogframeGate = "logframe_hitl_gate"
	Critic       = "critic"
	End          = "end"
)

// DefaultMaxSteps bounds one invocation.
const DefaultMaxSteps = 64

// edge is one conditional transition; a nil when always matches.
type edge struct {
	when func(*state.ProposalState) bool
	to   string
}

func pending(s *state.ProposalState) bool       { return s.HITLPending }
func notPending(s *state.ProposalState) bool    { return !s.HITLPending }
func needsRevision(s *state.ProposalState) bool { return s.NeedsRevision }

// transitions is walked first match wins. The start router is handled
// separately because it reads _start_at.
var transitions = map[string][]edge{
	Discovery:    {{nil, Architect}},
	Architect:    {{nil, TocGate}},
	TocGate:      {{pending, End}, {notPending, MEL}},
	MEL:          {{nil, LogframeGate}},
	LogframeGate: {{pending, End}, {notPending, Critic}},
	Critic:       {{needsRevision, Architect}, {nil, End}},
}

// entryPoints maps _start_at values to the node the router dispatches to.
var entryPoints = map[string]string{
	"":        Discovery,
	Start:     Discovery,
	Architect: Architect,
	MEL:       MEL,
	Critic:    Critic,
}

type jobKey struct{}

// WithJobID tags ctx with the job that owns the run; checkpoints record it.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobKey{}, id)
}

func jobID(ctx context.Context) string {
	id, _ := ctx.Value(jobKey{}).(string)
	return id
}

// Options configures an Executor.
type Options struct {
	// Checkpoints receives a checkpoint at every pause; nil skips them.
	Checkpoints hitl.Store
	Metrics     *Metrics
	Logger      *slog.Logger
	MaxSteps    int
}

// Executor runs proposal states through the node graph. One invocation is
// synchronous; an Executor may serve many independent states concurrently.
type Executor struct {
	nodes map[string]nodes.Node
	opts  Options
}

// New builds an executor over the nodes in d.
func New(d *nodes.Deps, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	e := &Executor{opts: opts}
	e.nodes = map[string]nodes.Node{
		Discovery:    d.Discovery,
		Architect:    d.Architect,
		TocGate:      e.gate(state.CheckpointToC, state.ResumeMEL),
		MEL:          d.MEL,
		LogframeGate: e.gate(state.CheckpointLogframe, state.ResumeCritic),
		Critic:       d.Critic,
	}
	return e
}

// RunPipeline runs s from the start with human review disabled.
func (e *Executor) RunPipeline(ctx context.Context, s *state.ProposalState) (*state.ProposalState, error) {
	s.HITLEnabled = false
	return e.RunHITLSegment(ctx, s, Start)
}

// RunHITLSegment clears any pending pause, enters the graph at startAt and
// runs until a gate pauses or the graph ends. On a node error the partially
// updated state is returned with the error.
func (e *Executor) RunHITLSegment(ctx context.Context, s *state.ProposalState, startAt string) (*state.ProposalState, error) {
	state.Normalize(s)
	s.HITLPending = false
	s.HITLCheckpointStage = state.CheckpointNone
	s.HITLResumeFrom = state.ResumeNone
	s.HITLCheckpointID = ""

	s.StartAt = startAt
	next, ok := entryPoints[startAt]
	if !ok {
		return s, fmt.Errorf("graph.RunHITLSegment: %w: %q", ErrUnknownStart, startAt)
	}
	s.StartAt = ""

	log := e.opts.Logger.With("job_id", jobID(ctx))
	for steps := 0; next != End; steps++ {
		if steps >= e.opts.MaxSteps {
			return s, fmt.Errorf("graph.RunHITLSegment: %w (%d)", ErrStepLimit, e.opts.MaxSteps)
		}
		if err := e.run(ctx, log, next, s); err != nil {
			return s, fmt.Errorf("graph: node %s: %w", next, err)
		}
		from := next
		next = route(from, s)
		if from == Critic && next == Architect && e.opts.Metrics != nil {
			e.opts.Metrics.Revisions.Inc()
		}
	}
	return s, nil
}

func (e *Executor) run(ctx context.Context, log *slog.Logger, name string, s *state.ProposalState) error {
	start := time.Now()
	err := e.nodes[name](ctx, s)
	elapsed := time.Since(start)

	if m := e.opts.Metrics; m != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.NodeRuns.WithLabelValues(name, status).Inc()
		m.NodeDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		if name == Critic && err == nil {
			if v, ok := s.Score(); ok {
				m.CriticScore.Observe(v)
			}
		}
	}
	log.Debug("node done", "node", name, "iteration", s.Iteration, "duration", elapsed, "err", err)
	return err
}

func route(from string, s *state.ProposalState) string {
	for _, e := range transitions[from] {
		if e.when == nil || e.when(s) {
			return e.to
		}
	}
	return End
}

// gate builds a human review gate node. With review disabled it clears the
// pause fields and falls through; otherwise it marks the state pending and
// stores a checkpoint.
func (e *Executor) gate(stage state.CheckpointStage, resume state.ResumeFrom) nodes.Node {
	return func(ctx context.Context, s *state.ProposalState) error {
		state.Normalize(s)
		if !s.HITLEnabled {
			s.HITLPending = false
			s.HITLCheckpointStage = state.CheckpointNone
			s.HITLResumeFrom = state.ResumeNone
			s.HITLCheckpointID = ""
			return nil
		}
		s.HITLPending = true
		s.HITLCheckpointStage = stage
		s.HITLResumeFrom = resume

		if e.opts.Checkpoints != nil {
			cp, err := hitl.New(s, stage, jobID(ctx))
			if err != nil {
				return err
			}
			if err := e.opts.Checkpoints.Save(ctx, cp); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
			s.HITLCheckpointID = cp.ID
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.Pauses.WithLabelValues(string(stage)).Inc()
		}
		e.opts.Logger.Info("paused for review", "job_id", jobID(ctx), "stage", stage, "checkpoint", s.HITLCheckpointID)
		return nil
	}
}

// ResumeTarget derives the re-entry node from a checkpoint decision.
// Approved and revised checkpoints move forward; rejected ones regenerate
// the reviewed section. An undecided checkpoint falls back to previous.
func ResumeTarget(stage state.CheckpointStage, status hitl.Status, previous state.ResumeFrom) (string, error) {
	switch status {
	case hitl.StatusApproved, hitl.StatusRevised:
		switch stage {
		case state.CheckpointToC:
			return MEL, nil
		case state.CheckpointLogframe:
			return Critic, nil
		}
	case hitl.StatusRejected:
		switch stage {
		case state.CheckpointToC:
			return Architect, nil
		case state.CheckpointLogframe:
			return MEL, nil
		}
	case hitl.StatusPending:
		if previous != state.ResumeNone && previous.Valid() {
			return string(previous), nil
		}
		return "", fmt.Errorf("graph.ResumeTarget: %w", ErrUndecided)
	}
	return "", fmt.Errorf("graph.ResumeTarget: no target for stage %q status %q", stage, status)
}
