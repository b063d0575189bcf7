// Package jobs runs proposal pipelines as persisted jobs: it records job
// status around each executor invocation and resumes jobs paused at a
// human review gate.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/grantflow/internal/graph"
	"github.com/dshills/grantflow/internal/hitl"
	"github.com/dshills/grantflow/internal/jobstore"
	"github.com/dshills/grantflow/internal/state"
)

var (
	ErrNotPaused     = errors.New("job is not waiting for review")
	ErrNoCheckpoints = errors.New("no checkpoint store configured")
)

// DefaultWorkers bounds RunBatch when Runner.Workers is unset.
const DefaultWorkers = 4

// Runner owns the job lifecycle around a graph executor.
type Runner struct {
	Exec        *graph.Executor
	Jobs        jobstore.Store
	Checkpoints hitl.Store
	Workers     int
	// RunTimeout bounds one executor invocation; zero means no limit.
	RunTimeout  time.Duration
	Logger      *slog.Logger
}

func (r *Runner) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Start persists a new job for s and runs it until it finishes or pauses.
// With review enabled the run stops at the first gate. A failed run is
// recorded on the job and also returned.
func (r *Runner) Start(ctx context.Context, s *state.ProposalState, briefHash string) (*jobstore.Job, error) {
	now := time.Now().UTC()
	j := &jobstore.Job{
		ID:        uuid.New().String(),
		Status:    jobstore.StatusQueued,
		State:     s,
		BriefHash: briefHash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Jobs.Set(ctx, j); err != nil {
		return nil, fmt.Errorf("jobs.Start: %w", err)
	}
	r.log().Info("job queued", "job_id", j.ID, "donor", s.DonorID, "hitl", s.HITLEnabled)
	return r.run(ctx, j.ID, s, graph.Start)
}

// Resume records a reviewer decision on the job's pending checkpoint,
// carries the reviewer feedback into the state and re-enters the graph at
// the node the decision selects. The job is claimed (pending_hitl to
// running) before the checkpoint is decided, so of several concurrent
// resumes exactly one proceeds and the rest get ErrNotPaused.
func (r *Runner) Resume(ctx context.Context, jobID string, decision hitl.Status, feedback string) (*jobstore.Job, error) {
	if r.Checkpoints == nil {
		return nil, fmt.Errorf("jobs.Resume: %w", ErrNoCheckpoints)
	}
	if !decision.Terminal() {
		return nil, fmt.Errorf("jobs.Resume %s: %q is not a decision", jobID, decision)
	}
	j, err := r.Jobs.Update(ctx, jobID, jobstore.Patch{
		IfStatus: jobstore.StatusPtr(jobstore.StatusPendingHITL),
		Status:   jobstore.StatusPtr(jobstore.StatusRunning),
	})
	if errors.Is(err, jobstore.ErrConflict) {
		return nil, fmt.Errorf("jobs.Resume %s: %w (%v)", jobID, ErrNotPaused, err)
	}
	if err != nil {
		return nil, fmt.Errorf("jobs.Resume: %w", err)
	}
	if j.CheckpointID == "" || j.State == nil {
		r.release(ctx, jobID)
		return nil, fmt.Errorf("jobs.Resume %s: %w (no checkpoint)", jobID, ErrNotPaused)
	}

	cp, err := hitl.Resolve(ctx, r.Checkpoints, j.CheckpointID, decision, feedback)
	if err != nil {
		r.release(ctx, jobID)
		return nil, fmt.Errorf("jobs.Resume %s: %w", jobID, err)
	}
	s := j.State
	next, err := graph.ResumeTarget(cp.Stage, cp.Status, s.HITLResumeFrom)
	if err != nil {
		err = fmt.Errorf("jobs.Resume %s: %w", jobID, err)
		if _, uerr := r.Jobs.Update(context.WithoutCancel(ctx), jobID, jobstore.Patch{
			Status: jobstore.StatusPtr(jobstore.StatusError),
			Error:  jobstore.StringPtr(err.Error()),
		}); uerr != nil {
			r.log().Warn("record resume failure", "job_id", jobID, "err", uerr)
		}
		return nil, err
	}
	hitl.ApplyFeedback(s, cp)
	r.log().Info("job resumed", "job_id", jobID, "checkpoint", cp.ID, "stage", cp.Stage, "decision", cp.Status, "next", next)
	return r.run(ctx, jobID, s, next)
}

// release hands a claimed job back to review when its checkpoint could not
// be decided.
func (r *Runner) release(ctx context.Context, jobID string) {
	_, err := r.Jobs.Update(context.WithoutCancel(ctx), jobID, jobstore.Patch{
		IfStatus: jobstore.StatusPtr(jobstore.StatusRunning),
		Status:   jobstore.StatusPtr(jobstore.StatusPendingHITL),
	})
	if err != nil {
		r.log().Warn("release job", "job_id", jobID, "err", err)
	}
}

// run executes one segment and records the outcome on the job.
func (r *Runner) run(ctx context.Context, jobID string, s *state.ProposalState, startAt string) (*jobstore.Job, error) {
	if _, err := r.Jobs.Update(ctx, jobID, jobstore.Patch{
		Status: jobstore.StatusPtr(jobstore.StatusRunning),
		Error:  jobstore.StringPtr(""),
	}); err != nil {
		return nil, fmt.Errorf("jobs.run: %w", err)
	}

	runCtx := graph.WithJobID(ctx, jobID)
	if r.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, r.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	out, runErr := r.Exec.RunHITLSegment(runCtx, s, startAt)

	p := jobstore.Patch{State: out, CheckpointID: jobstore.StringPtr(out.HITLCheckpointID)}
	switch {
	case runErr != nil:
		p.Status = jobstore.StatusPtr(jobstore.StatusError)
		p.Error = jobstore.StringPtr(runErr.Error())
	case out.HITLPending:
		p.Status = jobstore.StatusPtr(jobstore.StatusPendingHITL)
	default:
		p.Status = jobstore.StatusPtr(jobstore.StatusDone)
	}
	// record the outcome even when the caller's context is already done
	j, err := r.Jobs.Update(context.WithoutCancel(ctx), jobID, p)
	if err != nil {
		return nil, fmt.Errorf("jobs.run: %w", err)
	}

	r.log().Info("job segment finished",
		"job_id", jobID,
		"start_at", startAt,
		"status", j.Status,
		"iteration", out.Iteration,
		"duration", time.Since(start),
		"err", runErr)
	if runErr != nil {
		return j, fmt.Errorf("jobs.run %s: %w", jobID, runErr)
	}
	return j, nil
}

// BatchResult is the outcome of one job in a batch.
type BatchResult struct {
	Job *jobstore.Job
	Err error
}

// RunBatch starts one job per state with at most Workers running at once.
// Job failures are reported per result; only store or context errors that
// prevent a job from being created abort the batch.
func (r *Runner) RunBatch(ctx context.Context, states []*state.ProposalState) ([]BatchResult, error) {
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	results := make([]BatchResult, len(states))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, s := range states {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			j, err := r.Start(gctx, s, "")
			results[i] = BatchResult{Job: j, Err: err}
			if err != nil && j == nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("jobs.RunBatch: %w", err)
	}
	return results, nil
}
