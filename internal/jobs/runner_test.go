package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/grantflow/internal/graph"
	"github.com/dshills/grantflow/internal/hitl"
	"github.com/dshills/grantflow/internal/jobstore"
	"github.com/dshills/grantflow/internal/nodes"
	"github.com/dshills/grantflow/internal/state"
	"github.com/dshills/grantflow/internal/strategy"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRunner(t *testing.T, jobs jobstore.Store, cps hitl.Store) *Runner {
	t.Helper()
	reg, err := strategy.NewRegistry()
	require.NoError(t, err)
	d := &nodes.Deps{Registry: reg, Logger: quiet()}
	return &Runner{
		Exec:        graph.New(d, graph.Options{Checkpoints: cps, Logger: quiet()}),
		Jobs:        jobs,
		Checkpoints: cps,
		Workers:     2,
		Logger:      quiet(),
	}
}

func proposal(t *testing.T, donor string, hitlOn bool) *state.ProposalState {
	t.Helper()
	s, err := state.FromMap(map[string]any{
		"donor_id":     donor,
		"hitl_enabled": hitlOn,
		"input_context": map[string]any{
			"title":      "Solar lighting for health clinics",
			"goal":       "Extend clinic opening hours",
			"objectives": []any{"Install solar kits", "Train clinic staff"},
			"baseline":   "0",
			"target":     "30",
		},
	})
	require.NoError(t, err)
	return s
}

func TestStartWithoutReview(t *testing.T) {
	ctx := context.Background()
	r := newRunner(t, jobstore.NewMemoryStore(), hitl.NewMemoryStore())

	j, err := r.Start(ctx, proposal(t, "usaid", false), "abc123")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusDone, j.Status)
	assert.Equal(t, "abc123", j.BriefHash)
	assert.Empty(t, j.Error)
	_, scored := j.State.Score()
	assert.True(t, scored)

	got, err := r.Jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusDone, got.Status)
}

func reviewStores() map[string]func(t *testing.T) (jobstore.Store, hitl.Store) {
	return map[string]func(t *testing.T) (jobstore.Store, hitl.Store){
		"memory": func(*testing.T) (jobstore.Store, hitl.Store) {
			return jobstore.NewMemoryStore(), hitl.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) (jobstore.Store, hitl.Store) {
			js, err := jobstore.OpenSQLite(filepath.Join(t.TempDir(), "grantflow.db"))
			require.NoError(t, err)
			t.Cleanup(func() { js.Close() })
			cs, err := hitl.NewSQLiteStore(js.DB())
			require.NoError(t, err)
			return js, cs
		},
	}
}

func TestReviewLifecycle(t *testing.T) {
	stores := reviewStores()
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			js, cs := open(t)
			r := newRunner(t, js, cs)

			j, err := r.Start(ctx, proposal(t, "usaid", true), "")
			require.NoError(t, err)
			require.Equal(t, jobstore.StatusPendingHITL, j.Status)
			require.NotEmpty(t, j.CheckpointID)
			assert.Equal(t, state.CheckpointToC, j.State.HITLCheckpointStage)
			tocCheckpoint := j.CheckpointID

			// rejecting the toc redrafts it and pauses again at the same gate
			j, err = r.Resume(ctx, j.ID, hitl.StatusRejected, "name the clinics")
			require.NoError(t, err)
			assert.Equal(t, jobstore.StatusPendingHITL, j.Status)
			assert.Equal(t, state.CheckpointToC, j.State.HITLCheckpointStage)
			assert.Equal(t, 2, j.State.Iteration)
			assert.NotEqual(t, tocCheckpoint, j.CheckpointID)
			assert.Contains(t, j.State.CriticFeedbackHistory, "reviewer (toc rejected): name the clinics")

			j, err = r.Resume(ctx, j.ID, hitl.StatusApproved, "")
			require.NoError(t, err)
			assert.Equal(t, state.CheckpointLogframe, j.State.HITLCheckpointStage)
			assert.NotEmpty(t, j.State.LogframeDraft)

			j, err = r.Resume(ctx, j.ID, hitl.StatusRevised, "targets agreed with the ministry")
			require.NoError(t, err)
			assert.Equal(t, jobstore.StatusDone, j.Status)
			assert.False(t, j.State.HITLPending)
			assert.Empty(t, j.CheckpointID)

			_, err = r.Resume(ctx, j.ID, hitl.StatusApproved, "")
			assert.ErrorIs(t, err, ErrNotPaused)

			old, err := cs.Get(ctx, tocCheckpoint)
			require.NoError(t, err)
			assert.Equal(t, hitl.StatusRejected, old.Status)
			all, err := cs.List(ctx, j.ID)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestConcurrentResumeDecidesOnce(t *testing.T) {
	for name, open := range reviewStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			js, cs := open(t)
			r := newRunner(t, js, cs)

			for trial := 0; trial < 10; trial++ {
				j, err := r.Start(ctx, proposal(t, "usaid", true), "")
				require.NoError(t, err)
				first := j.CheckpointID

				decisions := []hitl.Status{hitl.StatusApproved, hitl.StatusRejected, hitl.StatusApproved, hitl.StatusRejected}
				errs := make([]error, len(decisions))
				var wg sync.WaitGroup
				for i, d := range decisions {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, errs[i] = r.Resume(ctx, j.ID, d, "")
					}()
				}
				wg.Wait()

				succeeded := 0
				for _, err := range errs {
					if err == nil {
						succeeded++
						continue
					}
					assert.ErrorIs(t, err, ErrNotPaused)
				}
				require.GreaterOrEqual(t, succeeded, 1)

				// a resume may legitimately pick up the next pause, but every
				// successful resume must have decided a checkpoint of its own
				cps, err := cs.List(ctx, j.ID)
				require.NoError(t, err)
				decided := 0
				for _, cp := range cps {
					if cp.Status.Terminal() {
						decided++
					}
				}
				assert.Equal(t, succeeded, decided)

				cp, err := cs.Get(ctx, first)
				require.NoError(t, err)
				assert.True(t, cp.Status.Terminal())

				final, err := js.Get(ctx, j.ID)
				require.NoError(t, err)
				assert.NotEqual(t, jobstore.StatusRunning, final.Status)
			}
		})
	}
}

func TestResumeErrors(t *testing.T) {
	ctx := context.Background()
	r := newRunner(t, jobstore.NewMemoryStore(), hitl.NewMemoryStore())

	_, err := r.Resume(ctx, "missing", hitl.StatusApproved, "")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)

	j, err := r.Start(ctx, proposal(t, "usaid", true), "")
	require.NoError(t, err)
	_, err = r.Resume(ctx, j.ID, hitl.StatusPending, "")
	assert.Error(t, err, "pending is not a decision")

	noCps := &Runner{Exec: r.Exec, Jobs: r.Jobs, Logger: quiet()}
	_, err = noCps.Resume(ctx, j.ID, hitl.StatusApproved, "")
	assert.ErrorIs(t, err, ErrNoCheckpoints)
}

func TestFailedRunIsRecorded(t *testing.T) {
	ctx := context.Background()
	js := jobstore.NewMemoryStore()
	r := &Runner{
		Exec:   graph.New(&nodes.Deps{Logger: quiet()}, graph.Options{Logger: quiet()}),
		Jobs:   js,
		Logger: quiet(),
	}
	j, err := r.Start(ctx, proposal(t, "usaid", false), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, nodes.ErrNoStrategy)
	require.NotNil(t, j)
	assert.Equal(t, jobstore.StatusError, j.Status)
	assert.Contains(t, j.Error, "no donor strategy")
	require.NotNil(t, j.State)
	assert.NotEmpty(t, j.State.Errors, "discovery output kept on the failed job")
}

func TestRunBatch(t *testing.T) {
	ctx := context.Background()
	r := newRunner(t, jobstore.NewMemoryStore(), hitl.NewMemoryStore())

	donors := []string{"usaid", "eu", "worldbank", "generic", "unknown_donor"}
	var states []*state.ProposalState
	for _, d := range donors {
		states = append(states, proposal(t, d, false))
	}
	results, err := r.RunBatch(ctx, states)
	require.NoError(t, err)
	require.Len(t, results, len(donors))

	ids := map[string]bool{}
	for i, res := range results {
		require.NoError(t, res.Err, donors[i])
		assert.Equal(t, jobstore.StatusDone, res.Job.Status, donors[i])
		ids[res.Job.ID] = true
	}
	assert.Len(t, ids, len(donors))

	all, err := r.Jobs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(donors))

	last := results[len(results)-1].Job.State
	assert.Equal(t, strategy.GenericDonor, last.Strategy.DonorID())
	assert.True(t, hasPrefix(last.Errors, "input: unknown donor"), fmt.Sprint(last.Errors))
}

func hasPrefix(list []string, prefix string) bool {
	for _, s := range list {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
