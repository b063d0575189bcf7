// Package jobstore persists pipeline jobs between invocations.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/grantflow/internal/state"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrConflict means a conditional Patch found the job in another status.
	ErrConflict = errors.New("job status changed")
)

// Status is the lifecycle status of a job.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusPendingHITL Status = "pending_hitl"
	StatusDone        Status = "done"
	StatusError       Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPendingHITL, StatusDone, StatusError:
		return true
	}
	return false
}

// Job is one persisted proposal run.
type Job struct {
	ID           string               `json:"job_id"`
	Status       Status               `json:"status"`
	State        *state.ProposalState `json:"state"`
	CheckpointID string               `json:"checkpoint_id,omitempty"`
	Error        string               `json:"error,omitempty"`
	BriefHash    string               `json:"brief_hash,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Patch is a partial update. Nil fields are left unchanged. Feedback is
// appended to the stored state's critic feedback history after State is
// applied. When IfStatus is set the update only applies to a job in that
// status and fails with ErrConflict otherwise.
type Patch struct {
	IfStatus     *Status
	Status       *Status
	State        *state.ProposalState
	CheckpointID *string
	Error        *string
	Feedback     []string
}

func (p Patch) check(j *Job) error {
	if p.IfStatus != nil && j.Status != *p.IfStatus {
		return fmt.Errorf("%s is %s, want %s: %w", j.ID, j.Status, *p.IfStatus, ErrConflict)
	}
	return nil
}

func (p Patch) apply(j *Job) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.State != nil {
		j.State = p.State
	}
	if p.CheckpointID != nil {
		j.CheckpointID = *p.CheckpointID
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if len(p.Feedback) > 0 && j.State != nil {
		j.State.CriticFeedbackHistory = append(j.State.CriticFeedbackHistory, p.Feedback...)
	}
	j.UpdatedAt = time.Now().UTC()
}

// Store persists jobs. Implementations serialize Update per job id and are
// safe for concurrent use across ids.
type Store interface {
	Set(ctx context.Context, j *Job) error
	Update(ctx context.Context, id string, p Patch) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context) (map[string]*Job, error)
}

// keyLocks hands out one mutex per job id.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) lock(id string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func cloneJob(j *Job) (*Job, error) {
	out := *j
	if j.State != nil {
		s, err := state.Clone(j.State)
		if err != nil {
			return nil, err
		}
		out.State = s
	}
	return &out, nil
}

// StatusPtr and StringPtr build Patch fields.
func StatusPtr(s Status) *Status { return &s }
func StringPtr(s string) *string { return &s }
