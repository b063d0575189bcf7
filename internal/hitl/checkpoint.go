// Package hitl holds the human review checkpoints created when a pipeline
// pauses at a gate, and the stores that persist them.
package hitl

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/grantflow/internal/state"
)

var (
	ErrNotFound = errors.New("checkpoint not found")
	ErrTerminal = errors.New("checkpoint already decided")
)

// Status is a checkpoint review status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusRevised  Status = "revised"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusRevised:
		return true
	}
	return false
}

// Terminal reports whether the status is a final reviewer decision.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusRevised
}

// ParseStatus accepts a decision name case-insensitively.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("hitl.ParseStatus: unknown status %q", v)
	}
	return s, nil
}

// Checkpoint is one pause point awaiting review.
type Checkpoint struct {
	ID         string                `json:"id"`
	JobID      string                `json:"job_id,omitempty"`
	Stage      state.CheckpointStage `json:"stage"`
	Status     Status                `json:"status"`
	DonorID    string                `json:"donor_id"`
	ResumeFrom state.ResumeFrom      `json:"resume_from"`
	Snapshot   *state.ProposalState  `json:"state_snapshot"`
	Feedback   []string              `json:"feedback,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// New creates a pending checkpoint for s at stage. The snapshot is a deep
// copy without the strategy reference.
func New(s *state.ProposalState, stage state.CheckpointStage, jobID string) (*Checkpoint, error) {
	if stage == state.CheckpointNone || !stage.Valid() {
		return nil, fmt.Errorf("hitl.New: invalid stage %q", stage)
	}
	snap, err := state.Clone(s)
	if err != nil {
		return nil, fmt.Errorf("hitl.New: %w", err)
	}
	snap.Strategy = nil
	now := time.Now().UTC()
	return &Checkpoint{
		ID:         uuid.New().String(),
		JobID:      jobID,
		Stage:      stage,
		Status:     StatusPending,
		DonorID:    s.DonorID,
		ResumeFrom: s.HITLResumeFrom,
		Snapshot:   snap,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Decide records a reviewer decision. Only pending checkpoints accept a
// decision; feedback may still be attached afterwards with AddFeedback.
func (c *Checkpoint) Decide(status Status, feedback string) error {
	if !status.Terminal() {
		return fmt.Errorf("hitl.Decide: %q is not a decision", status)
	}
	if c.Status.Terminal() {
		return fmt.Errorf("hitl.Decide %s: %w (%s)", c.ID, ErrTerminal, c.Status)
	}
	c.Status = status
	c.AddFeedback(feedback)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// AddFeedback attaches reviewer text. Blank text is ignored.
func (c *Checkpoint) AddFeedback(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.Feedback = append(c.Feedback, text)
	c.UpdatedAt = time.Now().UTC()
}

// ApplyFeedback appends the checkpoint's feedback to the state's critic
// feedback history so the next drafting stage sees it.
func ApplyFeedback(s *state.ProposalState, c *Checkpoint) {
	for _, f := range c.Feedback {
		s.CriticFeedbackHistory = append(s.CriticFeedbackHistory,
			fmt.Sprintf("reviewer (%s %s): %s", c.Stage, c.Status, f))
	}
}

func (c *Checkpoint) clone() *Checkpoint {
	out := *c
	out.Feedback = append([]string(nil), c.Feedback...)
	if c.Snapshot != nil {
		if snap, err := state.Clone(c.Snapshot); err == nil {
			out.Snapshot = snap
		}
	}
	return &out
}
