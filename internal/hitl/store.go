package hitl

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists checkpoints.
type Store interface {
	Save(ctx context.Context, c *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	// Decide records a decision only while the checkpoint is still pending.
	// A checkpoint decided concurrently yields ErrTerminal.
	Decide(ctx context.Context, id string, status Status, feedback string) (*Checkpoint, error)
	// List returns the checkpoints of jobID oldest first; "" lists all.
	List(ctx context.Context, jobID string) ([]*Checkpoint, error)
}

// MemoryStore keeps checkpoints in process. Values are copied on the way in
// and out.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]*Checkpoint{}}
}

func (m *MemoryStore) Save(_ context.Context, c *Checkpoint) error {
	if c.ID == "" {
		return fmt.Errorf("hitl.MemoryStore.Save: checkpoint has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[c.ID] = c.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("hitl.MemoryStore.Get %s: %w", id, ErrNotFound)
	}
	return c.clone(), nil
}

func (m *MemoryStore) Decide(_ context.Context, id string, status Status, feedback string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("hitl.MemoryStore.Decide %s: %w", id, ErrNotFound)
	}
	next := cur.clone()
	if err := next.Decide(status, feedback); err != nil {
		return nil, err
	}
	m.items[id] = next
	return next.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, jobID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Checkpoint
	for _, c := range m.items {
		if jobID == "" || c.JobID == jobID {
			out = append(out, c.clone())
		}
	}
	sortCheckpoints(out)
	return out, nil
}

func sortCheckpoints(cs []*Checkpoint) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

// Resolve records the decision on checkpoint id. Exactly one of several
// concurrent callers succeeds; the others get ErrTerminal.
func Resolve(ctx context.Context, st Store, id string, status Status, feedback string) (*Checkpoint, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("hitl.Resolve: %q is not a decision", status)
	}
	c, err := st.Decide(ctx, id, status, feedback)
	if err != nil {
		return nil, fmt.Errorf("hitl.Resolve: %w", err)
	}
	return c, nil
}

// Approve accepts the checkpoint's draft.
func Approve(ctx context.Context, st Store, id, feedback string) (*Checkpoint, error) {
	return Resolve(ctx, st, id, StatusApproved, feedback)
}

// Reject sends the draft back for regeneration.
func Reject(ctx context.Context, st Store, id, feedback string) (*Checkpoint, error) {
	return Resolve(ctx, st, id, StatusRejected, feedback)
}

// Revise accepts the draft with reviewer edits noted in feedback.
func Revise(ctx context.Context, st Store, id, feedback string) (*Checkpoint, error) {
	return Resolve(ctx, st, id, StatusRevised, feedback)
}
