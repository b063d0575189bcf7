package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/grantflow/internal/state"
)

// MemoryStore keeps jobs in process.
type MemoryStore struct {
	keys keyLocks

	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*Job{}}
}

func (m *MemoryStore) Set(_ context.Context, j *Job) error {
	if j.ID == "" {
		return fmt.Errorf("jobstore.MemoryStore.Set: job has no id")
	}
	c, err := cloneJob(j)
	if err != nil {
		return fmt.Errorf("jobstore.MemoryStore.Set: %w", err)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	unlock := m.keys.lock(j.ID)
	defer unlock()
	m.mu.Lock()
	m.jobs[j.ID] = c
	m.mu.Unlock()
	return nil
}

// Update applies p to job id under the job's lock.
func (m *MemoryStore) Update(_ context.Context, id string, p Patch) (*Job, error) {
	unlock := m.keys.lock(id)
	defer unlock()

	m.mu.RLock()
	cur, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jobstore.MemoryStore.Update %s: %w", id, ErrNotFound)
	}
	if err := p.check(cur); err != nil {
		return nil, fmt.Errorf("jobstore.MemoryStore.Update: %w", err)
	}
	next, err := cloneJob(cur)
	if err != nil {
		return nil, fmt.Errorf("jobstore.MemoryStore.Update: %w", err)
	}
	if p.State != nil {
		if p.State, err = state.Clone(p.State); err != nil {
			return nil, fmt.Errorf("jobstore.MemoryStore.Update: %w", err)
		}
	}
	p.apply(next)

	m.mu.Lock()
	m.jobs[id] = next
	m.mu.Unlock()
	return cloneJob(next)
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jobstore.MemoryStore.Get %s: %w", id, ErrNotFound)
	}
	return cloneJob(j)
}

func (m *MemoryStore) List(_ context.Context) (map[string]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Job, len(m.jobs))
	for id, j := range m.jobs {
		c, err := cloneJob(j)
		if err != nil {
			return nil, fmt.Errorf("jobstore.MemoryStore.List: %w", err)
		}
		out[id] = c
	}
	return out, nil
}
