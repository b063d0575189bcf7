package strategy

import (
	"fmt"
	"sort"
)

// Registry maps canonical donor ids and aliases to strategies. It is built
// once at startup and only read afterwards, so lookups need no locking.
type Registry struct {
	byID    map[string]Strategy
	aliases map[string]string
}

// NewRegistry loads every built-in catalog.
func NewRegistry() (*Registry, error) {
	names, err := List()
	if err != nil {
		return nil, fmt.Errorf("strategy.NewRegistry: %w", err)
	}
	r := &Registry{byID: map[string]Strategy{}, aliases: map[string]string{}}
	for _, n := range names {
		c, err := LoadBuiltin(n)
		if err != nil {
			return nil, err
		}
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	if _, ok := r.byID[GenericDonor]; !ok {
		return nil, fmt.Errorf("strategy.NewRegistry: missing %q catalog", GenericDonor)
	}
	return r, nil
}

// Register adds a catalog. Call only during initialization.
func (r *Registry) Register(c *Catalog) error {
	if _, dup := r.byID[c.Donor]; dup {
		return fmt.Errorf("strategy.Register: duplicate donor %q", c.Donor)
	}
	r.byID[c.Donor] = c
	for _, a := range c.Aliases {
		r.aliases[CanonicalID(a)] = c.Donor
	}
	return nil
}

// Get returns the strategy registered for id or one of its aliases.
func (r *Registry) Get(id string) (Strategy, bool) {
	key := CanonicalID(id)
	if s, ok := r.byID[key]; ok {
		return s, true
	}
	if canon, ok := r.aliases[key]; ok {
		return r.byID[canon], true
	}
	return nil, false
}

// Resolve returns the donor strategy, falling back to the generic catalog.
// The boolean reports whether the donor itself was found.
func (r *Registry) Resolve(id string) (Strategy, bool) {
	if s, ok := r.Get(id); ok {
		return s, true
	}
	return r.byID[GenericDonor], false
}

// IDs lists the canonical donor ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
