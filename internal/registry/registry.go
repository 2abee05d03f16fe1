// Package registry holds the action catalog: which permission tier each
// action type requires.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"journeygate/internal/config"
	"journeygate/internal/domain"
)

// Registry is safe for concurrent use. Reads never lock; Register swaps in a
// fresh copy of the table so a reader sees either the old or the new catalog.
type Registry struct {
	mu    sync.Mutex
	table atomic.Pointer[map[string]domain.ActionType]
}

func New(types ...domain.ActionType) (*Registry, error) {
	r := &Registry{}
	table := make(map[string]domain.ActionType, len(types))
	for _, t := range types {
		if err := validate(t); err != nil {
			return nil, err
		}
		if _, dup := table[t.ID]; dup {
			return nil, fmt.Errorf("duplicate action type %s", t.ID)
		}
		table[t.ID] = t
	}
	r.table.Store(&table)
	return r, nil
}

// FromConfig seeds a registry from the actions catalog.
func FromConfig(cfg *config.Config) (*Registry, error) {
	types := make([]domain.ActionType, 0, len(cfg.Actions.Catalog))
	for id, spec := range cfg.Actions.Catalog {
		types = append(types, domain.ActionType{
			ID:              id,
			PermissionLevel: domain.PermissionLevel(spec.Permission),
			DescriptionJa:   spec.DescriptionJa,
			DescriptionEn:   spec.DescriptionEn,
		})
	}
	return New(types...)
}

func (r *Registry) Lookup(id string) (domain.ActionType, error) {
	t, ok := (*r.table.Load())[id]
	if !ok {
		return domain.ActionType{}, domain.UnknownActionTypeError(id)
	}
	return t, nil
}

// Register adds a new action type. Existing ids cannot be redefined.
func (r *Registry) Register(t domain.ActionType) error {
	if err := validate(t); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.table.Load()
	if _, ok := cur[t.ID]; ok {
		return fmt.Errorf("action type %s already registered", t.ID)
	}
	next := make(map[string]domain.ActionType, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[t.ID] = t
	r.table.Store(&next)
	return nil
}

func (r *Registry) List() []domain.ActionType {
	cur := *r.table.Load()
	out := make([]domain.ActionType, 0, len(cur))
	for _, t := range cur {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func validate(t domain.ActionType) error {
	if t.ID == "" {
		return fmt.Errorf("action type id is required")
	}
	if !t.PermissionLevel.Valid() {
		return fmt.Errorf("action type %s has invalid permission level %q", t.ID, t.PermissionLevel)
	}
	return nil
}
