package possync

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DeleteOutcome is the result of a remote delete that did not fail.
type DeleteOutcome int

const (
	DeleteApplied DeleteOutcome = iota
	DeleteNotFound
)

func (o DeleteOutcome) String() string {
	if o == DeleteNotFound {
		return "not_found"
	}
	return "applied"
}

// Cascade names a local table holding a foreign key to an adapter's entity.
// When reconciliation moves the entity to its canonical id, Field is rewritten
// in every matching record of Table. With Rekey set, dependents whose own id
// starts with the parent's old id are moved to the same prefix under the new
// id, and their pending queue entries (of EntityType) follow.
type Cascade struct {
	Table      string
	EntityType string
	Field      string
	Rekey      bool
}

// Adapter applies queued mutations of one entity type to the server of record.
//
// FetchLocal returns ErrNotFound when the local record is gone. Exists is only
// called with canonical ids. Delete reports DeleteNotFound rather than an
// error when the server has no such entity.
type Adapter interface {
	EntityType() string
	Table() string

	FetchLocal(ctx context.Context, local LocalStore, id string) (Record, error)
	Normalize(ctx context.Context, local LocalStore, rec Record) (Record, error)

	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, payload Record) (Record, error)
	Update(ctx context.Context, id string, payload Record) (Record, error)
	Delete(ctx context.Context, id string) (DeleteOutcome, error)

	IsServerDerived() bool
	Cascades() []Cascade
}

// Registry maps entity-type tags to adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding the given adapters.
// It panics on duplicate entity types.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.MustRegister(adapters...)
	return r
}

// Register adds an adapter. Registering a second adapter for the same
// entity type is an error.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("registry: nil adapter")
	}
	entityType := a.EntityType()
	if entityType == "" {
		return fmt.Errorf("registry: adapter has empty entity type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[entityType]; ok {
		return fmt.Errorf("registry: entity type %q already registered", entityType)
	}
	r.adapters[entityType] = a
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(adapters ...Adapter) {
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the adapter for entityType.
func (r *Registry) Lookup(entityType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[entityType]
	return a, ok
}

// Types returns the registered entity types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
