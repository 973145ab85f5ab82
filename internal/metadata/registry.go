package metadata

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the entity graph. Entities are registered first; relation
// targets are resolved afterwards, so an entity may name a target that is
// registered later. Work that needs such a target waits in the pending queue.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	order    []string
	pending  map[string][]func(*Entity) // keyed by the awaited entity name
}

func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]*Entity),
		pending:  make(map[string][]func(*Entity)),
	}
}

// Register adds an entity and runs every callback waiting for it.
func (r *Registry) Register(e *Entity) error {
	if e.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	applyDefaults(e)

	r.mu.Lock()
	if _, exists := r.entities[e.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("entity %s is already registered", e.Name)
	}
	r.entities[e.Name] = e
	r.order = append(r.order, e.Name)
	waiting := r.pending[e.Name]
	delete(r.pending, e.Name)
	r.mu.Unlock()

	for _, fn := range waiting {
		fn(e)
	}
	return nil
}

// Load replaces all entities in the registry.
func (r *Registry) Load(entities []*Entity) error {
	r.mu.Lock()
	r.entities = make(map[string]*Entity, len(entities))
	r.order = nil
	r.pending = make(map[string][]func(*Entity))
	r.mu.Unlock()

	for _, e := range entities {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// OnEntity runs fn with the named entity. If it isn't registered yet, fn is
// queued and runs exactly once, when the entity is registered.
func (r *Registry) OnEntity(name string, fn func(*Entity)) {
	r.mu.Lock()
	e, ok := r.entities[name]
	if !ok {
		r.pending[name] = append(r.pending[name], fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn(e)
}

// Pending returns the names of entities that queued work is still waiting for.
func (r *Registry) Pending() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// AllEntities returns all registered entities in registration order.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.order))
	for _, name := range r.order {
		entities = append(entities, r.entities[name])
	}
	return entities
}

// Target returns the entity a relation field points at, or nil.
func (r *Registry) Target(f *Field) *Entity {
	if !f.IsRelation() {
		return nil
	}
	return r.GetEntity(f.Target)
}

func applyDefaults(e *Entity) {
	if e.Table == "" {
		e.Table = e.Name
	}
	if e.PrimaryKey.Field == "" {
		e.PrimaryKey = PrimaryKey{Field: "id", Type: "bigint", Generated: true}
	}
	if e.PrimaryKey.Type == "" {
		e.PrimaryKey.Type = "bigint"
	}
	for i := range e.Fields {
		f := &e.Fields[i]
		if f.Kind == "" {
			f.Kind = KindScalar
		}
		if !f.IsToMany() || f.Through.Entity != "" {
			continue
		}
		if f.Through.Table == "" {
			f.Through.Table = e.Table + "_" + f.Name
		}
		if f.Through.SourceKey == "" {
			f.Through.SourceKey = e.Name + "_id"
			if f.Target == e.Name {
				f.Through.SourceKey = "from_" + e.Name + "_id"
			}
		}
		if f.Through.TargetKey == "" {
			f.Through.TargetKey = f.Target + "_id"
			if f.Target == e.Name {
				f.Through.TargetKey = "to_" + f.Target + "_id"
			}
		}
	}
}
