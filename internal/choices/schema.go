package choices

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"dynchoices/internal/metadata"
)

// Schema is the compiled dynamic-choices layer over a registry. Entities are
// registered first; Build then wraps every relation field and compiles its
// callback descriptors. Fields whose targets are not registered yet are
// compiled when the target arrives.
type Schema struct {
	reg       *metadata.Registry
	callbacks *Callbacks

	mu      sync.RWMutex
	fields  map[string][]*DynamicField
	display map[string]*vm.Program
	late    []error // failures of deferred compilations
}

func NewSchema(reg *metadata.Registry, callbacks *Callbacks) *Schema {
	if callbacks == nil {
		callbacks = NewCallbacks()
	}
	return &Schema{
		reg:       reg,
		callbacks: callbacks,
		fields:    make(map[string][]*DynamicField),
		display:   make(map[string]*vm.Program),
	}
}

func (s *Schema) Registry() *metadata.Registry { return s.reg }

func (s *Schema) Callbacks() *Callbacks { return s.callbacks }

// Build compiles every registered entity. It fails with all definition
// errors found, and when relation targets are still missing.
func (s *Schema) Build() error {
	var errs []error
	for _, e := range s.reg.AllEntities() {
		errs = append(errs, s.add(e)...)
	}
	return errors.Join(append(errs, s.Check())...)
}

// Check reports deferred compilations that failed and targets that were
// never registered.
func (s *Schema) Check() error {
	s.mu.RLock()
	errs := append([]error(nil), s.late...)
	s.mu.RUnlock()
	if pending := s.reg.Pending(); len(pending) > 0 {
		errs = append(errs, fmt.Errorf("unresolved relation targets: %s", strings.Join(pending, ", ")))
	}
	return errors.Join(errs...)
}

// Register adds an entity after Build. Fields waiting for it compile now.
func (s *Schema) Register(e *metadata.Entity) error {
	if err := s.reg.Register(e); err != nil {
		return err
	}
	if errs := s.add(e); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Fields returns the relation fields of an entity in declaration order.
func (s *Schema) Fields(entity string) []*DynamicField {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fields[entity]
}

// Field returns the wrapped relation field, or nil.
func (s *Schema) Field(entity, name string) *DynamicField {
	for _, f := range s.Fields(entity) {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

func (s *Schema) add(e *metadata.Entity) []error {
	s.mu.Lock()
	if _, done := s.fields[e.Name]; done {
		s.mu.Unlock()
		return nil
	}
	s.fields[e.Name] = nil
	s.mu.Unlock()

	var errs []error
	if e.Display != "" {
		prog, err := expr.Compile(e.Display)
		if err != nil {
			errs = append(errs, definitionError(e.Name, "display", "%v", err))
		} else {
			s.mu.Lock()
			s.display[e.Name] = prog
			s.mu.Unlock()
		}
	}

	var fields []*DynamicField
	for i := range e.Fields {
		f := &e.Fields[i]
		if f.Choices != nil && !f.IsRelation() {
			errs = append(errs, definitionError(e.Name, f.Name, "choices require a relation field"))
			continue
		}
		if !f.IsRelation() || f.Through.Entity != "" {
			continue
		}
		df := &DynamicField{Entity: e, Field: f}
		if f.HasChoices() {
			cb, err := s.callbackFor(e, f)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			df.callback = cb
			df.params = f.Choices.Params
		}
		if err := s.compile(df); err != nil {
			errs = append(errs, err)
			continue
		}
		fields = append(fields, df)
	}

	s.mu.Lock()
	s.fields[e.Name] = fields
	s.mu.Unlock()
	return errs
}

func (s *Schema) callbackFor(e *metadata.Entity, f *metadata.Field) (*Callback, error) {
	if f.Choices.Filter != nil {
		cb, err := DeclarativeCallback(e.Name+"."+f.Name, f.Choices.Filter)
		if err != nil {
			return nil, definitionError(e.Name, f.Name, "%v", err)
		}
		return cb, nil
	}
	cb := s.callbacks.Lookup(f.Choices.Callback)
	if cb == nil {
		return nil, definitionError(e.Name, f.Name, "Cannot find the callback %q specified by choices", f.Choices.Callback)
	}
	return cb, nil
}

// compile resolves the field's target and descriptors, or queues itself on
// the first entity it is missing.
func (s *Schema) compile(df *DynamicField) error {
	target := s.reg.GetEntity(df.Field.Target)
	if target == nil {
		s.await(df, df.Field.Target)
		return nil
	}
	var descriptors map[string]*Descriptor
	if df.callback != nil {
		d, err := Compile(s.reg, df.Entity, df.Field.Name, df.callback, df.params)
		var deferred *deferredError
		if errors.As(err, &deferred) {
			s.await(df, deferred.target)
			return nil
		}
		if err != nil {
			return err
		}
		descriptors = d
	}
	df.setCompiled(&compiled{target: target, descriptors: descriptors})
	return nil
}

func (s *Schema) await(df *DynamicField, name string) {
	s.reg.OnEntity(name, func(*metadata.Entity) {
		if err := s.compile(df); err != nil {
			s.mu.Lock()
			s.late = append(s.late, err)
			s.mu.Unlock()
		}
	})
}
