package choices

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dynchoices/internal/query"
)

// Param declares one optional callback parameter. Its name is also the
// default descriptor path it is resolved from.
type Param struct {
	Name     string
	Default  any
	Optional bool
}

// Opt declares an optional parameter with a default value.
func Opt(name string, def any) Param {
	return Param{Name: name, Default: def, Optional: true}
}

// Func computes the choices of a field. base is the unfiltered candidate
// collection; inst is the owning record and is nil for unbound callbacks.
type Func func(ctx context.Context, inst query.Record, base query.Collection, args Args) (Result, error)

// Callback is a named choices function with its declared parameters.
type Callback struct {
	Name   string
	Bound  bool
	Params []Param
	Fn     Func
}

func (cb *Callback) param(name string) (Param, bool) {
	for _, p := range cb.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Args are the resolved parameter values passed to a callback. A parameter
// whose descriptor could not be resolved is absent.
type Args struct {
	values map[string]any
	params []Param
}

func NewArgs(values map[string]any, params ...Param) Args {
	return Args{values: values, params: params}
}

// Get returns the resolved value and whether it was resolved at all.
func (a Args) Get(name string) (any, bool) {
	v, ok := a.values[name]
	return v, ok
}

// Value returns the resolved value, or the declared default.
func (a Args) Value(name string) any {
	if v, ok := a.values[name]; ok {
		return v
	}
	for _, p := range a.params {
		if p.Name == name {
			return p.Default
		}
	}
	return nil
}

func (a Args) Len() int { return len(a.values) }

// Invoke runs cb. Errors returned by the callback are passed through unchanged.
func Invoke(ctx context.Context, cb *Callback, inst query.Record, base query.Collection, values map[string]any) (Result, error) {
	if !cb.Bound {
		inst = nil
	}
	return cb.Fn(ctx, inst, base, NewArgs(values, cb.Params...))
}

// Callbacks is a registry of named callbacks.
type Callbacks struct {
	mu        sync.RWMutex
	callbacks map[string]*Callback
}

func NewCallbacks() *Callbacks {
	return &Callbacks{callbacks: make(map[string]*Callback)}
}

func (c *Callbacks) Register(cb *Callback) error {
	if cb.Name == "" || cb.Fn == nil {
		return fmt.Errorf("callback needs a name and a function")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.callbacks[cb.Name]; exists {
		return fmt.Errorf("callback %s is already registered", cb.Name)
	}
	c.callbacks[cb.Name] = cb
	return nil
}

// MustRegister registers callbacks and panics on a duplicate name.
func (c *Callbacks) MustRegister(cbs ...*Callback) {
	for _, cb := range cbs {
		if err := c.Register(cb); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the named callback, or nil.
func (c *Callbacks) Lookup(name string) *Callback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callbacks[name]
}

func (c *Callbacks) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.callbacks))
	for name := range c.callbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
