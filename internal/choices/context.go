package choices

import (
	"net/url"
	"strings"

	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
)

// DefaultDelimiter splits to-many values submitted as one string.
const DefaultDelimiter = ","

// Context is the snapshot of known field values a resolution runs against.
// Keys are field names or flattened paths such as "puppet__alignment".
type Context struct {
	values  map[string]any
	parents []inherited
}

type inherited struct {
	prefix string
	ctx    *Context
}

func NewContext(values map[string]any) *Context {
	c := &Context{values: make(map[string]any, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

// Lookup returns the value under key. Inherited parent values answer
// prefixed keys when the context itself has no such key.
func (c *Context) Lookup(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	if v, ok := c.values[key]; ok {
		return v, true
	}
	for _, p := range c.parents {
		if rest, ok := strings.CutPrefix(key, p.prefix+Sep); ok {
			if v, ok := p.ctx.Lookup(rest); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func (c *Context) Set(key string, v any) {
	c.values[key] = v
}

// Inherit returns a copy of c that also exposes parent's values as
// "<fk>__<key>", below c's own values.
func (c *Context) Inherit(fk string, parent *Context) *Context {
	cp := NewContext(c.values)
	cp.parents = append(append([]inherited(nil), c.parents...), inherited{prefix: fk, ctx: parent})
	return cp
}

// Values flattens the context, inherited keys included.
func (c *Context) Values() map[string]any {
	out := make(map[string]any)
	for _, p := range c.parents {
		for k, v := range p.ctx.Values() {
			out[p.prefix+Sep+k] = v
		}
	}
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Assemble builds the context of one form. The instance's stored values come
// first; submitted non-empty values of declared fields replace them (to-many
// values are split on delim); a field submitted explicitly blank stays blank
// even when the instance has a stored value.
func Assemble(e *metadata.Entity, payload url.Values, instance query.Record, delim string) *Context {
	if delim == "" {
		delim = DefaultDelimiter
	}
	c := NewContext(instance)
	for key, raw := range payload {
		f := e.GetField(key)
		if f == nil && key == e.PrimaryKey.Field {
			f = e.PrimaryKeyField()
		}
		if f == nil || len(raw) == 0 {
			continue
		}
		if f.IsToMany() {
			if items := SplitValues(raw, delim); len(items) > 0 {
				c.Set(key, items)
				continue
			}
		} else if raw[0] != "" {
			c.Set(key, raw[0])
			continue
		}
		c.Set(key, "")
	}
	return c
}

// SplitValues splits submitted to-many values on delim, dropping blanks.
func SplitValues(raw []string, delim string) []any {
	var items []any
	for _, r := range raw {
		for _, part := range strings.Split(r, delim) {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
	}
	return items
}
