package choices

import (
	"context"
	"fmt"

	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
)

// Group is a labelled subset of choices.
type Group struct {
	Label string
	Items query.Collection
}

// Result is what a callback returns: a flat collection or ordered groups.
type Result struct {
	flat   query.Collection
	groups []Group
}

func Flat(c query.Collection) Result { return Result{flat: c} }

func Grouped(groups ...Group) Result { return Result{groups: groups} }

func (r Result) IsGrouped() bool { return r.flat == nil }

// Normalize checks a callback result against the field's related entity and
// turns it into one collection. Grouped results become a *Composite.
func Normalize(f *metadata.Field, target *metadata.Entity, r Result) (query.Collection, error) {
	if !r.IsGrouped() {
		if r.flat.Entity().Name != f.Target {
			return nil, fmt.Errorf("%w: field %s expects %s, got %s", ErrResultType, f.Name, f.Target, r.flat.Entity().Name)
		}
		return r.flat, nil
	}
	for _, g := range r.groups {
		if g.Items == nil {
			return nil, fmt.Errorf("%w: field %s: group %q has no collection", ErrResultType, f.Name, g.Label)
		}
		if g.Items.Entity().Name != f.Target {
			return nil, fmt.Errorf("%w: field %s expects %s, group %q holds %s", ErrResultType, f.Name, f.Target, g.Label, g.Items.Entity().Name)
		}
	}
	return NewComposite(target, r.groups...), nil
}

// Composite is an ordered union of labelled collections of one entity.
// Operations fan out to every group and keep the labels.
type Composite struct {
	entity   *metadata.Entity
	groups   []Group
	distinct bool
	none     bool
}

func NewComposite(entity *metadata.Entity, groups ...Group) *Composite {
	return &Composite{entity: entity, groups: groups}
}

func (c *Composite) Entity() *metadata.Entity { return c.entity }

// Groups returns the grouped view.
func (c *Composite) Groups() []Group {
	return append([]Group(nil), c.groups...)
}

func (c *Composite) apply(fn func(query.Collection) query.Collection) *Composite {
	if c.none {
		return c
	}
	groups := make([]Group, len(c.groups))
	for i, g := range c.groups {
		groups[i] = Group{Label: g.Label, Items: fn(g.Items)}
	}
	return &Composite{entity: c.entity, groups: groups, distinct: c.distinct}
}

func (c *Composite) Filter(preds ...query.Predicate) query.Collection {
	return c.apply(func(q query.Collection) query.Collection { return q.Filter(preds...) })
}

func (c *Composite) Exclude(preds ...query.Predicate) query.Collection {
	return c.apply(func(q query.Collection) query.Collection { return q.Exclude(preds...) })
}

// Distinct dedupes within each group; All additionally dedupes across groups.
func (c *Composite) Distinct() query.Collection {
	cp := c.apply(func(q query.Collection) query.Collection { return q.Distinct() })
	if !cp.none {
		cp.distinct = true
	}
	return cp
}

func (c *Composite) None() query.Collection {
	if c.none {
		return c
	}
	return &Composite{entity: c.entity, none: true}
}

func (c *Composite) IsNone() bool { return c.none }

// All concatenates the groups in order.
func (c *Composite) All(ctx context.Context) ([]query.Record, error) {
	if c.none {
		return nil, nil
	}
	var out []query.Record
	seen := make(map[string]bool)
	for _, g := range c.groups {
		rows, err := g.Items.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Label, err)
		}
		for _, r := range rows {
			if c.distinct {
				key := fmt.Sprintf("%v", query.PK(c.entity, r))
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Composite) Exists(ctx context.Context) (bool, error) {
	if c.none {
		return false, nil
	}
	for _, g := range c.groups {
		ok, err := g.Items.Exists(ctx)
		if err != nil {
			return false, fmt.Errorf("group %q: %w", g.Label, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Get returns the first match scanning groups in order. A group without a
// match is skipped.
func (c *Composite) Get(ctx context.Context, preds ...query.Predicate) (query.Record, error) {
	if !c.none {
		for _, g := range c.groups {
			r, err := g.Items.Get(ctx, preds...)
			if query.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return r, nil
		}
	}
	return nil, query.NewNotFoundError(c.entity.Name)
}

var _ query.Collection = (*Composite)(nil)
