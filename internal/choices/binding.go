package choices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"dynchoices/internal/query"
)

// Choice is one entry of a rendered choice list: a (value, label) pair, or
// a labelled group of pairs when Options is non-nil.
type Choice struct {
	Value   any
	Label   string
	Options []Choice
}

func (c Choice) IsGroup() bool { return c.Options != nil }

// MarshalJSON encodes a pair as [value, label] and a group as
// [label, [[value, label], ...]].
func (c Choice) MarshalJSON() ([]byte, error) {
	if c.IsGroup() {
		return json.Marshal([]any{c.Label, c.Options})
	}
	return json.Marshal([]any{c.Value, c.Label})
}

func (c *Choice) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("choice must have 2 elements, got %d", len(pair))
	}
	if second := bytes.TrimSpace(pair[1]); len(second) > 0 && second[0] == '[' {
		var label string
		if err := json.Unmarshal(pair[0], &label); err != nil {
			return fmt.Errorf("group label: %w", err)
		}
		opts := []Choice{}
		if err := json.Unmarshal(second, &opts); err != nil {
			return fmt.Errorf("group %q: %w", label, err)
		}
		*c = Choice{Label: label, Options: opts}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(pair[0]))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return err
	}
	var label string
	if err := json.Unmarshal(pair[1], &label); err != nil {
		return fmt.Errorf("choice label: %w", err)
	}
	*c = Choice{Value: value, Label: label}
	return nil
}

// ParseChoices decodes the JSON form written by Choice.MarshalJSON.
func ParseChoices(data []byte) ([]Choice, error) {
	var out []Choice
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse choices: %w", err)
	}
	return out, nil
}

// BoundField is a dynamic field attached to one form. Each Bind recomputes
// the choices from the field's base collection.
type BoundField struct {
	*DynamicField
	src        query.Source
	labels     Labeler
	emptyLabel string
	current    query.Collection
}

func NewBoundField(df *DynamicField, src query.Source, labels Labeler, emptyLabel string) *BoundField {
	return &BoundField{DynamicField: df, src: src, labels: labels, emptyLabel: emptyLabel}
}

// Bind computes the field's choices for inst within rc. When the callback
// fails the field offers no candidates until the next successful Bind.
func (b *BoundField) Bind(ctx context.Context, inst query.Record, rc *Context) error {
	b.current = nil
	base := b.Queryset(b.src)
	col, err := base.Resolve(ctx, inst, rc)
	if err != nil {
		b.current = base.None()
		return err
	}
	b.current = col
	return nil
}

// Collection returns the bound choices, or the base collection before Bind.
func (b *BoundField) Collection() query.Collection {
	if b.current == nil {
		return b.Queryset(b.src)
	}
	return b.current
}

// Choices renders the bound collection. A blank option leads the list when
// the field may be left empty and holds a single value.
func (b *BoundField) Choices(ctx context.Context) ([]Choice, error) {
	out := []Choice{}
	if b.Field.AllowsEmpty() && !b.Field.IsToMany() {
		out = append(out, Choice{Value: "", Label: b.emptyLabel})
	}
	col := b.Collection()
	if comp, ok := col.(*Composite); ok && !comp.IsNone() {
		for _, g := range comp.Groups() {
			opts, err := b.options(ctx, g.Items)
			if err != nil {
				return nil, err
			}
			out = append(out, Choice{Label: g.Label, Options: opts})
		}
		return out, nil
	}
	opts, err := b.options(ctx, col)
	if err != nil {
		return nil, err
	}
	return append(out, opts...), nil
}

func (b *BoundField) options(ctx context.Context, col query.Collection) ([]Choice, error) {
	rows, err := col.All(ctx)
	if err != nil {
		return nil, err
	}
	target := col.Entity()
	opts := make([]Choice, 0, len(rows))
	for _, r := range rows {
		opts = append(opts, Choice{Value: query.PK(target, r), Label: b.labels.Label(target, r)})
	}
	return opts, nil
}

// Widget names the client-side widget; plain selects report "default".
func (b *BoundField) Widget() string {
	switch b.Field.Widget {
	case "", "select", "select_multiple":
		return "default"
	}
	return b.Field.Widget
}

// Allows checks that every key of value is among the bound choices.
func (b *BoundField) Allows(ctx context.Context, value any) error {
	if value == nil {
		return nil
	}
	col := b.Collection()
	target := col.Entity()
	for _, key := range asList(value) {
		ok, err := col.Filter(query.Eq(target.PrimaryKey.Field, key)).Exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s with pk %v is not a valid choice for %s", ErrNotAllowed, target.Name, key, b.Name())
		}
	}
	return nil
}
