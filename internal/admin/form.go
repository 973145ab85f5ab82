package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"

	"dynchoices/internal/choices"
	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
)

const (
	msgRequired = "This field is required."
	msgInvalid  = "Enter a valid value."
	msgChoice   = "Select a valid choice. %v is not one of the available choices."
)

// Form is one editable record: the main object or a single inline row.
// Relation fields are bound to their dynamic choices when the form is built.
type Form struct {
	Entity   *metadata.Entity
	Prefix   string
	Instance query.Record     // nil when adding
	Data     url.Values       // submitted values with Prefix stripped; nil for an unbound form
	Context  *choices.Context // values the choices are resolved against
	Errors   map[string][]string
	Cleaned  query.Record

	site   *Site
	src    query.Source
	fields []*metadata.Field
	bound  map[string]*choices.BoundField
	fk     string
}

type formOptions struct {
	prefix   string
	instance query.Record
	data     url.Values
	context  *choices.Context
	fk       string
}

func (s *Site) newForm(ctx context.Context, src query.Source, e *metadata.Entity, fields []*metadata.Field, opts formOptions) *Form {
	f := &Form{
		Entity:   e,
		Prefix:   opts.prefix,
		Instance: opts.instance,
		Data:     opts.data,
		Context:  opts.context,
		Errors:   make(map[string][]string),
		site:     s,
		src:      src,
		fields:   fields,
		bound:    make(map[string]*choices.BoundField),
		fk:       opts.fk,
	}
	if f.Context == nil {
		f.Context = choices.NewContext(opts.instance)
	}
	for _, fld := range fields {
		if !fld.IsRelation() {
			continue
		}
		df := s.schema.Field(e.Name, fld.Name)
		if df == nil {
			continue
		}
		bf := choices.NewBoundField(df, src, s.schema, s.cfg.EmptyLabel)
		if err := bf.Bind(ctx, opts.instance, f.Context); err != nil {
			log.Printf("WARN: bind %s.%s (%s): %v", e.Name, fld.Name, f.Key(fld.Name), err)
			f.addError(fld.Name, "Choices are unavailable: "+err.Error())
		}
		f.bound[fld.Name] = bf
	}
	return f
}

// Key returns the submitted name of a field, e.g. "enemy_set-0-enemy".
func (f *Form) Key(name string) string {
	if f.Prefix == "" {
		return name
	}
	return f.Prefix + "-" + name
}

func (f *Form) Fields() []*metadata.Field { return f.fields }

// Bound returns the bound relation field with the given name, or nil.
func (f *Form) Bound(name string) *choices.BoundField { return f.bound[name] }

func (f *Form) IsBound() bool { return f.Data != nil }

func (f *Form) Valid() bool { return len(f.Errors) == 0 }

func (f *Form) addError(field, msg string) {
	f.Errors[field] = append(f.Errors[field], msg)
}

// HasData reports whether any edited field was submitted with a value.
func (f *Form) HasData() bool {
	for _, fld := range f.fields {
		for _, v := range f.Data[fld.Name] {
			if v != "" {
				return true
			}
		}
	}
	return false
}

// Deleted reports whether the row was marked for deletion.
func (f *Form) Deleted() bool {
	v := f.Data.Get("DELETE")
	return v != "" && v != "0" && v != "false" && v != "off"
}

// Validate cleans the submitted data into Cleaned and collects field
// errors. parent is the cleaned parent record of an inline row. The
// returned error is reserved for failures that are not the user's fault.
func (f *Form) Validate(ctx context.Context, parent query.Record) error {
	f.Cleaned = make(query.Record)
	for _, fld := range f.fields {
		value, msg := f.clean(fld)
		if msg != "" {
			f.addError(fld.Name, msg)
			continue
		}
		if bf := f.bound[fld.Name]; bf != nil && value != nil {
			if err := bf.Allows(ctx, value); err != nil {
				if !errors.Is(err, choices.ErrNotAllowed) {
					return fmt.Errorf("check %s: %w", f.Key(fld.Name), err)
				}
				f.addError(fld.Name, fmt.Sprintf(msgChoice, displayValue(value)))
				continue
			}
		}
		f.Cleaned[fld.Name] = value
	}
	return f.validateModel(ctx, parent)
}

// validateModel runs the record-level check of every dynamic field against
// the record as it would be saved.
func (f *Form) validateModel(ctx context.Context, parent query.Record) error {
	merged := make(query.Record, len(f.Instance)+len(f.Cleaned)+1)
	for k, v := range f.Instance {
		merged[k] = v
	}
	for k, v := range f.Cleaned {
		merged[k] = v
	}
	if f.fk != "" && parent != nil {
		merged[f.fk] = parent
	}
	for _, fld := range f.fields {
		bf := f.bound[fld.Name]
		value, ok := f.Cleaned[fld.Name]
		if bf == nil || !ok || value == nil {
			continue
		}
		if err := bf.DynamicField.Validate(ctx, f.src, merged, value); err != nil {
			if !errors.Is(err, choices.ErrNotAllowed) {
				return fmt.Errorf("validate %s: %w", f.Key(fld.Name), err)
			}
			f.addError(fld.Name, fmt.Sprintf(msgChoice, displayValue(value)))
			delete(f.Cleaned, fld.Name)
		}
	}
	return nil
}

// clean converts the submitted value of fld. A non-empty message is a
// validation error.
func (f *Form) clean(fld *metadata.Field) (any, string) {
	raw := f.Data[fld.Name]
	if fld.IsToMany() {
		items := choices.SplitValues(raw, f.site.cfg.ManyDelimiter)
		if len(items) == 0 {
			if !fld.AllowsEmpty() {
				return nil, msgRequired
			}
			return []any{}, ""
		}
		keys := make([]any, 0, len(items))
		for _, item := range items {
			key, err := f.coerceKey(fld, item)
			if err != nil {
				return nil, fmt.Sprintf(msgChoice, item)
			}
			keys = append(keys, key)
		}
		return keys, ""
	}

	var s string
	if len(raw) > 0 {
		s = raw[0]
	}
	if s == "" {
		if !fld.AllowsEmpty() {
			return nil, msgRequired
		}
		return nil, ""
	}
	if fld.IsToOne() {
		key, err := f.coerceKey(fld, s)
		if err != nil {
			return nil, fmt.Sprintf(msgChoice, s)
		}
		return key, ""
	}
	v, err := fld.Coerce(s)
	if err != nil {
		return nil, msgInvalid
	}
	if len(fld.Options) > 0 {
		if _, ok := fld.OptionLabel(v); !ok {
			return nil, fmt.Sprintf(msgChoice, s)
		}
	}
	return v, ""
}

func (f *Form) coerceKey(fld *metadata.Field, v any) (any, error) {
	target := f.site.schema.Registry().Target(fld)
	if target == nil {
		return v, nil
	}
	return target.PrimaryKeyField().Coerce(v)
}

// Value returns what the form shows for a field: the submitted value when
// bound, the context value otherwise.
func (f *Form) Value(name string) any {
	if f.IsBound() {
		if raw, ok := f.Data[name]; ok && len(raw) > 0 {
			if fld := f.Entity.GetField(name); fld != nil && fld.IsToMany() {
				return choices.SplitValues(raw, f.site.cfg.ManyDelimiter)
			}
			return raw[0]
		}
	}
	v, _ := f.Context.Lookup(name)
	return v
}

func displayValue(v any) any {
	if list, ok := v.([]any); ok && len(list) == 1 {
		return list[0]
	}
	return v
}

// FieldDescription is the JSON rendering of one form field.
type FieldDescription struct {
	Name     string           `json:"name"`
	Label    string           `json:"label"`
	Required bool             `json:"required"`
	Widget   string           `json:"widget,omitempty"`
	Value    any              `json:"value"`
	Options  []choices.Choice `json:"choices,omitempty"`
	Errors   []string         `json:"errors,omitempty"`
}

// FormDescription is the JSON rendering of a form.
type FormDescription struct {
	Prefix string              `json:"prefix,omitempty"`
	Fields []FieldDescription  `json:"fields"`
	Errors map[string][]string `json:"errors,omitempty"`
}

// Describe renders the form with the choices of every relation field and
// the static options of scalar fields.
func (f *Form) Describe(ctx context.Context) (FormDescription, error) {
	desc := FormDescription{Prefix: f.Prefix, Fields: make([]FieldDescription, 0, len(f.fields))}
	if len(f.Errors) > 0 {
		desc.Errors = f.Errors
	}
	for _, fld := range f.fields {
		fd := FieldDescription{
			Name:     f.Key(fld.Name),
			Label:    fld.VerboseName(),
			Required: !fld.AllowsEmpty(),
			Value:    f.Value(fld.Name),
			Errors:   f.Errors[fld.Name],
		}
		if bf := f.bound[fld.Name]; bf != nil {
			opts, err := bf.Choices(ctx)
			if err != nil {
				return desc, fmt.Errorf("choices of %s: %w", fd.Name, err)
			}
			fd.Widget = bf.Widget()
			fd.Options = opts
		} else if len(fld.Options) > 0 {
			fd.Options = staticChoices(fld, f.site.cfg.EmptyLabel)
		}
		desc.Fields = append(desc.Fields, fd)
	}
	return desc, nil
}

func staticChoices(fld *metadata.Field, emptyLabel string) []choices.Choice {
	out := make([]choices.Choice, 0, len(fld.Options)+1)
	if fld.AllowsEmpty() {
		out = append(out, choices.Choice{Value: "", Label: emptyLabel})
	}
	for _, o := range fld.Options {
		out = append(out, choices.Choice{Value: o.Value, Label: o.Label})
	}
	return out
}

// DynamicChoices returns the widget and choices of every bound relation
// field keyed by submitted name.
func (f *Form) DynamicChoices(ctx context.Context) (map[string]FieldChoices, error) {
	out := make(map[string]FieldChoices, len(f.bound))
	for _, fld := range f.fields {
		bf := f.bound[fld.Name]
		if bf == nil {
			continue
		}
		opts, err := bf.Choices(ctx)
		if err != nil {
			return nil, fmt.Errorf("choices of %s: %w", f.Key(fld.Name), err)
		}
		out[f.Key(fld.Name)] = FieldChoices{Widget: bf.Widget(), Value: opts}
	}
	return out, nil
}

// FieldChoices is one entry of the choices endpoint.
type FieldChoices struct {
	Widget string           `json:"widget"`
	Value  []choices.Choice `json:"value"`
}
