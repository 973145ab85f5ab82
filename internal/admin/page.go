package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"dynchoices/internal/choices"
	"dynchoices/internal/instrument"
	"dynchoices/internal/query"
	"dynchoices/internal/store"
)

// Page is the change form of one record: the main form and one formset per
// inline.
type Page struct {
	Admin    *ModelAdmin
	Instance query.Record // nil on the add page
	Main     *Form
	Formsets []*Formset
}

// Object loads the record behind a URL id. An id that does not name a
// record, or cannot be coerced to a key, is a 404.
func (ma *ModelAdmin) Object(ctx context.Context, id string) (query.Record, error) {
	pk, err := ma.entity.PrimaryKeyField().Coerce(id)
	if err != nil {
		return nil, NotFoundError(ma.Entity, id)
	}
	rec, err := ma.site.src.Load(ctx, ma.entity, pk)
	if query.IsNotFound(err) {
		return nil, NotFoundError(ma.Entity, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", ma.Entity, id, err)
	}
	return rec, nil
}

// Page builds the forms of instance from payload. A bound page treats
// payload as submitted data and requires management data for every inline;
// an unbound page only uses payload to seed the choices context.
func (ma *ModelAdmin) Page(ctx context.Context, instance query.Record, payload url.Values, bound bool) (*Page, error) {
	return ma.page(ctx, ma.site.src, instance, payload, bound)
}

func (ma *ModelAdmin) page(ctx context.Context, src *query.SQLSource, instance query.Record, payload url.Values, bound bool) (*Page, error) {
	p := &Page{Admin: ma, Instance: instance}
	p.Main = ma.form(ctx, src, payload, instance, bound)
	fss, err := ma.formsets(ctx, src, payload, p.Main.Context, instance, bound)
	if err != nil {
		return nil, err
	}
	p.Formsets = fss
	return p, nil
}

// Form builds the main form of instance with its dynamic fields bound to
// the context assembled from payload.
func (ma *ModelAdmin) Form(ctx context.Context, payload url.Values, instance query.Record, bound bool) *Form {
	return ma.form(ctx, ma.site.src, payload, instance, bound)
}

func (ma *ModelAdmin) form(ctx context.Context, src *query.SQLSource, payload url.Values, instance query.Record, bound bool) *Form {
	var data url.Values
	if bound {
		data = payload
	}
	return ma.site.newForm(ctx, src, ma.entity, ma.fields, formOptions{
		instance: instance,
		data:     data,
		context:  choices.Assemble(ma.entity, payload, instance, ma.site.cfg.ManyDelimiter),
	})
}

// Formsets builds one formset per inline. Every row inherits parentCtx
// under the inline's relation name.
func (ma *ModelAdmin) Formsets(ctx context.Context, payload url.Values, parentCtx *choices.Context, parent query.Record, bound bool) ([]*Formset, error) {
	return ma.formsets(ctx, ma.site.src, payload, parentCtx, parent, bound)
}

func (ma *ModelAdmin) formsets(ctx context.Context, src *query.SQLSource, payload url.Values, parentCtx *choices.Context, parent query.Record, bound bool) ([]*Formset, error) {
	var out []*Formset
	for i := range ma.Inlines {
		fs, err := ma.site.newFormset(ctx, src, &ma.Inlines[i], formsetOptions{
			parentPK:  query.PK(ma.entity, parent),
			payload:   payload,
			bound:     bound,
			parentCtx: parentCtx,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, nil
}

// Choices collects the dynamic choices of every form on the page, inline
// rows and each formset's empty form included. When only is not nil, keys
// outside it are dropped.
func (p *Page) Choices(ctx context.Context, only []string) (map[string]FieldChoices, error) {
	out, err := p.Main.DynamicChoices(ctx)
	if err != nil {
		return nil, err
	}
	for _, fs := range p.Formsets {
		for _, f := range append(append([]*Form(nil), fs.Forms...), fs.Empty) {
			fc, err := f.DynamicChoices(ctx)
			if err != nil {
				return nil, err
			}
			for k, v := range fc {
				out[k] = v
			}
		}
	}
	if only != nil {
		keep := make(map[string]bool, len(only))
		for _, k := range only {
			keep[strings.TrimSpace(k)] = true
		}
		for k := range out {
			if !keep[k] {
				delete(out, k)
			}
		}
	}
	return out, nil
}

// PageDescription is the JSON rendering of a change form.
type PageDescription struct {
	Entity   string               `json:"entity"`
	ID       any                  `json:"id,omitempty"`
	Form     FormDescription      `json:"form"`
	Inlines  []FormsetDescription `json:"inlines"`
	Bindings *Binder              `json:"bindings"`
}

func (p *Page) Describe(ctx context.Context) (*PageDescription, error) {
	main, err := p.Main.Describe(ctx)
	if err != nil {
		return nil, err
	}
	desc := &PageDescription{
		Entity:   p.Admin.Entity,
		ID:       query.PK(p.Admin.entity, p.Instance),
		Form:     main,
		Inlines:  []FormsetDescription{},
		Bindings: p.Admin.Binder(),
	}
	for _, fs := range p.Formsets {
		fd, err := fs.Describe(ctx)
		if err != nil {
			return nil, err
		}
		desc.Inlines = append(desc.Inlines, fd)
	}
	return desc, nil
}

// validate runs every form. The cleaned main record, with the instance's
// values underneath, is the parent record of the inline rows.
func (p *Page) validate(ctx context.Context) (bool, error) {
	if err := p.Main.Validate(ctx, nil); err != nil {
		return false, err
	}
	parent := make(query.Record, len(p.Instance)+len(p.Main.Cleaned))
	for k, v := range p.Instance {
		parent[k] = v
	}
	for k, v := range p.Main.Cleaned {
		parent[k] = v
	}
	valid := p.Main.Valid()
	for _, fs := range p.Formsets {
		if err := fs.Validate(ctx, parent); err != nil {
			return false, err
		}
		valid = valid && fs.Valid()
	}
	return valid, nil
}

// details flattens the errors of every form, keyed by submitted name.
func (p *Page) details() []ErrorDetail {
	var out []ErrorDetail
	collect := func(f *Form) {
		names := make([]string, 0, len(f.Errors))
		for name := range f.Errors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, fld := range names {
			for _, msg := range f.Errors[fld] {
				out = append(out, ErrorDetail{Field: f.Key(fld), Rule: ruleOf(msg), Message: msg})
			}
		}
	}
	collect(p.Main)
	for _, fs := range p.Formsets {
		for i, f := range fs.Forms {
			if fs.active(i) {
				collect(f)
			}
		}
	}
	return out
}

func ruleOf(msg string) string {
	switch {
	case msg == msgRequired:
		return "required"
	case msg == msgInvalid:
		return "invalid"
	case strings.HasPrefix(msg, "Select a valid choice."):
		return "invalid_choice"
	}
	return "choices"
}

// Save validates the page and writes the record and its inline rows in one
// transaction. An invalid page returns a 422 *AppError and writes nothing.
func (p *Page) Save(ctx context.Context) (query.Record, error) {
	valid, err := p.validate(ctx)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, ValidationError(p.details())
	}

	ma := p.Admin
	s := ma.site
	var saved query.Record
	var rows int
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		src := s.src.WithQuerier(tx)
		var err error
		if p.Instance == nil {
			saved, err = src.Insert(ctx, ma.entity, p.Main.Cleaned)
		} else {
			saved, err = src.Update(ctx, ma.entity, query.PK(ma.entity, p.Instance), p.Main.Cleaned)
		}
		if err != nil {
			return err
		}
		pk := query.PK(ma.entity, saved)
		for _, fs := range p.Formsets {
			n, err := fs.save(ctx, src, pk)
			if err != nil {
				return err
			}
			rows += n
		}
		return nil
	})
	if err != nil {
		return nil, saveError(ma.Entity, err)
	}

	action := "update"
	if p.Instance == nil {
		action = "create"
	}
	instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, action, ma.Entity,
		fmt.Sprint(query.PK(ma.entity, saved)), map[string]any{"inline_rows": rows})
	return saved, nil
}

// save writes the active rows of fs under parentPK and deletes the rows
// marked for deletion. It returns the number of rows written or removed.
func (fs *Formset) save(ctx context.Context, src *query.SQLSource, parentPK any) (int, error) {
	in := fs.Inline
	n := 0
	for i, f := range fs.Forms {
		if f.Deleted() {
			if f.Instance != nil {
				if err := src.Delete(ctx, in.entity, query.PK(in.entity, f.Instance)); err != nil {
					return n, err
				}
				n++
			}
			continue
		}
		if !fs.active(i) {
			continue
		}
		values := make(query.Record, len(f.Cleaned)+1)
		for k, v := range f.Cleaned {
			values[k] = v
		}
		values[in.FK] = parentPK
		var err error
		if f.Instance != nil {
			_, err = src.Update(ctx, in.entity, query.PK(in.entity, f.Instance), values)
		} else {
			_, err = src.Insert(ctx, in.entity, values)
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func saveError(entity string, err error) error {
	switch {
	case errors.Is(err, store.ErrUniqueViolation):
		return NewAppError("CONFLICT", 409, fmt.Sprintf("A %s with these values already exists.", entity))
	case errors.Is(err, store.ErrForeignKeyViolation):
		return NewAppError("INVALID_REFERENCE", 422, "A related record does not exist.")
	case errors.Is(err, store.ErrNotNullViolation):
		return NewAppError("VALIDATION_FAILED", 422, "A required value is missing.")
	case query.IsNotFound(err):
		return NewAppError("NOT_FOUND", 404, err.Error())
	}
	return fmt.Errorf("save %s: %w", entity, err)
}
