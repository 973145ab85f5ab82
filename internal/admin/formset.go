package admin

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"dynchoices/internal/choices"
	"dynchoices/internal/query"
)

// maxForms caps the number of rows a submitted formset may declare.
const maxForms = 1000

// Formset is the set of inline rows of one Inline for a parent record.
type Formset struct {
	Inline  *Inline
	Prefix  string
	Forms   []*Form
	Empty   *Form // template row rendered under the placeholder prefix
	Initial int   // leading rows that edit existing records
}

type formsetOptions struct {
	parentPK  any // nil while the parent is being added
	payload   url.Values
	bound     bool
	parentCtx *choices.Context
}

func (s *Site) newFormset(ctx context.Context, src *query.SQLSource, in *Inline, opts formsetOptions) (*Formset, error) {
	fs := &Formset{Inline: in, Prefix: in.Prefix}
	var err error
	if opts.bound {
		err = s.boundRows(ctx, src, fs, opts)
	} else {
		err = s.unboundRows(ctx, src, fs, opts)
	}
	if err != nil {
		return nil, err
	}

	fs.Empty = s.newForm(ctx, src, in.entity, in.fields, formOptions{
		prefix:  in.Prefix + "-" + s.cfg.PrefixPlaceholder,
		context: choices.NewContext(nil).Inherit(in.FK, opts.parentCtx),
		fk:      in.FK,
	})
	return fs, nil
}

func (s *Site) boundRows(ctx context.Context, src *query.SQLSource, fs *Formset, opts formsetOptions) error {
	total, initial, err := managementData(opts.payload, fs.Prefix)
	if err != nil {
		return err
	}
	fs.Initial = initial
	in := fs.Inline
	pkField := in.entity.PrimaryKey.Field
	for i := 0; i < total; i++ {
		prefix := fmt.Sprintf("%s-%d", fs.Prefix, i)
		data := subValues(opts.payload, prefix+"-")

		var instance query.Record
		if i < initial {
			instance, err = s.existingRow(ctx, src, in, opts.parentPK, data.Get(pkField))
			if err != nil {
				return err
			}
		}
		form := s.newForm(ctx, src, in.entity, in.fields, formOptions{
			prefix:   prefix,
			instance: instance,
			data:     data,
			context:  choices.Assemble(in.entity, data, instance, s.cfg.ManyDelimiter).Inherit(in.FK, opts.parentCtx),
			fk:       in.FK,
		})
		if i < initial && instance == nil {
			form.addError(pkField, fmt.Sprintf(msgChoice, data.Get(pkField)))
		}
		fs.Forms = append(fs.Forms, form)
	}
	return nil
}

func (s *Site) unboundRows(ctx context.Context, src *query.SQLSource, fs *Formset, opts formsetOptions) error {
	in := fs.Inline
	var rows []query.Record
	if opts.parentPK != nil {
		existing, err := src.Collection(in.entity).Filter(query.Eq(in.FK, opts.parentPK)).All(ctx)
		if err != nil {
			return fmt.Errorf("load %s rows: %w", fs.Prefix, err)
		}
		for _, r := range existing {
			rec, err := src.Load(ctx, in.entity, query.PK(in.entity, r))
			if err != nil {
				return fmt.Errorf("load %s rows: %w", fs.Prefix, err)
			}
			rows = append(rows, rec)
		}
	}
	fs.Initial = len(rows)
	for i := 0; i < len(rows)+in.Extra; i++ {
		var instance query.Record
		if i < len(rows) {
			instance = rows[i]
		}
		fs.Forms = append(fs.Forms, s.newForm(ctx, src, in.entity, in.fields, formOptions{
			prefix:   fmt.Sprintf("%s-%d", fs.Prefix, i),
			instance: instance,
			context:  choices.NewContext(instance).Inherit(in.FK, opts.parentCtx),
			fk:       in.FK,
		}))
	}
	return nil
}

// existingRow loads the row an initial form edits. Rows of other parents
// are not found.
func (s *Site) existingRow(ctx context.Context, src *query.SQLSource, in *Inline, parentPK any, raw string) (query.Record, error) {
	if parentPK == nil || raw == "" {
		return nil, nil
	}
	pk, err := in.entity.PrimaryKeyField().Coerce(raw)
	if err != nil {
		return nil, nil
	}
	rec, err := src.Load(ctx, in.entity, pk)
	if query.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s row %v: %w", in.Prefix, pk, err)
	}
	if !query.SameKey(rec[in.FK], parentPK) {
		return nil, nil
	}
	return rec, nil
}

// managementData reads "<prefix>-TOTAL_FORMS" and "<prefix>-INITIAL_FORMS".
func managementData(payload url.Values, prefix string) (total, initial int, err error) {
	totalRaw, initialRaw := payload.Get(prefix+"-TOTAL_FORMS"), payload.Get(prefix+"-INITIAL_FORMS")
	if totalRaw == "" || initialRaw == "" {
		return 0, 0, ManagementFormError(prefix)
	}
	total, err = strconv.Atoi(totalRaw)
	if err != nil || total < 0 {
		return 0, 0, ManagementFormError(prefix)
	}
	initial, err = strconv.Atoi(initialRaw)
	if err != nil || initial < 0 {
		return 0, 0, ManagementFormError(prefix)
	}
	total = min(total, maxForms)
	initial = min(initial, total)
	return total, initial, nil
}

// subValues returns the entries of payload under prefix, prefix stripped.
func subValues(payload url.Values, prefix string) url.Values {
	out := make(url.Values)
	for k, v := range payload {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
			out[rest] = v
		}
	}
	return out
}

// active reports whether row i takes part in validation and saving.
// Deleted rows and untouched extra rows are skipped.
func (fs *Formset) active(i int) bool {
	f := fs.Forms[i]
	if f.Deleted() {
		return false
	}
	return i < fs.Initial || f.HasData()
}

// Validate validates every active row against parent.
func (fs *Formset) Validate(ctx context.Context, parent query.Record) error {
	for i, f := range fs.Forms {
		if !fs.active(i) {
			continue
		}
		if err := f.Validate(ctx, parent); err != nil {
			return err
		}
	}
	return nil
}

// Valid reports whether every active row is valid. Rows keep errors found
// while they were built.
func (fs *Formset) Valid() bool {
	for i, f := range fs.Forms {
		if fs.active(i) && !f.Valid() {
			return false
		}
	}
	return true
}

// FormsetDescription is the JSON rendering of a formset.
type FormsetDescription struct {
	Prefix  string            `json:"prefix"`
	Total   int               `json:"total_forms"`
	Initial int               `json:"initial_forms"`
	Forms   []FormDescription `json:"forms"`
	Empty   FormDescription   `json:"empty_form"`
}

func (fs *Formset) Describe(ctx context.Context) (FormsetDescription, error) {
	desc := FormsetDescription{Prefix: fs.Prefix, Total: len(fs.Forms), Initial: fs.Initial}
	for _, f := range fs.Forms {
		fd, err := f.Describe(ctx)
		if err != nil {
			return desc, err
		}
		desc.Forms = append(desc.Forms, fd)
	}
	empty, err := fs.Empty.Describe(ctx)
	if err != nil {
		return desc, err
	}
	desc.Empty = empty
	return desc, nil
}
