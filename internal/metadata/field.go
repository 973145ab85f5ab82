package metadata

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-openapi/inflect"
	"github.com/google/uuid"
)

// Kind tags a field as a plain column or a relation.
type Kind string

const (
	KindScalar Kind = "scalar"
	KindToOne  Kind = "to_one"
	KindToMany Kind = "to_many"
)

type Field struct {
	Name     string      `json:"name" yaml:"name"`
	Type     string      `json:"type,omitempty" yaml:"type,omitempty"`
	Kind     Kind        `json:"kind,omitempty" yaml:"kind,omitempty"`
	Target   string      `json:"target,omitempty" yaml:"target,omitempty"` // related entity for to_one / to_many
	Label    string      `json:"label,omitempty" yaml:"label,omitempty"`
	Required bool        `json:"required,omitempty" yaml:"required,omitempty"`
	Nullable bool        `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Unique   bool        `json:"unique,omitempty" yaml:"unique,omitempty"`
	Options  []Option    `json:"options,omitempty" yaml:"options,omitempty"`
	Widget   string      `json:"widget,omitempty" yaml:"widget,omitempty"`
	Through  Through     `json:"through,omitempty" yaml:"through,omitempty"`
	Choices  *ChoiceSpec `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// Option is one entry of a static choice list, e.g. an alignment enum.
type Option struct {
	Value any    `json:"value" yaml:"value"`
	Label string `json:"label" yaml:"label"`
}

// Through describes the join table of a to-many relation.
type Through struct {
	Table     string `json:"table,omitempty" yaml:"table,omitempty"`
	SourceKey string `json:"source_key,omitempty" yaml:"source_key,omitempty"`
	TargetKey string `json:"target_key,omitempty" yaml:"target_key,omitempty"`
	Entity    string `json:"entity,omitempty" yaml:"entity,omitempty"` // set when an explicit entity models the join rows
}

// ChoiceSpec attaches dynamic choices to a relation field. Either Callback
// names a registered callback, or Filter declares one inline.
type ChoiceSpec struct {
	Callback string            `json:"callback,omitempty" yaml:"callback,omitempty"`
	Params   map[string]string `json:"params,omitempty" yaml:"params,omitempty"` // callback parameter -> descriptor path
	Filter   *FilterSpec       `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// FilterSpec is a declarative choices callback. Params are descriptor paths;
// expressions see each resolved value under the descriptor name.
type FilterSpec struct {
	Params  []string    `json:"params,omitempty" yaml:"params,omitempty"`
	When    string      `json:"when,omitempty" yaml:"when,omitempty"`
	Where   []Condition `json:"where,omitempty" yaml:"where,omitempty"`
	Exclude []Condition `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Groups  []GroupSpec `json:"groups,omitempty" yaml:"groups,omitempty"`
}

type Condition struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op,omitempty" yaml:"op,omitempty"` // eq (default), neq, gt, gte, lt, lte, in, not_in
	Value string `json:"value" yaml:"value"`               // expr-lang expression
}

type GroupSpec struct {
	Label   string      `json:"label" yaml:"label"`
	Where   []Condition `json:"where,omitempty" yaml:"where,omitempty"`
	Exclude []Condition `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// IsRelation reports whether the field references another entity.
func (f *Field) IsRelation() bool {
	return f.Kind == KindToOne || f.Kind == KindToMany
}

func (f *Field) IsToOne() bool  { return f.Kind == KindToOne }
func (f *Field) IsToMany() bool { return f.Kind == KindToMany }

// HasChoices reports whether the field computes its choices dynamically.
func (f *Field) HasChoices() bool {
	return f.IsRelation() && f.Choices != nil && (f.Choices.Callback != "" || f.Choices.Filter != nil)
}

// AllowsEmpty reports whether the field may be left unset.
func (f *Field) AllowsEmpty() bool {
	return f.Nullable || !f.Required
}

// VerboseName returns the label shown next to the field.
func (f *Field) VerboseName() string {
	if f.Label != "" {
		return f.Label
	}
	return inflect.Humanize(f.Name)
}

// OptionLabel returns the label of a static option matching v.
func (f *Field) OptionLabel(v any) (string, bool) {
	key := fmt.Sprintf("%v", v)
	for _, o := range f.Options {
		if fmt.Sprintf("%v", o.Value) == key {
			return o.Label, true
		}
	}
	return "", false
}

// Coerce converts a raw value (usually a request string) to the field's
// native scalar type. Relation fields are coerced by their target's primary key.
func (f *Field) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := v.(map[string]any); ok {
		return nil, fmt.Errorf("field %s: cannot coerce a record", f.Name)
	}
	switch f.Type {
	case "int", "integer", "smallint", "bigint":
		return toInt64(v)
	case "decimal", "float":
		return toFloat(v)
	case "boolean":
		return toBool(v)
	case "uuid":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected uuid string, got %T", v)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	case "date":
		return toTime(v, "2006-01-02")
	case "timestamp":
		return toTime(v, time.RFC3339)
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return 0, fmt.Errorf("cannot convert %T to number", v)
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int64:
		return b != 0, nil
	case int:
		return b != 0, nil
	case string:
		return strconv.ParseBool(b)
	}
	return false, fmt.Errorf("cannot convert %T to boolean", v)
}

func toTime(v any, layout string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(layout, t)
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to time", v)
}
