package choices

import (
	"fmt"
	"log"

	"github.com/expr-lang/expr"
	"github.com/go-openapi/inflect"

	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
)

// Labeler renders the text shown for a record in a choice list.
type Labeler interface {
	Label(e *metadata.Entity, rec query.Record) string
}

// Label renders rec with its entity's display expression. The expression
// sees the row as "record" and static option labels as "labels". Without an
// expression, or when it fails, the label is "<Entity> object (<pk>)".
func (s *Schema) Label(e *metadata.Entity, rec query.Record) string {
	s.mu.RLock()
	prog := s.display[e.Name]
	s.mu.RUnlock()

	if prog != nil {
		out, err := expr.Run(prog, map[string]any{"record": rec, "labels": optionLabels(e, rec)})
		if err == nil && out != nil {
			return fmt.Sprint(out)
		}
		if err != nil {
			log.Printf("WARN: display of %s %v: %v", e.Name, query.PK(e, rec), err)
		}
	}
	return DefaultLabel(e, rec)
}

func DefaultLabel(e *metadata.Entity, rec query.Record) string {
	return fmt.Sprintf("%s object (%v)", inflect.Camelize(e.Name), query.PK(e, rec))
}

func optionLabels(e *metadata.Entity, rec query.Record) map[string]any {
	labels := make(map[string]any)
	for i := range e.Fields {
		f := &e.Fields[i]
		if len(f.Options) == 0 {
			continue
		}
		if l, ok := f.OptionLabel(rec[f.Name]); ok {
			labels[f.Name] = l
		} else {
			labels[f.Name] = ""
		}
	}
	return labels
}
