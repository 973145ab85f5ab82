package choices

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
	"dynchoices/internal/store"
)

var alignments = []metadata.Option{
	{Value: 0, Label: "Evil"},
	{Value: 1, Label: "Good"},
	{Value: 2, Label: "Neutral"},
}

func testEntities() []*metadata.Entity {
	return []*metadata.Entity{
		{
			Name:    "master",
			Display: `labels.alignment + " master (" + string(record.id) + ")"`,
			Fields: []metadata.Field{
				{Name: "alignment", Type: "smallint", Required: true, Options: alignments},
			},
		},
		{
			Name: "puppet",
			Fields: []metadata.Field{
				{Name: "alignment", Type: "smallint", Required: true, Options: alignments},
				{Name: "master", Kind: metadata.KindToOne, Target: "master", Required: true,
					Choices: &metadata.ChoiceSpec{Callback: "same_alignment"}},
				{Name: "secret_lover", Kind: metadata.KindToOne, Target: "puppet", Nullable: true},
				{Name: "friends", Kind: metadata.KindToMany, Target: "puppet",
					Choices: &metadata.ChoiceSpec{Callback: "friends"}},
			},
		},
		{
			Name: "enemy",
			Fields: []metadata.Field{
				{Name: "puppet", Kind: metadata.KindToOne, Target: "puppet", Required: true},
				{Name: "enemy", Kind: metadata.KindToOne, Target: "puppet", Required: true,
					Choices: &metadata.ChoiceSpec{Callback: "enemy_choices"}},
				{Name: "because_of", Kind: metadata.KindToOne, Target: "master", Required: true,
					Choices: &metadata.ChoiceSpec{Callback: "same_alignment", Params: map[string]string{"alignment": "enemy__alignment"}}},
			},
		},
	}
}

func alignmentLabel(v any) string {
	for _, o := range alignments {
		if query.SameKey(o.Value, v) {
			return o.Label
		}
	}
	return ""
}

func testCallbacks() *Callbacks {
	cbs := NewCallbacks()
	cbs.MustRegister(
		&Callback{
			Name:   "same_alignment",
			Params: []Param{Opt("alignment", nil)},
			Fn: func(ctx context.Context, _ query.Record, base query.Collection, args Args) (Result, error) {
				return Flat(base.Filter(query.Eq("alignment", args.Value("alignment")))), nil
			},
		},
		&Callback{
			Name:   "friends",
			Bound:  true,
			Params: []Param{Opt("id", nil), Opt("alignment", nil)},
			Fn: func(ctx context.Context, _ query.Record, base query.Collection, args Args) (Result, error) {
				alignment := args.Value("alignment")
				same := base.Filter(query.Eq("alignment", alignment)).Exclude(query.Eq("id", args.Value("id")))
				if alignment == nil || query.SameKey(alignment, 2) {
					return Flat(same), nil
				}
				return Grouped(
					Group{Label: alignmentLabel(alignment), Items: same},
					Group{Label: "Neutral", Items: base.Filter(query.Eq("alignment", 2))},
				), nil
			},
		},
		&Callback{
			Name:   "enemy_choices",
			Bound:  true,
			Params: []Param{Opt("puppet__alignment", nil)},
			Fn: func(ctx context.Context, _ query.Record, base query.Collection, args Args) (Result, error) {
				alignment := args.Value("puppet__alignment")
				if alignment == nil {
					return Flat(base.None()), nil
				}
				var groups []Group
				for _, o := range alignments {
					if !query.SameKey(o.Value, alignment) {
						groups = append(groups, Group{Label: o.Label, Items: base.Filter(query.Eq("alignment", o.Value))})
					}
				}
				return Grouped(groups...), nil
			},
		},
	)
	return cbs
}

type fixture struct {
	schema *Schema
	src    *query.SQLSource
	reg    *metadata.Registry
}

func (f *fixture) entity(name string) *metadata.Entity { return f.reg.GetEntity(name) }

// newFixture builds the puppet schema on an in-memory database holding
// masters 1 (Good), 2 (Evil), 3 (Neutral) and puppets 1 (Good), 2 (Evil),
// 3 (Neutral), 4 (Good).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test adjust the entity definitions before they are
// registered.
func newFixtureWith(t *testing.T, adjust func(map[string]*metadata.Entity)) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	entities := testEntities()
	if adjust != nil {
		byName := make(map[string]*metadata.Entity, len(entities))
		for _, e := range entities {
			byName[e.Name] = e
		}
		adjust(byName)
	}
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load(entities))
	require.NoError(t, store.NewMigrator(s, reg).MigrateAll(ctx))

	schema := NewSchema(reg, testCallbacks())
	require.NoError(t, schema.Build())

	f := &fixture{schema: schema, src: query.NewSQLSource(s, reg), reg: reg}
	for _, a := range []int64{1, 0, 2} {
		_, err := f.src.Insert(ctx, f.entity("master"), query.Record{"alignment": a})
		require.NoError(t, err)
	}
	for i, a := range []int64{1, 0, 2, 1} {
		_, err := f.src.Insert(ctx, f.entity("puppet"), query.Record{"alignment": a, "master": int64(i%3 + 1)})
		require.NoError(t, err)
	}
	return f
}

func keysOf(t *testing.T, col query.Collection) []any {
	t.Helper()
	rows, err := col.All(context.Background())
	require.NoError(t, err)
	return query.Keys(col.Entity(), rows)
}
