package choices

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
)

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "enemy__alignment", NormalizePath("enemy.alignment"))
	assert.Equal(t, "enemy__alignment", NormalizePath("enemy__alignment"))
	assert.Equal(t, "alignment", NormalizePath("alignment"))
}

func TestCompileMappedParam(t *testing.T) {
	f := newFixture(t)
	df := f.schema.Field("enemy", "because_of")
	require.NotNil(t, df)
	require.True(t, df.Ready())

	d := df.Descriptors()["alignment"]
	require.NotNil(t, d)
	assert.Equal(t, "enemy__alignment", d.Key())
	assert.Equal(t, 2, d.Depth())
	assert.Equal(t, "enemy", d.Edges[0].Name)
	assert.Equal(t, "puppet", d.Targets[0].Name)
	assert.Nil(t, d.Targets[1])
	assert.Equal(t, []string{"enemy__alignment"}, df.Relationships())
}

func TestCompileDottedPath(t *testing.T) {
	f := newFixture(t)
	cb := &Callback{Name: "cb", Params: []Param{Opt("alignment", nil)}, Fn: nil}
	descs, err := Compile(f.reg, f.entity("enemy"), "because_of", cb, map[string]string{"alignment": "puppet.master.alignment"})
	require.NoError(t, err)
	d := descs["alignment"]
	assert.Equal(t, "puppet.master.alignment", d.Raw)
	assert.Equal(t, "puppet__master__alignment", d.Key())
	assert.Equal(t, 3, d.Depth())
}

func TestCompilePrimaryKeySegment(t *testing.T) {
	f := newFixture(t)
	descs, err := Compile(f.reg, f.entity("enemy"), "enemy", &Callback{Name: "cb", Params: []Param{Opt("puppet__id", nil)}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "id", descs["puppet__id"].Last().Name)
}

func TestCompileErrors(t *testing.T) {
	f := newFixture(t)
	enemy := f.entity("enemy")

	tests := []struct {
		name   string
		cb     *Callback
		params map[string]string
		want   string
	}{
		{"missing callback", nil, nil, "Cannot find the callback"},
		{"undeclared param", &Callback{Name: "cb", Params: []Param{Opt("alignment", nil)}}, map[string]string{"nope": "enemy"}, `declares no parameter "nope"`},
		{"no default", &Callback{Name: "cb", Params: []Param{{Name: "alignment"}}}, nil, "must declare a default"},
		{"unknown segment", &Callback{Name: "cb", Params: []Param{Opt("enemy__nope", nil)}}, nil,
			`Invalid descriptor "enemy__nope", choices are enemy__id, enemy__alignment, enemy__master, enemy__secret_lover, enemy__friends`},
		{"unknown root", &Callback{Name: "cb", Params: []Param{Opt("nope", nil)}}, nil,
			`choices are id, puppet, enemy, because_of`},
		{"to-many intermediate", &Callback{Name: "cb", Params: []Param{Opt("puppet__friends__alignment", nil)}}, nil,
			`"puppet__friends" is not a to-one relation`},
		{"scalar intermediate", &Callback{Name: "cb", Params: []Param{Opt("puppet__alignment__x", nil)}}, nil,
			`"puppet__alignment" is not a to-one relation`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(f.reg, enemy, "because_of", tt.cb, tt.params)
			require.Error(t, err)
			var de *DefinitionError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, "enemy", de.Entity)
			assert.Equal(t, "because_of", de.Field)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompileDefersOnMissingTarget(t *testing.T) {
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Register(&metadata.Entity{Name: "pet", Fields: []metadata.Field{
		{Name: "owner", Kind: metadata.KindToOne, Target: "person"},
	}}))
	cb := &Callback{Name: "cb", Params: []Param{Opt("owner__age", nil)}}
	_, err := Compile(reg, reg.GetEntity("pet"), "owner", cb, nil)
	assert.ErrorIs(t, err, ErrDeferred)
	var de *DefinitionError
	assert.False(t, errors.As(err, &de))
}

func TestSchemaDeferredCompilation(t *testing.T) {
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Register(&metadata.Entity{Name: "pet", Fields: []metadata.Field{
		{Name: "owner", Kind: metadata.KindToOne, Target: "person",
			Choices: &metadata.ChoiceSpec{Callback: "by_employer"}},
	}}))
	cbs := NewCallbacks()
	cbs.MustRegister(&Callback{Name: "by_employer", Params: []Param{Opt("owner__employer__name", nil)},
		Fn: func(_ context.Context, _ query.Record, base query.Collection, _ Args) (Result, error) {
			return Flat(base), nil
		}})
	schema := NewSchema(reg, cbs)

	err := schema.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolved relation targets: person")
	owner := schema.Field("pet", "owner")
	require.NotNil(t, owner)
	assert.False(t, owner.Ready())

	// the field's target arrives, but the path continues to another missing entity
	require.NoError(t, schema.Register(&metadata.Entity{Name: "person", Fields: []metadata.Field{
		{Name: "employer", Kind: metadata.KindToOne, Target: "company"},
	}}))
	assert.False(t, owner.Ready())
	assert.Equal(t, []string{"company"}, reg.Pending())

	require.NoError(t, schema.Register(&metadata.Entity{Name: "company", Fields: []metadata.Field{
		{Name: "name", Type: "string"},
	}}))
	require.True(t, owner.Ready())
	assert.Equal(t, "person", owner.Target().Name)
	assert.Equal(t, []string{"owner__employer__name"}, owner.Relationships())
	assert.NoError(t, schema.Check())
}

func TestSchemaLateDefinitionError(t *testing.T) {
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Register(&metadata.Entity{Name: "pet", Fields: []metadata.Field{
		{Name: "owner", Kind: metadata.KindToOne, Target: "person",
			Choices: &metadata.ChoiceSpec{Callback: "by_age"}},
	}}))
	cbs := NewCallbacks()
	cbs.MustRegister(&Callback{Name: "by_age", Params: []Param{Opt("owner__age", nil)},
		Fn: func(_ context.Context, _ query.Record, base query.Collection, _ Args) (Result, error) {
			return Flat(base), nil
		}})
	schema := NewSchema(reg, cbs)
	require.Error(t, schema.Build())

	require.NoError(t, schema.Register(&metadata.Entity{Name: "person"}))
	err := schema.Check()
	require.Error(t, err)
	var de *DefinitionError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, de.Msg, `Invalid descriptor "owner__age"`)
	assert.False(t, schema.Field("pet", "owner").Ready())
}

func TestSchemaDefinitionErrors(t *testing.T) {
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load([]*metadata.Entity{
		{Name: "tag"},
		{Name: "post", Display: "record.(", Fields: []metadata.Field{
			{Name: "title", Type: "string", Choices: &metadata.ChoiceSpec{Callback: "x"}},
			{Name: "tag", Kind: metadata.KindToOne, Target: "tag", Choices: &metadata.ChoiceSpec{Callback: "unknown"}},
		}},
	}))
	err := NewSchema(reg, nil).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "post: display:")
	assert.Contains(t, err.Error(), "post: title: choices require a relation field")
	assert.Contains(t, err.Error(), `post: tag: Cannot find the callback "unknown"`)
}
