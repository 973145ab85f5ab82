package puppets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynchoices/internal/admin"
	"dynchoices/internal/choices"
	"dynchoices/internal/config"
	"dynchoices/internal/query"
	"dynchoices/internal/store"
)

func seededSite(t *testing.T) *admin.Site {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	site, err := Setup(ctx, s, config.Default().Admin)
	require.NoError(t, err)
	require.NoError(t, Seed(ctx, site))
	return site
}

// call runs a registered callback against the puppet collection and returns
// the primary keys per group label ("" for a flat result).
func call(t *testing.T, site *admin.Site, name string, inst query.Record, values map[string]any) map[string][]any {
	t.Helper()
	ctx := context.Background()
	cb := Callbacks().Lookup(name)
	require.NotNil(t, cb, name)

	reg := site.Schema().Registry()
	puppet := reg.GetEntity("puppet")
	res, err := cb.Fn(ctx, inst, site.Source().Collection(puppet), choices.NewArgs(values, cb.Params...))
	require.NoError(t, err)

	out := make(map[string][]any)
	keys := func(label string, col query.Collection) {
		rows, err := col.All(ctx)
		require.NoError(t, err)
		out[label] = query.Keys(col.Entity(), rows)
	}
	col, err := choices.Normalize(puppet.GetField("friends"), puppet, res)
	require.NoError(t, err)
	if !res.IsGrouped() {
		keys("", col)
		return out
	}
	for _, g := range col.(*choices.Composite).Groups() {
		keys(g.Label, g.Items)
	}
	return out
}

func TestFriendChoices(t *testing.T) {
	site := seededSite(t)

	got := call(t, site, "choices_for_friends", nil, map[string]any{"alignment": Good})
	assert.Equal(t, map[string][]any{"Good": {int64(1)}, "Neutral": {}}, got)

	got = call(t, site, "choices_for_friends", nil, map[string]any{"alignment": Good, "id": int64(1)})
	assert.Equal(t, map[string][]any{"Good": {}, "Neutral": {}}, got)

	got = call(t, site, "choices_for_friends", nil, map[string]any{"alignment": Neutral})
	assert.Equal(t, map[string][]any{"": {}}, got)

	got = call(t, site, "choices_for_friends", nil, nil)
	assert.Equal(t, map[string][]any{"": {}}, got)
}

func TestEnemyChoices(t *testing.T) {
	site := seededSite(t)

	got := call(t, site, "choices_for_enemy", nil, nil)
	assert.Equal(t, map[string][]any{"": {}}, got)

	got = call(t, site, "choices_for_enemy", nil, map[string]any{"puppet__alignment": Evil})
	assert.Equal(t, map[string][]any{"Good": {int64(1)}, "Neutral": {}}, got)
}

func TestSecretLoverChoices(t *testing.T) {
	site := seededSite(t)
	ctx := context.Background()
	puppet := site.Schema().Registry().GetEntity("puppet")

	got := call(t, site, "choices_for_secret_lover", nil, nil)
	assert.Equal(t, map[string][]any{"": {int64(1), int64(2)}}, got)

	// nobody loves puppet 1 yet
	got = call(t, site, "choices_for_secret_lover", query.Record{"id": int64(1)}, nil)
	assert.Equal(t, map[string][]any{"": {int64(1), int64(2)}}, got)

	_, err := site.Source().Update(ctx, puppet, int64(2), query.Record{"secret_lover": int64(1)})
	require.NoError(t, err)
	got = call(t, site, "choices_for_secret_lover", query.Record{"id": int64(1)}, nil)
	assert.Equal(t, map[string][]any{"": {int64(2)}}, got)
}

func TestCallbacksCoverSchema(t *testing.T) {
	site := seededSite(t)
	for _, name := range []string{"master", "secret_lover", "friends"} {
		df := site.Schema().Field("puppet", name)
		require.NotNil(t, df, name)
		assert.True(t, df.Ready(), name)
	}
	assert.Equal(t, []string{"puppet__alignment"}, site.Schema().Field("enemy", "enemy").Relationships())
	assert.Equal(t, []string{"enemy__alignment"}, site.Schema().Field("enemy", "because_of").Relationships())
}
