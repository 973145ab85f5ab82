package puppets

import (
	"context"

	"dynchoices/internal/choices"
	"dynchoices/internal/query"
)

// Callbacks returns the choice callbacks the puppet schema refers to.
func Callbacks() *choices.Callbacks {
	cbs := choices.NewCallbacks()
	cbs.MustRegister(
		&choices.Callback{
			Name:   "same_alignment",
			Params: []choices.Param{choices.Opt("alignment", nil)},
			Fn:     sameAlignment,
		},
		&choices.Callback{
			Name:   "choices_for_friends",
			Bound:  true,
			Params: []choices.Param{choices.Opt("id", nil), choices.Opt("alignment", nil)},
			Fn:     friendChoices,
		},
		&choices.Callback{
			Name:  "choices_for_secret_lover",
			Bound: true,
			Fn:    secretLoverChoices,
		},
		&choices.Callback{
			Name:   "choices_for_enemy",
			Bound:  true,
			Params: []choices.Param{choices.Opt("puppet__alignment", nil)},
			Fn:     enemyChoices,
		},
		&choices.Callback{
			Name:   "choices_for_because_of",
			Bound:  true,
			Params: []choices.Param{choices.Opt("enemy__alignment", nil)},
			Fn: func(ctx context.Context, _ query.Record, base query.Collection, args choices.Args) (choices.Result, error) {
				return choices.Flat(base.Filter(query.Eq("alignment", args.Value("enemy__alignment")))), nil
			},
		},
	)
	return cbs
}

func sameAlignment(_ context.Context, _ query.Record, base query.Collection, args choices.Args) (choices.Result, error) {
	return choices.Flat(base.Filter(query.Eq("alignment", args.Value("alignment")))), nil
}

// friendChoices offers puppets sharing the alignment, and neutral puppets
// as a second group unless the puppet is neutral itself.
func friendChoices(_ context.Context, _ query.Record, base query.Collection, args choices.Args) (choices.Result, error) {
	alignment := args.Value("alignment")
	same := base.Filter(query.Eq("alignment", alignment))
	if id := args.Value("id"); id != nil {
		same = same.Exclude(query.Eq("id", id))
	}
	if alignment == nil || query.SameKey(alignment, Neutral) {
		return choices.Flat(same), nil
	}
	return choices.Grouped(
		choices.Group{Label: alignmentLabel(alignment), Items: same},
		choices.Group{Label: "Neutral", Items: base.Filter(query.Eq("alignment", Neutral))},
	), nil
}

// secretLoverChoices narrows the choices to the one puppet secretly in love
// with inst, when there is exactly one.
func secretLoverChoices(ctx context.Context, inst query.Record, base query.Collection, _ choices.Args) (choices.Result, error) {
	pk := inst["id"]
	if pk == nil {
		return choices.Flat(base), nil
	}
	lovers := base.Filter(query.Eq("secret_lover", pk))
	if _, err := lovers.Get(ctx); err != nil {
		if query.IsLookupFailure(err) {
			return choices.Flat(base), nil
		}
		return choices.Result{}, err
	}
	return choices.Flat(lovers), nil
}

// enemyChoices groups the puppets of every other alignment. Without a known
// alignment there are no candidates.
func enemyChoices(_ context.Context, _ query.Record, base query.Collection, args choices.Args) (choices.Result, error) {
	alignment := args.Value("puppet__alignment")
	if alignment == nil {
		return choices.Flat(base.None()), nil
	}
	var groups []choices.Group
	for _, a := range []int64{Evil, Good, Neutral} {
		if query.SameKey(a, alignment) {
			continue
		}
		groups = append(groups, choices.Group{Label: alignmentLabels[a], Items: base.Filter(query.Eq("alignment", a))})
	}
	return choices.Grouped(groups...), nil
}

func alignmentLabel(v any) string {
	for a, label := range alignmentLabels {
		if query.SameKey(a, v) {
			return label
		}
	}
	return ""
}
