package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ledgerkit/internal/rules"
)

func TestSaveAndListRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, s.SaveRule(ctx, rules.Rule{
		Matcher: "grocery,supermarket", MatcherType: rules.MatcherKeyword,
		Category: "Expenses:Food", Necessary: true,
	}))
	require.NoError(t, s.SaveRule(ctx, rules.Rule{
		Matcher: `UBER\s*TRIP`, MatcherType: rules.MatcherRegex,
		Category: "Expenses:Transport",
	}))

	got, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Definition order is preserved.
	assert.Equal(t, "Expenses:Food", got[0].Category)
	assert.True(t, got[0].Necessary)
	assert.Equal(t, rules.MatcherRegex, got[1].MatcherType)

	assert.True(t, IsValidation(s.SaveRule(ctx, rules.Rule{
		MatcherType: rules.MatcherKeyword, Category: "X",
	})))
	assert.True(t, IsValidation(s.SaveRule(ctx, rules.Rule{
		Matcher: "x", MatcherType: "glob", Category: "X",
	})))
	assert.True(t, IsValidation(s.SaveRule(ctx, rules.Rule{
		Matcher: "x", MatcherType: rules.MatcherKeyword,
	})))
}
