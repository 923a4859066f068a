package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/catalog"
	"phaseline/internal/domain"
)

func TestDefaultCatalogOrder(t *testing.T) {
	c := catalog.Default()
	assert.Equal(t, []string{"specify", "plan", "tasks", "test-design", "implement", "verify", "review", "merge", "rollout", "retro"}, c.Names())
	assert.Equal(t, "specify", c.RewindTarget())
	assert.Equal(t, catalog.DefaultMaxRewinds, c.MaxRewinds())

	impl, ok := c.Phase("implement")
	require.True(t, ok)
	assert.Equal(t, []string{"backend", "frontend", "infra"}, impl.Actors())
	spec, _ := c.Phase("specify")
	assert.Equal(t, []string{"product-owner"}, spec.Actors())
}

func TestNextLinearAdvance(t *testing.T) {
	c := catalog.Default()
	names := c.Names()
	for i := 0; i < len(names)-1; i++ {
		next, done, err := c.Next(names[i], domain.OutcomePass, 0)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Equal(t, names[i+1], next)
	}
	next, done, err := c.Next("retro", domain.OutcomePass, 0)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, next)
}

func TestNextRewindAlwaysTargetsFixedPhase(t *testing.T) {
	c := catalog.Default()
	for _, from := range []string{"plan", "review", "rollout"} {
		next, done, err := c.Next(from, domain.OutcomeReject, 2)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Equal(t, "specify", next, "rewind from %s", from)
	}
}

func TestNextRewindCeiling(t *testing.T) {
	c := catalog.Default()
	_, _, err := c.Next("review", domain.OutcomeReject, 4)
	require.NoError(t, err)
	_, _, err = c.Next("review", domain.OutcomeReject, 5)
	assert.ErrorIs(t, err, catalog.ErrRewindCeiling)
	// ceiling also applies below review, the counter is issue-wide
	_, _, err = c.Next("plan", domain.OutcomeReject, 7)
	assert.ErrorIs(t, err, catalog.ErrRewindCeiling)
}

func TestNextErrors(t *testing.T) {
	c := catalog.Default()
	_, _, err := c.Next("deploy", domain.OutcomePass, 0)
	assert.ErrorIs(t, err, catalog.ErrUnknownPhase)
	_, _, err = c.Next("plan", domain.OutcomeInputRequired, 0)
	assert.ErrorIs(t, err, catalog.ErrNoTransition)
}

func TestIsFeedback(t *testing.T) {
	c := catalog.Default()
	assert.True(t, c.IsFeedback("plan", domain.OutcomeReject, ""))
	assert.True(t, c.IsFeedback("review", domain.OutcomePass, "security_issue"))
	assert.False(t, c.IsFeedback("plan", domain.OutcomePass, "security_issue"))
	assert.False(t, c.IsFeedback("review", domain.OutcomePass, ""))
	assert.False(t, c.IsFeedback("review", domain.OutcomeWaitingForExternal, "security_issue"))
}

func TestNewValidates(t *testing.T) {
	cases := map[string][]catalog.Phase{
		"empty":     nil,
		"no name":   {{Actor: "a"}},
		"no actor":  {{Name: "x"}},
		"duplicate": {{Name: "x", Actor: "a"}, {Name: "x", Actor: "b"}},
		"empty sub": {{Name: "x", Actor: "a", SubActors: []string{""}}},
	}
	for name, phases := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := catalog.New(phases, "", 0)
			assert.Error(t, err)
		})
	}
	_, err := catalog.New([]catalog.Phase{{Name: "x", Actor: "a"}}, "nope", 0)
	assert.ErrorIs(t, err, catalog.ErrUnknownPhase)
}

func TestDigestTracksDefinition(t *testing.T) {
	a := catalog.Default()
	b := catalog.Default()
	assert.Equal(t, a.Digest(), b.Digest())

	phases := catalog.DefaultPhases()
	phases[1].Actor = "someone-else"
	changed, err := catalog.New(phases, "", 0)
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest(), changed.Digest())

	stricter, err := catalog.New(catalog.DefaultPhases(), "", 3)
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest(), stricter.Digest())
}

func TestFirstIncomplete(t *testing.T) {
	c := catalog.Default()
	assert.Equal(t, "specify", c.FirstIncomplete(nil))
	assert.Equal(t, "tasks", c.FirstIncomplete([]string{"specify", "plan"}))
	assert.Empty(t, c.FirstIncomplete(c.Names()))
}
