package resilience_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/resilience"
)

func TestPairLimiterBoundsEachDirection(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := resilience.NewPairLimiter(6, 2, 0)
	l.Now = clk.Now

	require.NoError(t, l.Allow("implementer", "architect", 1))
	require.NoError(t, l.Allow("implementer", "architect", 1))
	err := l.Allow("implementer", "architect", 1)
	var limitErr *resilience.ConsultationLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.False(t, limitErr.Cyclic)
	assert.Equal(t, "rate", limitErr.Reason())

	// other pairs have their own budget
	require.NoError(t, l.Allow("reviewer", "architect", 1))

	// 6 per minute refills one token every 10s
	clk.Advance(11 * time.Second)
	require.NoError(t, l.Allow("implementer", "architect", 1))
}

func TestPairLimiterDetectsCycles(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := resilience.NewPairLimiter(6, 1, 0)
	l.Now = clk.Now

	require.NoError(t, l.Allow("a", "b", 1))
	require.NoError(t, l.Allow("b", "a", 1))
	err := l.Allow("a", "b", 1)
	var limitErr *resilience.ConsultationLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.True(t, limitErr.Cyclic)
	assert.Equal(t, "cyclic", limitErr.Reason())
	assert.Contains(t, err.Error(), "cyclic")
}

func TestPairLimiterDepth(t *testing.T) {
	l := resilience.NewPairLimiter(60, 10, 2)
	require.NoError(t, l.Allow("a", "b", 2))
	err := l.Allow("a", "b", 3)
	var limitErr *resilience.ConsultationLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "depth", limitErr.Reason())
}
