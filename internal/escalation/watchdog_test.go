package escalation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
	"phaseline/internal/escalation"
)

func TestWatchdogResolvesStaleEscalationsWithAnswers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctl.Open(ctx, "HUMAN", domain.Escalation{Phase: "plan", Type: domain.EscalationHuman, Question: "?"})
	require.NoError(t, err)
	_, err = f.ctl.Open(ctx, "EXTERNAL", domain.Escalation{Phase: "rollout", Type: domain.EscalationExternal, Condition: "window"})
	require.NoError(t, err)
	_, err = f.ctl.Open(ctx, "HALT", domain.Escalation{Phase: "review", Type: domain.EscalationHalt, Question: "ceiling"})
	require.NoError(t, err)
	_, err = f.ctl.Open(ctx, "UNANSWERED", domain.Escalation{Phase: "plan", Type: domain.EscalationHuman, Question: "?"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	for _, issue := range []string{"HUMAN", "HALT"} {
		_, err = f.repo.InsertResponse(ctx, issue, "answer", "bob")
		require.NoError(t, err)
	}
	_, err = f.repo.InsertWake(ctx, "EXTERNAL", "window open", "api")
	require.NoError(t, err)

	var resumed []string
	wd := &escalation.Watchdog{
		Issues:     f.store,
		Controller: f.ctl,
		Resume:     func(_ context.Context, issueID string) { resumed = append(resumed, issueID) },
		StaleAfter: 5 * time.Minute,
		Now:        f.clock.Now,
	}

	// not stale yet
	got, err := wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	f.clock.Advance(10 * time.Minute)
	got, err = wd.Sweep(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"HUMAN", "EXTERNAL"}, got)
	assert.ElementsMatch(t, []string{"HUMAN", "EXTERNAL"}, resumed)

	assert.Nil(t, f.state(t, "HUMAN").PendingEscalation)
	assert.Nil(t, f.state(t, "EXTERNAL").PendingEscalation)
	assert.NotNil(t, f.state(t, "HALT").PendingEscalation)
	assert.NotNil(t, f.state(t, "UNANSWERED").PendingEscalation)

	// a second sweep finds nothing left to do
	got, err = wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWatchdogRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	wd := &escalation.Watchdog{Issues: f.store, Controller: f.ctl, Interval: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wd.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}
