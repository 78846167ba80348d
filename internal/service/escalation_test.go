package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slawatch/backend/internal/calendar"
	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/models"
	"github.com/slawatch/backend/internal/policy"
)

func TestEscalationMondayToWednesdayOfficeHours(t *testing.T) {
	f := newEngine(t, calendar.Default(), policy.New("standard", []float64{0, 24, 48, 72}))
	key := f.track(t, "status:OPS-1:1", "OPS-1")

	f.clock.Set(monday9.AddDate(0, 0, 2))
	_, err := f.engine.Tick(context.Background(), false)
	require.NoError(t, err)

	// 09:00-17:00 gives 16 business hours, so only the zero threshold is met.
	it := f.item(t, key)
	assert.Equal(t, 1, it.CurrentLevel)
	assert.Len(t, it.ActionsTaken, 1)
}

func TestEscalationMondayToWednesdayFullDays(t *testing.T) {
	f := newEngine(t, fullDayCalendar(), policy.New("standard", []float64{0, 24, 48, 72}))
	key := f.track(t, "status:OPS-1:1", "OPS-1")

	f.clock.Set(monday9.AddDate(0, 0, 2))
	summary, err := f.engine.Tick(context.Background(), false)
	require.NoError(t, err)

	it := f.item(t, key)
	assert.Equal(t, 3, it.CurrentLevel)
	require.Len(t, it.ActionsTaken, 3)
	for i, a := range it.ActionsTaken {
		assert.Equal(t, i+1, a.Level, "levels fire in ascending order")
		assert.Equal(t, "ref-OPS-1", a.ExternalRef)
	}
	assert.Equal(t, 3, summary.Fired)
	assert.Equal(t, 1, summary.Escalated)
	assert.Equal(t, "standard.l2", f.notifier.calls[1].template)
}

func TestEscalationZeroThresholdFiresOnNextTick(t *testing.T) {
	f := newEngine(t, calendar.Default(), policy.New("instant", []float64{0}))
	// Saturday: no business time elapses at all.
	f.clock.Set(time.Date(2024, 3, 9, 3, 0, 0, 0, time.UTC))
	key := f.track(t, "c-1", "OPS-2")

	_, err := f.engine.Tick(context.Background(), false)
	require.NoError(t, err)

	it := f.item(t, key)
	assert.Equal(t, 1, it.CurrentLevel)
	assert.Equal(t, 1, actionsAt(it, 1))
	assert.Equal(t, 1, f.notifier.total())
}

func TestEscalationTickIsIdempotent(t *testing.T) {
	f := newEngine(t, fullDayCalendar(), policy.New("standard", []float64{0, 24, 48}))
	key := f.track(t, "c-1", "OPS-3")
	f.clock.Set(monday9.Add(30 * time.Hour))

	_, err := f.engine.Tick(context.Background(), false)
	require.NoError(t, err)
	before := f.item(t, key)
	calls := f.notifier.total()

	_, err = f.engine.Tick(context.Background(), false)
	require.NoError(t, err)
	after := f.item(t, key)

	assert.Equal(t, before.CurrentLevel, after.CurrentLevel)
	assert.Len(t, after.ActionsTaken, len(before.ActionsTaken))
	assert.Equal(t, calls, f.notifier.total())
}

func TestEscalationFailedNotificationRetriedOnce(t *testing.T) {
	f := newEngine(t, fullDayCalendar(), policy.New("standard", []float64{0, 1}))
	key := f.track(t, "c-1", "OPS-4")
	f.notifier.failLevels[2] = 1
	f.clock.Set(monday9.Add(2 * time.Hour))

	summary, err := f.engine.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failures)

	it := f.item(t, key)
	assert.Equal(t, 1, it.CurrentLevel)
	assert.Equal(t, 0, actionsAt(it, 2), "a failed call leaves no audit record")
	require.Len(t, it.Failures, 1)
	assert.Equal(t, 2, it.Failures[0].Level)
	assert.Equal(t, 1, it.Failures[0].Attempt)

	f.clock.Set(monday9.Add(3 * time.Hour))
	_, err = f.engine.Tick(context.Background(), false)
	require.NoError(t, err)
	_, err = f.engine.Tick(context.Background(), false)
	require.NoError(t, err)

	it = f.item(t, key)
	assert.Equal(t, 2, it.CurrentLevel)
	assert.Equal(t, 1, actionsAt(it, 2))
	assert.Equal(t, 2, f.notifier.callsFor(2))
}

func TestEscalationNotificationFailingAfterMaxAttempts(t *testing.T) {
	pol := policy.New("standard", []float64{0})
	pol.MaxAttempts = 2
	f := newEngine(t, fullDayCalendar(), pol)
	key := f.track(t, "c-1", "OPS-5")
	f.notifier.failAll = true
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.clock.Set(monday9.Add(time.Duration(i+1) * time.Minute))
		_, err := f.engine.Tick(ctx, false)
		require.NoError(t, err)
	}

	it := f.item(t, key)
	assert.True(t, it.NotifyFailing)
	assert.Len(t, it.Failures, 2)
	assert.Equal(t, 2, f.notifier.total(), "no calls once the item is flagged")

	f.notifier.failAll = false
	f.clock.Set(monday9.Add(10 * time.Minute))
	require.NoError(t, f.store.ResetFailures(ctx, key, f.clock.Now()))
	f.clock.Set(monday9.Add(11 * time.Minute))
	_, err := f.engine.EvaluateItem(ctx, key)
	require.NoError(t, err)

	it = f.item(t, key)
	assert.False(t, it.NotifyFailing)
	assert.Equal(t, 1, it.CurrentLevel)
	assert.Equal(t, 1, actionsAt(it, 1))
}

func TestEscalationResolvedItemGetsNoActions(t *testing.T) {
	pol := policy.New("standard", []float64{0, 1})
	pol.Resolution = policy.ResolveOnSignal
	f := newEngine(t, fullDayCalendar(), pol)
	key := f.track(t, "c-1", "OPS-6")

	stats := f.ingest.Fold(context.Background(), []models.RawEvent{{
		Source:      models.SourceTrackerA,
		ExternalID:  "status:OPS-6:2",
		SubjectKind: "ticket",
		SubjectID:   "OPS-6",
		Kind:        models.KindResolved,
	}})
	require.Equal(t, 1, stats.Signals)

	f.clock.Set(monday9.Add(5 * time.Hour))
	summary, err := f.engine.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Resolved)

	it := f.item(t, key)
	require.NotNil(t, it.ResolvedAt)
	assert.Equal(t, "signal", it.ResolutionReason)
	assert.Empty(t, it.ActionsTaken)
	assert.Equal(t, 0, f.notifier.total())
}

func TestEscalationInactivityResolution(t *testing.T) {
	pol := policy.New("standard", []float64{0})
	pol.Resolution = policy.ResolveOnInactivity
	pol.StaleAfterHours = 16
	f := newEngine(t, calendar.Default(), pol)
	key := f.track(t, "c-1", "OPS-7")

	_, err := f.engine.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, f.item(t, key).ResolvedAt)

	f.clock.Set(monday9.AddDate(0, 0, 2))
	_, err = f.engine.Tick(context.Background(), false)
	require.NoError(t, err)
	it := f.item(t, key)
	require.NotNil(t, it.ResolvedAt)
	assert.Equal(t, "inactivity", it.ResolutionReason)
	assert.Equal(t, 1, it.CurrentLevel)
}

func TestEscalationLevelNeverDecreases(t *testing.T) {
	f := newEngine(t, fullDayCalendar(), policy.New("standard", []float64{0, 4, 8, 12}))
	key := f.track(t, "c-1", "OPS-8")
	ctx := context.Background()

	// Clock jumps backwards as well as forwards, and ticks repeat.
	offsets := []int{5, 5, 1, 13, 0, 9, 2, 20, 20}
	last := 0
	for _, h := range offsets {
		f.clock.Set(monday9.Add(time.Duration(h) * time.Hour))
		_, err := f.engine.Tick(ctx, false)
		require.NoError(t, err)
		level := f.item(t, key).CurrentLevel
		assert.GreaterOrEqual(t, level, last)
		last = level
	}
	it := f.item(t, key)
	assert.Equal(t, 4, it.CurrentLevel)
	for level := 1; level <= 4; level++ {
		assert.Equal(t, 1, actionsAt(it, level))
	}
}

func TestEscalationConcurrentTicksFireOnce(t *testing.T) {
	f := newEngine(t, fullDayCalendar(), policy.New("standard", []float64{0, 1, 2}))
	keys := []models.ItemKey{
		f.track(t, "c-1", "OPS-10"),
		f.track(t, "c-2", "OPS-11"),
		f.track(t, "c-3", "OPS-12"),
	}
	f.clock.Set(monday9.Add(3 * time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Tick(context.Background(), false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, key := range keys {
		it := f.item(t, key)
		assert.Equal(t, 3, it.CurrentLevel)
		for level := 1; level <= 3; level++ {
			assert.Equal(t, 1, actionsAt(it, level), "%s level %d", key, level)
		}
	}
	assert.Equal(t, 9, f.notifier.total())
}

func TestEscalationBusinessHoursOnly(t *testing.T) {
	f := newEngine(t, calendar.Default(), policy.New("instant", []float64{0}))
	f.engine.BusinessHoursOnly = true
	f.clock.Set(time.Date(2024, 3, 9, 3, 0, 0, 0, time.UTC))
	key := f.track(t, "c-1", "OPS-13")

	summary, err := f.engine.Tick(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, 0, f.item(t, key).CurrentLevel)

	_, err = f.engine.Tick(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, f.item(t, key).CurrentLevel)
}

func TestEscalationRecordsRun(t *testing.T) {
	f := newEngine(t, fullDayCalendar(), policy.New("standard", []float64{0}))
	f.track(t, "c-1", "OPS-14")

	summary, err := f.engine.Tick(context.Background(), false)
	require.NoError(t, err)

	run, err := f.store.GetLatestRun(context.Background(), db.RunKindEscalation)
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, run.ID)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Contains(t, string(run.Summary), `"actions_fired":1`)
}

func TestDispatcherFireSkipsRecordedActions(t *testing.T) {
	f := newEngine(t, fullDayCalendar(), policy.New("standard", []float64{0}))
	key := f.track(t, "c-1", "OPS-15")
	pol, _ := f.engine.Policies.Get("standard")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := f.store.WithItemLock(ctx, key, func(tx db.ItemTx) error {
			_, err := f.engine.Dispatcher.Fire(ctx, tx, pol, 1)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, actionsAt(f.item(t, key), 1))
	assert.Equal(t, 1, f.notifier.total())
}
