package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slawatch/backend/internal/models"
	"github.com/slawatch/backend/internal/policy"
)

func commentEvent(externalID string, at time.Time) models.RawEvent {
	return models.RawEvent{
		Source:      models.SourceTrackerA,
		ExternalID:  externalID,
		SubjectKind: "ticket",
		SubjectID:   "OPS-42",
		ObservedAt:  at,
		Kind:        models.KindCommentPosted,
		Title:       "Payment failing",
	}
}

func TestIngestWebhookAndPollerFoldOnce(t *testing.T) {
	store := newTestStore(t)
	set := policy.NewSet("standard", policy.New("standard", []float64{0}))
	svc := NewIngestService(store, set, testLogger, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	ev := commentEvent("C-42", time.Now().Add(-time.Minute))
	require.NoError(t, svc.Enqueue([]models.RawEvent{ev}))

	time.Sleep(500 * time.Millisecond)
	ev.ObservedAt = ev.ObservedAt.Add(500 * time.Millisecond)
	stats, err := svc.Submit(ctx, []models.RawEvent{ev})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 0, stats.Created)

	items, err := store.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "OPS-42", items[0].ID)
	assert.Equal(t, "standard", items[0].PolicyKey)
}

func TestIngestFoldOutcomes(t *testing.T) {
	store := newTestStore(t)
	set := policy.NewSet("standard", policy.New("standard", []float64{0}))
	svc := NewIngestService(store, set, testLogger, 8)
	clock := newClock(monday9)
	svc.Now = clock.Now
	ctx := context.Background()

	stats := svc.Fold(ctx, []models.RawEvent{
		commentEvent("c-1", monday9.Add(-time.Hour)),
		commentEvent("c-2", monday9),
		commentEvent("c-2", monday9),
		{Source: "nowhere", ExternalID: "x", SubjectKind: "ticket", SubjectID: "OPS-1", Kind: models.KindCommentPosted},
		{Source: models.SourceTrackerA, ExternalID: "r-1", SubjectKind: "ticket", SubjectID: "OPS-404", Kind: models.KindResolved},
	})
	assert.Equal(t, IngestStats{Received: 5, Created: 1, Updated: 1, Duplicates: 1, Invalid: 1, Ignored: 1}, stats)

	it, err := store.Get(ctx, models.ItemKey{Kind: "ticket", ID: "OPS-42"})
	require.NoError(t, err)
	assert.True(t, it.FirstDetectedAt.Equal(monday9.Add(-time.Hour)))
	assert.True(t, it.LastObservedAt.Equal(monday9))
}

func TestIngestClampsFutureObservations(t *testing.T) {
	store := newTestStore(t)
	set := policy.NewSet("standard", policy.New("standard", []float64{0}))
	svc := NewIngestService(store, set, testLogger, 8)
	svc.Now = newClock(monday9).Now

	stats := svc.Fold(context.Background(), []models.RawEvent{commentEvent("c-1", monday9.Add(48*time.Hour))})
	require.Equal(t, 1, stats.Created)

	it, err := store.Get(context.Background(), models.ItemKey{Kind: "ticket", ID: "OPS-42"})
	require.NoError(t, err)
	assert.True(t, it.FirstDetectedAt.Equal(monday9))
}

func TestIngestRoutesPolicies(t *testing.T) {
	store := newTestStore(t)
	set := policy.NewSet("standard",
		policy.New("standard", []float64{0, 24}),
		policy.New("review", []float64{0, 8}),
	)
	set.Routes = []policy.Route{{Source: models.SourceTrackerB, Policy: "review"}}
	svc := NewIngestService(store, set, testLogger, 8)

	svc.Fold(context.Background(), []models.RawEvent{{
		Source:      models.SourceTrackerB,
		ExternalID:  "mr:5!1:open",
		SubjectKind: "merge_request",
		SubjectID:   "5!1",
		Kind:        models.KindReviewRequested,
	}})
	it, err := store.Get(context.Background(), models.ItemKey{Kind: "merge_request", ID: "5!1"})
	require.NoError(t, err)
	assert.Equal(t, "review", it.PolicyKey)
	assert.Equal(t, models.SourceTrackerB, it.Source)
}

func TestIngestEnqueueQueueFull(t *testing.T) {
	store := newTestStore(t)
	set := policy.NewSet("standard", policy.New("standard", []float64{0}))
	svc := NewIngestService(store, set, testLogger, 1)

	require.NoError(t, svc.Enqueue([]models.RawEvent{commentEvent("c-1", monday9)}))
	assert.ErrorIs(t, svc.Enqueue([]models.RawEvent{commentEvent("c-2", monday9)}), ErrQueueFull)
	assert.NoError(t, svc.Enqueue(nil))
}

func TestIngestSubmitAfterStop(t *testing.T) {
	store := newTestStore(t)
	set := policy.NewSet("standard", policy.New("standard", []float64{0}))
	svc := NewIngestService(store, set, testLogger, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, svc.Enqueue([]models.RawEvent{commentEvent("c-1", monday9)}), ErrIngestStopped)
	_, err := svc.Submit(context.Background(), []models.RawEvent{commentEvent("c-2", monday9)})
	assert.ErrorIs(t, err, ErrIngestStopped)
}

func TestIngestDrainsAcceptedEventsOnShutdown(t *testing.T) {
	store := newTestStore(t)
	set := policy.NewSet("standard", policy.New("standard", []float64{0}))
	svc := NewIngestService(store, set, testLogger, 4)

	first := commentEvent("c-1", monday9)
	second := commentEvent("c-2", monday9)
	second.SubjectID = "OPS-43"
	require.NoError(t, svc.Enqueue([]models.RawEvent{first}))
	require.NoError(t, svc.Enqueue([]models.RawEvent{second}))

	// Shutdown has already begun when the consumer first runs.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Run(ctx)

	items, err := store.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.ErrorIs(t, svc.Enqueue([]models.RawEvent{commentEvent("c-3", monday9)}), ErrIngestStopped)
}

func TestIngestSubmitAnsweredDuringDrain(t *testing.T) {
	store := newTestStore(t)
	set := policy.NewSet("standard", policy.New("standard", []float64{0}))
	svc := NewIngestService(store, set, testLogger, 4)

	type result struct {
		stats IngestStats
		err   error
	}
	res := make(chan result, 1)
	go func() {
		stats, err := svc.Submit(context.Background(), []models.RawEvent{commentEvent("c-1", monday9)})
		res <- result{stats, err}
	}()
	require.Eventually(t, func() bool { return len(svc.queue) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Run(ctx)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.stats.Created)
}
