package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slawatch/backend/internal/calendar"
	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/models"
	"github.com/slawatch/backend/internal/notify"
	"github.com/slawatch/backend/internal/policy"
)

var testLogger = zerolog.New(io.Discard)

// monday9 is Monday 2024-03-04 09:00 UTC.
var monday9 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *db.SQLiteStore {
	t.Helper()
	s, err := db.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "slawatch.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type notifyCall struct {
	item     models.ItemKey
	level    int
	template string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	// failLevels makes calls for these levels fail while the value is positive.
	failLevels map[int]int
	failAll    bool
}

func (f *fakeNotifier) Notify(ctx context.Context, item models.TrackedItem, level int, templateKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{item: item.Key(), level: level, template: templateKey})
	if f.failAll {
		return "", errors.New("channel down")
	}
	if n := f.failLevels[level]; n > 0 {
		f.failLevels[level] = n - 1
		return "", errors.New("channel down")
	}
	return "ref-" + item.ID, nil
}

func (f *fakeNotifier) callsFor(level int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.level == level {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fullDayCalendar() calendar.BusinessConfig {
	cal := calendar.Default()
	cal.WorkdayStart = 0
	cal.WorkdayEnd = 24 * time.Hour
	return cal
}

type engineFixture struct {
	store    *db.SQLiteStore
	clock    *testClock
	notifier *fakeNotifier
	ingest   *IngestService
	engine   *EscalationService
}

func newEngine(t *testing.T, cal calendar.BusinessConfig, pol policy.Policy) *engineFixture {
	t.Helper()
	store := newTestStore(t)
	clock := newClock(monday9)
	notifier := &fakeNotifier{failLevels: map[int]int{}}
	set := policy.NewSet(pol.Key, pol)

	ingest := NewIngestService(store, set, testLogger, 16)
	ingest.Now = clock.Now

	engine := &EscalationService{
		Store:    store,
		Policies: set,
		Calendar: cal,
		Dispatcher: &Dispatcher{
			Notifiers: notify.NewRegistry(notifier),
			Timeout:   time.Second,
			Logger:    testLogger,
			Now:       clock.Now,
		},
		Logger:      testLogger,
		Concurrency: 4,
		Now:         clock.Now,
	}
	return &engineFixture{store: store, clock: clock, notifier: notifier, ingest: ingest, engine: engine}
}

func (f *engineFixture) track(t *testing.T, externalID, subjectID string) models.ItemKey {
	t.Helper()
	ev := models.RawEvent{
		Source:      models.SourceTrackerA,
		ExternalID:  externalID,
		SubjectKind: "ticket",
		SubjectID:   subjectID,
		ObservedAt:  f.clock.Now(),
		Kind:        models.KindStatusBlocked,
	}
	stats := f.ingest.Fold(context.Background(), []models.RawEvent{ev})
	require.Equal(t, 0, stats.Errors)
	return ev.Key()
}

func (f *engineFixture) item(t *testing.T, key models.ItemKey) models.TrackedItem {
	t.Helper()
	it, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	return it
}

func actionsAt(it models.TrackedItem, level int) int {
	n := 0
	for _, a := range it.ActionsTaken {
		if a.Level == level {
			n++
		}
	}
	return n
}
