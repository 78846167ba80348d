package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slawatch/backend/internal/calendar"
	"github.com/slawatch/backend/internal/db"
	"github.com/slawatch/backend/internal/models"
)

const (
	AgeUnder8h  = "under_8h"
	Age8hTo24h  = "8h_24h"
	Age24hTo72h = "24h_72h"
	Age72hPlus  = "72h_plus"

	snapshotResolvedWindow = 24 * time.Hour
	snapshotCheckInterval  = 5 * time.Minute
)

type SnapshotStore interface {
	db.ItemStore
	db.SnapshotStore
	db.RunStore
}

// SnapshotService writes one immutable daily rollup of the tracked items.
type SnapshotService struct {
	Store    SnapshotStore
	Calendar calendar.BusinessConfig
	// Hour is the local hour of day after which the day's snapshot is taken.
	Hour   int
	Logger zerolog.Logger
	Now    func() time.Time

	mu       sync.Mutex
	lastDate string
}

func ageBucket(hours float64) string {
	switch {
	case hours < 8:
		return AgeUnder8h
	case hours < 24:
		return Age8hTo24h
	case hours < 72:
		return Age24hTo72h
	}
	return Age72hPlus
}

// BuildSnapshot aggregates items as of now. Ages are business hours from
// first detection to resolution, or to now for open items.
func BuildSnapshot(items []models.TrackedItem, now time.Time, cal calendar.BusinessConfig) models.Snapshot {
	loc := cal.Location
	if loc == nil {
		loc = time.UTC
	}
	snap := models.Snapshot{
		Date:        now.In(loc).Format("2006-01-02"),
		GeneratedAt: now.UTC(),
		ByLevel:     map[string]int{},
		ByPolicy:    map[string]int{},
		ByAge:       map[string]int{},
	}
	for _, it := range items {
		snap.Total++
		end := now
		if it.ResolvedAt != nil {
			snap.Resolved++
			end = *it.ResolvedAt
		} else {
			snap.Open++
		}
		snap.ByLevel[levelLabel(it.CurrentLevel)]++
		snap.ByPolicy[it.PolicyKey]++
		snap.ByAge[ageBucket(calendar.ElapsedBusinessHours(it.FirstDetectedAt, end, cal))]++
	}
	return snap
}

// Run checks periodically whether today's snapshot is due.
func (s *SnapshotService) Run(ctx context.Context) {
	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()
	for {
		if s.due(s.now()) {
			if _, _, err := s.Write(ctx); err != nil && ctx.Err() == nil {
				s.Logger.Error().Err(err).Msg("snapshot failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *SnapshotService) due(now time.Time) bool {
	local := now.In(s.location())
	s.mu.Lock()
	defer s.mu.Unlock()
	return local.Hour() >= s.Hour && local.Format("2006-01-02") != s.lastDate
}

// Write takes the snapshot for the current local date. It reports false when
// that date already had one; stored snapshots are never replaced.
func (s *SnapshotService) Write(ctx context.Context) (models.Snapshot, bool, error) {
	now := s.now()
	runID, err := s.Store.CreateRun(ctx, db.RunKindSnapshot, RunStatusRunning)
	if err != nil {
		return models.Snapshot{}, false, err
	}

	snap, created, err := s.write(ctx, now)
	status := RunStatusCompleted
	if err != nil {
		status = RunStatusFailed
	}
	payload, _ := json.Marshal(map[string]any{
		"date":    snap.Date,
		"created": created,
		"total":   snap.Total,
	})
	if finishErr := s.Store.FinishRun(context.WithoutCancel(ctx), runID, status, payload); finishErr != nil {
		s.Logger.Error().Err(finishErr).Str("run_id", runID).Msg("finish run failed")
	}
	if err != nil {
		return models.Snapshot{}, false, err
	}

	s.mu.Lock()
	s.lastDate = snap.Date
	s.mu.Unlock()
	s.Logger.Info().
		Str("date", snap.Date).
		Bool("created", created).
		Int("total", snap.Total).
		Int("open", snap.Open).
		Msg("snapshot written")
	return snap, created, nil
}

func (s *SnapshotService) write(ctx context.Context, now time.Time) (models.Snapshot, bool, error) {
	items, err := s.Store.ListForSnapshot(ctx, now.Add(-snapshotResolvedWindow))
	if err != nil {
		return models.Snapshot{}, false, err
	}
	snap := BuildSnapshot(items, now, s.Calendar)
	created, err := s.Store.SaveSnapshot(ctx, snap)
	if err != nil {
		return models.Snapshot{}, false, err
	}
	return snap, created, nil
}

func (s *SnapshotService) location() *time.Location {
	if s.Calendar.Location != nil {
		return s.Calendar.Location
	}
	return time.UTC
}

func (s *SnapshotService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
