package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slawatch/backend/internal/models"
)

var ErrNotFound = errors.New("not found")

type IngestResult string

const (
	IngestDuplicate IngestResult = "duplicate"
	IngestCreated   IngestResult = "created"
	IngestUpdated   IngestResult = "updated"
	IngestSignalled IngestResult = "resolve_signal"
	// IngestIgnored covers resolved signals for unknown subjects and events for closed items.
	IngestIgnored IngestResult = "ignored"
)

const (
	RunKindEscalation = "escalation"
	RunKindSnapshot   = "snapshot"
)

type ItemFilter struct {
	Status    string
	PolicyKey string
	Kind      string
	Limit     int
	Offset    int
}

func (f ItemFilter) normalized() ItemFilter {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

type DedupStore interface {
	// TryInsert reports whether (source, externalID) was seen for the first time.
	TryInsert(ctx context.Context, source models.Source, externalID string, seenAt time.Time) (bool, error)
	PruneDedup(ctx context.Context, before time.Time) (int64, error)
}

// ItemTx is a tracked item held under an exclusive row lock.
type ItemTx interface {
	Item() models.TrackedItem
	// AppendAction returns false when the (level, action kind) pair is already recorded.
	AppendAction(ctx context.Context, rec models.ActionRecord) (bool, error)
	RecordFailure(ctx context.Context, f models.ActionFailure) error
	// SetLevel never lowers the stored level.
	SetLevel(ctx context.Context, level int) error
	SetNotifyFailing(ctx context.Context, failing bool) error
	Resolve(ctx context.Context, at time.Time, reason string) error
}

type ItemStore interface {
	Get(ctx context.Context, key models.ItemKey) (models.TrackedItem, error)
	// Upsert folds an observation into its item. first_detected_at is only written on creation.
	Upsert(ctx context.Context, ev models.RawEvent, policyKey string, now time.Time) (IngestResult, error)
	// ListOpen returns unresolved items without their audit trails.
	ListOpen(ctx context.Context) ([]models.TrackedItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]models.TrackedItem, error)
	ListForSnapshot(ctx context.Context, resolvedSince time.Time) ([]models.TrackedItem, error)
	// ResolveItem closes an item by hand. It returns false if the item was already closed.
	ResolveItem(ctx context.Context, key models.ItemKey, at time.Time, reason string) (bool, error)
	// ResetFailures clears notify_failing and restarts the attempt count from at.
	ResetFailures(ctx context.Context, key models.ItemKey, at time.Time) error
	WithItemLock(ctx context.Context, key models.ItemKey, fn func(ItemTx) error) error
}

type IngestStore interface {
	// Ingest runs TryInsert and Upsert in one transaction.
	Ingest(ctx context.Context, ev models.RawEvent, policyKey string, now time.Time) (IngestResult, error)
}

type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap models.Snapshot) (bool, error)
	// ListSnapshots returns snapshots with from <= date <= to, oldest first. Empty bounds are open.
	ListSnapshots(ctx context.Context, from, to string) ([]models.Snapshot, error)
}

type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, source models.Source) (time.Time, error)
	SetCheckpoint(ctx context.Context, source models.Source, at time.Time) error
}

type RunStore interface {
	CreateRun(ctx context.Context, kind, status string) (string, error)
	FinishRun(ctx context.Context, runID string, status string, summary []byte) error
	GetLatestRun(ctx context.Context, kind string) (models.Run, error)
}

type Store interface {
	DedupStore
	ItemStore
	IngestStore
	SnapshotStore
	CheckpointStore
	RunStore
	Ping(ctx context.Context) error
	Close()
}

// Open connects the configured backend and applies the schema.
func Open(ctx context.Context, driver, databaseURL, sqlitePath string) (Store, error) {
	switch driver {
	case "postgres":
		s, err := New(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "sqlite":
		return NewSQLite(ctx, sqlitePath)
	}
	return nil, fmt.Errorf("db: unknown driver %q", driver)
}

func itemStatusValid(status string) bool {
	return status == "" || status == "open" || status == "resolved"
}

// CommitError lets a WithItemLock callback fail while keeping what it already wrote.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string { return e.Err.Error() }

func (e *CommitError) Unwrap() error { return e.Err }

// KeepWrites wraps err so the surrounding item transaction still commits.
func KeepWrites(err error) error {
	if err == nil {
		return nil
	}
	return &CommitError{Err: err}
}

func rollbackUnlessKept(err error) error {
	var ce *CommitError
	if err == nil || errors.As(err, &ce) {
		return nil
	}
	return err
}

func unwrapKept(err error) error {
	var ce *CommitError
	if errors.As(err, &ce) {
		return ce.Err
	}
	return err
}
