package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slawatch/backend/internal/id"
	"github.com/slawatch/backend/internal/models"
)

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGStore struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PGStore{Pool: pool}, nil
}

func (s *PGStore) Close() {
	s.Pool.Close()
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, pgSchema)
	return err
}

func (s *PGStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) TryInsert(ctx context.Context, source models.Source, externalID string, seenAt time.Time) (bool, error) {
	return pgTryInsert(ctx, s.Pool, source, externalID, seenAt)
}

func pgTryInsert(ctx context.Context, q pgQuerier, source models.Source, externalID string, seenAt time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO dedup_records (source, external_id, seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source, external_id) DO NOTHING
	`, string(source), externalID, seenAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM dedup_records WHERE seen_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Ingest(ctx context.Context, ev models.RawEvent, policyKey string, now time.Time) (IngestResult, error) {
	result := IngestDuplicate
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		fresh, err := pgTryInsert(ctx, tx, ev.Source, ev.ExternalID, now)
		if err != nil {
			return fmt.Errorf("dedup insert: %w", err)
		}
		if !fresh {
			return nil
		}
		result, err = pgUpsert(ctx, tx, ev, policyKey, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (s *PGStore) Upsert(ctx context.Context, ev models.RawEvent, policyKey string, now time.Time) (IngestResult, error) {
	return pgUpsert(ctx, s.Pool, ev, policyKey, now)
}

func pgUpsert(ctx context.Context, q pgQuerier, ev models.RawEvent, policyKey string, now time.Time) (IngestResult, error) {
	if ev.Kind == models.KindResolved {
		tag, err := q.Exec(ctx, `
			UPDATE tracked_items
			SET resolve_requested_at = COALESCE(resolve_requested_at, $3), updated_at = $4
			WHERE item_kind = $1 AND item_id = $2 AND resolved_at IS NULL
		`, ev.SubjectKind, ev.SubjectID, ev.ObservedAt.UTC(), now.UTC())
		if err != nil {
			return "", err
		}
		if tag.RowsAffected() == 0 {
			return IngestIgnored, nil
		}
		return IngestSignalled, nil
	}

	var inserted bool
	err := q.QueryRow(ctx, `
		INSERT INTO tracked_items (item_kind, item_id, policy_key, source, title, url, first_detected_at, last_observed_at, current_level, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 0, $8)
		ON CONFLICT (item_kind, item_id) DO UPDATE SET
			last_observed_at = GREATEST(tracked_items.last_observed_at, EXCLUDED.last_observed_at),
			title = COALESCE(NULLIF(EXCLUDED.title, ''), tracked_items.title),
			url = COALESCE(NULLIF(EXCLUDED.url, ''), tracked_items.url),
			updated_at = EXCLUDED.updated_at
		WHERE tracked_items.resolved_at IS NULL
		RETURNING (xmax = 0)
	`, ev.SubjectKind, ev.SubjectID, policyKey, string(ev.Source), ev.Title, ev.URL, ev.ObservedAt.UTC(), now.UTC()).Scan(&inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IngestIgnored, nil
		}
		return "", err
	}
	if inserted {
		return IngestCreated, nil
	}
	return IngestUpdated, nil
}

const pgItemColumns = `item_kind, item_id, policy_key, source, title, url, first_detected_at, last_observed_at,
	current_level, resolve_requested_at, resolved_at, resolution_reason, notify_failing, retry_from, updated_at`

func scanPGItem(row pgx.Row) (models.TrackedItem, error) {
	var (
		it     models.TrackedItem
		source string
	)
	err := row.Scan(&it.Kind, &it.ID, &it.PolicyKey, &source, &it.Title, &it.URL, &it.FirstDetectedAt, &it.LastObservedAt,
		&it.CurrentLevel, &it.ResolveRequestedAt, &it.ResolvedAt, &it.ResolutionReason, &it.NotifyFailing, &it.RetryFrom, &it.UpdatedAt)
	if err != nil {
		return models.TrackedItem{}, err
	}
	it.Source = models.Source(source)
	it.FirstDetectedAt = it.FirstDetectedAt.UTC()
	it.LastObservedAt = it.LastObservedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	it.ResolveRequestedAt = utcPtr(it.ResolveRequestedAt)
	it.ResolvedAt = utcPtr(it.ResolvedAt)
	it.RetryFrom = utcPtr(it.RetryFrom)
	return it, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func pgLoadItem(ctx context.Context, q pgQuerier, key models.ItemKey, forUpdate bool) (models.TrackedItem, error) {
	query := `SELECT ` + pgItemColumns + ` FROM tracked_items WHERE item_kind = $1 AND item_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	it, err := scanPGItem(q.QueryRow(ctx, query, key.Kind, key.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TrackedItem{}, ErrNotFound
		}
		return models.TrackedItem{}, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, level, action_kind, fired_at, external_ref FROM item_actions
		WHERE item_kind = $1 AND item_id = $2 ORDER BY level ASC, fired_at ASC, id ASC
	`, key.Kind, key.ID)
	if err != nil {
		return models.TrackedItem{}, err
	}
	it.ActionsTaken, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.ActionRecord, error) {
		var a models.ActionRecord
		err := r.Scan(&a.ID, &a.Level, &a.ActionKind, &a.FiredAt, &a.ExternalRef)
		a.FiredAt = a.FiredAt.UTC()
		return a, err
	})
	if err != nil {
		return models.TrackedItem{}, err
	}

	rows, err = q.Query(ctx, `
		SELECT id, level, action_kind, attempt, failed_at, error FROM item_failures
		WHERE item_kind = $1 AND item_id = $2 ORDER BY failed_at ASC, id ASC
	`, key.Kind, key.ID)
	if err != nil {
		return models.TrackedItem{}, err
	}
	it.Failures, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.ActionFailure, error) {
		var f models.ActionFailure
		err := r.Scan(&f.ID, &f.Level, &f.ActionKind, &f.Attempt, &f.FailedAt, &f.Error)
		f.FailedAt = f.FailedAt.UTC()
		return f, err
	})
	if err != nil {
		return models.TrackedItem{}, err
	}
	return it, nil
}

func (s *PGStore) Get(ctx context.Context, key models.ItemKey) (models.TrackedItem, error) {
	return pgLoadItem(ctx, s.Pool, key, false)
}

func (s *PGStore) queryItems(ctx context.Context, query string, args ...any) ([]models.TrackedItem, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TrackedItem
	for rows.Next() {
		it, err := scanPGItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PGStore) ListOpen(ctx context.Context) ([]models.TrackedItem, error) {
	return s.queryItems(ctx, `SELECT `+pgItemColumns+` FROM tracked_items WHERE resolved_at IS NULL ORDER BY first_detected_at ASC`)
}

func (s *PGStore) ListForSnapshot(ctx context.Context, resolvedSince time.Time) ([]models.TrackedItem, error) {
	return s.queryItems(ctx, `SELECT `+pgItemColumns+` FROM tracked_items WHERE resolved_at IS NULL OR resolved_at >= $1`, resolvedSince.UTC())
}

func (s *PGStore) ListItems(ctx context.Context, filter ItemFilter) ([]models.TrackedItem, error) {
	filter = filter.normalized()
	if !itemStatusValid(filter.Status) {
		return nil, fmt.Errorf("invalid status filter %q", filter.Status)
	}
	query := `SELECT ` + pgItemColumns + ` FROM tracked_items`
	var args []any
	var wheres []string
	switch filter.Status {
	case "open":
		wheres = append(wheres, "resolved_at IS NULL")
	case "resolved":
		wheres = append(wheres, "resolved_at IS NOT NULL")
	}
	if filter.PolicyKey != "" {
		args = append(args, filter.PolicyKey)
		wheres = append(wheres, fmt.Sprintf("policy_key = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		wheres = append(wheres, fmt.Sprintf("item_kind = $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY first_detected_at DESC, item_kind, item_id LIMIT $" + fmt.Sprint(len(args)+1) + " OFFSET $" + fmt.Sprint(len(args)+2)
	args = append(args, filter.Limit, filter.Offset)
	return s.queryItems(ctx, query, args...)
}

func (s *PGStore) ResolveItem(ctx context.Context, key models.ItemKey, at time.Time, reason string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE tracked_items SET resolved_at = $3, resolution_reason = $4, updated_at = $3
		WHERE item_kind = $1 AND item_id = $2 AND resolved_at IS NULL
	`, key.Kind, key.ID, at.UTC(), reason)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PGStore) ResetFailures(ctx context.Context, key models.ItemKey, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE tracked_items SET notify_failing = FALSE, retry_from = $3, updated_at = $3
		WHERE item_kind = $1 AND item_id = $2
	`, key.Kind, key.ID, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// WithItemLock runs fn while holding SELECT ... FOR UPDATE on the item row.
// The transaction commits when fn returns nil or an error wrapped by KeepWrites.
func (s *PGStore) WithItemLock(ctx context.Context, key models.ItemKey, fn func(ItemTx) error) error {
	var keep error
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		it, err := pgLoadItem(ctx, tx, key, true)
		if err != nil {
			return err
		}
		keep = fn(&pgItemTx{tx: tx, item: it})
		return rollbackUnlessKept(keep)
	})
	if err != nil {
		return err
	}
	return unwrapKept(keep)
}

type pgItemTx struct {
	tx   pgx.Tx
	item models.TrackedItem
}

func (t *pgItemTx) Item() models.TrackedItem {
	return t.item
}

func (t *pgItemTx) AppendAction(ctx context.Context, rec models.ActionRecord) (bool, error) {
	if rec.ID == 0 {
		rec.ID = id.New()
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO item_actions (id, item_kind, item_id, level, action_kind, fired_at, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (item_kind, item_id, level, action_kind) DO NOTHING
	`, rec.ID, t.item.Kind, t.item.ID, rec.Level, rec.ActionKind, rec.FiredAt.UTC(), rec.ExternalRef)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	t.item.ActionsTaken = append(t.item.ActionsTaken, rec)
	return true, nil
}

func (t *pgItemTx) RecordFailure(ctx context.Context, f models.ActionFailure) error {
	if f.ID == 0 {
		f.ID = id.New()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO item_failures (id, item_kind, item_id, level, action_kind, attempt, failed_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, f.ID, t.item.Kind, t.item.ID, f.Level, f.ActionKind, f.Attempt, f.FailedAt.UTC(), f.Error)
	if err != nil {
		return err
	}
	t.item.Failures = append(t.item.Failures, f)
	return nil
}

func (t *pgItemTx) SetLevel(ctx context.Context, level int) error {
	if level <= t.item.CurrentLevel {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE tracked_items SET current_level = $3, updated_at = NOW()
		WHERE item_kind = $1 AND item_id = $2 AND current_level < $3
	`, t.item.Kind, t.item.ID, level)
	if err != nil {
		return err
	}
	t.item.CurrentLevel = level
	return nil
}

func (t *pgItemTx) SetNotifyFailing(ctx context.Context, failing bool) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE tracked_items SET notify_failing = $3, updated_at = NOW()
		WHERE item_kind = $1 AND item_id = $2
	`, t.item.Kind, t.item.ID, failing)
	if err != nil {
		return err
	}
	t.item.NotifyFailing = failing
	return nil
}

func (t *pgItemTx) Resolve(ctx context.Context, at time.Time, reason string) error {
	at = at.UTC()
	_, err := t.tx.Exec(ctx, `
		UPDATE tracked_items SET resolved_at = $3, resolution_reason = $4, updated_at = $3
		WHERE item_kind = $1 AND item_id = $2 AND resolved_at IS NULL
	`, t.item.Kind, t.item.ID, at, reason)
	if err != nil {
		return err
	}
	t.item.ResolvedAt = &at
	t.item.ResolutionReason = reason
	return nil
}

func (s *PGStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) (bool, error) {
	byLevel, byPolicy, byAge, err := marshalBuckets(snap)
	if err != nil {
		return false, err
	}
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO snapshots (snapshot_date, generated_at, total, open_count, resolved_count, by_level, by_policy, by_age)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (snapshot_date) DO NOTHING
	`, snap.Date, snap.GeneratedAt.UTC(), snap.Total, snap.Open, snap.Resolved, byLevel, byPolicy, byAge)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ListSnapshots(ctx context.Context, from, to string) ([]models.Snapshot, error) {
	query := `SELECT snapshot_date, generated_at, total, open_count, resolved_count, by_level, by_policy, by_age FROM snapshots`
	var args []any
	var wheres []string
	if from != "" {
		args = append(args, from)
		wheres = append(wheres, fmt.Sprintf("snapshot_date >= $%d", len(args)))
	}
	if to != "" {
		args = append(args, to)
		wheres = append(wheres, fmt.Sprintf("snapshot_date <= $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY snapshot_date ASC"

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		var (
			snap                      models.Snapshot
			byLevel, byPolicy, byAge []byte
		)
		if err := rows.Scan(&snap.Date, &snap.GeneratedAt, &snap.Total, &snap.Open, &snap.Resolved, &byLevel, &byPolicy, &byAge); err != nil {
			return nil, err
		}
		snap.GeneratedAt = snap.GeneratedAt.UTC()
		if err := unmarshalBuckets(&snap, byLevel, byPolicy, byAge); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PGStore) GetCheckpoint(ctx context.Context, source models.Source) (time.Time, error) {
	var at time.Time
	err := s.Pool.QueryRow(ctx, `SELECT checkpoint_at FROM poll_checkpoints WHERE source = $1`, string(source)).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return at.UTC(), nil
}

func (s *PGStore) SetCheckpoint(ctx context.Context, source models.Source, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO poll_checkpoints (source, checkpoint_at, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source) DO UPDATE SET
			checkpoint_at = GREATEST(poll_checkpoints.checkpoint_at, EXCLUDED.checkpoint_at),
			updated_at = EXCLUDED.updated_at
	`, string(source), at.UTC())
	return err
}

func (s *PGStore) CreateRun(ctx context.Context, kind, status string) (string, error) {
	runID := uuid.NewString()
	_, err := s.Pool.Exec(ctx, `INSERT INTO runs (id, kind, status, started_at) VALUES ($1, $2, $3, NOW())`, runID, kind, status)
	return runID, err
}

func (s *PGStore) FinishRun(ctx context.Context, runID string, status string, summary []byte) error {
	_, err := s.Pool.Exec(ctx, `UPDATE runs SET status = $1, summary = $2, finished_at = NOW() WHERE id = $3`, status, nullJSON(summary), runID)
	return err
}

func (s *PGStore) GetLatestRun(ctx context.Context, kind string) (models.Run, error) {
	row := s.Pool.QueryRow(ctx, `SELECT id, kind, started_at, finished_at, status, summary FROM runs WHERE kind = $1 ORDER BY started_at DESC LIMIT 1`, kind)
	var (
		run     models.Run
		summary []byte
	)
	if err := row.Scan(&run.ID, &run.Kind, &run.StartedAt, &run.FinishedAt, &run.Status, &summary); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Run{}, ErrNotFound
		}
		return models.Run{}, err
	}
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = utcPtr(run.FinishedAt)
	run.Summary = summary
	return run, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func marshalBuckets(snap models.Snapshot) ([]byte, []byte, []byte, error) {
	byLevel, err := json.Marshal(nonNil(snap.ByLevel))
	if err != nil {
		return nil, nil, nil, err
	}
	byPolicy, err := json.Marshal(nonNil(snap.ByPolicy))
	if err != nil {
		return nil, nil, nil, err
	}
	byAge, err := json.Marshal(nonNil(snap.ByAge))
	if err != nil {
		return nil, nil, nil, err
	}
	return byLevel, byPolicy, byAge, nil
}

func unmarshalBuckets(snap *models.Snapshot, byLevel, byPolicy, byAge []byte) error {
	if err := json.Unmarshal(byLevel, &snap.ByLevel); err != nil {
		return err
	}
	if err := json.Unmarshal(byPolicy, &snap.ByPolicy); err != nil {
		return err
	}
	return json.Unmarshal(byAge, &snap.ByAge)
}

func nonNil(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
