package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/slawatch/backend/internal/id"
	"github.com/slawatch/backend/internal/models"
)

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the embedded backend. It uses a single connection, so every
// transaction is exclusive and the item lock is the connection itself.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	s := &SQLiteStore{db: conn}
	if err := s.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func (s *SQLiteStore) TryInsert(ctx context.Context, source models.Source, externalID string, seenAt time.Time) (bool, error) {
	return sqliteTryInsert(ctx, s.db, source, externalID, seenAt)
}

func sqliteTryInsert(ctx context.Context, q sqlQuerier, source models.Source, externalID string, seenAt time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO dedup_records (source, external_id, seen_at) VALUES (?, ?, ?)
		ON CONFLICT (source, external_id) DO NOTHING
	`, string(source), externalID, toNanos(seenAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup_records WHERE seen_at < ?`, toNanos(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ingest(ctx context.Context, ev models.RawEvent, policyKey string, now time.Time) (IngestResult, error) {
	result := IngestDuplicate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		fresh, err := sqliteTryInsert(ctx, tx, ev.Source, ev.ExternalID, now)
		if err != nil {
			return fmt.Errorf("dedup insert: %w", err)
		}
		if !fresh {
			return nil
		}
		result, err = sqliteUpsert(ctx, tx, ev, policyKey, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, ev models.RawEvent, policyKey string, now time.Time) (IngestResult, error) {
	var result IngestResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = sqliteUpsert(ctx, tx, ev, policyKey, now)
		return err
	})
	return result, err
}

// sqliteUpsert runs inside an immediate transaction, so the existence check cannot race.
func sqliteUpsert(ctx context.Context, tx *sql.Tx, ev models.RawEvent, policyKey string, now time.Time) (IngestResult, error) {
	if ev.Kind == models.KindResolved {
		res, err := tx.ExecContext(ctx, `
			UPDATE tracked_items
			SET resolve_requested_at = COALESCE(resolve_requested_at, ?), updated_at = ?
			WHERE item_kind = ? AND item_id = ? AND resolved_at IS NULL
		`, toNanos(ev.ObservedAt), toNanos(now), ev.SubjectKind, ev.SubjectID)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return IngestIgnored, nil
		}
		return IngestSignalled, nil
	}

	var resolvedAt sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT resolved_at FROM tracked_items WHERE item_kind = ? AND item_id = ?`,
		ev.SubjectKind, ev.SubjectID).Scan(&resolvedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		observed := toNanos(ev.ObservedAt)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tracked_items (item_kind, item_id, policy_key, source, title, url, first_detected_at, last_observed_at, current_level, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`, ev.SubjectKind, ev.SubjectID, policyKey, string(ev.Source), ev.Title, ev.URL, observed, observed, toNanos(now))
		if err != nil {
			return "", err
		}
		return IngestCreated, nil
	case err != nil:
		return "", err
	case resolvedAt.Valid:
		return IngestIgnored, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tracked_items SET
			last_observed_at = MAX(last_observed_at, ?),
			title = CASE WHEN ? = '' THEN title ELSE ? END,
			url = CASE WHEN ? = '' THEN url ELSE ? END,
			updated_at = ?
		WHERE item_kind = ? AND item_id = ?
	`, toNanos(ev.ObservedAt), ev.Title, ev.Title, ev.URL, ev.URL, toNanos(now), ev.SubjectKind, ev.SubjectID)
	if err != nil {
		return "", err
	}
	return IngestUpdated, nil
}

const sqliteItemColumns = pgItemColumns

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row rowScanner) (models.TrackedItem, error) {
	var (
		it                                      models.TrackedItem
		source                                  string
		firstDetected, lastObserved, updated    int64
		resolveRequested, resolvedAt, retryFrom sql.NullInt64
		failing                                 bool
	)
	err := row.Scan(&it.Kind, &it.ID, &it.PolicyKey, &source, &it.Title, &it.URL, &firstDetected, &lastObserved,
		&it.CurrentLevel, &resolveRequested, &resolvedAt, &it.ResolutionReason, &failing, &retryFrom, &updated)
	if err != nil {
		return models.TrackedItem{}, err
	}
	it.Source = models.Source(source)
	it.FirstDetectedAt = fromNanos(firstDetected)
	it.LastObservedAt = fromNanos(lastObserved)
	it.UpdatedAt = fromNanos(updated)
	it.ResolveRequestedAt = nullNanos(resolveRequested)
	it.ResolvedAt = nullNanos(resolvedAt)
	it.RetryFrom = nullNanos(retryFrom)
	it.NotifyFailing = failing
	return it, nil
}

func sqliteLoadItem(ctx context.Context, q sqlQuerier, key models.ItemKey) (models.TrackedItem, error) {
	it, err := scanSQLiteItem(q.QueryRowContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM tracked_items WHERE item_kind = ? AND item_id = ?`, key.Kind, key.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TrackedItem{}, ErrNotFound
		}
		return models.TrackedItem{}, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, level, action_kind, fired_at, external_ref FROM item_actions
		WHERE item_kind = ? AND item_id = ? ORDER BY level ASC, fired_at ASC, id ASC
	`, key.Kind, key.ID)
	if err != nil {
		return models.TrackedItem{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a       models.ActionRecord
			firedAt int64
		)
		if err := rows.Scan(&a.ID, &a.Level, &a.ActionKind, &firedAt, &a.ExternalRef); err != nil {
			return models.TrackedItem{}, err
		}
		a.FiredAt = fromNanos(firedAt)
		it.ActionsTaken = append(it.ActionsTaken, a)
	}
	if err := rows.Err(); err != nil {
		return models.TrackedItem{}, err
	}

	frows, err := q.QueryContext(ctx, `
		SELECT id, level, action_kind, attempt, failed_at, error FROM item_failures
		WHERE item_kind = ? AND item_id = ? ORDER BY failed_at ASC, id ASC
	`, key.Kind, key.ID)
	if err != nil {
		return models.TrackedItem{}, err
	}
	defer frows.Close()
	for frows.Next() {
		var (
			f        models.ActionFailure
			failedAt int64
		)
		if err := frows.Scan(&f.ID, &f.Level, &f.ActionKind, &f.Attempt, &failedAt, &f.Error); err != nil {
			return models.TrackedItem{}, err
		}
		f.FailedAt = fromNanos(failedAt)
		it.Failures = append(it.Failures, f)
	}
	return it, frows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, key models.ItemKey) (models.TrackedItem, error) {
	return sqliteLoadItem(ctx, s.db, key)
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...any) ([]models.TrackedItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TrackedItem
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListOpen(ctx context.Context) ([]models.TrackedItem, error) {
	return s.queryItems(ctx, `SELECT `+sqliteItemColumns+` FROM tracked_items WHERE resolved_at IS NULL ORDER BY first_detected_at ASC`)
}

func (s *SQLiteStore) ListForSnapshot(ctx context.Context, resolvedSince time.Time) ([]models.TrackedItem, error) {
	return s.queryItems(ctx, `SELECT `+sqliteItemColumns+` FROM tracked_items WHERE resolved_at IS NULL OR resolved_at >= ?`, toNanos(resolvedSince))
}

func (s *SQLiteStore) ListItems(ctx context.Context, filter ItemFilter) ([]models.TrackedItem, error) {
	filter = filter.normalized()
	if !itemStatusValid(filter.Status) {
		return nil, fmt.Errorf("invalid status filter %q", filter.Status)
	}
	query := `SELECT ` + sqliteItemColumns + ` FROM tracked_items`
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
		wheres = append(wheres, "policy_key = ?")
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		wheres = append(wheres, "item_kind = ?")
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY first_detected_at DESC, item_kind, item_id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)
	return s.queryItems(ctx, query, args...)
}

func (s *SQLiteStore) ResolveItem(ctx context.Context, key models.ItemKey, at time.Time, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracked_items SET resolved_at = ?, resolution_reason = ?, updated_at = ?
		WHERE item_kind = ? AND item_id = ? AND resolved_at IS NULL
	`, toNanos(at), reason, toNanos(at), key.Kind, key.ID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) ResetFailures(ctx context.Context, key models.ItemKey, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracked_items SET notify_failing = 0, retry_from = ?, updated_at = ?
		WHERE item_kind = ? AND item_id = ?
	`, toNanos(at), toNanos(at), key.Kind, key.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WithItemLock holds the write transaction for the whole callback. fn must only
// touch the store through the ItemTx it is given.
func (s *SQLiteStore) WithItemLock(ctx context.Context, key models.ItemKey, fn func(ItemTx) error) error {
	var keep error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		it, err := sqliteLoadItem(ctx, tx, key)
		if err != nil {
			return err
		}
		keep = fn(&sqliteItemTx{tx: tx, item: it})
		return rollbackUnlessKept(keep)
	})
	if err != nil {
		return err
	}
	return unwrapKept(keep)
}

type sqliteItemTx struct {
	tx   *sql.Tx
	item models.TrackedItem
}

func (t *sqliteItemTx) Item() models.TrackedItem {
	return t.item
}

func (t *sqliteItemTx) AppendAction(ctx context.Context, rec models.ActionRecord) (bool, error) {
	if rec.ID == 0 {
		rec.ID = id.New()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO item_actions (id, item_kind, item_id, level, action_kind, fired_at, external_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_kind, item_id, level, action_kind) DO NOTHING
	`, rec.ID, t.item.Kind, t.item.ID, rec.Level, rec.ActionKind, toNanos(rec.FiredAt), rec.ExternalRef)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	rec.FiredAt = rec.FiredAt.UTC()
	t.item.ActionsTaken = append(t.item.ActionsTaken, rec)
	return true, nil
}

func (t *sqliteItemTx) RecordFailure(ctx context.Context, f models.ActionFailure) error {
	if f.ID == 0 {
		f.ID = id.New()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO item_failures (id, item_kind, item_id, level, action_kind, attempt, failed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, t.item.Kind, t.item.ID, f.Level, f.ActionKind, f.Attempt, toNanos(f.FailedAt), f.Error)
	if err != nil {
		return err
	}
	f.FailedAt = f.FailedAt.UTC()
	t.item.Failures = append(t.item.Failures, f)
	return nil
}

func (t *sqliteItemTx) SetLevel(ctx context.Context, level int) error {
	if level <= t.item.CurrentLevel {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE tracked_items SET current_level = ?, updated_at = ?
		WHERE item_kind = ? AND item_id = ? AND current_level < ?
	`, level, toNanos(time.Now()), t.item.Kind, t.item.ID, level)
	if err != nil {
		return err
	}
	t.item.CurrentLevel = level
	return nil
}

func (t *sqliteItemTx) SetNotifyFailing(ctx context.Context, failing bool) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE tracked_items SET notify_failing = ?, updated_at = ?
		WHERE item_kind = ? AND item_id = ?
	`, failing, toNanos(time.Now()), t.item.Kind, t.item.ID)
	if err != nil {
		return err
	}
	t.item.NotifyFailing = failing
	return nil
}

func (t *sqliteItemTx) Resolve(ctx context.Context, at time.Time, reason string) error {
	at = at.UTC()
	_, err := t.tx.ExecContext(ctx, `
		UPDATE tracked_items SET resolved_at = ?, resolution_reason = ?, updated_at = ?
		WHERE item_kind = ? AND item_id = ? AND resolved_at IS NULL
	`, toNanos(at), reason, toNanos(at), t.item.Kind, t.item.ID)
	if err != nil {
		return err
	}
	t.item.ResolvedAt = &at
	t.item.ResolutionReason = reason
	return nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) (bool, error) {
	byLevel, byPolicy, byAge, err := marshalBuckets(snap)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_date, generated_at, total, open_count, resolved_count, by_level, by_policy, by_age)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (snapshot_date) DO NOTHING
	`, snap.Date, toNanos(snap.GeneratedAt), snap.Total, snap.Open, snap.Resolved, string(byLevel), string(byPolicy), string(byAge))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, from, to string) ([]models.Snapshot, error) {
	query := `SELECT snapshot_date, generated_at, total, open_count, resolved_count, by_level, by_policy, by_age FROM snapshots`
	var args []any
	var wheres []string
	if from != "" {
		args = append(args, from)
		wheres = append(wheres, "snapshot_date >= ?")
	}
	if to != "" {
		args = append(args, to)
		wheres = append(wheres, "snapshot_date <= ?")
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY snapshot_date ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		var (
			snap                     models.Snapshot
			generated                int64
			byLevel, byPolicy, byAge string
		)
		if err := rows.Scan(&snap.Date, &generated, &snap.Total, &snap.Open, &snap.Resolved, &byLevel, &byPolicy, &byAge); err != nil {
			return nil, err
		}
		snap.GeneratedAt = fromNanos(generated)
		if err := unmarshalBuckets(&snap, []byte(byLevel), []byte(byPolicy), []byte(byAge)); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, source models.Source) (time.Time, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT checkpoint_at FROM poll_checkpoints WHERE source = ?`, string(source)).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return fromNanos(at), nil
}

func (s *SQLiteStore) SetCheckpoint(ctx context.Context, source models.Source, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_checkpoints (source, checkpoint_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET
			checkpoint_at = MAX(poll_checkpoints.checkpoint_at, excluded.checkpoint_at),
			updated_at = excluded.updated_at
	`, string(source), toNanos(at), toNanos(time.Now()))
	return err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, kind, status string) (string, error) {
	runID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (id, kind, status, started_at) VALUES (?, ?, ?, ?)`,
		runID, kind, status, toNanos(time.Now()))
	return runID, err
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status string, summary []byte) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, summary = ?, finished_at = ? WHERE id = ?`,
		status, nullJSON(summary), toNanos(time.Now()), runID)
	return err
}

func (s *SQLiteStore) GetLatestRun(ctx context.Context, kind string) (models.Run, error) {
	var (
		run      models.Run
		started  int64
		finished sql.NullInt64
		summary  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, started_at, finished_at, status, summary FROM runs
		WHERE kind = ? ORDER BY started_at DESC LIMIT 1
	`, kind).Scan(&run.ID, &run.Kind, &started, &finished, &run.Status, &summary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Run{}, ErrNotFound
		}
		return models.Run{}, err
	}
	run.StartedAt = fromNanos(started)
	run.FinishedAt = nullNanos(finished)
	if summary.Valid {
		run.Summary = []byte(summary.String)
	}
	return run, nil
}
