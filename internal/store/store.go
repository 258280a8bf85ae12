// Package store is the Postgres-backed persistence layer for sync
// records: the task/project pairing documents and the singleton reconcile
// cursor. It wraps pgx/pgxpool directly, applying schema with goose
// through pkg/db.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capsync/syncagent/internal/model"
	"github.com/capsync/syncagent/pkg/db"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned by single-record lookups that find nothing.
var ErrNotFound = errors.New("store: record not found")

// Store persists task/project sync records plus the singleton reconcile
// cursor.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and applies pending migrations.
func Open(ctx context.Context, connString string, logger *slog.Logger, opts ...db.Option) (*Store, error) {
	opts = append([]db.Option{db.WithMigrations(migrations), db.WithLogger(logger)}, opts...)
	pool, err := db.Open(ctx, connString, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an already-open pool (e.g. one shared with River), without
// running migrations again.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool, e.g. for health checks or sharing with
// River's driver.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Healthcheck pings the pool; compatible with pkg/health.CheckFunc.
func (s *Store) Healthcheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// -- Task records ----------------------------------------------------------

const taskRecordColumns = `source_task_id, sink_page_id, forward_fingerprint, reverse_fingerprint, status, error_note, origin, last_synced_at`

func scanTaskRecord(row pgx.Row) (model.TaskSyncRecord, error) {
	var r model.TaskSyncRecord
	var sinkPageID, errorNote *string
	if err := row.Scan(&r.SourceTaskID, &sinkPageID, &r.ForwardFingerprint, &r.ReverseFingerprint, &r.Status, &errorNote, &r.Origin, &r.LastSyncedAt); err != nil {
		return model.TaskSyncRecord{}, err
	}
	if sinkPageID != nil {
		r.SinkPageID = *sinkPageID
	}
	if errorNote != nil {
		r.ErrorNote = *errorNote
	}
	return r, nil
}

// GetTaskRecord returns the record for sourceTaskID, or ErrNotFound.
func (s *Store) GetTaskRecord(ctx context.Context, sourceTaskID string) (model.TaskSyncRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskRecordColumns+` FROM task_sync_records WHERE source_task_id = $1`, sourceTaskID)
	r, err := scanTaskRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TaskSyncRecord{}, ErrNotFound
		}
		return model.TaskSyncRecord{}, fmt.Errorf("store: get task record: %w", err)
	}
	return r, nil
}

// GetTaskRecordBySinkID is the indexed reverse lookup from a Sink page id
// back to its record.
func (s *Store) GetTaskRecordBySinkID(ctx context.Context, sinkPageID string) (model.TaskSyncRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskRecordColumns+` FROM task_sync_records WHERE sink_page_id = $1`, sinkPageID)
	r, err := scanTaskRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TaskSyncRecord{}, ErrNotFound
		}
		return model.TaskSyncRecord{}, fmt.Errorf("store: get task record by sink id: %w", err)
	}
	return r, nil
}

// SaveTaskRecord is a full-document idempotent upsert; no field-level
// merging.
func (s *Store) SaveTaskRecord(ctx context.Context, r model.TaskSyncRecord) error {
	var sinkPageID *string
	if r.SinkPageID != "" {
		sinkPageID = &r.SinkPageID
	}
	var errorNote *string
	if r.ErrorNote != "" {
		errorNote = &r.ErrorNote
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_sync_records (source_task_id, sink_page_id, forward_fingerprint, reverse_fingerprint, status, error_note, origin, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_task_id) DO UPDATE SET
			sink_page_id = EXCLUDED.sink_page_id,
			forward_fingerprint = EXCLUDED.forward_fingerprint,
			reverse_fingerprint = EXCLUDED.reverse_fingerprint,
			status = EXCLUDED.status,
			error_note = EXCLUDED.error_note,
			origin = EXCLUDED.origin,
			last_synced_at = EXCLUDED.last_synced_at
	`, r.SourceTaskID, sinkPageID, r.ForwardFingerprint, r.ReverseFingerprint, r.Status, errorNote, r.Origin, r.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("store: save task record: %w", err)
	}
	return nil
}

// DeleteTaskRecord removes a task record. Never called in normal
// operation -- archival is a status transition, not a delete; the
// ID-migration rebuild swaps the whole set through ReplaceAllTaskRecords.
func (s *Store) DeleteTaskRecord(ctx context.Context, sourceTaskID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM task_sync_records WHERE source_task_id = $1`, sourceTaskID)
	if err != nil {
		return fmt.Errorf("store: delete task record: %w", err)
	}
	return nil
}

// TaskRecordIterator streams task_sync_records rows so reconciler sweeps
// never buffer the whole table.
type TaskRecordIterator struct {
	rows pgx.Rows
	cur  model.TaskSyncRecord
	err  error
}

// Next advances to the next record, returning false at end-of-stream or on
// error (check Err after Next returns false).
func (it *TaskRecordIterator) Next() bool {
	if !it.rows.Next() {
		return false
	}
	it.cur, it.err = scanTaskRecord(it.rows)
	return it.err == nil
}

// Record returns the record most recently advanced to via Next.
func (it *TaskRecordIterator) Record() model.TaskSyncRecord { return it.cur }

// Err returns any error encountered during iteration.
func (it *TaskRecordIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying server-side cursor.
func (it *TaskRecordIterator) Close() { it.rows.Close() }

// ListTaskRecords streams every task_sync_records row via a server-side
// cursor. Callers MUST Close the iterator.
func (s *Store) ListTaskRecords(ctx context.Context) (*TaskRecordIterator, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskRecordColumns+` FROM task_sync_records ORDER BY source_task_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list task records: %w", err)
	}
	return &TaskRecordIterator{rows: rows}, nil
}

// ForEachTaskRecord streams every task record through fn, stopping on the
// first error fn returns. Convenience over ListTaskRecords for callers that
// don't need to manage the iterator themselves.
func (s *Store) ForEachTaskRecord(ctx context.Context, fn func(model.TaskSyncRecord) error) error {
	it, err := s.ListTaskRecords(ctx)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := fn(it.Record()); err != nil {
			return err
		}
	}
	return it.Err()
}

// ClearAllTaskRecords deletes every task_sync_records row, returning the
// count removed. A destructive reset for forced rebuilds; the ID-migration
// procedure uses ReplaceAllTaskRecords instead.
func (s *Store) ClearAllTaskRecords(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_sync_records`)
	if err != nil {
		return 0, fmt.Errorf("store: clear all task records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReplaceAllTaskRecords atomically swaps the whole record set: clear plus
// re-insert in one transaction, so a crash mid-rebuild can never leave the
// store half-empty. Used by the ID-migration procedure's rebuild step.
func (s *Store) ReplaceAllTaskRecords(ctx context.Context, records []model.TaskSyncRecord) (removed int64, err error) {
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM task_sync_records`)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()

		for _, r := range records {
			var sinkPageID, errorNote *string
			if r.SinkPageID != "" {
				sinkPageID = &r.SinkPageID
			}
			if r.ErrorNote != "" {
				errorNote = &r.ErrorNote
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO task_sync_records (source_task_id, sink_page_id, forward_fingerprint, reverse_fingerprint, status, error_note, origin, last_synced_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, r.SourceTaskID, sinkPageID, r.ForwardFingerprint, r.ReverseFingerprint, r.Status, errorNote, r.Origin, r.LastSyncedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: replace all task records: %w", err)
	}
	return removed, nil
}

// -- Project records --------------------------------------------------------

const projectRecordColumns = `source_project_id, sink_page_id, forward_fingerprint, status, error_note, origin, last_synced_at`

func scanProjectRecord(row pgx.Row) (model.ProjectSyncRecord, error) {
	var r model.ProjectSyncRecord
	var sinkPageID, errorNote *string
	if err := row.Scan(&r.SourceProjectID, &sinkPageID, &r.ForwardFingerprint, &r.Status, &errorNote, &r.Origin, &r.LastSyncedAt); err != nil {
		return model.ProjectSyncRecord{}, err
	}
	if sinkPageID != nil {
		r.SinkPageID = *sinkPageID
	}
	if errorNote != nil {
		r.ErrorNote = *errorNote
	}
	return r, nil
}

// GetProjectRecord returns the record for sourceProjectID, or ErrNotFound.
func (s *Store) GetProjectRecord(ctx context.Context, sourceProjectID string) (model.ProjectSyncRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+projectRecordColumns+` FROM project_sync_records WHERE source_project_id = $1`, sourceProjectID)
	r, err := scanProjectRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ProjectSyncRecord{}, ErrNotFound
		}
		return model.ProjectSyncRecord{}, fmt.Errorf("store: get project record: %w", err)
	}
	return r, nil
}

// GetProjectRecordBySinkID is the reverse lookup used by the reconciler's
// create-from-Sink step to map a page's project relation back to a Source
// project id.
func (s *Store) GetProjectRecordBySinkID(ctx context.Context, sinkPageID string) (model.ProjectSyncRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+projectRecordColumns+` FROM project_sync_records WHERE sink_page_id = $1`, sinkPageID)
	r, err := scanProjectRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ProjectSyncRecord{}, ErrNotFound
		}
		return model.ProjectSyncRecord{}, fmt.Errorf("store: get project record by sink id: %w", err)
	}
	return r, nil
}

// SaveProjectRecord is a full-document idempotent upsert.
func (s *Store) SaveProjectRecord(ctx context.Context, r model.ProjectSyncRecord) error {
	var sinkPageID *string
	if r.SinkPageID != "" {
		sinkPageID = &r.SinkPageID
	}
	var errorNote *string
	if r.ErrorNote != "" {
		errorNote = &r.ErrorNote
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO project_sync_records (source_project_id, sink_page_id, forward_fingerprint, status, error_note, origin, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_project_id) DO UPDATE SET
			sink_page_id = EXCLUDED.sink_page_id,
			forward_fingerprint = EXCLUDED.forward_fingerprint,
			status = EXCLUDED.status,
			error_note = EXCLUDED.error_note,
			origin = EXCLUDED.origin,
			last_synced_at = EXCLUDED.last_synced_at
	`, r.SourceProjectID, sinkPageID, r.ForwardFingerprint, r.Status, errorNote, r.Origin, r.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("store: save project record: %w", err)
	}
	return nil
}

// ListProjectRecords streams every project_sync_records row.
func (s *Store) ListProjectRecords(ctx context.Context) (*ProjectRecordIterator, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+projectRecordColumns+` FROM project_sync_records ORDER BY source_project_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list project records: %w", err)
	}
	return &ProjectRecordIterator{rows: rows}, nil
}

// ProjectRecordIterator streams project_sync_records rows.
type ProjectRecordIterator struct {
	rows pgx.Rows
	cur  model.ProjectSyncRecord
	err  error
}

// Next advances to the next record.
func (it *ProjectRecordIterator) Next() bool {
	if !it.rows.Next() {
		return false
	}
	it.cur, it.err = scanProjectRecord(it.rows)
	return it.err == nil
}

// Record returns the record most recently advanced to via Next.
func (it *ProjectRecordIterator) Record() model.ProjectSyncRecord { return it.cur }

// Err returns any error encountered during iteration.
func (it *ProjectRecordIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying server-side cursor.
func (it *ProjectRecordIterator) Close() { it.rows.Close() }

// -- Reconcile cursor --------------------------------------------------------

// GetReconcileCursor returns the last-completed-poll timestamp. A zero
// LastReversePollAt means the cursor has never been set: on first run the
// reverse sweep covers no backlog, only edits made after reconciliation
// starts.
func (s *Store) GetReconcileCursor(ctx context.Context) (model.ReconcileCursor, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sync_meta (id) VALUES (true)
		ON CONFLICT (id) DO NOTHING
		RETURNING last_reverse_poll_at
	`)

	var cursor model.ReconcileCursor
	var lastPoll *time.Time
	if err := row.Scan(&lastPoll); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The row already existed, so the insert touched nothing; read it.
			row = s.pool.QueryRow(ctx, `SELECT last_reverse_poll_at FROM sync_meta WHERE id = true`)
			if err := row.Scan(&lastPoll); err != nil {
				return model.ReconcileCursor{}, fmt.Errorf("store: get reconcile cursor: %w", err)
			}
		} else {
			return model.ReconcileCursor{}, fmt.Errorf("store: get reconcile cursor: %w", err)
		}
	}
	if lastPoll != nil {
		cursor.LastReversePollAt = *lastPoll
		cursor.Set = true
	}
	return cursor, nil
}

// SetReconcileCursor advances the singleton reverse-poll cursor; always
// the last step of a reconcile pass.
func (s *Store) SetReconcileCursor(ctx context.Context, cursor model.ReconcileCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_meta (id, last_reverse_poll_at) VALUES (true, $1)
		ON CONFLICT (id) DO UPDATE SET last_reverse_poll_at = EXCLUDED.last_reverse_poll_at
	`, cursor.LastReversePollAt)
	if err != nil {
		return fmt.Errorf("store: set reconcile cursor: %w", err)
	}
	return nil
}
