// Package sqlite implements a checkpoint store on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
)

const (
	statusDone   = "done"
	statusFailed = "failed"
)

// CheckpointStore keeps checkpoints in two tables: one row per job and one
// row per processed index.
type CheckpointStore struct {
	db  *sqlx.DB
	now func() time.Time
}

type jobRow struct {
	JobID         string `db:"job_id"`
	TotalURLs     int    `db:"total_urls"`
	TTLMS         int64  `db:"ttl_ms"`
	CreatedAt     int64  `db:"created_at"`
	LastUpdatedAt int64  `db:"last_updated_at"`
	Revoked       bool   `db:"revoked"`
}

func (r jobRow) checkpoint() *checkpoint.Checkpoint {
	cp := checkpoint.New(r.JobID, r.TotalURLs, time.Duration(r.TTLMS)*time.Millisecond, time.UnixMilli(r.CreatedAt).UTC())
	cp.LastUpdatedAt = time.UnixMilli(r.LastUpdatedAt).UTC()
	cp.Revoked = r.Revoked
	return cp
}

type itemRow struct {
	Index   int    `db:"idx"`
	Status  string `db:"status"`
	Summary string `db:"summary"`
}

// New opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database. A nil now uses the wall clock.
func New(ctx context.Context, path string, now func() time.Time) (*CheckpointStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	if path != ":memory:" {
		pragmas += "&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.Open("sqlite", path+"?"+pragmas)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	store := &CheckpointStore{db: db, now: now}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *CheckpointStore) Close() error { return s.db.Close() }

func (s *CheckpointStore) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS checkpoints (
	job_id          TEXT PRIMARY KEY,
	total_urls      INTEGER NOT NULL,
	ttl_ms          INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	last_updated_at INTEGER NOT NULL,
	revoked         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS checkpoint_items (
	job_id  TEXT NOT NULL,
	idx     INTEGER NOT NULL,
	status  TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, idx),
	FOREIGN KEY (job_id) REFERENCES checkpoints(job_id) ON DELETE CASCADE
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Create inserts a checkpoint row, replacing an expired one.
func (s *CheckpointStore) Create(ctx context.Context, jobID string, totalURLs int, ttl time.Duration) (*checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateCreate(jobID, totalURLs); err != nil {
		return nil, err
	}
	now := s.now()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getJob(ctx, tx, jobID)
		switch {
		case err == nil:
			if !row.checkpoint().Expired(now) {
				return checkpoint.ErrAlreadyExists
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_items WHERE job_id = ?`, jobID); err != nil {
				return fmt.Errorf("clear items: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
				return fmt.Errorf("clear checkpoint: %w", err)
			}
		case !errors.Is(err, checkpoint.ErrNotFound):
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoints (job_id, total_urls, ttl_ms, created_at, last_updated_at, revoked)
			 VALUES (?, ?, ?, ?, ?, 0)`,
			jobID, totalURLs, ttl.Milliseconds(), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return checkpoint.New(jobID, totalURLs, ttl, time.UnixMilli(now.UnixMilli()).UTC()), nil
}

// MarkDone upserts a completed index.
func (s *CheckpointStore) MarkDone(ctx context.Context, jobID string, index int) error {
	return s.mark(ctx, jobID, index, statusDone, "")
}

// MarkFailed upserts a failed index.
func (s *CheckpointStore) MarkFailed(ctx context.Context, jobID string, index int, summary string) error {
	return s.mark(ctx, jobID, index, statusFailed, summary)
}

func (s *CheckpointStore) mark(ctx context.Context, jobID string, index int, status, summary string) error {
	now := s.now()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if row.checkpoint().Expired(now) {
			return checkpoint.ErrSessionExpired
		}
		if err := checkpoint.CheckIndex(index, row.TotalURLs); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoint_items (job_id, idx, status, summary) VALUES (?, ?, ?, ?)
			 ON CONFLICT (job_id, idx) DO UPDATE SET status = excluded.status, summary = excluded.summary`,
			jobID, index, status, summary)
		if err != nil {
			return fmt.Errorf("upsert item: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE checkpoints SET last_updated_at = ? WHERE job_id = ?`, now.UnixMilli(), jobID); err != nil {
			return fmt.Errorf("touch checkpoint: %w", err)
		}
		return nil
	})
}

// Load reads the checkpoint and its items.
func (s *CheckpointStore) Load(ctx context.Context, jobID string) (*checkpoint.Checkpoint, error) {
	row, err := getJob(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	var items []itemRow
	if err := s.db.SelectContext(ctx, &items,
		`SELECT idx, status, summary FROM checkpoint_items WHERE job_id = ? ORDER BY idx`, jobID); err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	cp := row.checkpoint()
	for _, it := range items {
		if it.Status == statusDone {
			cp.Completed[it.Index] = struct{}{}
		} else {
			cp.Failed[it.Index] = it.Summary
		}
	}
	if cp.Expired(s.now()) {
		return cp, checkpoint.ErrSessionExpired
	}
	return cp, nil
}

// Expire revokes the session.
func (s *CheckpointStore) Expire(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE checkpoints SET revoked = 1 WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("expire checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("expire checkpoint: %w", err)
	}
	if n == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

func getJob(ctx context.Context, q sqlx.QueryerContext, jobID string) (jobRow, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT job_id, total_urls, ttl_ms, created_at, last_updated_at, revoked FROM checkpoints WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return jobRow{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return jobRow{}, fmt.Errorf("select checkpoint: %w", err)
	}
	return row, nil
}

func (s *CheckpointStore) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
