package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
)

const uniqueViolation = "23505"

// CheckpointStore keeps checkpoints in <table> and processed indices in
// <table>_items.
type CheckpointStore struct {
	pool  pool
	table string
	items string
	now   func() time.Time
}

// NewCheckpointStore connects using cfg.
func NewCheckpointStore(ctx context.Context, cfg Config) (*CheckpointStore, error) {
	p, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewCheckpointStoreWithPool(p, cfg.Table, nil)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewCheckpointStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCheckpointStoreWithPool(p pool, table string, now func() time.Time) (*CheckpointStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, "checkpoints")
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CheckpointStore{pool: p, table: table, items: table + "_items", now: now}, nil
}

// Close releases the underlying pool resources.
func (s *CheckpointStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables when missing.
func (s *CheckpointStore) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id          TEXT PRIMARY KEY,
	total_urls      INTEGER NOT NULL,
	ttl_ms          BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	last_updated_at TIMESTAMPTZ NOT NULL,
	revoked         BOOLEAN NOT NULL DEFAULT FALSE
)`, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id  TEXT NOT NULL REFERENCES %s(job_id) ON DELETE CASCADE,
	idx     INTEGER NOT NULL,
	status  TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, idx)
)`, s.items, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate checkpoints: %w", err)
		}
	}
	return nil
}

type row struct {
	total       int
	ttlMS       int64
	createdAt   time.Time
	lastUpdated time.Time
	revoked     bool
}

func (r row) checkpoint(jobID string) *checkpoint.Checkpoint {
	cp := checkpoint.New(jobID, r.total, time.Duration(r.ttlMS)*time.Millisecond, r.createdAt.UTC())
	cp.LastUpdatedAt = r.lastUpdated.UTC()
	cp.Revoked = r.revoked
	return cp
}

type rowQuerier interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}

func (s *CheckpointStore) selectRow(ctx context.Context, q rowQuerier, jobID string, lock bool) (row, error) {
	query := fmt.Sprintf(`SELECT total_urls, ttl_ms, created_at, last_updated_at, revoked FROM %s WHERE job_id = $1`, s.table)
	if lock {
		query += " FOR UPDATE"
	}
	var r row
	err := q.QueryRow(ctx, query, jobID).Scan(&r.total, &r.ttlMS, &r.createdAt, &r.lastUpdated, &r.revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return row{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return row{}, fmt.Errorf("select checkpoint: %w", err)
	}
	return r, nil
}

// Create inserts a checkpoint row, replacing an expired one.
func (s *CheckpointStore) Create(ctx context.Context, jobID string, totalURLs int, ttl time.Duration) (*checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateCreate(jobID, totalURLs); err != nil {
		return nil, err
	}
	now := s.now()
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		existing, err := s.selectRow(ctx, tx, jobID, true)
		switch {
		case err == nil:
			if !existing.checkpoint(jobID).Expired(now) {
				return checkpoint.ErrAlreadyExists
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, s.items), jobID); err != nil {
				return fmt.Errorf("clear items: %w", err)
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, s.table), jobID); err != nil {
				return fmt.Errorf("clear checkpoint: %w", err)
			}
		case !errors.Is(err, checkpoint.ErrNotFound):
			return err
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (job_id, total_urls, ttl_ms, created_at, last_updated_at, revoked)
VALUES ($1, $2, $3, $4, $5, FALSE)`, s.table),
			jobID, totalURLs, ttl.Milliseconds(), now, now)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return checkpoint.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return checkpoint.New(jobID, totalURLs, ttl, now), nil
}

// MarkDone upserts a completed index.
func (s *CheckpointStore) MarkDone(ctx context.Context, jobID string, index int) error {
	return s.mark(ctx, jobID, index, "done", "")
}

// MarkFailed upserts a failed index.
func (s *CheckpointStore) MarkFailed(ctx context.Context, jobID string, index int, summary string) error {
	return s.mark(ctx, jobID, index, "failed", summary)
}

func (s *CheckpointStore) mark(ctx context.Context, jobID string, index int, status, summary string) error {
	now := s.now()
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := s.selectRow(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if r.checkpoint(jobID).Expired(now) {
			return checkpoint.ErrSessionExpired
		}
		if err := checkpoint.CheckIndex(index, r.total); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (job_id, idx, status, summary) VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id, idx) DO UPDATE SET status = EXCLUDED.status, summary = EXCLUDED.summary`, s.items),
			jobID, index, status, summary)
		if err != nil {
			return fmt.Errorf("upsert item: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET last_updated_at = $1 WHERE job_id = $2`, s.table), now, jobID); err != nil {
			return fmt.Errorf("touch checkpoint: %w", err)
		}
		return nil
	})
}

// Load reads the checkpoint and its items.
func (s *CheckpointStore) Load(ctx context.Context, jobID string) (*checkpoint.Checkpoint, error) {
	r, err := s.selectRow(ctx, s.pool, jobID, false)
	if err != nil {
		return nil, err
	}
	cp := r.checkpoint(jobID)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT idx, status, summary FROM %s WHERE job_id = $1 ORDER BY idx`, s.items), jobID)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			idx             int
			status, summary string
		)
		if err := rows.Scan(&idx, &status, &summary); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if status == "done" {
			cp.Completed[idx] = struct{}{}
		} else {
			cp.Failed[idx] = summary
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	if cp.Expired(s.now()) {
		return cp, checkpoint.ErrSessionExpired
	}
	return cp, nil
}

// Expire revokes the session.
func (s *CheckpointStore) Expire(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET revoked = TRUE WHERE job_id = $1`, s.table), jobID)
	if err != nil {
		return fmt.Errorf("expire checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}
