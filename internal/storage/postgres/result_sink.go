package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulkfetch/internal/sink"
)

// ResultSink writes result records as rows, one transaction per chunk.
type ResultSink struct {
	pool  pool
	table string
	owned bool
}

// NewResultSink connects using cfg.
func NewResultSink(ctx context.Context, cfg Config) (*ResultSink, error) {
	p, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewResultSinkWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewResultSinkWithPool constructs a sink on a shared pool. The caller keeps
// ownership of the pool.
func NewResultSinkWithPool(p pool, table string) (*ResultSink, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, "results")
	if err != nil {
		return nil, err
	}
	return &ResultSink{pool: p, table: table}, nil
}

// Migrate creates the results table when missing.
func (s *ResultSink) Migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id       TEXT NOT NULL,
	idx          INTEGER NOT NULL,
	chunk_index  INTEGER NOT NULL,
	url          TEXT NOT NULL,
	host         TEXT NOT NULL,
	ok           BOOLEAN NOT NULL,
	final_url    TEXT NOT NULL DEFAULT '',
	status_code  INTEGER NOT NULL DEFAULT 0,
	kind         TEXT NOT NULL DEFAULT '',
	cause        TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL,
	elapsed_ms   BIGINT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	body_sha256  TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, idx)
)`, s.table)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("migrate results: %w", err)
	}
	return nil
}

// Append inserts every record of chunk atomically. Rows already present are
// left untouched.
func (s *ResultSink) Append(ctx context.Context, chunk sink.Chunk) error {
	if len(chunk.Records) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id, idx, chunk_index, url, host, ok, final_url, status_code,
	kind, cause, detail, attempts, elapsed_ms, content_type, body_sha256, body
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
) ON CONFLICT (job_id, idx) DO NOTHING`, s.table)

	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rec := range chunk.Records {
			_, err := tx.Exec(ctx, query,
				chunk.JobID,
				rec.Index,
				chunk.Index,
				rec.URL,
				rec.Host,
				rec.OK,
				rec.FinalURL,
				rec.StatusCode,
				rec.Kind,
				rec.Cause,
				rec.Detail,
				rec.Attempts,
				rec.ElapsedMS,
				rec.ContentType,
				rec.BodySHA256,
				rec.Body,
			)
			if err != nil {
				return fmt.Errorf("insert result %d: %w", rec.Index, err)
			}
		}
		return nil
	})
}

// Close releases the pool when the sink opened it.
func (s *ResultSink) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
