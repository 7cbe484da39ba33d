// Package stream runs large jobs as a sequence of fixed-size chunks, each
// flushed to a durable sink before the next one starts, so memory stays
// proportional to the chunk size.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulkfetch/internal/batch"
	"github.com/JakeFAU/bulkfetch/internal/breaker"
	"github.com/JakeFAU/bulkfetch/internal/fetch"
	"github.com/JakeFAU/bulkfetch/internal/report"
	"github.com/JakeFAU/bulkfetch/internal/sink"
)

// ErrInvalidChunkSize is returned for a non-positive chunk size.
var ErrInvalidChunkSize = errors.New("chunk size must be > 0")

// Coordinator runs one chunk of a job.
type Coordinator interface {
	Run(ctx context.Context, job batch.Job) (<-chan fetch.Result, error)
	Err() error
	Stopped() bool
}

// Circuits exposes per-host circuit state for the summary.
type Circuits interface {
	Snapshot() []breaker.HostState
}

// Metrics receives chunk observations.
type Metrics interface {
	ObserveChunk(records int, flush time.Duration)
}

// Runner streams a job through a Coordinator chunk by chunk.
type Runner struct {
	coord    Coordinator
	sink     sink.Sink
	circuits Circuits
	logger   *zap.Logger
	metrics  Metrics
	now      func() time.Time
	observe  func(fetch.Result)
}

// Option customizes a Runner.
type Option func(*Runner)

// WithCircuits adds circuit state to the final summary.
func WithCircuits(c Circuits) Option {
	return func(r *Runner) {
		r.circuits = c
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver is called for every result as it arrives, before it is
// buffered for the flush.
func WithObserver(fn func(fetch.Result)) Option {
	return func(r *Runner) {
		r.observe = fn
	}
}

// New constructs a Runner.
func New(coord Coordinator, out sink.Sink, logger *zap.Logger, opts ...Option) *Runner {
	if out == nil {
		out = sink.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		coord:   coord,
		sink:    out,
		logger:  logger,
		metrics: noopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes urls in sequential chunks of chunkSize. Each chunk runs to
// completion and is appended to the sink before its results are released.
// The returned summary covers the results produced by this call; it is
// returned even when err is non-nil.
func (r *Runner) Run(ctx context.Context, jobID string, urls []string, chunkSize int) (*report.Summary, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	summary := report.New(jobID, r.now())
	defer r.finish(summary)

	buf := make([]fetch.Result, 0, chunkSize)
	for start := 0; start < len(urls); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("stream %s: %w", jobID, err)
		}
		if r.coord.Stopped() {
			r.logger.Info("stream stopped", zap.String("job_id", jobID), zap.Int("next_offset", start))
			return summary, nil
		}
		end := min(start+chunkSize, len(urls))
		job := batch.Job{ID: jobID, URLs: urls[start:end], Offset: start, Total: len(urls)}

		results, err := r.coord.Run(ctx, job)
		if errors.Is(err, batch.ErrStopped) {
			return summary, nil
		}
		if err != nil {
			return summary, fmt.Errorf("chunk %d: %w", start/chunkSize, err)
		}
		buf = buf[:0]
		for res := range results {
			if r.observe != nil {
				r.observe(res)
			}
			summary.Add(res)
			buf = append(buf, res)
			summary.PeakRetained = max(summary.PeakRetained, len(buf))
		}
		// Every buffered result is already checkpointed, so it is flushed
		// even when the chunk was cut short by a store failure.
		flushErr := r.flush(ctx, jobID, start/chunkSize, buf)
		if err := r.coord.Err(); err != nil {
			return summary, errors.Join(fmt.Errorf("chunk %d: %w", start/chunkSize, err), flushErr)
		}
		if flushErr != nil {
			return summary, flushErr
		}
		summary.Chunks++
		clear(buf)
	}
	return summary, nil
}

func (r *Runner) flush(ctx context.Context, jobID string, chunk int, results []fetch.Result) error {
	if len(results) == 0 {
		return nil
	}
	records := make([]fetch.Record, len(results))
	for i, res := range results {
		records[i] = res.Record(jobID)
	}
	started := r.now()
	// The chunk is already checkpointed; finish the flush even if ctx ends.
	if err := r.sink.Append(context.WithoutCancel(ctx), sink.Chunk{JobID: jobID, Index: chunk, Records: records}); err != nil {
		return fmt.Errorf("flush chunk %d: %w", chunk, err)
	}
	elapsed := r.now().Sub(started)
	r.metrics.ObserveChunk(len(records), elapsed)
	r.logger.Info("chunk flushed",
		zap.String("job_id", jobID),
		zap.Int("chunk", chunk),
		zap.Int("records", len(records)),
		zap.Duration("flush", elapsed),
	)
	return nil
}

func (r *Runner) finish(summary *report.Summary) {
	if r.circuits != nil {
		summary.ApplyCircuits(r.circuits.Snapshot())
	}
	summary.Finish(r.now())
}

type noopMetrics struct{}

func (noopMetrics) ObserveChunk(int, time.Duration) {}
