// Package sink defines where finished chunks of results are flushed.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/bulkfetch/internal/fetch"
)

// Chunk is one flushed slice of a job's results.
type Chunk struct {
	JobID   string
	Index   int
	Records []fetch.Record
}

// Sink durably appends chunks. Append returns only after the chunk is
// stored; it never rewrites earlier chunks.
type Sink interface {
	Append(ctx context.Context, chunk Chunk) error
	Close() error
}

// Multi fans chunks out to every sink in order.
type Multi []Sink

// Append writes chunk to each sink, stopping at the first failure.
func (m Multi) Append(ctx context.Context, chunk Chunk) error {
	for i, s := range m {
		if err := s.Append(ctx, chunk); err != nil {
			return fmt.Errorf("sink %d append: %w", i, err)
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard accepts and drops every chunk.
type Discard struct{}

// Append drops chunk.
func (Discard) Append(context.Context, Chunk) error { return nil }

// Close does nothing.
func (Discard) Close() error { return nil }
