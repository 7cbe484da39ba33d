package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/bulkfetch/internal/fetch"
	"github.com/JakeFAU/bulkfetch/internal/sink"
)

// ResultSink retains flushed chunks in memory.
type ResultSink struct {
	mu       sync.Mutex
	chunks   []sink.Chunk
	maxChunk int
	closed   bool
}

// NewResultSink constructs an empty ResultSink.
func NewResultSink() *ResultSink {
	return &ResultSink{}
}

// Append stores a copy of chunk.
func (s *ResultSink) Append(_ context.Context, chunk sink.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk.Records = slices.Clone(chunk.Records)
	s.chunks = append(s.chunks, chunk)
	s.maxChunk = max(s.maxChunk, len(chunk.Records))
	return nil
}

// Close marks the sink closed.
func (s *ResultSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Chunks returns the stored chunks in append order.
func (s *ResultSink) Chunks() []sink.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chunks)
}

// Records returns every stored record in append order.
func (s *ResultSink) Records() []fetch.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fetch.Record
	for _, c := range s.chunks {
		out = append(out, c.Records...)
	}
	return out
}

// LargestChunk returns the size of the largest chunk seen.
func (s *ResultSink) LargestChunk() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxChunk
}

// Closed reports whether Close was called.
func (s *ResultSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
