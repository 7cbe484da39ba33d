package local

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
	"github.com/JakeFAU/bulkfetch/internal/sink"
)

// ResultSink appends records to <base_dir>/<job_id>.results.jsonl.
type ResultSink struct {
	mu    sync.Mutex
	dir   string
	files map[string]*os.File
}

// NewResultSink prepares the output directory.
func NewResultSink(cfg Config) (*ResultSink, error) {
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &ResultSink{dir: cfg.BaseDir, files: make(map[string]*os.File)}, nil
}

// Path returns the results file for jobID.
func (s *ResultSink) Path(jobID string) string {
	return filepath.Join(s.dir, jobID+".results.jsonl")
}

// Append writes one line per record and fsyncs once per chunk.
func (s *ResultSink) Append(_ context.Context, chunk sink.Chunk) error {
	if err := checkpoint.ValidateJobID(chunk.JobID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[chunk.JobID]
	if !ok {
		var err error
		f, err = os.OpenFile(s.Path(chunk.JobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open results: %w", err)
		}
		s.files[chunk.JobID] = f
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range chunk.Records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %d: %w", rec.Index, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync results: %w", err)
	}
	return nil
}

// Close closes every open results file.
func (s *ResultSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close results %s: %w", id, err))
		}
		delete(s.files, id)
	}
	return errors.Join(errs...)
}
