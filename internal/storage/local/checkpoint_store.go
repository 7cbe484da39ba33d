package local

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
)

const (
	opCreate = "create"
	opDone   = "done"
	opFailed = "failed"
	opExpire = "expire"
)

// entry is one journal line.
type entry struct {
	Op      string    `json:"op"`
	At      time.Time `json:"at"`
	Total   int       `json:"total,omitempty"`
	TTLMS   int64     `json:"ttl_ms,omitempty"`
	Index   int       `json:"i,omitempty"`
	Summary string    `json:"summary,omitempty"`
}

// CheckpointStore journals every checkpoint mutation to
// <base_dir>/<job_id>.checkpoint.jsonl and fsyncs before acknowledging.
type CheckpointStore struct {
	mu    sync.Mutex
	dir   string
	now   func() time.Time
	cache map[string]*checkpoint.Checkpoint
	files map[string]*os.File
}

// NewCheckpointStore opens a journal directory. A nil now uses the wall clock.
func NewCheckpointStore(cfg Config, now func() time.Time) (*CheckpointStore, error) {
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CheckpointStore{
		dir:   cfg.BaseDir,
		now:   now,
		cache: make(map[string]*checkpoint.Checkpoint),
		files: make(map[string]*os.File),
	}, nil
}

func (s *CheckpointStore) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".checkpoint.jsonl")
}

// Create starts a new journal, replacing an expired one.
func (s *CheckpointStore) Create(_ context.Context, jobID string, totalURLs int, ttl time.Duration) (*checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateCreate(jobID, totalURLs); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	existing, err := s.loadLocked(jobID)
	switch {
	case err == nil && !existing.Expired(now):
		return nil, checkpoint.ErrAlreadyExists
	case err != nil && !errors.Is(err, checkpoint.ErrNotFound):
		return nil, err
	}

	if f, ok := s.files[jobID]; ok {
		_ = f.Close()
		delete(s.files, jobID)
	}
	f, err := os.OpenFile(s.path(jobID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}
	s.files[jobID] = f
	if err := s.writeLocked(jobID, entry{Op: opCreate, At: now, Total: totalURLs, TTLMS: ttl.Milliseconds()}); err != nil {
		return nil, err
	}
	if err := syncDir(s.dir); err != nil {
		return nil, err
	}
	cp := checkpoint.New(jobID, totalURLs, ttl, now)
	s.cache[jobID] = cp
	return cp.Clone(), nil
}

// MarkDone journals a completed index.
func (s *CheckpointStore) MarkDone(_ context.Context, jobID string, index int) error {
	return s.mutate(jobID, func(cp *checkpoint.Checkpoint, now time.Time) (entry, error) {
		if err := checkpoint.CheckIndex(index, cp.TotalURLs); err != nil {
			return entry{}, err
		}
		return entry{Op: opDone, At: now, Index: index}, nil
	})
}

// MarkFailed journals a failed index.
func (s *CheckpointStore) MarkFailed(_ context.Context, jobID string, index int, summary string) error {
	return s.mutate(jobID, func(cp *checkpoint.Checkpoint, now time.Time) (entry, error) {
		if err := checkpoint.CheckIndex(index, cp.TotalURLs); err != nil {
			return entry{}, err
		}
		return entry{Op: opFailed, At: now, Index: index, Summary: summary}, nil
	})
}

// Expire journals the end of the session.
func (s *CheckpointStore) Expire(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, err := s.loadLocked(jobID)
	if err != nil {
		return err
	}
	if err := s.writeLocked(jobID, entry{Op: opExpire, At: s.now()}); err != nil {
		return err
	}
	cp.Revoked = true
	return nil
}

// Load replays the journal on first access and returns a copy.
func (s *CheckpointStore) Load(_ context.Context, jobID string) (*checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, err := s.loadLocked(jobID)
	if err != nil {
		return nil, err
	}
	if cp.Expired(s.now()) {
		return cp.Clone(), checkpoint.ErrSessionExpired
	}
	return cp.Clone(), nil
}

// Close releases open journal handles.
func (s *CheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal %s: %w", id, err))
		}
		delete(s.files, id)
	}
	return errors.Join(errs...)
}

func (s *CheckpointStore) mutate(jobID string, build func(*checkpoint.Checkpoint, time.Time) (entry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, err := s.loadLocked(jobID)
	if err != nil {
		return err
	}
	now := s.now()
	if cp.Expired(now) {
		return checkpoint.ErrSessionExpired
	}
	e, err := build(cp, now)
	if err != nil {
		return err
	}
	if err := s.writeLocked(jobID, e); err != nil {
		return err
	}
	return apply(cp, e)
}

func (s *CheckpointStore) loadLocked(jobID string) (*checkpoint.Checkpoint, error) {
	if cp, ok := s.cache[jobID]; ok {
		return cp, nil
	}
	if err := checkpoint.ValidateJobID(jobID); err != nil {
		return nil, checkpoint.ErrNotFound
	}
	f, err := os.Open(s.path(jobID))
	if os.IsNotExist(err) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	cp, valid, err := replay(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("replay journal %s: %w", jobID, err)
	}
	if err := s.repairTail(jobID, valid); err != nil {
		return nil, err
	}
	cp.JobID = jobID
	s.cache[jobID] = cp
	return cp, nil
}

// repairTail trims a torn final line, or terminates a complete final line
// whose newline was lost, so later appends start on a fresh line.
func (s *CheckpointStore) repairTail(jobID string, valid int64) error {
	info, err := os.Stat(s.path(jobID))
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}
	switch {
	case info.Size() > valid:
		if err := os.Truncate(s.path(jobID), valid); err != nil {
			return fmt.Errorf("truncate torn journal: %w", err)
		}
	case info.Size() < valid:
		f, err := os.OpenFile(s.path(jobID), os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() { _ = f.Close() }()
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("terminate journal: %w", err)
		}
	}
	return nil
}

func (s *CheckpointStore) writeLocked(jobID string, e entry) error {
	f, ok := s.files[jobID]
	if !ok {
		var err error
		f, err = os.OpenFile(s.path(jobID), os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		s.files[jobID] = f
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// replay rebuilds a checkpoint from a journal and returns the length of
// its well-formed prefix. A torn final line from an interrupted write is
// ignored.
func replay(r io.Reader) (*checkpoint.Checkpoint, int64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var (
		cp      *checkpoint.Checkpoint
		pending error
		valid   int64
	)
	for scanner.Scan() {
		if pending != nil {
			return nil, 0, pending
		}
		line := scanner.Bytes()
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			pending = fmt.Errorf("decode entry: %w", err)
			continue
		}
		if e.Op == opCreate {
			cp = checkpoint.New("", e.Total, time.Duration(e.TTLMS)*time.Millisecond, e.At)
		} else {
			if cp == nil {
				return nil, 0, errors.New("journal does not start with create")
			}
			if err := apply(cp, e); err != nil {
				return nil, 0, err
			}
		}
		valid += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan: %w", err)
	}
	if cp == nil {
		return nil, 0, checkpoint.ErrNotFound
	}
	return cp, valid, nil
}

func apply(cp *checkpoint.Checkpoint, e entry) error {
	switch e.Op {
	case opDone:
		return cp.MarkDone(e.Index, e.At)
	case opFailed:
		return cp.MarkFailed(e.Index, e.Summary, e.At)
	case opExpire:
		cp.Revoked = true
		return nil
	default:
		return fmt.Errorf("unknown journal op %q", e.Op)
	}
}
