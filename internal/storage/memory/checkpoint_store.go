// Package memory provides in-memory checkpoint and result storage for
// development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
)

// CheckpointStore keeps checkpoints in a map. Nothing survives a restart.
type CheckpointStore struct {
	mu   sync.RWMutex
	jobs map[string]*checkpoint.Checkpoint
	now  func() time.Time
}

// NewCheckpointStore constructs a CheckpointStore. A nil now uses the wall clock.
func NewCheckpointStore(now func() time.Time) *CheckpointStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CheckpointStore{
		jobs: make(map[string]*checkpoint.Checkpoint),
		now:  now,
	}
}

// Create stores a new checkpoint.
func (s *CheckpointStore) Create(_ context.Context, jobID string, totalURLs int, ttl time.Duration) (*checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateCreate(jobID, totalURLs); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.jobs[jobID]; ok && !existing.Expired(now) {
		return nil, checkpoint.ErrAlreadyExists
	}
	cp := checkpoint.New(jobID, totalURLs, ttl, now)
	s.jobs[jobID] = cp
	return cp.Clone(), nil
}

// MarkDone records a completed index.
func (s *CheckpointStore) MarkDone(_ context.Context, jobID string, index int) error {
	return s.update(jobID, func(cp *checkpoint.Checkpoint, now time.Time) error {
		return cp.MarkDone(index, now)
	})
}

// MarkFailed records a failed index.
func (s *CheckpointStore) MarkFailed(_ context.Context, jobID string, index int, summary string) error {
	return s.update(jobID, func(cp *checkpoint.Checkpoint, now time.Time) error {
		return cp.MarkFailed(index, summary, now)
	})
}

// Load returns a copy of the checkpoint.
func (s *CheckpointStore) Load(_ context.Context, jobID string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.jobs[jobID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	if cp.Expired(s.now()) {
		return cp.Clone(), checkpoint.ErrSessionExpired
	}
	return cp.Clone(), nil
}

// Expire ends the session.
func (s *CheckpointStore) Expire(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.jobs[jobID]
	if !ok {
		return checkpoint.ErrNotFound
	}
	cp.Revoked = true
	return nil
}

func (s *CheckpointStore) update(jobID string, fn func(*checkpoint.Checkpoint, time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.jobs[jobID]
	if !ok {
		return checkpoint.ErrNotFound
	}
	now := s.now()
	if cp.Expired(now) {
		return checkpoint.ErrSessionExpired
	}
	return fn(cp, now)
}
