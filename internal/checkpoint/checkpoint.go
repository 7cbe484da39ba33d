// Package checkpoint defines durable, TTL-bound job progress and the store
// contract every backend implements.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

var (
	// ErrNotFound indicates no checkpoint exists for the job.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrSessionExpired indicates the checkpoint outlived its TTL or was expired explicitly.
	ErrSessionExpired = errors.New("session expired")
	// ErrIndexOutOfRange indicates an index outside [0, totalURLs).
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrAlreadyExists indicates a live checkpoint already exists for the job.
	ErrAlreadyExists = errors.New("checkpoint already exists")
	// ErrInvalidJobID indicates a job id unusable as a storage key.
	ErrInvalidJobID = errors.New("invalid job id")
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateJobID rejects ids that are empty or unsafe as file names and keys.
func ValidateJobID(jobID string) error {
	if !jobIDPattern.MatchString(jobID) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return nil
}

// Store persists job progress. Every write returns only after it is durable.
type Store interface {
	// Create starts a checkpoint. A live checkpoint for jobID yields
	// ErrAlreadyExists; an expired one is replaced.
	Create(ctx context.Context, jobID string, totalURLs int, ttl time.Duration) (*Checkpoint, error)
	MarkDone(ctx context.Context, jobID string, index int) error
	MarkFailed(ctx context.Context, jobID string, index int, summary string) error
	// Load returns the checkpoint. For an expired checkpoint it returns the
	// checkpoint together with ErrSessionExpired.
	Load(ctx context.Context, jobID string) (*Checkpoint, error)
	// Expire ends the session; later loads and writes report ErrSessionExpired.
	Expire(ctx context.Context, jobID string) error
}

// Checkpoint is the progress record of one job.
type Checkpoint struct {
	JobID         string
	TotalURLs     int
	Completed     map[int]struct{}
	Failed        map[int]string
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	TTL           time.Duration
	// Revoked is set by Store.Expire.
	Revoked bool
}

// New returns an empty checkpoint.
func New(jobID string, totalURLs int, ttl time.Duration, now time.Time) *Checkpoint {
	return &Checkpoint{
		JobID:         jobID,
		TotalURLs:     totalURLs,
		Completed:     make(map[int]struct{}),
		Failed:        make(map[int]string),
		CreatedAt:     now,
		LastUpdatedAt: now,
		TTL:           ttl,
	}
}

// ValidateCreate checks Create arguments.
func ValidateCreate(jobID string, totalURLs int) error {
	if err := ValidateJobID(jobID); err != nil {
		return err
	}
	if totalURLs < 0 {
		return fmt.Errorf("total urls must be >= 0, got %d", totalURLs)
	}
	return nil
}

// CheckIndex verifies index lies within [0, total).
func CheckIndex(index, total int) error {
	if index < 0 || index >= total {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, index, total)
	}
	return nil
}

// ExpiredAt reports whether a checkpoint last touched at lastUpdated is
// past its TTL at now. A non-positive TTL never expires.
func ExpiredAt(lastUpdated time.Time, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(lastUpdated) > ttl
}

// Expired reports whether the session has ended at now.
func (c *Checkpoint) Expired(now time.Time) bool {
	return c.Revoked || ExpiredAt(c.LastUpdatedAt, c.TTL, now)
}

// ExpiresAt returns when the checkpoint lapses if left untouched, or zero
// when it never does.
func (c *Checkpoint) ExpiresAt() time.Time {
	if c.TTL <= 0 {
		return time.Time{}
	}
	return c.LastUpdatedAt.Add(c.TTL)
}

// MarkDone records index as completed.
func (c *Checkpoint) MarkDone(index int, now time.Time) error {
	if err := CheckIndex(index, c.TotalURLs); err != nil {
		return err
	}
	delete(c.Failed, index)
	c.Completed[index] = struct{}{}
	c.LastUpdatedAt = now
	return nil
}

// MarkFailed records index as failed with summary.
func (c *Checkpoint) MarkFailed(index int, summary string, now time.Time) error {
	if err := CheckIndex(index, c.TotalURLs); err != nil {
		return err
	}
	delete(c.Completed, index)
	c.Failed[index] = summary
	c.LastUpdatedAt = now
	return nil
}

// Processed reports whether index has a recorded outcome.
func (c *Checkpoint) Processed(index int) bool {
	if _, ok := c.Completed[index]; ok {
		return true
	}
	_, ok := c.Failed[index]
	return ok
}

// Remaining returns the unprocessed indices within [from, to) in order.
func (c *Checkpoint) Remaining(from, to int) []int {
	from = max(from, 0)
	to = min(to, c.TotalURLs)
	out := make([]int, 0, max(to-from, 0))
	for i := from; i < to; i++ {
		if !c.Processed(i) {
			out = append(out, i)
		}
	}
	return out
}

// ProcessedCount returns how many indices have an outcome.
func (c *Checkpoint) ProcessedCount() int {
	return len(c.Completed) + len(c.Failed)
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.Completed = make(map[int]struct{}, len(c.Completed))
	for k := range c.Completed {
		out.Completed[k] = struct{}{}
	}
	out.Failed = make(map[int]string, len(c.Failed))
	for k, v := range c.Failed {
		out.Failed[k] = v
	}
	return &out
}

// CompletedIndices returns the completed indices in ascending order.
func (c *Checkpoint) CompletedIndices() []int {
	out := make([]int, 0, len(c.Completed))
	for k := range c.Completed {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Status is the reporting view of a checkpoint.
type Status struct {
	JobID         string         `json:"job_id"`
	TotalURLs     int            `json:"total_urls"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	Remaining     int            `json:"remaining"`
	CreatedAt     time.Time      `json:"created_at"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
	ExpiresAt     time.Time      `json:"expires_at,omitzero"`
	Expired       bool           `json:"expired"`
	Failures      map[int]string `json:"failures,omitempty"`
}

// Status summarizes the checkpoint at now.
func (c *Checkpoint) Status(now time.Time) Status {
	failures := make(map[int]string, len(c.Failed))
	for k, v := range c.Failed {
		failures[k] = v
	}
	return Status{
		JobID:         c.JobID,
		TotalURLs:     c.TotalURLs,
		Completed:     len(c.Completed),
		Failed:        len(c.Failed),
		Remaining:     c.TotalURLs - c.ProcessedCount(),
		CreatedAt:     c.CreatedAt,
		LastUpdatedAt: c.LastUpdatedAt,
		ExpiresAt:     c.ExpiresAt(),
		Expired:       c.Expired(now),
		Failures:      failures,
	}
}
