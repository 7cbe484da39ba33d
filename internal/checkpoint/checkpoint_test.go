package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestCheckpointMarks(t *testing.T) {
	t.Parallel()

	cp := New("job", 4, time.Hour, now)
	require.NoError(t, cp.MarkDone(1, now.Add(time.Second)))
	require.NoError(t, cp.MarkFailed(2, "boom", now.Add(2*time.Second)))
	require.ErrorIs(t, cp.MarkDone(4, now), ErrIndexOutOfRange)

	assert.True(t, cp.Processed(1))
	assert.True(t, cp.Processed(2))
	assert.False(t, cp.Processed(0))
	assert.Equal(t, []int{0, 3}, cp.Remaining(0, 4))
	assert.Equal(t, []int{3}, cp.Remaining(2, 10))
	assert.Equal(t, 2, cp.ProcessedCount())
	assert.Equal(t, now.Add(2*time.Second), cp.LastUpdatedAt)
}

func TestCheckpointExpiry(t *testing.T) {
	t.Parallel()

	cp := New("job", 1, time.Minute, now)
	assert.False(t, cp.Expired(now.Add(time.Minute)))
	assert.True(t, cp.Expired(now.Add(time.Minute+time.Nanosecond)))
	assert.Equal(t, now.Add(time.Minute), cp.ExpiresAt())

	forever := New("job", 1, 0, now)
	assert.False(t, forever.Expired(now.Add(1000*time.Hour)))
	assert.True(t, forever.ExpiresAt().IsZero())

	forever.Revoked = true
	assert.True(t, forever.Expired(now))
}

func TestCheckpointCloneIsDeep(t *testing.T) {
	t.Parallel()

	cp := New("job", 3, time.Hour, now)
	require.NoError(t, cp.MarkDone(0, now))
	clone := cp.Clone()
	require.NoError(t, clone.MarkFailed(1, "x", now))

	assert.False(t, cp.Processed(1))
	assert.True(t, clone.Processed(0))
}

func TestCheckpointStatus(t *testing.T) {
	t.Parallel()

	cp := New("job", 5, time.Hour, now)
	require.NoError(t, cp.MarkDone(0, now))
	require.NoError(t, cp.MarkFailed(4, "not_found", now))

	st := cp.Status(now.Add(2 * time.Hour))
	assert.Equal(t, Status{
		JobID:         "job",
		TotalURLs:     5,
		Completed:     1,
		Failed:        1,
		Remaining:     3,
		CreatedAt:     now,
		LastUpdatedAt: now,
		ExpiresAt:     now.Add(time.Hour),
		Expired:       true,
		Failures:      map[int]string{4: "not_found"},
	}, st)
}

func TestValidateJobID(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"job-1", "2024.03.01_run", "0193f0a2-7c1e-7cc0-8f5b-2d0b4a9e7f01"} {
		assert.NoError(t, ValidateJobID(ok), ok)
	}
	for _, bad := range []string{"", "-leading", "a/b", "../x", "has space"} {
		assert.ErrorIs(t, ValidateJobID(bad), ErrInvalidJobID, bad)
	}
	assert.Error(t, ValidateCreate("job", -1))
}
