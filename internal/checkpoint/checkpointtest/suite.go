// Package checkpointtest holds the behavior suite shared by every
// checkpoint.Store backend.
package checkpointtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
	"github.com/JakeFAU/bulkfetch/internal/clock/manual"
)

// Epoch is the start time of the suite clock.
var Epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Factory builds a fresh, empty store that reads time from now.
type Factory func(t *testing.T, now func() time.Time) checkpoint.Store

// Run exercises the checkpoint.Store contract against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	setup := func(t *testing.T) (checkpoint.Store, *manual.Clock) {
		t.Helper()
		clk := manual.New(Epoch)
		return newStore(t, clk.Now), clk
	}
	ctx := context.Background()

	t.Run("create and load", func(t *testing.T) {
		store, _ := setup(t)
		created, err := store.Create(ctx, "job-1", 5, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 5, created.TotalURLs)

		cp, err := store.Load(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", cp.JobID)
		assert.Equal(t, 5, cp.TotalURLs)
		assert.Equal(t, time.Hour, cp.TTL)
		assert.True(t, cp.CreatedAt.Equal(Epoch), "created at %s", cp.CreatedAt)
		assert.Empty(t, cp.Completed)
		assert.Empty(t, cp.Failed)
		assert.Equal(t, []int{0, 1, 2, 3, 4}, cp.Remaining(0, 5))
	})

	t.Run("duplicate create", func(t *testing.T) {
		store, _ := setup(t)
		_, err := store.Create(ctx, "job-dup", 1, time.Hour)
		require.NoError(t, err)
		_, err = store.Create(ctx, "job-dup", 1, time.Hour)
		require.ErrorIs(t, err, checkpoint.ErrAlreadyExists)
	})

	t.Run("missing job", func(t *testing.T) {
		store, _ := setup(t)
		_, err := store.Load(ctx, "nope")
		require.ErrorIs(t, err, checkpoint.ErrNotFound)
		require.ErrorIs(t, store.MarkDone(ctx, "nope", 0), checkpoint.ErrNotFound)
		require.ErrorIs(t, store.MarkFailed(ctx, "nope", 0, "x"), checkpoint.ErrNotFound)
		require.ErrorIs(t, store.Expire(ctx, "nope"), checkpoint.ErrNotFound)
	})

	t.Run("invalid job id", func(t *testing.T) {
		store, _ := setup(t)
		_, err := store.Create(ctx, "../escape", 1, time.Hour)
		require.ErrorIs(t, err, checkpoint.ErrInvalidJobID)
	})

	t.Run("mark done and failed", func(t *testing.T) {
		store, clk := setup(t)
		_, err := store.Create(ctx, "job-2", 5, time.Hour)
		require.NoError(t, err)

		clk.Advance(time.Minute)
		require.NoError(t, store.MarkDone(ctx, "job-2", 0))
		require.NoError(t, store.MarkDone(ctx, "job-2", 2))
		require.NoError(t, store.MarkFailed(ctx, "job-2", 3, "timeout: deadline"))
		require.NoError(t, store.MarkDone(ctx, "job-2", 2))

		cp, err := store.Load(ctx, "job-2")
		require.NoError(t, err)
		assert.Equal(t, []int{0, 2}, cp.CompletedIndices())
		assert.Equal(t, map[int]string{3: "timeout: deadline"}, cp.Failed)
		assert.Equal(t, []int{1, 4}, cp.Remaining(0, 5))
		assert.True(t, cp.LastUpdatedAt.Equal(Epoch.Add(time.Minute)), "last updated %s", cp.LastUpdatedAt)
	})

	t.Run("failed then done keeps sets disjoint", func(t *testing.T) {
		store, _ := setup(t)
		_, err := store.Create(ctx, "job-3", 2, time.Hour)
		require.NoError(t, err)
		require.NoError(t, store.MarkFailed(ctx, "job-3", 1, "server_error"))
		require.NoError(t, store.MarkDone(ctx, "job-3", 1))

		cp, err := store.Load(ctx, "job-3")
		require.NoError(t, err)
		assert.Equal(t, []int{1}, cp.CompletedIndices())
		assert.Empty(t, cp.Failed)
	})

	t.Run("index out of range", func(t *testing.T) {
		store, _ := setup(t)
		_, err := store.Create(ctx, "job-4", 3, time.Hour)
		require.NoError(t, err)
		require.ErrorIs(t, store.MarkDone(ctx, "job-4", 3), checkpoint.ErrIndexOutOfRange)
		require.ErrorIs(t, store.MarkFailed(ctx, "job-4", -1, "x"), checkpoint.ErrIndexOutOfRange)
	})

	t.Run("ttl measured from last update", func(t *testing.T) {
		store, clk := setup(t)
		_, err := store.Create(ctx, "job-5", 3, time.Hour)
		require.NoError(t, err)

		clk.Advance(50 * time.Minute)
		require.NoError(t, store.MarkDone(ctx, "job-5", 0))
		clk.Advance(50 * time.Minute)
		_, err = store.Load(ctx, "job-5")
		require.NoError(t, err)

		clk.Advance(11 * time.Minute)
		cp, err := store.Load(ctx, "job-5")
		require.ErrorIs(t, err, checkpoint.ErrSessionExpired)
		require.NotNil(t, cp)
		assert.Equal(t, []int{0}, cp.CompletedIndices())
		require.ErrorIs(t, store.MarkDone(ctx, "job-5", 1), checkpoint.ErrSessionExpired)
	})

	t.Run("explicit expire", func(t *testing.T) {
		store, _ := setup(t)
		_, err := store.Create(ctx, "job-6", 2, time.Hour)
		require.NoError(t, err)
		require.NoError(t, store.MarkDone(ctx, "job-6", 0))
		require.NoError(t, store.Expire(ctx, "job-6"))

		_, err = store.Load(ctx, "job-6")
		require.ErrorIs(t, err, checkpoint.ErrSessionExpired)
		require.ErrorIs(t, store.MarkFailed(ctx, "job-6", 1, "x"), checkpoint.ErrSessionExpired)

		// An expired session may be started over.
		_, err = store.Create(ctx, "job-6", 4, time.Hour)
		require.NoError(t, err)
		cp, err := store.Load(ctx, "job-6")
		require.NoError(t, err)
		assert.Equal(t, 4, cp.TotalURLs)
		assert.Empty(t, cp.Completed)
	})

	t.Run("concurrent writes", func(t *testing.T) {
		store, _ := setup(t)
		const total = 64
		_, err := store.Create(ctx, "job-7", total, time.Hour)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := range total {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%4 == 0 {
					err = store.MarkFailed(ctx, "job-7", i, fmt.Sprintf("failure %d", i))
				} else {
					err = store.MarkDone(ctx, "job-7", i)
				}
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		cp, err := store.Load(ctx, "job-7")
		require.NoError(t, err)
		assert.Len(t, cp.Completed, total*3/4)
		assert.Len(t, cp.Failed, total/4)
		assert.Empty(t, cp.Remaining(0, total))
		assert.Equal(t, "failure 8", cp.Failed[8])
	})
}
