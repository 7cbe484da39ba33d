package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
	"github.com/JakeFAU/bulkfetch/internal/checkpoint/checkpointtest"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCheckpointStoreContract(t *testing.T) {
	t.Parallel()

	checkpointtest.Run(t, func(t *testing.T, now func() time.Time) checkpoint.Store {
		_, client := newTestClient(t)
		store, err := NewCheckpointStore(client, Config{}, now)
		require.NoError(t, err)
		return store
	})
}

func TestKeysCarryGraceTTL(t *testing.T) {
	t.Parallel()

	mr, client := newTestClient(t)
	store, err := NewCheckpointStore(client, Config{KeyPrefix: "test", Grace: time.Minute}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Create(ctx, "job-ttl", 2, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.MarkDone(ctx, "job-ttl", 0))
	require.NoError(t, store.MarkFailed(ctx, "job-ttl", 1, "timeout"))

	for _, key := range []string{"test:{job-ttl}:meta", "test:{job-ttl}:done", "test:{job-ttl}:failed"} {
		assert.True(t, mr.Exists(key), key)
		assert.Equal(t, time.Hour+time.Minute, mr.TTL(key), key)
	}
}

func TestZeroTTLKeysPersist(t *testing.T) {
	t.Parallel()

	mr, client := newTestClient(t)
	store, err := NewCheckpointStore(client, Config{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Create(ctx, "job-forever", 1, 0)
	require.NoError(t, err)
	require.NoError(t, store.MarkDone(ctx, "job-forever", 0))
	assert.Zero(t, mr.TTL("bulkfetch:checkpoint:{job-forever}:meta"))
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	_, err := NewClient(context.Background(), Config{})
	require.ErrorIs(t, err, ErrEmptyAddress)

	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Address: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())
}
