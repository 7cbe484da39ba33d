package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkfetch/internal/fetch"
)

type countingSink struct {
	appends  int
	closed   bool
	failWith error
}

func (c *countingSink) Append(context.Context, Chunk) error {
	if c.failWith != nil {
		return c.failWith
	}
	c.appends++
	return nil
}

func (c *countingSink) Close() error {
	c.closed = true
	return c.failWith
}

func TestMultiAppendsToEverySink(t *testing.T) {
	t.Parallel()

	a, b := &countingSink{}, &countingSink{}
	m := Multi{a, b, Discard{}}
	chunk := Chunk{JobID: "job", Records: []fetch.Record{{Index: 1}}}

	require.NoError(t, m.Append(context.Background(), chunk))
	require.NoError(t, m.Append(context.Background(), chunk))
	assert.Equal(t, 2, a.appends)
	assert.Equal(t, 2, b.appends)

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestMultiStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	a, b := &countingSink{failWith: boom}, &countingSink{}
	m := Multi{a, b}

	err := m.Append(context.Background(), Chunk{JobID: "job"})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, b.appends)

	require.ErrorIs(t, m.Close(), boom)
	assert.True(t, b.closed)
}
