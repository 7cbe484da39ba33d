package local_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkfetch/internal/fetch"
	"github.com/JakeFAU/bulkfetch/internal/sink"
	"github.com/JakeFAU/bulkfetch/internal/storage/local"
)

func TestResultSinkAppends(t *testing.T) {
	t.Parallel()

	s, err := local.NewResultSink(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, sink.Chunk{JobID: "job-s", Index: 0, Records: []fetch.Record{
		{JobID: "job-s", Index: 0, URL: "https://a.com", OK: true, StatusCode: 200},
		{JobID: "job-s", Index: 1, URL: "https://b.com", Kind: "not_found"},
	}}))
	require.NoError(t, s.Append(ctx, sink.Chunk{JobID: "job-s", Index: 1, Records: []fetch.Record{
		{JobID: "job-s", Index: 2, URL: "https://c.com", OK: true},
	}}))
	require.NoError(t, s.Close())

	f, err := os.Open(s.Path("job-s"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var got []fetch.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec fetch.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		got = append(got, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, got, 3)
	assert.Equal(t, "https://a.com", got[0].URL)
	assert.Equal(t, "not_found", got[1].Kind)
	assert.Equal(t, 2, got[2].Index)
}

func TestResultSinkRejectsUnsafeJobID(t *testing.T) {
	t.Parallel()

	s, err := local.NewResultSink(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	err = s.Append(context.Background(), sink.Chunk{JobID: "../../etc/passwd"})
	require.Error(t, err)
}
