package pubsub_test

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/bulkfetch/internal/fetch"
	publisher "github.com/JakeFAU/bulkfetch/internal/publisher/pubsub"
	"github.com/JakeFAU/bulkfetch/internal/sink"
)

func TestPublisherAppendPublishesRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "results")
	require.NoError(t, err)

	pub, err := publisher.New(topic)
	require.NoError(t, err)

	chunk := sink.Chunk{
		JobID: "job-1",
		Index: 0,
		Records: []fetch.Record{
			{JobID: "job-1", Index: 0, URL: "https://a.example/", OK: true, StatusCode: 200},
			{JobID: "job-1", Index: 1, URL: "https://b.example/", Kind: "not_found", StatusCode: 404},
		},
	}
	require.NoError(t, pub.Append(ctx, chunk))
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Attributes["index"] < msgs[j].Attributes["index"] })

	assert.Equal(t, "job-1", msgs[0].Attributes["job_id"])
	assert.Equal(t, "true", msgs[0].Attributes["ok"])
	assert.Equal(t, "false", msgs[1].Attributes["ok"])

	var rec fetch.Record
	require.NoError(t, json.Unmarshal(msgs[1].Data, &rec))
	assert.Equal(t, "not_found", rec.Kind)
	assert.Equal(t, 404, rec.StatusCode)
}

func TestNewRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := publisher.New(nil)
	require.Error(t, err)
}
