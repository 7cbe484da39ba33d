// Package pubsub publishes result records to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/bulkfetch/internal/sink"
)

// Config names the destination topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Publisher is a sink that publishes one message per record. Append waits
// until the server has acknowledged every message of the chunk.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	owned  bool
}

// New wraps an existing topic handle.
func New(topic *pubsub.Topic) (*Publisher, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Publisher{topic: topic}, nil
}

// Open creates a client using Application Default Credentials and checks
// that the topic exists.
func Open(ctx context.Context, cfg Config) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to check for topic existence: %w", err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	return &Publisher{client: client, topic: topic, owned: true}, nil
}

// Append publishes every record of chunk as JSON.
func (p *Publisher) Append(ctx context.Context, chunk sink.Chunk) error {
	results := make([]*pubsub.PublishResult, 0, len(chunk.Records))
	for _, rec := range chunk.Records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record %d: %w", rec.Index, err)
		}
		results = append(results, p.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"job_id": chunk.JobID,
				"chunk":  strconv.Itoa(chunk.Index),
				"index":  strconv.Itoa(rec.Index),
				"ok":     strconv.FormatBool(rec.OK),
			},
		}))
	}
	var errs []error
	for i, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publish record %d: %w", chunk.Records[i].Index, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending messages and releases the client when owned.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if p.owned {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
