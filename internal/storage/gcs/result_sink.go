// Package gcs provides a result sink backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
	"github.com/JakeFAU/bulkfetch/internal/sink"
)

// Config captures the parameters required to write chunks to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ResultSink writes each chunk as one JSON Lines object:
// <prefix>/<job_id>/chunk-<chunk>-<first index>.jsonl. Objects are created
// with a does-not-exist precondition, so a chunk is never overwritten.
type ResultSink struct {
	client *storage.Client
	bucket string
	prefix string
	owned  bool
}

// New creates a GCS-backed result sink on client.
func New(client *storage.Client, cfg Config) (*ResultSink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ResultSink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Open creates a client from Application Default Credentials and verifies
// the bucket is reachable.
func Open(ctx context.Context, cfg Config) (*ResultSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to get GCS bucket %q attributes: %w", cfg.Bucket, err)
	}
	s, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// ObjectName returns the object path used for chunk.
func (s *ResultSink) ObjectName(chunk sink.Chunk) string {
	first := 0
	if len(chunk.Records) > 0 {
		first = chunk.Records[0].Index
	}
	name := fmt.Sprintf("%s/chunk-%06d-%09d.jsonl", chunk.JobID, chunk.Index, first)
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Append uploads chunk. It returns once the object is finalized.
func (s *ResultSink) Append(ctx context.Context, chunk sink.Chunk) error {
	if err := checkpoint.ValidateJobID(chunk.JobID); err != nil {
		return err
	}
	if len(chunk.Records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range chunk.Records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %d: %w", rec.Index, err)
		}
	}

	name := s.ObjectName(chunk)
	writer := s.client.Bucket(s.bucket).Object(name).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"
	if _, err := writer.Write(buf.Bytes()); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", name, err)
	}
	return nil
}

// Close releases the client when the sink created it.
func (s *ResultSink) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close GCS client: %w", err)
	}
	return nil
}
