// Package redis implements a checkpoint store on Redis. Each write runs as
// a single Lua script so the expiry and range checks and the mutation are
// atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/bulkfetch/internal/checkpoint"
)

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// Config holds Redis connection and key settings.
type Config struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Grace     time.Duration `mapstructure:"grace"`
}

// NewClient creates a client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

var createScript = goredis.NewScript(`
local meta = redis.call('HMGET', KEYS[1], 'ttl_ms', 'updated_ms', 'revoked')
if meta[2] then
  local ttl = tonumber(meta[1])
  local expired = meta[3] == '1' or (ttl > 0 and tonumber(ARGV[1]) - tonumber(meta[2]) > ttl)
  if not expired then return 'exists' end
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
redis.call('HSET', KEYS[1], 'total', ARGV[2], 'ttl_ms', ARGV[3], 'created_ms', ARGV[1], 'updated_ms', ARGV[1], 'revoked', '0')
local ttl = tonumber(ARGV[3])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl + tonumber(ARGV[4])) end
return 'ok'
`)

var markScript = goredis.NewScript(`
local meta = redis.call('HMGET', KEYS[1], 'total', 'ttl_ms', 'updated_ms', 'revoked')
if not meta[1] then return 'missing' end
local ttl = tonumber(meta[2])
local now = tonumber(ARGV[1])
if meta[4] == '1' or (ttl > 0 and now - tonumber(meta[3]) > ttl) then return 'expired' end
local idx = tonumber(ARGV[2])
if idx < 0 or idx >= tonumber(meta[1]) then return 'range' end
if ARGV[3] == 'done' then
  redis.call('HDEL', KEYS[3], ARGV[2])
  redis.call('SADD', KEYS[2], ARGV[2])
else
  redis.call('SREM', KEYS[2], ARGV[2])
  redis.call('HSET', KEYS[3], ARGV[2], ARGV[4])
end
redis.call('HSET', KEYS[1], 'updated_ms', ARGV[1])
if ttl > 0 then
  for i = 1, 3 do redis.call('PEXPIRE', KEYS[i], ttl + tonumber(ARGV[5])) end
end
return 'ok'
`)

var expireScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'missing' end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 'ok'
`)

// CheckpointStore keeps one meta hash, one done set and one failed hash
// per job. Keys carry a TTL of the session TTL plus Grace so abandoned jobs
// are reclaimed by Redis; expiry itself is decided from updated_ms.
type CheckpointStore struct {
	client goredis.UniversalClient
	prefix string
	grace  time.Duration
	now    func() time.Time
}

// NewCheckpointStore wraps client. A nil now uses the wall clock.
func NewCheckpointStore(client goredis.UniversalClient, cfg Config, now func() time.Time) (*CheckpointStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "bulkfetch:checkpoint"
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CheckpointStore{client: client, prefix: prefix, grace: grace, now: now}, nil
}

// keys share a hash tag so a job's keys land on one cluster slot.
func (s *CheckpointStore) keys(jobID string) []string {
	base := fmt.Sprintf("%s:{%s}", s.prefix, jobID)
	return []string{base + ":meta", base + ":done", base + ":failed"}
}

// Create writes the meta hash, replacing an expired session.
func (s *CheckpointStore) Create(ctx context.Context, jobID string, totalURLs int, ttl time.Duration) (*checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateCreate(jobID, totalURLs); err != nil {
		return nil, err
	}
	now := time.UnixMilli(s.now().UnixMilli()).UTC()
	res, err := createScript.Run(ctx, s.client, s.keys(jobID),
		now.UnixMilli(), totalURLs, ttl.Milliseconds(), s.grace.Milliseconds()).Text()
	if err != nil {
		return nil, fmt.Errorf("create checkpoint %s: %w", jobID, err)
	}
	if res == "exists" {
		return nil, checkpoint.ErrAlreadyExists
	}
	return checkpoint.New(jobID, totalURLs, ttl, now), nil
}

// MarkDone records index as completed.
func (s *CheckpointStore) MarkDone(ctx context.Context, jobID string, index int) error {
	return s.mark(ctx, jobID, index, "done", "")
}

// MarkFailed records index as failed.
func (s *CheckpointStore) MarkFailed(ctx context.Context, jobID string, index int, summary string) error {
	return s.mark(ctx, jobID, index, "failed", summary)
}

func (s *CheckpointStore) mark(ctx context.Context, jobID string, index int, status, summary string) error {
	res, err := markScript.Run(ctx, s.client, s.keys(jobID),
		s.now().UnixMilli(), index, status, summary, s.grace.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("mark %s %s[%d]: %w", status, jobID, index, err)
	}
	switch res {
	case "missing":
		return checkpoint.ErrNotFound
	case "expired":
		return checkpoint.ErrSessionExpired
	case "range":
		return fmt.Errorf("%w: %d", checkpoint.ErrIndexOutOfRange, index)
	}
	return nil
}

// Load reads all three keys in one MULTI block.
func (s *CheckpointStore) Load(ctx context.Context, jobID string) (*checkpoint.Checkpoint, error) {
	keys := s.keys(jobID)
	var (
		metaCmd   *goredis.MapStringStringCmd
		doneCmd   *goredis.StringSliceCmd
		failedCmd *goredis.MapStringStringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		metaCmd = pipe.HGetAll(ctx, keys[0])
		doneCmd = pipe.SMembers(ctx, keys[1])
		failedCmd = pipe.HGetAll(ctx, keys[2])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", jobID, err)
	}
	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, checkpoint.ErrNotFound
	}
	cp, err := decodeMeta(jobID, meta)
	if err != nil {
		return nil, err
	}
	for _, member := range doneCmd.Val() {
		idx, err := strconv.Atoi(member)
		if err != nil {
			return nil, fmt.Errorf("decode done index %q: %w", member, err)
		}
		cp.Completed[idx] = struct{}{}
	}
	for field, summary := range failedCmd.Val() {
		idx, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("decode failed index %q: %w", field, err)
		}
		cp.Failed[idx] = summary
	}
	if cp.Expired(s.now()) {
		return cp, checkpoint.ErrSessionExpired
	}
	return cp, nil
}

// Expire revokes the session.
func (s *CheckpointStore) Expire(ctx context.Context, jobID string) error {
	res, err := expireScript.Run(ctx, s.client, s.keys(jobID)[:1]).Text()
	if err != nil {
		return fmt.Errorf("expire checkpoint %s: %w", jobID, err)
	}
	if res == "missing" {
		return checkpoint.ErrNotFound
	}
	return nil
}

func decodeMeta(jobID string, meta map[string]string) (*checkpoint.Checkpoint, error) {
	ints := make(map[string]int64, 4)
	for _, field := range []string{"total", "ttl_ms", "created_ms", "updated_ms"} {
		v, err := strconv.ParseInt(meta[field], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint %s field %s: %w", jobID, field, err)
		}
		ints[field] = v
	}
	cp := checkpoint.New(jobID, int(ints["total"]), time.Duration(ints["ttl_ms"])*time.Millisecond,
		time.UnixMilli(ints["created_ms"]).UTC())
	cp.LastUpdatedAt = time.UnixMilli(ints["updated_ms"]).UTC()
	cp.Revoked = meta["revoked"] == "1"
	return cp, nil
}
