package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/opsquery/core"
	"github.com/itsneelabh/opsquery/resilience"
)

const (
	defaultKeyPrefix = "opsquery:trace:"

	// Records over this size are gzipped
	compressionThreshold = 64 * 1024

	defaultTraceTTL = 24 * time.Hour
	errorTraceTTL   = 7 * 24 * time.Hour

	maxListLimit = 1000
)

// RedisStoreOption configures the Redis store
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix sets the key prefix
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// WithTTL sets the retention of successful traces
func WithTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithErrorTTL sets the retention of failed and incomplete traces
func WithErrorTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.errorTTL = ttl
		}
	}
}

// WithRedisLogger sets the logger
func WithRedisLogger(logger core.Logger) RedisStoreOption {
	return func(s *RedisStore) {
		s.logger = core.ComponentLogger(logger, "trace-store")
	}
}

// WithWriteRetry sets the retry policy for writes
func WithWriteRetry(cfg *resilience.RetryConfig) RedisStoreOption {
	return func(s *RedisStore) {
		if cfg != nil {
			s.retry = *cfg
		}
	}
}

// RedisStore keeps each trace as a header document plus an append-only
// list of records, with a sorted-set index by start time.
//
//	<prefix><id>:header   string, flagged JSON (gzip when large)
//	<prefix><id>:records  list of flagged JSON entries
//	<prefix>index         zset, score = started_at unix nanos
type RedisStore struct {
	client    *redis.Client
	logger    core.Logger
	keyPrefix string
	ttl       time.Duration
	errorTTL  time.Duration
	retry     resilience.RetryConfig
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		logger:    &core.NoOpLogger{},
		keyPrefix: defaultKeyPrefix,
		ttl:       defaultTraceTTL,
		errorTTL:  errorTraceTTL,
		retry: resilience.RetryConfig{
			MaxRetries:    2,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      time.Second,
			BackoffFactor: 2,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry.ShouldRetry = isTransientRedisError
	return s
}

// Create writes the header and indexes the trace. A retry that finds the
// header it wrote on an earlier attempt goes on to index it.
func (s *RedisStore) Create(ctx context.Context, h Header) error {
	data, err := s.serialize(h)
	if err != nil {
		return err
	}
	key := s.headerKey(h.ID)
	return s.write(ctx, "create", h.ID, func(attempt int) error {
		ok, err := s.client.SetNX(ctx, key, data, s.ttlFor(h.Status)).Result()
		if err != nil {
			return err
		}
		if !ok {
			mine := false
			if attempt > 0 {
				existing, err := s.client.Get(ctx, key).Bytes()
				if err != nil && err != redis.Nil {
					return err
				}
				mine = bytes.Equal(existing, data)
			}
			if !mine {
				return &core.FrameworkError{Op: "audit.Create", Kind: "trace", ID: h.ID, Err: core.ErrAlreadyExists}
			}
		}
		return s.client.ZAdd(ctx, s.indexKey(), &redis.Z{
			Score:  float64(h.StartedAt.UnixNano()),
			Member: h.ID,
		}).Err()
	})
}

// Append pushes one record. The record list shares the header's TTL.
func (s *RedisStore) Append(ctx context.Context, id string, e Entry) error {
	data, err := s.serialize(e)
	if err != nil {
		return err
	}
	return s.write(ctx, "append", id, func(int) error {
		ttl, err := s.client.TTL(ctx, s.headerKey(id)).Result()
		if err != nil {
			return err
		}
		// go-redis reports a missing key as -2
		if ttl == -2 {
			return notFound("audit.Append", id)
		}
		if ttl <= 0 {
			ttl = s.errorTTL
		}
		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.RPush(ctx, s.recordsKey(id), data)
			p.Expire(ctx, s.recordsKey(id), ttl)
			return nil
		})
		return err
	})
}

// UpdateHeader rewrites the header. Failed and incomplete runs keep the
// longer error TTL.
func (s *RedisStore) UpdateHeader(ctx context.Context, h Header) error {
	data, err := s.serialize(h)
	if err != nil {
		return err
	}
	ttl := s.ttlFor(h.Status)
	return s.write(ctx, "update", h.ID, func(int) error {
		n, err := s.client.Exists(ctx, s.headerKey(h.ID)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("audit.UpdateHeader", h.ID)
		}
		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.headerKey(h.ID), data, ttl)
			p.Expire(ctx, s.recordsKey(h.ID), ttl)
			return nil
		})
		return err
	})
}

// Load reads the header and every record
func (s *RedisStore) Load(ctx context.Context, id string) (*ExecutionTrace, error) {
	h, err := s.loadHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, s.recordsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := s.deserialize([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("trace %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return Assemble(*h, entries), nil
}

// List scans the index newest first
func (s *RedisStore) List(ctx context.Context, f Filter) ([]Summary, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	} else if limit > maxListLimit {
		limit = maxListLimit
	}

	max := "+inf"
	min := "-inf"
	if !f.To.IsZero() {
		max = strconv.FormatInt(f.To.UnixNano(), 10)
	}
	if !f.From.IsZero() {
		min = strconv.FormatInt(f.From.UnixNano(), 10)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}

	out := make([]Summary, 0, limit)
	for _, id := range ids {
		h, err := s.loadHeader(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				// Expired; drop the stale index entry
				_ = s.client.ZRem(ctx, s.indexKey(), id)
				continue
			}
			return nil, err
		}
		if !f.Match(*h) {
			continue
		}
		out = append(out, summarize(*h))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) loadHeader(ctx context.Context, id string) (*Header, error) {
	data, err := s.client.Get(ctx, s.headerKey(id)).Bytes()
	if err == redis.Nil {
		return nil, notFound("audit.Load", id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var h Header
	if err := s.deserialize(data, &h); err != nil {
		return nil, fmt.Errorf("trace %s header: %w", id, err)
	}
	return &h, nil
}

func (s *RedisStore) write(ctx context.Context, op, id string, fn func(attempt int) error) error {
	attempts, err := resilience.Retry(ctx, &s.retry, fn)
	if err != nil {
		var fe *core.FrameworkError
		if errors.As(err, &fe) {
			return fe
		}
		s.logger.Warn("Trace store write failed", map[string]interface{}{
			"operation": "trace_" + op,
			"trace_id":  id,
			"attempts":  attempts,
			"error":     err.Error(),
		})
		return fmt.Errorf("trace %s %s: %w", op, id, err)
	}
	return nil
}

func (s *RedisStore) ttlFor(status Status) time.Duration {
	if status == StatusDone || status == StatusRejected {
		return s.ttl
	}
	return s.errorTTL
}

func (s *RedisStore) headerKey(id string) string  { return s.keyPrefix + id + ":header" }
func (s *RedisStore) recordsKey(id string) string { return s.keyPrefix + id + ":records" }
func (s *RedisStore) indexKey() string            { return s.keyPrefix + "index" }

// serialize prefixes a flag byte: 1 for gzip, 0 for plain JSON
func (s *RedisStore) serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) <= compressionThreshold {
		return append([]byte{0}, data...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(1)
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	s.logger.Debug("Compressed trace record", map[string]interface{}{
		"original_size":   len(data),
		"compressed_size": buf.Len(),
	})
	return buf.Bytes(), nil
}

func (s *RedisStore) deserialize(data []byte, v interface{}) error {
	if len(data) == 0 {
		return errors.New("empty record")
	}
	payload := data[1:]
	if data[0] == 1 {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return err
		}
		defer func() { _ = gz.Close() }()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(gz); err != nil {
			return err
		}
		payload = buf.Bytes()
	}
	return json.Unmarshal(payload, v)
}

func isTransientRedisError(err error) bool {
	if err == nil || err == redis.Nil {
		return false
	}
	var fe *core.FrameworkError
	if errors.As(err, &fe) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
