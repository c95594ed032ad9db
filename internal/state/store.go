// Package state implements the distributed coordination layer: a
// JSON-over-Redis key-value store, leased locks built on it, and the
// coordinator that gives each agent instance a namespaced slice of
// shared state.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the persistence contract the coordinator and locker are built
// on. Values cross the boundary as native Go structures; the
// implementation serializes them to JSON at the edge. Transport failures
// surface unmodified — retrying a Set is not always safe, so retry policy
// belongs to the caller.
type Store interface {
	// Get returns the decoded value and whether the key existed. Stored
	// text that does not parse as JSON degrades gracefully to the raw
	// string (entries written by foreign producers).
	Get(ctx context.Context, key string) (any, bool, error)
	// Set stores the JSON-serialized value. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	GetMany(ctx context.Context, keys []string) (map[string]any, error)
	SetMany(ctx context.Context, values map[string]any) error
	// Scan streams keys matching a Redis-style glob pattern to fn. The
	// result set may be unbounded; fn returning an error stops the scan.
	Scan(ctx context.Context, pattern string, fn func(key string) error) error

	// SetNX and ReleaseToken are the lock primitives: claim a key with a
	// lease, release it only if the stored token still matches.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseToken(ctx context.Context, key, token string) (bool, error)

	Ping(ctx context.Context) error
	Metrics(ctx context.Context) (map[string]any, error)
	Close() error
}

// OpHook observes every store operation, for metrics wiring.
type OpHook func(op string, err error)

// RedisOptions configures the RedisStore connection pool.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisStore implements Store over a shared Redis instance. The client is
// created lazily on first use and is safe for concurrent use by every
// lifecycle manager in the process; Close releases the pool.
type RedisStore struct {
	opts   RedisOptions
	logger *zap.Logger

	// OnOp, when set before first use, is invoked after every operation.
	OnOp OpHook

	mu     sync.Mutex
	client *redis.Client
}

// releaseScript deletes the lock key only while we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func NewRedisStore(opts RedisOptions, logger *zap.Logger) *RedisStore {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 50
	}
	return &RedisStore{
		opts:   opts,
		logger: logger.Named("state.redis"),
	}
}

func (s *RedisStore) rdb() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:     s.opts.Addr,
			Password: s.opts.Password,
			DB:       s.opts.DB,
			PoolSize: s.opts.PoolSize,
		})
		s.logger.Info("redis client created", zap.String("addr", s.opts.Addr))
	}
	return s.client
}

func (s *RedisStore) observe(op string, err error) {
	if s.OnOp != nil {
		s.OnOp(op, err)
	}
}

// decodeValue parses stored text as JSON, falling back to the raw string
// for entries written by foreign producers.
func decodeValue(raw string, key string, logger *zap.Logger) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		logger.Warn("stored value is not valid JSON, returning raw text",
			zap.String("key", key))
		return raw
	}
	return v
}

func encodeValue(key string, value any) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		// Programming error, not a transport fault: fail fast.
		return "", fmt.Errorf("serialize value for key %q: %w", key, err)
	}
	return string(b), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := s.rdb().Get(ctx, key).Result()
	if err == redis.Nil {
		s.observe("get", nil)
		return nil, false, nil
	}
	if err != nil {
		s.observe("get", err)
		return nil, false, err
	}
	s.observe("get", nil)
	return decodeValue(raw, key, s.logger), true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	err = s.rdb().Set(ctx, key, raw, ttl).Err()
	s.observe("set", err)
	return err
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb().Del(ctx, key).Result()
	s.observe("delete", err)
	return n > 0, err
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb().Exists(ctx, key).Result()
	s.observe("exists", err)
	return n > 0, err
}

func (s *RedisStore) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if len(keys) == 0 {
		return map[string]any{}, nil
	}
	values, err := s.rdb().MGet(ctx, keys...).Result()
	s.observe("get_many", err)
	if err != nil {
		return nil, err
	}
	result := make(map[string]any, len(keys))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // absent key
		}
		result[keys[i]] = decodeValue(raw, keys[i], s.logger)
	}
	return result, nil
}

func (s *RedisStore) SetMany(ctx context.Context, values map[string]any) error {
	serialized := make(map[string]any, len(values))
	for k, v := range values {
		raw, err := encodeValue(k, v)
		if err != nil {
			return err
		}
		serialized[k] = raw
	}
	err := s.rdb().MSet(ctx, serialized).Err()
	s.observe("set_many", err)
	return err
}

func (s *RedisStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := s.rdb().Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	err := iter.Err()
	s.observe("scan", err)
	return err
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb().SetNX(ctx, key, value, ttl).Result()
	s.observe("setnx", err)
	return ok, err
}

func (s *RedisStore) ReleaseToken(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb(), []string{key}, token).Int()
	s.observe("release", err)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	err := s.rdb().Ping(ctx).Err()
	s.observe("ping", err)
	return err
}

// Metrics returns store-level operational counters pulled from INFO,
// the same set operators watch on the server side.
func (s *RedisStore) Metrics(ctx context.Context) (map[string]any, error) {
	info, err := s.rdb().Info(ctx, "server", "clients", "memory", "stats").Result()
	if err != nil {
		return nil, err
	}
	fields := parseInfo(info)
	stats := s.rdb().PoolStats()
	return map[string]any{
		"redis_version":               fields["redis_version"],
		"connected_clients":           fields["connected_clients"],
		"used_memory_human":           fields["used_memory_human"],
		"used_memory_peak_human":      fields["used_memory_peak_human"],
		"total_commands_processed":    fields["total_commands_processed"],
		"instantaneous_ops_per_sec":   fields["instantaneous_ops_per_sec"],
		"keyspace_hits":               fields["keyspace_hits"],
		"keyspace_misses":             fields["keyspace_misses"],
		"pool_total_conns":            int(stats.TotalConns),
		"pool_idle_conns":             int(stats.IdleConns),
	}, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.logger.Info("redis client closed")
	return err
}

// parseInfo flattens an INFO reply into key/value pairs, converting
// integers where they parse.
func parseInfo(info string) map[string]any {
	fields := make(map[string]any)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fields[k] = n
		} else {
			fields[k] = v
		}
	}
	return fields
}
