package state

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It backs tests and
// single-node development runs where a Redis instance isn't worth the
// ceremony; the serialization boundary behaves exactly like RedisStore's
// (values round-trip through JSON).
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ops     int64
	closed  bool
}

type memoryEntry struct {
	raw       string
	expiresAt time.Time // zero means no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (s *MemoryStore) get(key string) (string, bool) {
	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return "", false
	}
	return e.raw, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	raw, ok := s.get(key)
	if !ok {
		return nil, false, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw, true, nil
	}
	return v, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	s.put(key, raw, ttl)
	return nil
}

func (s *MemoryStore) put(key, raw string, ttl time.Duration) {
	e := memoryEntry{raw: raw}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	_, ok := s.get(key)
	delete(s.entries, key)
	return ok, nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.get(key)
	return ok, nil
}

func (s *MemoryStore) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	result := make(map[string]any, len(keys))
	for _, key := range keys {
		v, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			result[key] = v
		}
	}
	return result, nil
}

func (s *MemoryStore) SetMany(ctx context.Context, values map[string]any) error {
	for k, v := range values {
		if err := s.Set(ctx, k, v, 0); err != nil {
			return err
		}
	}
	return nil
}

// Scan visits keys in sorted order so tests are deterministic. Patterns
// use Redis-style globs; path.Match covers the same *, ? and [] syntax.
func (s *MemoryStore) Scan(_ context.Context, pattern string, fn func(key string) error) error {
	s.mu.RLock()
	now := time.Now()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	if _, held := s.get(key); held {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseToken(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	raw, ok := s.get(key)
	if !ok || raw != token {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store closed")
	}
	return nil
}

func (s *MemoryStore) Metrics(context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"keys":       len(s.entries),
		"operations": s.ops,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
