package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StatusRecord is the persisted form of agent:<id>:status.
type StatusRecord struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
}

// TaskRecord is the persisted form of agent:<id>:current_task.
type TaskRecord struct {
	TaskID    string         `json:"task_id"`
	TaskData  map[string]any `json:"task_data"`
	StartedAt time.Time      `json:"started_at"`
}

// HistoryEvent is one entry in the bounded agent:<id>:history list.
type HistoryEvent struct {
	Type      string         `json:"type"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id"`
}

// Transform optionally rewrites a value during key migration.
type Transform func(value any) (any, error)

// Lock bounds for the migrate critical section: the write-then-delete
// pair finishes in two round trips, well inside the lease.
const (
	migrateAcquireTimeout = 5 * time.Second
	migrateLeaseTimeout   = 10 * time.Second
)

// Coordinator layers the agent-facing state model over the raw store:
// namespaced status/task/history per agent, plus migration and
// backup/restore of arbitrary key sets. Multi-step operations serialize
// through the Locker; single-key operations rely on the
// single-writer-per-namespace contract and take no lock.
type Coordinator struct {
	store  Store
	locker *Locker
	logger *zap.Logger
}

func NewCoordinator(store Store, locker *Locker, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		locker: locker,
		logger: logger.Named("state.coordinator"),
	}
}

// Store exposes the underlying store for callers that need raw access.
func (c *Coordinator) Store() Store { return c.store }

// decodeInto re-marshals a store value into a typed record. The store
// returns native structures; this is the one hop back to a struct.
func decodeInto(v any, dest any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

// SetStatus records the agent's current status. Single key, single
// writer: no lock.
func (c *Coordinator) SetStatus(ctx context.Context, agentID, status string) error {
	return c.store.Set(ctx, AgentKey(agentID, StatusField), StatusRecord{
		Status:    status,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
	}, 0)
}

// GetStatus returns the agent's last recorded status, or nil if none.
func (c *Coordinator) GetStatus(ctx context.Context, agentID string) (*StatusRecord, error) {
	v, ok, err := c.store.Get(ctx, AgentKey(agentID, StatusField))
	if err != nil || !ok {
		return nil, err
	}
	var rec StatusRecord
	if err := decodeInto(v, &rec); err != nil {
		return nil, fmt.Errorf("decode status for %s: %w", agentID, err)
	}
	return &rec, nil
}

// SetTask records the task the agent is currently working.
func (c *Coordinator) SetTask(ctx context.Context, agentID, taskID string, taskData map[string]any) error {
	return c.store.Set(ctx, AgentKey(agentID, TaskField), TaskRecord{
		TaskID:    taskID,
		TaskData:  taskData,
		StartedAt: time.Now().UTC(),
	}, 0)
}

// GetTask returns the agent's current task, or nil if it has none.
func (c *Coordinator) GetTask(ctx context.Context, agentID string) (*TaskRecord, error) {
	v, ok, err := c.store.Get(ctx, AgentKey(agentID, TaskField))
	if err != nil || !ok {
		return nil, err
	}
	var rec TaskRecord
	if err := decodeInto(v, &rec); err != nil {
		return nil, fmt.Errorf("decode task for %s: %w", agentID, err)
	}
	return &rec, nil
}

// ClearTask removes the agent's current task. Returns whether a task
// was present.
func (c *Coordinator) ClearTask(ctx context.Context, agentID string) (bool, error) {
	return c.store.Delete(ctx, AgentKey(agentID, TaskField))
}

// AppendHistory appends an event to the agent's bounded history list,
// evicting the oldest entries past HistoryLimit.
//
// This is a read-modify-write with no lock: it is safe only under the
// single-writer-per-namespace contract. Two writers sharing an agent_id
// would race silently; a caller in that position must wrap this in a
// lock named for the namespace.
func (c *Coordinator) AppendHistory(ctx context.Context, agentID string, event HistoryEvent) error {
	key := AgentKey(agentID, HistoryField)

	var history []HistoryEvent
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		if err := decodeInto(v, &history); err != nil {
			return fmt.Errorf("decode history for %s: %w", agentID, err)
		}
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.AgentID = agentID
	history = append(history, event)
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}
	return c.store.Set(ctx, key, history, 0)
}

// GetHistory returns the agent's history, newest last.
func (c *Coordinator) GetHistory(ctx context.Context, agentID string) ([]HistoryEvent, error) {
	v, ok, err := c.store.Get(ctx, AgentKey(agentID, HistoryField))
	if err != nil || !ok {
		return nil, err
	}
	var history []HistoryEvent
	if err := decodeInto(v, &history); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", agentID, err)
	}
	return history, nil
}

// MigrateKey moves oldKey to newKey, optionally transforming the value.
// Returns false without error when oldKey does not exist. The
// write-then-delete pair runs under a lock named for the key pair, so
// concurrent migrations of the same pair appear atomic to each other.
// A reader using plain Get is not protected — a known limitation, kept
// rather than papered over with a heavier protocol.
func (c *Coordinator) MigrateKey(ctx context.Context, oldKey, newKey string, transform Transform) (bool, error) {
	value, ok, err := c.store.Get(ctx, oldKey)
	if err != nil {
		return false, err
	}
	if !ok {
		c.logger.Warn("migrate source key not found", zap.String("old_key", oldKey))
		return false, nil
	}

	if transform != nil {
		value, err = transform(value)
		if err != nil {
			return false, fmt.Errorf("transform %s: %w", oldKey, err)
		}
	}

	err = c.locker.WithLock(ctx, migrationLockKey(oldKey, newKey), migrateAcquireTimeout, migrateLeaseTimeout, func(ctx context.Context) error {
		if err := c.store.Set(ctx, newKey, value, 0); err != nil {
			return err
		}
		_, err := c.store.Delete(ctx, oldKey)
		return err
	})
	if err != nil {
		return false, err
	}

	c.logger.Info("key migrated",
		zap.String("old_key", oldKey),
		zap.String("new_key", newKey))
	return true, nil
}

// BulkMigrate migrates every key matching pattern, each under its own
// lock. There is no cross-key transaction: a failure partway leaves
// already-migrated keys migrated and returns the count alongside the
// error.
func (c *Coordinator) BulkMigrate(ctx context.Context, pattern string, transform Transform, newKeyFn func(string) string) (int, error) {
	count := 0
	err := c.store.Scan(ctx, pattern, func(key string) error {
		migrated, err := c.MigrateKey(ctx, key, newKeyFn(key), transform)
		if err != nil {
			return err
		}
		if migrated {
			count++
		}
		return nil
	})
	if err != nil {
		return count, err
	}
	c.logger.Info("bulk migration complete",
		zap.String("pattern", pattern), zap.Int("count", count))
	return count, nil
}

// BackupKeys snapshots keys matching pattern under backupPrefix, all
// stamped with the moment the sweep started. Keys already under the
// prefix are skipped. Writers racing the sweep may leave individual
// backups mixing pre- and post-write values — there is no point-in-time
// consistency across keys.
func (c *Coordinator) BackupKeys(ctx context.Context, pattern, backupPrefix string) (int, error) {
	if backupPrefix == "" {
		backupPrefix = DefaultBackupPrefix
	}
	timestamp := time.Now().UTC().Format(backupTimestampLayout)

	count := 0
	err := c.store.Scan(ctx, pattern, func(key string) error {
		if strings.HasPrefix(key, backupPrefix) {
			return nil
		}
		value, ok, err := c.store.Get(ctx, key)
		if err != nil || !ok {
			return err
		}
		if err := c.store.Set(ctx, backupKey(backupPrefix, timestamp, key), value, 0); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	c.logger.Info("backup complete",
		zap.String("pattern", pattern),
		zap.String("timestamp", timestamp),
		zap.Int("count", count))
	return count, nil
}

// RestoreFromBackup restores every key under the given backup timestamp.
// Keys that already exist are skipped unless overwrite is set.
func (c *Coordinator) RestoreFromBackup(ctx context.Context, timestamp, backupPrefix string, overwrite bool) (int, error) {
	if backupPrefix == "" {
		backupPrefix = DefaultBackupPrefix
	}
	prefix := backupPrefix + timestamp + ":"

	count := 0
	err := c.store.Scan(ctx, prefix+"*", func(key string) error {
		original := strings.TrimPrefix(key, prefix)
		if !overwrite {
			exists, err := c.store.Exists(ctx, original)
			if err != nil {
				return err
			}
			if exists {
				c.logger.Warn("restore skipping existing key", zap.String("key", original))
				return nil
			}
		}
		value, ok, err := c.store.Get(ctx, key)
		if err != nil || !ok {
			return err
		}
		if err := c.store.Set(ctx, original, value, 0); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	c.logger.Info("restore complete",
		zap.String("timestamp", timestamp), zap.Int("count", count))
	return count, nil
}

// ListBackups returns the distinct backup timestamps present, newest
// first.
func (c *Coordinator) ListBackups(ctx context.Context, backupPrefix string) ([]string, error) {
	if backupPrefix == "" {
		backupPrefix = DefaultBackupPrefix
	}
	seen := make(map[string]struct{})
	err := c.store.Scan(ctx, backupPrefix+"*", func(key string) error {
		rest := strings.TrimPrefix(key, backupPrefix)
		if ts, _, ok := strings.Cut(rest, ":"); ok {
			seen[ts] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	timestamps := make([]string, 0, len(seen))
	for ts := range seen {
		timestamps = append(timestamps, ts)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(timestamps)))
	return timestamps, nil
}

// HealthCheck probes the underlying store.
func (c *Coordinator) HealthCheck(ctx context.Context) bool {
	if err := c.store.Ping(ctx); err != nil {
		c.logger.Error("store health check failed", zap.Error(err))
		return false
	}
	return true
}

// Metrics returns store-level operational counters.
func (c *Coordinator) Metrics(ctx context.Context) (map[string]any, error) {
	return c.store.Metrics(ctx)
}

// AgentScope binds the coordinator to one agent's namespace.
type AgentScope struct {
	coord   *Coordinator
	agentID string
}

// Agent returns a scope for the given agent identifier.
func (c *Coordinator) Agent(agentID string) *AgentScope {
	return &AgentScope{coord: c, agentID: agentID}
}

func (s *AgentScope) AgentID() string { return s.agentID }

func (s *AgentScope) SetStatus(ctx context.Context, status string) error {
	return s.coord.SetStatus(ctx, s.agentID, status)
}

func (s *AgentScope) Status(ctx context.Context) (*StatusRecord, error) {
	return s.coord.GetStatus(ctx, s.agentID)
}

func (s *AgentScope) SetTask(ctx context.Context, taskID string, taskData map[string]any) error {
	return s.coord.SetTask(ctx, s.agentID, taskID, taskData)
}

func (s *AgentScope) Task(ctx context.Context) (*TaskRecord, error) {
	return s.coord.GetTask(ctx, s.agentID)
}

func (s *AgentScope) ClearTask(ctx context.Context) (bool, error) {
	return s.coord.ClearTask(ctx, s.agentID)
}

func (s *AgentScope) AppendHistory(ctx context.Context, event HistoryEvent) error {
	return s.coord.AppendHistory(ctx, s.agentID, event)
}

func (s *AgentScope) History(ctx context.Context) ([]HistoryEvent, error) {
	return s.coord.GetHistory(ctx, s.agentID)
}

// Snapshot returns every field in the agent's namespace, keyed by field
// name.
func (s *AgentScope) Snapshot(ctx context.Context) (map[string]any, error) {
	prefix := agentKeyPrefix + s.agentID + ":"
	snapshot := make(map[string]any)
	err := s.coord.store.Scan(ctx, AgentPattern(s.agentID), func(key string) error {
		value, ok, err := s.coord.store.Get(ctx, key)
		if err != nil || !ok {
			return err
		}
		snapshot[strings.TrimPrefix(key, prefix)] = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}
