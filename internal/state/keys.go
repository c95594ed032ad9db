package state

import "fmt"

// Key layout on the shared store. Each agent instance owns the namespace
// agent:<agent_id>:* — any instance may read it, only the owner writes it.
const (
	agentKeyPrefix = "agent:"

	// StatusField, TaskField and HistoryField are the per-agent fields
	// the coordinator maintains.
	StatusField  = "status"
	TaskField    = "current_task"
	HistoryField = "history"

	// DefaultBackupPrefix namespaces snapshot copies of keys.
	DefaultBackupPrefix = "backup:"

	// HistoryLimit caps the per-agent history list. Oldest entries are
	// evicted first.
	HistoryLimit = 100

	// backupTimestampLayout is ISO 8601 basic format. It contains no
	// colons, so <prefix><timestamp>:<original_key> splits unambiguously
	// even though original keys themselves contain colons.
	backupTimestampLayout = "20060102T150405.000000000Z"
)

// AgentKey builds the namespaced key for one field of one agent.
func AgentKey(agentID, field string) string {
	return agentKeyPrefix + agentID + ":" + field
}

// AgentPattern matches every key in an agent's namespace.
func AgentPattern(agentID string) string {
	return agentKeyPrefix + agentID + ":*"
}

func migrationLockKey(oldKey, newKey string) string {
	return fmt.Sprintf("migration:%s:%s", oldKey, newKey)
}

func backupKey(prefix, timestamp, original string) string {
	return prefix + timestamp + ":" + original
}
