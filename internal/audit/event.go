package audit

import "time"

// EventType names what happened to an agent.
type EventType string

const (
	EventStateChange   EventType = "state_change"
	EventHealthChange  EventType = "health_change"
	EventTaskClaimed   EventType = "task_claimed"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventMigration     EventType = "migration"
	EventBackup        EventType = "backup"
	EventRestore       EventType = "restore"
)

// Event is one audit trail record.
type Event struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Type      EventType      `json:"type"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
