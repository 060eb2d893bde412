package models

import "time"

// EventPriority is advisory metadata on an event. Delivery order is FIFO
// regardless of priority.
type EventPriority int

const (
	// EventPriorityLow marks informational events.
	EventPriorityLow EventPriority = iota
	// EventPriorityNormal is the default priority.
	EventPriorityNormal
	// EventPriorityHigh marks events subscribers should handle promptly.
	EventPriorityHigh
	// EventPriorityCritical marks events about system-level failures.
	EventPriorityCritical
)

// String returns a human-readable representation of the priority.
func (p EventPriority) String() string {
	switch p {
	case EventPriorityLow:
		return "low"
	case EventPriorityNormal:
		return "normal"
	case EventPriorityHigh:
		return "high"
	case EventPriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Well-known event types published by the core.
const (
	// EventTaskScheduled is published when a job is registered with the
	// scheduler.
	EventTaskScheduled = "task_scheduled"
	// EventTaskExecuted is published after an execution attempt finishes,
	// successfully or not.
	EventTaskExecuted = "task_executed"
)

// Event is an immutable notification delivered to subscribers of its type.
// Events are transient: once delivered they are discarded, never persisted.
type Event struct {
	// Type is the subscription key.
	Type string
	// Data is the opaque event payload.
	Data any
	// Priority is advisory only.
	Priority EventPriority
	// Timestamp is assigned at publish time if zero.
	Timestamp time.Time
	// Source optionally names the publishing component.
	Source string
	// ID is assigned at publish time if empty.
	ID string
}
