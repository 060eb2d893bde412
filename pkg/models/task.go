// Package models defines the shared domain types for the orchestration core.
package models

import "time"

// TaskState represents the current state of a task.
type TaskState string

const (
	// TaskStatePending indicates the task exists but is not yet queued.
	TaskStatePending TaskState = "pending"
	// TaskStateQueued indicates the task is waiting in a priority queue.
	TaskStateQueued TaskState = "queued"
	// TaskStateRunning indicates the task has been claimed for execution.
	TaskStateRunning TaskState = "running"
	// TaskStateCompleted indicates the task finished successfully.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed indicates the task failed with no retries remaining.
	TaskStateFailed TaskState = "failed"
	// TaskStateCancelled indicates the task was cancelled before execution.
	TaskStateCancelled TaskState = "cancelled"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePending, TaskStateQueued, TaskStateRunning,
		TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible from s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// PriorityClass is one of the three queue classes a task can be filed under.
type PriorityClass string

const (
	// PriorityHigh is the class for tasks with priority > 1.
	PriorityHigh PriorityClass = "high"
	// PriorityMedium is the class for tasks with priority == 1.
	PriorityMedium PriorityClass = "medium"
	// PriorityLow is the class for tasks with priority < 1.
	PriorityLow PriorityClass = "low"
)

// ClassForPriority maps an integer priority to its queue class.
// The two-cut rule (>1 high, <1 low, otherwise medium) is part of the
// external contract and must not be changed.
func ClassForPriority(priority int) PriorityClass {
	switch {
	case priority > 1:
		return PriorityHigh
	case priority < 1:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Metadata carries the bookkeeping fields attached to every task.
type Metadata struct {
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task last changed state.
	UpdatedAt time.Time `json:"updated_at"`
	// Retries is the number of retry attempts consumed so far.
	Retries int `json:"retries"`
	// MaxRetries is the retry budget for this task.
	MaxRetries int `json:"max_retries"`
	// LastError holds the most recent failure message, if any.
	LastError string `json:"last_error,omitempty"`
}

// Task represents a unit of work in the system.
type Task struct {
	// ID is the unique identifier for this task. Immutable once assigned.
	ID string `json:"id"`
	// Payload is the opaque data handed to the executing agent.
	Payload []byte `json:"payload"`
	// AgentID identifies which agent should execute the task.
	AgentID string `json:"agent_id"`
	// Priority is the raw integer priority supplied at creation.
	Priority int `json:"priority"`
	// State is the current lifecycle state.
	State TaskState `json:"state"`
	// Metadata carries timestamps and retry bookkeeping.
	Metadata Metadata `json:"metadata"`
}

// Class returns the priority class the task queues under.
func (t *Task) Class() PriorityClass {
	return ClassForPriority(t.Priority)
}
