package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskStateValid(t *testing.T) {
	valid := []TaskState{
		TaskStatePending, TaskStateQueued, TaskStateRunning,
		TaskStateCompleted, TaskStateFailed, TaskStateCancelled,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("state %q should be valid", s)
		}
	}

	if TaskState("bogus").Valid() {
		t.Error("unknown state should not be valid")
	}
	if TaskState("").Valid() {
		t.Error("empty state should not be valid")
	}
}

func TestTaskStateTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStatePending, false},
		{TaskStateQueued, false},
		{TaskStateRunning, false},
		{TaskStateCompleted, true},
		{TaskStateFailed, true},
		{TaskStateCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("Terminal(%q) = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestClassForPriority(t *testing.T) {
	tests := []struct {
		priority int
		want     PriorityClass
	}{
		{2, PriorityHigh},
		{100, PriorityHigh},
		{1, PriorityMedium},
		{0, PriorityLow},
		{-1, PriorityLow},
		{-50, PriorityLow},
	}

	for _, tt := range tests {
		if got := ClassForPriority(tt.priority); got != tt.want {
			t.Errorf("ClassForPriority(%d) = %q, want %q", tt.priority, got, tt.want)
		}
	}
}

func TestTaskClass(t *testing.T) {
	task := &Task{ID: "t1", Priority: 2}
	if task.Class() != PriorityHigh {
		t.Errorf("Class() = %q, want %q", task.Class(), PriorityHigh)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	task := &Task{
		ID:       "task-rt",
		Payload:  []byte(`{"op":"resize"}`),
		AgentID:  "vision",
		Priority: 2,
		State:    TaskStateQueued,
		Metadata: Metadata{
			CreatedAt:  now,
			UpdatedAt:  now,
			Retries:    1,
			MaxRetries: 3,
			LastError:  "timeout",
		},
	}

	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got Task
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.ID != task.ID || got.AgentID != task.AgentID || got.Priority != task.Priority {
		t.Errorf("identity fields mismatch: got %+v", got)
	}
	if got.State != TaskStateQueued {
		t.Errorf("State = %q, want %q", got.State, TaskStateQueued)
	}
	if string(got.Payload) != string(task.Payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, task.Payload)
	}
	if got.Metadata.Retries != 1 || got.Metadata.MaxRetries != 3 {
		t.Errorf("retry metadata mismatch: %+v", got.Metadata)
	}
	if got.Metadata.LastError != "timeout" {
		t.Errorf("LastError = %q, want %q", got.Metadata.LastError, "timeout")
	}
	if !got.Metadata.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.Metadata.CreatedAt, now)
	}
}
