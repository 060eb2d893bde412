package store

import (
	"sync"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Memory is an in-memory Store. It is intended for tests and for running
// the core without a database file; contents are lost on process exit.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*models.Task)}
}

// Put upserts a task record.
func (m *Memory) Put(t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get retrieves a task by ID. Returns nil, nil if the task does not exist.
func (m *Memory) Get(id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

// List returns all stored tasks.
func (m *Memory) List() ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]*models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, cloneTask(t))
	}
	return tasks, nil
}

// Delete removes a task by ID. Deleting an absent ID is a no-op.
func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

// Close releases the store. The map is dropped so later use fails loudly
// in tests rather than silently succeeding.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = nil
	return nil
}

// cloneTask copies a task so callers cannot alias the stored record.
func cloneTask(t *models.Task) *models.Task {
	c := *t
	if t.Payload != nil {
		c.Payload = make([]byte, len(t.Payload))
		copy(c.Payload, t.Payload)
	}
	return &c
}
