// Package task owns the task lifecycle: the state machine, the three
// priority queues, and the retry policy applied on failure.
package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/store"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	// ErrDuplicateTask is returned when creating a task whose ID already
	// exists.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrTaskNotFound is returned when an operation names an unknown task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a requested state change is not
	// allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// queueOrder is the dequeue precedence for NextReady.
var queueOrder = []models.PriorityClass{
	models.PriorityHigh,
	models.PriorityMedium,
	models.PriorityLow,
}

// Manager owns the canonical task state. All mutation goes through its
// mutex so the pop-and-transition pair in NextReady is atomic: two
// concurrent callers can never claim the same task.
type Manager struct {
	mu     sync.Mutex
	store  store.Store
	tasks  map[string]*models.Task
	queues map[models.PriorityClass][]string
	log    *zap.Logger
}

// NewManager creates a Manager backed by the given store. Call Load to
// rebuild queue state from persisted tasks before serving requests.
func NewManager(s store.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store: s,
		tasks: make(map[string]*models.Task),
		queues: map[models.PriorityClass][]string{
			models.PriorityHigh:   nil,
			models.PriorityMedium: nil,
			models.PriorityLow:    nil,
		},
		log: log,
	}
}

// Create builds a task, persists it, and enqueues it into the priority
// class derived from priority. Returns ErrDuplicateTask if the ID is
// already known. A store failure leaves the queues untouched.
func (m *Manager) Create(id string, payload []byte, agentID string, priority int) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}

	now := time.Now().UTC()
	t := &models.Task{
		ID:       id,
		Payload:  payload,
		AgentID:  agentID,
		Priority: priority,
		State:    models.TaskStateQueued,
		Metadata: models.Metadata{
			CreatedAt:  now,
			UpdatedAt:  now,
			MaxRetries: 3,
		},
	}

	if err := m.store.Put(t); err != nil {
		return nil, err
	}

	m.tasks[id] = t
	m.enqueueLocked(t)

	m.log.Debug("task created",
		zap.String("task_id", id),
		zap.String("agent_id", agentID),
		zap.String("class", string(t.Class())))

	return cloneTask(t), nil
}

// NextReady pops the head of the highest-priority non-empty queue,
// transitions it to running, and persists the update. Returns nil, nil
// when all queues are empty. The pop and the transition happen under one
// lock, so at most one caller receives a given task.
func (m *Manager) NextReady() (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, class := range queueOrder {
		q := m.queues[class]
		if len(q) == 0 {
			continue
		}

		id := q[0]
		t := m.tasks[id]

		updated := cloneTask(t)
		updated.State = models.TaskStateRunning
		updated.Metadata.UpdatedAt = time.Now().UTC()

		if err := m.store.Put(updated); err != nil {
			// Leave the task at the head of its queue for the next caller.
			return nil, err
		}

		m.queues[class] = q[1:]
		m.tasks[id] = updated

		return cloneTask(updated), nil
	}

	return nil, nil
}

// UpdateState applies a state transition. On a transition to failed with
// a non-empty error message, the retry policy runs automatically: if the
// task has retries remaining it goes back to queued in its original
// priority class; only an exhausted task stays failed.
func (m *Manager) UpdateState(id string, newState models.TaskState, taskErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if !newState.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, newState)
	}
	if t.State.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.State)
	}

	updated := cloneTask(t)
	updated.State = newState
	updated.Metadata.UpdatedAt = time.Now().UTC()
	if taskErr != "" {
		updated.Metadata.LastError = taskErr
	}

	requeue := false
	if newState == models.TaskStateFailed && taskErr != "" {
		if updated.Metadata.Retries < updated.Metadata.MaxRetries {
			updated.Metadata.Retries++
			// Persist the state the task will actually be in once it is
			// back in its queue, so the record and the queues agree.
			updated.State = models.TaskStateQueued
			requeue = true
		}
	}

	if err := m.store.Put(updated); err != nil {
		return err
	}

	// A task that leaves queued by any path other than NextReady must
	// also leave its queue, or it would be dequeued again later. A
	// retried task re-enters below, so its old entry goes too.
	if t.State == models.TaskStateQueued && (requeue || updated.State != models.TaskStateQueued) {
		m.removeFromQueueLocked(id, t.Class())
	}

	m.tasks[id] = updated
	if requeue {
		m.enqueueLocked(updated)
		m.log.Debug("task retried",
			zap.String("task_id", id),
			zap.Int("retries", updated.Metadata.Retries),
			zap.Int("max_retries", updated.Metadata.MaxRetries),
			zap.String("error", taskErr))
	}

	return nil
}

// Cancel transitions a pending or queued task to cancelled and removes
// it from its queue. A running or terminal task cannot be cancelled here.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.State != models.TaskStatePending && t.State != models.TaskStateQueued {
		return fmt.Errorf("%w: cannot cancel task in state %s", ErrInvalidTransition, t.State)
	}

	updated := cloneTask(t)
	updated.State = models.TaskStateCancelled
	updated.Metadata.UpdatedAt = time.Now().UTC()

	if err := m.store.Put(updated); err != nil {
		return err
	}

	m.tasks[id] = updated
	m.removeFromQueueLocked(id, t.Class())
	return nil
}

// Get returns a copy of the task, or ErrTaskNotFound.
func (m *Manager) Get(id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return cloneTask(t), nil
}

// List returns copies of all known tasks in unspecified order.
func (m *Manager) List() []*models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]*models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, cloneTask(t))
	}
	return tasks
}

// QueueDepths reports the number of queued tasks per priority class.
func (m *Manager) QueueDepths() map[models.PriorityClass]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	depths := make(map[models.PriorityClass]int, len(m.queues))
	for class, q := range m.queues {
		depths[class] = len(q)
	}
	return depths
}

// Load rehydrates in-memory state from the store. Every persisted task
// is indexed, and tasks still pending or queued are re-inserted into
// their priority queues. This is the sole recovery path after a restart.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	persisted, err := m.store.List()
	if err != nil {
		return err
	}

	m.tasks = make(map[string]*models.Task, len(persisted))
	for class := range m.queues {
		m.queues[class] = nil
	}

	requeued := 0
	for _, t := range persisted {
		m.tasks[t.ID] = t
		if t.State == models.TaskStatePending || t.State == models.TaskStateQueued {
			m.enqueueLocked(t)
			t.State = models.TaskStateQueued
			requeued++
		}
	}

	m.log.Info("task state loaded",
		zap.Int("tasks", len(persisted)),
		zap.Int("requeued", requeued))
	return nil
}

// Cleanup deletes completed and cancelled tasks whose last update
// precedes the cutoff. Failed tasks are kept for inspection. Returns the
// number of tasks removed.
func (m *Manager) Cleanup(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tasks {
		if t.State != models.TaskStateCompleted && t.State != models.TaskStateCancelled {
			continue
		}
		if !t.Metadata.UpdatedAt.Before(olderThan) {
			continue
		}
		if err := m.store.Delete(id); err != nil {
			return removed, err
		}
		delete(m.tasks, id)
		removed++
	}

	if removed > 0 {
		m.log.Info("cleaned up terminal tasks", zap.Int("removed", removed))
	}
	return removed, nil
}

// enqueueLocked appends the task to its priority queue and marks it
// queued. Caller must hold m.mu.
func (m *Manager) enqueueLocked(t *models.Task) {
	class := t.Class()
	m.queues[class] = append(m.queues[class], t.ID)
	t.State = models.TaskStateQueued
}

// removeFromQueueLocked drops the task ID from the given queue if
// present. Caller must hold m.mu.
func (m *Manager) removeFromQueueLocked(id string, class models.PriorityClass) {
	q := m.queues[class]
	for i, qid := range q {
		if qid == id {
			m.queues[class] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	if t.Payload != nil {
		c.Payload = make([]byte, len(t.Payload))
		copy(c.Payload, t.Payload)
	}
	return &c
}
