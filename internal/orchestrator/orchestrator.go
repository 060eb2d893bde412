// Package orchestrator binds agents to task execution. Submitted tasks
// run on a bounded worker pool; completion is observed through Status
// polling or task_executed events, never through Submit's return value.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	// ErrAgentNotFound is returned by Submit when the task names an agent
	// that is not registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrDuplicateTask is returned by Submit when the task is already
	// tracked as in flight.
	ErrDuplicateTask = errors.New("task already in flight")
	// ErrQueueFull is returned by Submit when the worker pool's intake
	// queue is at capacity. Submit never blocks.
	ErrQueueFull = errors.New("worker queue full")
	// ErrShuttingDown is returned by Submit after Shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Agent executes a task payload. Execute is invoked synchronously by a
// pool worker; the context carries the per-agent timeout when one is
// configured.
type Agent interface {
	Execute(ctx context.Context, payload []byte) ([]byte, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Execute calls f.
func (f AgentFunc) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// StateUpdater is the task-manager surface the orchestrator needs to
// record execution outcomes.
type StateUpdater interface {
	UpdateState(id string, newState models.TaskState, taskErr string) error
	Cancel(id string) error
}

// Publisher is the event-bus surface the orchestrator needs.
type Publisher interface {
	Publish(e models.Event) error
}

// Status is the externally visible execution state of a submitted task.
type Status string

const (
	// StatusNotFound means the task was never submitted or its record
	// was cleared by Shutdown.
	StatusNotFound Status = "not_found"
	// StatusRunning covers tasks waiting for a worker as well as tasks
	// mid-execution.
	StatusRunning Status = "running"
	// StatusCompleted means the agent returned a result.
	StatusCompleted Status = "completed"
	// StatusFailed means the agent returned an error or the task was
	// cancelled before a worker picked it up.
	StatusFailed Status = "failed"
)

// TaskStatus pairs a Status with the execution outcome, when finished.
type TaskStatus struct {
	Status Status
	Result []byte
	Err    string
}

// handle lifecycle states.
const (
	handlePending int32 = iota
	handleCancelled
	handleRunning
	handleCompleted
	handleFailed
)

// handle tracks one submitted task through the pool.
type handle struct {
	taskID string
	state  atomic.Int32
	done   chan struct{}

	// result and errMsg are written once before done is closed.
	result []byte
	errMsg string
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type workItem struct {
	h    *handle
	task *models.Task
}

// Config bounds the pool.
type Config struct {
	// Workers is the number of concurrent agent invocations. Defaults
	// to DefaultWorkers when zero or negative.
	Workers int
	// QueueSize bounds how many accepted tasks may wait for a worker.
	// Defaults to DefaultQueueSize when zero or negative.
	QueueSize int
	// AgentTimeout, when positive, bounds each agent invocation. A
	// timeout surfaces as an ordinary execution failure.
	AgentTimeout time.Duration
}

// DefaultWorkers bounds concurrent agent invocations when unconfigured.
const DefaultWorkers = 5

// DefaultQueueSize bounds the intake queue when unconfigured.
const DefaultQueueSize = 100

// Orchestrator owns the agent registry and the worker pool.
type Orchestrator struct {
	agentsMu sync.RWMutex
	agents   map[string]Agent

	handlesMu sync.Mutex
	handles   map[string]*handle

	tasks  StateUpdater
	events Publisher

	intake       chan workItem
	agentTimeout time.Duration

	closingMu sync.Mutex
	closing   bool

	wg  sync.WaitGroup
	log *zap.Logger
}

// New creates an Orchestrator and starts its worker pool.
func New(tasks StateUpdater, events Publisher, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}

	o := &Orchestrator{
		agents:       make(map[string]Agent),
		handles:      make(map[string]*handle),
		tasks:        tasks,
		events:       events,
		intake:       make(chan workItem, cfg.QueueSize),
		agentTimeout: cfg.AgentTimeout,
		log:          log,
	}

	for i := 0; i < cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}

	return o
}

// Register binds an agent to an ID, replacing any previous binding.
func (o *Orchestrator) Register(agentID string, a Agent) {
	o.agentsMu.Lock()
	defer o.agentsMu.Unlock()
	o.agents[agentID] = a
	o.log.Info("agent registered", zap.String("agent_id", agentID))
}

// Unregister removes an agent binding. Tasks already in flight for the
// agent are unaffected.
func (o *Orchestrator) Unregister(agentID string) {
	o.agentsMu.Lock()
	defer o.agentsMu.Unlock()
	delete(o.agents, agentID)
	o.log.Info("agent unregistered", zap.String("agent_id", agentID))
}

// Reachable reports whether at least one agent is registered. The
// scheduler uses this as its connectivity predicate.
func (o *Orchestrator) Reachable() bool {
	o.agentsMu.RLock()
	defer o.agentsMu.RUnlock()
	return len(o.agents) > 0
}

// Submit hands a task to the worker pool and returns immediately. The
// agent lookup happens again at execution time; Submit only verifies the
// agent exists now so unroutable tasks fail fast.
func (o *Orchestrator) Submit(t *models.Task) error {
	o.agentsMu.RLock()
	_, registered := o.agents[t.AgentID]
	o.agentsMu.RUnlock()
	if !registered {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, t.AgentID)
	}

	h := &handle{taskID: t.ID, done: make(chan struct{})}

	o.handlesMu.Lock()
	if existing, ok := o.handles[t.ID]; ok && !existing.finished() {
		o.handlesMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	o.handles[t.ID] = h
	o.handlesMu.Unlock()

	// The closing check and the send share a lock with Shutdown's
	// close(intake) so a submission can never hit a closed channel.
	o.closingMu.Lock()
	if o.closing {
		o.closingMu.Unlock()
		o.dropHandle(t.ID)
		return ErrShuttingDown
	}
	select {
	case o.intake <- workItem{h: h, task: t}:
		o.closingMu.Unlock()
		return nil
	default:
		o.closingMu.Unlock()
		o.dropHandle(t.ID)
		return fmt.Errorf("%w: task %s rejected", ErrQueueFull, t.ID)
	}
}

func (o *Orchestrator) dropHandle(taskID string) {
	o.handlesMu.Lock()
	delete(o.handles, taskID)
	o.handlesMu.Unlock()
}

// Status reports the execution state of a submitted task.
func (o *Orchestrator) Status(taskID string) TaskStatus {
	o.handlesMu.Lock()
	h, ok := o.handles[taskID]
	o.handlesMu.Unlock()
	if !ok {
		return TaskStatus{Status: StatusNotFound}
	}

	if !h.finished() {
		return TaskStatus{Status: StatusRunning}
	}

	switch h.state.Load() {
	case handleCompleted:
		return TaskStatus{Status: StatusCompleted, Result: h.result}
	default:
		return TaskStatus{Status: StatusFailed, Err: h.errMsg}
	}
}

// Cancel attempts to stop a submitted task. Only a task no worker has
// started yet can be cancelled; returns whether cancellation succeeded.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.handlesMu.Lock()
	h, ok := o.handles[taskID]
	o.handlesMu.Unlock()
	if !ok {
		return false
	}

	if !h.state.CompareAndSwap(handlePending, handleCancelled) {
		return false
	}

	h.errMsg = "cancelled before execution"
	close(h.done)

	if err := o.tasks.Cancel(taskID); err != nil {
		o.log.Warn("task state cancel failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
	return true
}

// Shutdown stops accepting submissions. When wait is true it blocks
// until in-flight executions finish; either way all tracking state is
// cleared, so Status returns not_found afterwards.
func (o *Orchestrator) Shutdown(wait bool) {
	o.closingMu.Lock()
	if o.closing {
		o.closingMu.Unlock()
		return
	}
	o.closing = true
	close(o.intake)
	o.closingMu.Unlock()

	if wait {
		o.wg.Wait()
	}

	o.handlesMu.Lock()
	o.handles = make(map[string]*handle)
	o.handlesMu.Unlock()

	o.log.Info("orchestrator shut down", zap.Bool("waited", wait))
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	for item := range o.intake {
		o.execute(id, item)
	}
}

// execute runs one task through its agent and records the outcome.
func (o *Orchestrator) execute(workerID int, item workItem) {
	h := item.h
	t := item.task

	if !h.state.CompareAndSwap(handlePending, handleRunning) {
		// Cancelled while waiting for a worker.
		return
	}

	if err := o.tasks.UpdateState(t.ID, models.TaskStateRunning, ""); err != nil {
		o.log.Warn("running transition failed",
			zap.String("task_id", t.ID), zap.Error(err))
	}

	o.agentsMu.RLock()
	agent, ok := o.agents[t.AgentID]
	o.agentsMu.RUnlock()

	var result []byte
	var execErr error
	if !ok {
		execErr = fmt.Errorf("%w: %s", ErrAgentNotFound, t.AgentID)
	} else {
		result, execErr = o.invoke(agent, t.Payload)
	}

	if execErr != nil {
		h.errMsg = execErr.Error()
		h.state.Store(handleFailed)
		if err := o.tasks.UpdateState(t.ID, models.TaskStateFailed, execErr.Error()); err != nil {
			o.log.Error("failure transition failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
		o.log.Warn("task execution failed",
			zap.Int("worker", workerID),
			zap.String("task_id", t.ID),
			zap.String("agent_id", t.AgentID),
			zap.Error(execErr))
	} else {
		h.result = result
		h.state.Store(handleCompleted)
		if err := o.tasks.UpdateState(t.ID, models.TaskStateCompleted, ""); err != nil {
			o.log.Error("completion transition failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
		o.log.Debug("task executed",
			zap.Int("worker", workerID),
			zap.String("task_id", t.ID),
			zap.String("agent_id", t.AgentID))
	}
	close(h.done)

	data := map[string]any{
		"task_id":  t.ID,
		"agent_id": t.AgentID,
		"success":  execErr == nil,
	}
	if execErr != nil {
		data["error"] = execErr.Error()
	}
	if err := o.events.Publish(models.Event{
		Type:     models.EventTaskExecuted,
		Priority: models.EventPriorityHigh,
		Source:   "orchestrator",
		Data:     data,
	}); err != nil {
		o.log.Warn("task_executed event dropped",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

// invoke runs the agent call, applying the configured timeout and
// containing panics so a misbehaving agent cannot take down a worker.
func (o *Orchestrator) invoke(agent Agent, payload []byte) (result []byte, err error) {
	ctx := context.Background()
	if o.agentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.agentTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()

	return agent.Execute(ctx, payload)
}
