// Package sched converts time-based schedules into task executions. It
// supports one-time, fixed-interval, and cron-style triggers, layers a
// per-job retry policy over dispatch failures, and parks firings in an
// offline queue while the execution layer is unreachable.
package sched

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	// ErrDuplicateSchedule is returned when a job ID is already in use.
	ErrDuplicateSchedule = errors.New("duplicate schedule")
	// ErrScheduleNotFound is returned when an operation names an unknown
	// job. A second Cancel of the same job returns this.
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrInvalidSchedule wraps schedule validation failures.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// TaskCreator materializes a concrete task for a firing.
type TaskCreator interface {
	Create(id string, payload []byte, agentID string, priority int) (*models.Task, error)
}

// Dispatcher routes a materialized task into the execution layer.
// Reachable reports whether any execution capacity is currently
// available; while it is false, firings are parked instead of dispatched.
type Dispatcher interface {
	Submit(t *models.Task) error
	Reachable() bool
}

// Publisher is the event-bus surface the scheduler needs.
type Publisher interface {
	Publish(e models.Event) error
}

// Template describes the task a job materializes on each fire.
type Template struct {
	Payload  []byte
	AgentID  string
	Priority int
}

// JobInfo is a read-only snapshot of an active job.
type JobInfo struct {
	ID       string
	Kind     models.ScheduleKind
	NextFire time.Time
	Fired    int
	Retries  int
}

// job is the runtime binding of a schedule to a task template.
type job struct {
	id       string
	template Template
	config   models.ScheduleConfig
	schedule cron.Schedule // nil unless kind is cron

	nextFire time.Time
	lastGrid time.Time // most recent regular trigger time, anchors recurring fires
	timer    *time.Timer
	fired    int // trigger occurrences consumed
	seq      int // dispatch attempts, used for task ID uniqueness
	retries  int // per-firing retry counter, reset on success
	parked   int // firings waiting in the offline queue
}

// Scheduler owns all active jobs and their timers. Start must be called
// before any job fires; Stop disarms every timer and halts the offline
// drain loop.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	offline []string // job IDs with a parked firing, FIFO

	tasks      TaskCreator
	dispatcher Dispatcher
	events     Publisher

	drainInterval time.Duration
	started       bool
	done          chan struct{}
	wg            sync.WaitGroup

	log *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Scheduler. drainInterval controls how often parked
// offline firings are re-attempted automatically; zero disables the
// background drain (DrainOffline can still be called directly).
func New(tasks TaskCreator, dispatcher Dispatcher, events Publisher, drainInterval time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		jobs:          make(map[string]*job),
		tasks:         tasks,
		dispatcher:    dispatcher,
		events:        events,
		drainInterval: drainInterval,
		done:          make(chan struct{}),
		log:           log,
		now:           time.Now,
	}
}

// Start arms timers for all registered jobs and, if configured, launches
// the background offline drain loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	for _, j := range s.jobs {
		s.armLocked(j)
	}
	s.mu.Unlock()

	if s.drainInterval > 0 {
		s.wg.Add(1)
		go s.drainLoop()
	}
}

// Stop disarms all timers and waits for the drain loop to exit. Firings
// already dispatched are unaffected.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for _, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
			j.timer = nil
		}
	}
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
}

// Schedule registers a job. The config is validated against its kind
// before anything is created; an invalid config leaves no trace. On
// success a task_scheduled event is published.
func (s *Scheduler) Schedule(jobID string, template Template, cfg models.ScheduleConfig) (JobInfo, error) {
	if err := cfg.Validate(); err != nil {
		return JobInfo{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	var cronSched cron.Schedule
	if cfg.Kind == models.ScheduleCron {
		parsed, err := cron.ParseStandard(cfg.CronExpression)
		if err != nil {
			return JobInfo{}, fmt.Errorf("%w: parse cron expression: %v", ErrInvalidSchedule, err)
		}
		cronSched = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; exists {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrDuplicateSchedule, jobID)
	}

	j := &job{
		id:       jobID,
		template: template,
		config:   cfg,
		schedule: cronSched,
	}

	next, ok := s.nextFireLocked(j, s.now())
	if !ok {
		return JobInfo{}, fmt.Errorf("%w: schedule produces no future firing", ErrInvalidSchedule)
	}
	j.nextFire = next

	s.jobs[jobID] = j
	if s.started {
		s.armLocked(j)
	}

	if err := s.events.Publish(models.Event{
		Type:     models.EventTaskScheduled,
		Priority: models.EventPriorityNormal,
		Source:   "scheduler",
		Data: map[string]any{
			"job_id":    jobID,
			"kind":      string(cfg.Kind),
			"agent_id":  template.AgentID,
			"next_fire": next,
		},
	}); err != nil {
		s.log.Warn("task_scheduled event dropped",
			zap.String("job_id", jobID), zap.Error(err))
	}

	s.log.Info("job scheduled",
		zap.String("job_id", jobID),
		zap.String("kind", string(cfg.Kind)),
		zap.Time("next_fire", next))

	return snapshot(j), nil
}

// Cancel removes a job, its pending triggers, and any parked firings.
// Cancelling an unknown job, including one already cancelled, is an
// error.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, jobID)
	}

	if j.timer != nil {
		j.timer.Stop()
	}
	delete(s.jobs, jobID)

	kept := s.offline[:0]
	for _, id := range s.offline {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	s.offline = kept

	s.log.Info("job cancelled", zap.String("job_id", jobID))
	return nil
}

// List returns a snapshot of all active jobs with their next fire time.
func (s *Scheduler) List() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		infos = append(infos, snapshot(j))
	}
	return infos
}

// OfflineCount reports the number of firings parked while the execution
// layer was unreachable.
func (s *Scheduler) OfflineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offline)
}

// DrainOffline re-attempts every parked firing. Firings that still fail
// or remain unreachable are re-parked. Returns the number dispatched.
func (s *Scheduler) DrainOffline() int {
	s.mu.Lock()
	parked := s.offline
	s.offline = nil
	s.mu.Unlock()

	dispatched := 0
	for i, jobID := range parked {
		s.mu.Lock()
		j, exists := s.jobs[jobID]
		s.mu.Unlock()
		if !exists {
			continue
		}

		if !s.dispatcher.Reachable() {
			// Connectivity lost again; re-park this and the rest.
			s.mu.Lock()
			s.offline = append(s.offline, parked[i:]...)
			s.mu.Unlock()
			break
		}

		if !s.dispatchFire(j) {
			s.mu.Lock()
			s.offline = append(s.offline, jobID)
			s.mu.Unlock()
			continue
		}

		dispatched++
		s.mu.Lock()
		j.parked--
		s.retireIfExhaustedLocked(j)
		s.mu.Unlock()
	}

	if dispatched > 0 {
		s.log.Info("offline firings drained", zap.Int("dispatched", dispatched))
	}
	return dispatched
}

// drainLoop periodically re-attempts parked firings until Stop.
func (s *Scheduler) drainLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.OfflineCount() > 0 && s.dispatcher.Reachable() {
				s.DrainOffline()
			}
		}
	}
}

// armLocked schedules the timer for the job's next fire. Caller must
// hold s.mu.
func (s *Scheduler) armLocked(j *job) {
	delay := j.nextFire.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	j.timer = time.AfterFunc(delay, func() { s.fire(j.id) })
}

// fire consumes one trigger occurrence of a job: dispatch, park, or
// retry, then re-arm the next regular trigger.
func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	j, exists := s.jobs[jobID]
	if !exists || !s.started {
		s.mu.Unlock()
		return
	}
	j.fired++
	j.lastGrid = j.nextFire
	j.timer = nil
	s.mu.Unlock()

	if !s.dispatcher.Reachable() {
		s.mu.Lock()
		s.offline = append(s.offline, jobID)
		j.parked++
		s.mu.Unlock()
		s.log.Warn("execution layer unreachable, firing parked",
			zap.String("job_id", jobID))
		s.advance(j)
		return
	}

	if s.dispatchFire(j) {
		s.mu.Lock()
		j.retries = 0
		s.mu.Unlock()
		s.advance(j)
		return
	}

	// Dispatch itself failed. Apply the job-level retry policy before
	// giving this firing up.
	s.mu.Lock()
	cfg := j.config
	if cfg.RetryOnFailure && j.retries < cfg.MaxRetries {
		j.retries++
		retryAt := s.now().Add(cfg.RetryDelay)
		j.nextFire = retryAt
		j.timer = time.AfterFunc(cfg.RetryDelay, func() { s.retryFire(jobID) })
		s.mu.Unlock()
		s.log.Warn("firing failed, retry armed",
			zap.String("job_id", jobID),
			zap.Int("retry", j.retries),
			zap.Time("retry_at", retryAt))
		return
	}
	s.mu.Unlock()

	s.log.Error("firing failed, retries exhausted", zap.String("job_id", jobID))
	s.advance(j)
}

// retryFire re-attempts a failed firing without consuming a new trigger
// occurrence.
func (s *Scheduler) retryFire(jobID string) {
	s.mu.Lock()
	j, exists := s.jobs[jobID]
	if !exists || !s.started {
		s.mu.Unlock()
		return
	}
	j.timer = nil
	s.mu.Unlock()

	if s.dispatchFire(j) {
		s.mu.Lock()
		j.retries = 0
		s.mu.Unlock()
		s.advance(j)
		return
	}

	s.mu.Lock()
	cfg := j.config
	if cfg.RetryOnFailure && j.retries < cfg.MaxRetries {
		j.retries++
		j.nextFire = s.now().Add(cfg.RetryDelay)
		j.timer = time.AfterFunc(cfg.RetryDelay, func() { s.retryFire(jobID) })
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Error("firing failed, retries exhausted", zap.String("job_id", jobID))
	s.advance(j)
}

// dispatchFire materializes a task for the firing and submits it.
// Returns false if creation or submission failed. The task_executed
// event records the dispatch outcome either way.
func (s *Scheduler) dispatchFire(j *job) bool {
	s.mu.Lock()
	j.seq++
	taskID := fmt.Sprintf("%s-%d", j.id, j.seq)
	tmpl := j.template
	s.mu.Unlock()

	var dispatchErr error
	t, err := s.tasks.Create(taskID, tmpl.Payload, tmpl.AgentID, tmpl.Priority)
	if err != nil {
		dispatchErr = err
	} else if err := s.dispatcher.Submit(t); err != nil {
		dispatchErr = err
	}

	data := map[string]any{
		"job_id":   j.id,
		"task_id":  taskID,
		"agent_id": tmpl.AgentID,
		"success":  dispatchErr == nil,
	}
	if dispatchErr != nil {
		data["error"] = dispatchErr.Error()
	}
	if err := s.events.Publish(models.Event{
		Type:     models.EventTaskExecuted,
		Priority: models.EventPriorityHigh,
		Source:   "scheduler",
		Data:     data,
	}); err != nil {
		s.log.Warn("task_executed event dropped",
			zap.String("job_id", j.id), zap.Error(err))
	}

	if dispatchErr != nil {
		s.log.Error("dispatch failed",
			zap.String("job_id", j.id),
			zap.String("task_id", taskID),
			zap.Error(dispatchErr))
		return false
	}
	return true
}

// advance arms the job's next regular trigger, or retires the job when
// its schedule is exhausted and nothing is parked.
func (s *Scheduler) advance(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	if _, exists := s.jobs[j.id]; !exists {
		return
	}

	next, ok := s.nextFireLocked(j, s.now())
	if !ok {
		s.retireIfExhaustedLocked(j)
		return
	}
	j.nextFire = next
	s.armLocked(j)
}

// retireIfExhaustedLocked removes a job that has no future trigger and
// no parked firing left to drain. Caller must hold s.mu.
func (s *Scheduler) retireIfExhaustedLocked(j *job) {
	if _, exists := s.jobs[j.id]; !exists {
		return
	}
	if j.timer != nil || j.parked > 0 {
		return
	}
	if _, ok := s.nextFireLocked(j, s.now()); ok {
		return
	}
	delete(s.jobs, j.id)
	s.log.Info("job retired", zap.String("job_id", j.id))
}

// nextFireLocked computes when the job should fire after the given
// time. Returns false when the schedule is exhausted. Caller must hold
// s.mu.
func (s *Scheduler) nextFireLocked(j *job, after time.Time) (time.Time, bool) {
	switch j.config.Kind {
	case models.ScheduleOneTime:
		if j.fired > 0 {
			return time.Time{}, false
		}
		return j.config.StartAt, true

	case models.ScheduleRecurring:
		var next time.Time
		if j.fired == 0 {
			if !j.config.StartAt.IsZero() {
				next = j.config.StartAt
			} else {
				next = after.Add(j.config.Interval)
			}
		} else {
			// Stay on the start_at + k*interval grid regardless of how
			// long the previous dispatch took; missed points are skipped.
			next = j.lastGrid.Add(j.config.Interval)
			for !next.After(after) {
				next = next.Add(j.config.Interval)
			}
		}
		if !j.config.EndAt.IsZero() && next.After(j.config.EndAt) {
			return time.Time{}, false
		}
		return next, true

	case models.ScheduleCron:
		next := j.schedule.Next(after)
		if !j.config.EndAt.IsZero() && next.After(j.config.EndAt) {
			return time.Time{}, false
		}
		return next, true

	default:
		return time.Time{}, false
	}
}

func snapshot(j *job) JobInfo {
	return JobInfo{
		ID:       j.id,
		Kind:     j.config.Kind,
		NextFire: j.nextFire,
		Fired:    j.fired,
		Retries:  j.retries,
	}
}
