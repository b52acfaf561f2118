// Package taskqueue implements the per-minion priority task queue.
package taskqueue

import (
	"sync"
	"time"

	"MinionArmy/internal/models"
	"MinionArmy/pkg/logger"

	"github.com/google/uuid"
)

// Event names emitted to listeners on queue transitions.
const (
	EventTaskAdded     = "task_added"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCanceled  = "task_canceled"
	EventTaskPaused    = "task_paused"
)

// Listener receives queue lifecycle events. Invoked synchronously while the
// queue lock is NOT held.
type Listener func(event string, task *models.Task)

// Queue is a priority-ordered pending-task store plus running-slot tracking.
// All mutating operations run under one mutex. With the default single slot
// at most one task is RUNNING per Queue instance at any time; the async
// runtime widens the slot count to its parallelism cap via SetSlots.
type Queue struct {
	mu        sync.Mutex
	pending   []*models.Task
	running   map[string]*models.Task
	slots     int
	history   []*models.Task
	listeners []Listener
	log       *logger.Logger
}

// New creates an empty single-slot queue.
func New(log *logger.Logger) *Queue {
	return &Queue{
		running: make(map[string]*models.Task),
		slots:   1,
		log:     log,
	}
}

// SetSlots widens the number of concurrent running slots. Values below 1 are
// clamped to 1. Shrinking does not evict tasks already in flight.
func (q *Queue) SetSlots(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.slots = n
	q.mu.Unlock()
}

// AddListener registers a listener for queue events.
func (q *Queue) AddListener(l Listener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// Add inserts a new pending task, preserving priority-descending order with
// FIFO order among equal priorities, and returns its id.
func (q *Queue) Add(description, senderID string, priority models.TaskPriority, subtask *models.SubtaskRef, metadata map[string]any) string {
	t := &models.Task{
		ID:          uuid.NewString(),
		Description: description,
		SenderID:    senderID,
		Priority:    priority,
		Status:      models.TaskStatusPending,
		CreatedAt:   time.Now(),
		Subtask:     subtask,
		Metadata:    metadata,
	}

	q.mu.Lock()
	q.insertByPriority(t)
	q.mu.Unlock()

	q.emit(EventTaskAdded, t)
	return t.ID
}

// insertByPriority scans for the first pending task with strictly lower
// priority and inserts before it. O(n) is fine at expected queue depths.
// Caller holds the lock.
func (q *Queue) insertByPriority(t *models.Task) {
	pos := len(q.pending)
	for i, p := range q.pending {
		if p.Priority < t.Priority {
			pos = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[pos+1:], q.pending[pos:])
	q.pending[pos] = t
}

// StartNext pops the highest-priority pending task and marks it RUNNING.
// Returns nil if every running slot is occupied or the queue is empty.
func (q *Queue) StartNext() *models.Task {
	q.mu.Lock()
	if len(q.running) >= q.slots || len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	now := time.Now()
	t.Status = models.TaskStatusRunning
	t.StartedAt = &now
	q.running[t.ID] = t
	q.mu.Unlock()

	q.emit(EventTaskStarted, t)
	return t
}

// CompleteCurrent transitions a running task to COMPLETED. A task id that is
// not in a running slot is a no-op with a warning.
func (q *Queue) CompleteCurrent(taskID, result string) {
	q.finishCurrent(taskID, models.TaskStatusCompleted, result, "")
}

// FailCurrent transitions a running task to FAILED. A task id that is not in
// a running slot is a no-op with a warning.
func (q *Queue) FailCurrent(taskID, errMsg string) {
	q.finishCurrent(taskID, models.TaskStatusFailed, "", errMsg)
}

func (q *Queue) finishCurrent(taskID string, status models.TaskStatus, result, errMsg string) {
	q.mu.Lock()
	t, ok := q.running[taskID]
	if !ok {
		q.mu.Unlock()
		q.log.WithTask(taskID).Warn("finish requested but task is not running")
		return
	}
	now := time.Now()
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.CompletedAt = &now
	q.history = append(q.history, t)
	delete(q.running, taskID)
	q.mu.Unlock()

	if status == models.TaskStatusCompleted {
		q.emit(EventTaskCompleted, t)
	} else {
		q.emit(EventTaskFailed, t)
	}
}

// PauseCurrent moves every running task back to the front of the pending
// queue with status PAUSED, so paused work resumes before any other pending
// work. Returns the paused tasks (at most one with the default single slot).
func (q *Queue) PauseCurrent() []*models.Task {
	q.mu.Lock()
	var paused []*models.Task
	for id, t := range q.running {
		t.Status = models.TaskStatusPaused
		q.pending = append([]*models.Task{t}, q.pending...)
		delete(q.running, id)
		paused = append(paused, t)
	}
	q.mu.Unlock()

	for _, t := range paused {
		q.emit(EventTaskPaused, t)
	}
	return paused
}

// Cancel cancels a task whether pending or running. Returns false if the id
// is not found. Queue bookkeeping reflects CANCELED immediately; an in-flight
// call for a running task is left to finish or be abandoned by its context.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	t, ok := q.running[taskID]
	if ok {
		delete(q.running, taskID)
	} else {
		for i, p := range q.pending {
			if p.ID == taskID {
				t = p
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
	if t == nil {
		q.mu.Unlock()
		return false
	}
	now := time.Now()
	t.Status = models.TaskStatusCanceled
	t.CompletedAt = &now
	q.history = append(q.history, t)
	q.mu.Unlock()

	q.emit(EventTaskCanceled, t)
	return true
}

// RunningCount returns the number of tasks currently in running slots.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Running returns a snapshot of the tasks currently in running slots.
func (q *Queue) Running() []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Task, 0, len(q.running))
	for _, t := range q.running {
		out = append(out, t)
	}
	return out
}

// PendingCount returns the number of pending tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// History returns a snapshot of terminal tasks in completion order.
func (q *Queue) History() []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Task, len(q.history))
	copy(out, q.history)
	return out
}

func (q *Queue) emit(event string, t *models.Task) {
	q.mu.Lock()
	ls := make([]Listener, len(q.listeners))
	copy(ls, q.listeners)
	q.mu.Unlock()
	for _, l := range ls {
		l(event, t)
	}
}
