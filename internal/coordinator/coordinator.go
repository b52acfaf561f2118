// Package coordinator owns in-flight collaborative tasks: it tracks subtask
// state, computes the executable wavefront from the dependency graph,
// dispatches assignments to workers and finalizes the aggregate when every
// subtask reaches a terminal state.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"MinionArmy/internal/models"
	"MinionArmy/internal/transport"
	"MinionArmy/pkg/logger"

	"github.com/google/uuid"
)

// Archiver persists finished collaborative tasks. Optional.
type Archiver interface {
	ArchiveCollaborativeTask(ctx context.Context, task *models.CollaborativeTask) error
}

// Coordinator drives dependency-ordered execution of collaborative tasks.
// One instance may own many tasks concurrently, keyed by task id. Subtask
// maps are single-writer: all mutation happens under c.mu inside this type.
type Coordinator struct {
	selfID    string
	transport transport.Transport
	archiver  Archiver
	log       *logger.Logger

	mu      sync.Mutex
	tasks   map[string]*models.CollaborativeTask
	workers map[string]models.WorkerInfo
}

func New(selfID string, tr transport.Transport, log *logger.Logger) *Coordinator {
	return &Coordinator{
		selfID:    selfID,
		transport: tr,
		log:       log,
		tasks:     make(map[string]*models.CollaborativeTask),
		workers:   make(map[string]models.WorkerInfo),
	}
}

// SetArchiver attaches an optional archive sink for finished tasks.
func (c *Coordinator) SetArchiver(a Archiver) { c.archiver = a }

// RegisterWorker adds or refreshes a worker in the roster.
func (c *Coordinator) RegisterWorker(w models.WorkerInfo) {
	c.mu.Lock()
	c.workers[w.ID] = w
	c.mu.Unlock()
	c.log.WithPayload(map[string]interface{}{"worker_id": w.ID}).Info("worker registered")
}

// UnregisterWorker removes a worker from the roster. Subtasks already
// assigned to it are left in flight.
func (c *Coordinator) UnregisterWorker(workerID string) {
	c.mu.Lock()
	delete(c.workers, workerID)
	c.mu.Unlock()
	c.log.WithPayload(map[string]interface{}{"worker_id": workerID}).Info("worker unregistered")
}

// Workers returns the roster sorted by worker id for stable prompting.
func (c *Coordinator) Workers() []models.WorkerInfo {
	c.mu.Lock()
	out := make([]models.WorkerInfo, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartTask registers a collaborative task built from a decomposition plan
// and dispatches its first wavefront. Returns the task id.
func (c *Coordinator) StartTask(ctx context.Context, taskID, description, requesterID string, plan *models.DecompositionPlan) string {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	task := &models.CollaborativeTask{
		TaskID:      taskID,
		Description: description,
		RequesterID: requesterID,
		Subtasks:    make(map[string]*models.Subtask, len(plan.Subtasks)),
		Status:      models.CollabInProgress,
		StartTime:   time.Now(),
	}
	for _, ps := range plan.Subtasks {
		task.Subtasks[ps.ID] = &models.Subtask{
			ID:              ps.ID,
			Description:     ps.Description,
			AssignedTo:      ps.AssignedTo,
			Dependencies:    ps.Dependencies,
			SuccessCriteria: ps.SuccessCriteria,
			Status:          models.SubtaskPending,
		}
	}

	c.mu.Lock()
	c.tasks[taskID] = task
	c.mu.Unlock()

	c.log.WithTask(taskID).WithPayload(map[string]interface{}{
		"subtasks":  len(task.Subtasks),
		"requester": requesterID,
		"fallback":  plan.Fallback,
	}).Info("collaborative task started")

	if len(task.Subtasks) == 0 {
		// An empty plan (no workers at decomposition time) finalizes
		// immediately instead of stalling forever.
		c.finalize(ctx, task)
		return taskID
	}

	c.dispatchWave(ctx, task)
	return taskID
}

// Task returns a task aggregate by id.
func (c *Coordinator) Task(taskID string) (*models.CollaborativeTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	return t, ok
}

// NextExecutable returns all PENDING subtasks whose every dependency exists
// and is COMPLETED. A subtask referencing an unknown dependency id is
// permanently skipped with a warning rather than failing the plan.
func (c *Coordinator) NextExecutable(taskID string) []*models.Subtask {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return nil
	}
	return c.nextExecutableLocked(task)
}

func (c *Coordinator) nextExecutableLocked(task *models.CollaborativeTask) []*models.Subtask {
	var out []*models.Subtask
	for _, st := range task.Subtasks {
		if st.Status != models.SubtaskPending {
			continue
		}
		eligible := true
		for _, dep := range st.Dependencies {
			depTask, known := task.Subtasks[dep]
			if !known {
				c.log.WithTask(task.TaskID).WithPayload(map[string]interface{}{
					"subtask_id": st.ID,
					"dependency": dep,
				}).Warn("subtask references unknown dependency, permanently skipped")
				eligible = false
				break
			}
			if depTask.Status != models.SubtaskCompleted {
				eligible = false
				break
			}
		}
		if eligible {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// dispatchWave sends an assignment for every currently executable subtask.
// A failed send marks the subtask FAILED immediately; dispatch is
// fire-and-forget and deliberately not retried here, retrying could assign
// the same subtask twice.
func (c *Coordinator) dispatchWave(ctx context.Context, task *models.CollaborativeTask) {
	c.mu.Lock()
	wave := c.nextExecutableLocked(task)
	now := time.Now()
	for _, st := range wave {
		st.Status = models.SubtaskAssigned
		st.StartTime = &now
	}
	c.mu.Unlock()

	if len(wave) == 0 {
		c.log.WithTask(task.TaskID).Debug("no executable subtasks in this wave")
		return
	}

	for _, st := range wave {
		assignment := &models.SubtaskAssignment{
			CollaborativeTaskID: task.TaskID,
			SubtaskID:           st.ID,
			CoordinatorID:       c.selfID,
			Description:         st.Description,
			ParentDescription:   task.Description,
			SuccessCriteria:     st.SuccessCriteria,
		}
		err := c.transport.Send(ctx, st.AssignedTo, models.TypeCollabSubtaskAssignment, assignment)

		c.mu.Lock()
		if err != nil {
			st.Status = models.SubtaskFailed
			st.Error = fmt.Sprintf("dispatch failed: %v", err)
			end := time.Now()
			st.EndTime = &end
		} else {
			st.Status = models.SubtaskInProgress
		}
		c.mu.Unlock()

		if err != nil {
			c.log.WithTask(task.TaskID).WithError(models.ErrInfo(err)).WithPayload(map[string]interface{}{
				"subtask_id": st.ID,
				"worker_id":  st.AssignedTo,
			}).Error("subtask dispatch failed")
			c.notifyStatus(ctx, task, st.ID, string(models.SubtaskFailed), st.Error)
		} else {
			c.log.WithTask(task.TaskID).WithPayload(map[string]interface{}{
				"subtask_id": st.ID,
				"worker_id":  st.AssignedTo,
			}).Info("subtask dispatched")
		}
	}

	// A dispatch failure may have made the whole task terminal.
	c.checkTerminal(ctx, task)
}

// UpdateSubtaskStatus idempotently applies a status report for one subtask,
// then either finalizes the task or dispatches the newly unblocked wave.
func (c *Coordinator) UpdateSubtaskStatus(ctx context.Context, taskID, subtaskID string, status models.SubtaskStatus, result, errMsg string) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		c.log.WithTask(taskID).Warn("status update for unknown collaborative task ignored")
		return
	}
	st, ok := task.Subtasks[subtaskID]
	if !ok {
		c.mu.Unlock()
		c.log.WithTask(taskID).WithPayload(map[string]interface{}{"subtask_id": subtaskID}).Warn("status update for unknown subtask ignored")
		return
	}
	if st.Status.Terminal() {
		// Duplicate terminal reports are absorbed; the first one wins.
		c.mu.Unlock()
		c.log.WithTask(taskID).WithPayload(map[string]interface{}{"subtask_id": subtaskID}).Debug("duplicate subtask status update ignored")
		return
	}
	st.Status = status
	if result != "" {
		st.Result = result
	}
	if errMsg != "" {
		st.Error = errMsg
	}
	if status.Terminal() {
		now := time.Now()
		st.EndTime = &now
	}
	c.mu.Unlock()

	c.notifyStatus(ctx, task, subtaskID, string(status), errMsg)

	if status.Terminal() {
		if !c.checkTerminal(ctx, task) {
			c.dispatchWave(ctx, task)
		}
	}
}

// HandleSubtaskResult maps a worker's collaborative_subtask_result onto the
// subtask state machine.
func (c *Coordinator) HandleSubtaskResult(ctx context.Context, res *models.SubtaskResult) {
	status := models.SubtaskCompleted
	if res.Status != "success" {
		status = models.SubtaskFailed
	}
	c.UpdateSubtaskStatus(ctx, res.CollaborativeTaskID, res.SubtaskID, status, res.Result, res.Error)
}

// checkTerminal finalizes the task if every subtask is terminal. Returns
// true when the task is (now) terminal.
func (c *Coordinator) checkTerminal(ctx context.Context, task *models.CollaborativeTask) bool {
	c.mu.Lock()
	if task.Status == models.CollabCompleted {
		c.mu.Unlock()
		return true
	}
	for _, st := range task.Subtasks {
		if !st.Status.Terminal() {
			c.mu.Unlock()
			return false
		}
	}
	c.mu.Unlock()

	c.finalize(ctx, task)
	return true
}

// finalize marks the task completed and reports aggregated results to the
// original requester. Only COMPLETED subtask results are included.
func (c *Coordinator) finalize(ctx context.Context, task *models.CollaborativeTask) {
	c.mu.Lock()
	if task.Status == models.CollabCompleted {
		c.mu.Unlock()
		return
	}
	task.Status = models.CollabCompleted
	now := time.Now()
	task.EndTime = &now

	results := make(map[string]string)
	completed, failed := 0, 0
	for id, st := range task.Subtasks {
		switch st.Status {
		case models.SubtaskCompleted:
			completed++
			results[id] = st.Result
		case models.SubtaskFailed:
			failed++
		}
	}
	elapsed := now.Sub(task.StartTime).Seconds()
	requester := task.RequesterID
	c.mu.Unlock()

	c.log.WithTask(task.TaskID).WithPayload(map[string]interface{}{
		"completed": completed,
		"failed":    failed,
		"elapsed_s": elapsed,
	}).Info("collaborative task completed")

	if requester != "" {
		payload := &models.CollabTaskCompleted{
			TaskID:         task.TaskID,
			Results:        results,
			CompletedCount: completed,
			FailedCount:    failed,
			ElapsedSeconds: elapsed,
		}
		if err := c.transport.Send(ctx, requester, models.TypeCollabTaskCompleted, payload); err != nil {
			c.log.WithTask(task.TaskID).WithError(models.ErrInfo(err)).Error("failed to notify requester of completion")
		}
	}

	if c.archiver != nil {
		if err := c.archiver.ArchiveCollaborativeTask(ctx, task); err != nil {
			c.log.WithTask(task.TaskID).WithError(models.ErrInfo(err)).Warn("failed to archive collaborative task")
		}
	}
}

// notifyStatus emits a fire-and-forget collaborative_task_status_update to
// the requester. Failures are logged and dropped.
func (c *Coordinator) notifyStatus(ctx context.Context, task *models.CollaborativeTask, subtaskID, status, details string) {
	if task.RequesterID == "" {
		return
	}
	upd := &models.CollabTaskStatusUpdate{
		TaskID:    task.TaskID,
		SubtaskID: subtaskID,
		Status:    status,
		Details:   details,
	}
	if err := c.transport.Send(ctx, task.RequesterID, models.TypeCollabTaskStatusUpdate, upd); err != nil {
		c.log.WithTask(task.TaskID).WithError(models.ErrInfo(err)).Debug("status update notification dropped")
	}
}
