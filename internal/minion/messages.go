package minion

import (
	"context"
	"encoding/json"

	"MinionArmy/internal/m2m"
	"MinionArmy/internal/models"
)

// handleMessage routes one incoming message. Control messages are always
// processed; while PAUSED everything else is captured into the persisted
// snapshot and acked distinctly, so the sender knows the message was
// captured rather than processed.
func (r *Runtime) handleMessage(ctx context.Context, msg models.RawMessage) {
	switch msg.MessageType {
	case models.TypeControlPauseRequest:
		r.pause(ctx, msg.SenderID)
		return
	case models.TypeControlResumeRequest:
		r.resume(ctx, msg.SenderID)
		return
	}

	if r.Status() == models.StatusPaused || r.Status() == models.StatusPausing {
		r.captureWhilePaused(ctx, msg)
		return
	}

	switch msg.MessageType {
	case models.TypeUserBroadcastDirective:
		r.handleDirective(msg)
	case models.TypeMessageToPausedRequest:
		// Not paused: treat the carried content as a directive.
		r.handleDirective(msg)
		r.ackPausedMessage(ctx, msg.SenderID, false)
	case models.TypeCollabTaskRequest:
		r.handleCollabRequest(ctx, msg)
	case models.TypeCollabSubtaskAssignment:
		r.handleSubtaskAssignment(msg)
	case models.TypeCollabSubtaskResult:
		var res models.SubtaskResult
		if err := json.Unmarshal(msg.Content, &res); err != nil {
			r.log.WithError(models.ErrInfo(err)).Warn("malformed subtask result dropped")
			return
		}
		r.coord.HandleSubtaskResult(ctx, &res)
	case models.TypeCollabTaskCompleted:
		r.handleCollabCompleted(msg)
	case models.TypeCollabTaskStatusUpdate, models.TypeMinionStateUpdate:
		// Informational fan-out for GUIs; nothing for a minion to do.
		r.log.WithPayload(map[string]interface{}{"type": msg.MessageType}).Debug("informational message ignored")
	default:
		if m2m.IsM2MType(msg.MessageType) {
			r.engine.HandleMessage(ctx, msg)
			return
		}
		r.log.WithPayload(map[string]interface{}{"type": msg.MessageType}).Warn("unrecognized message type dropped")
	}
}

// handleDirective enqueues a broadcast directive as a local task.
func (r *Runtime) handleDirective(msg models.RawMessage) {
	var d struct {
		Directive string `json:"directive"`
		Priority  string `json:"priority,omitempty"`
	}
	if err := json.Unmarshal(msg.Content, &d); err != nil || d.Directive == "" {
		r.log.Warn("directive without content dropped")
		return
	}
	taskID := r.queue.Add(d.Directive, msg.SenderID, models.ParsePriority(d.Priority), nil, nil)
	r.appendConversation("user", d.Directive)
	r.log.WithTask(taskID).Info("directive enqueued")
}

// handleCollabRequest decomposes a collaborative task over the current
// worker roster, starts coordinating it and acks the requester.
func (r *Runtime) handleCollabRequest(ctx context.Context, msg models.RawMessage) {
	var req models.CollabTaskRequest
	if err := json.Unmarshal(msg.Content, &req); err != nil || req.TaskDescription == "" {
		r.log.Warn("malformed collaborative task request dropped")
		return
	}
	requester := req.RequesterID
	if requester == "" {
		requester = msg.SenderID
	}

	workers := r.coord.Workers()
	plan := r.decomp.Decompose(ctx, req.TaskDescription, workers)
	taskID := r.coord.StartTask(ctx, req.TaskID, req.TaskDescription, requester, plan)

	ack := map[string]any{
		"taskId":        taskID,
		"coordinatorId": r.id,
		"subtaskCount":  len(plan.Subtasks),
	}
	if err := r.transport.Send(ctx, requester, models.TypeCollabTaskAcknowledgement, ack); err != nil {
		r.log.WithTask(taskID).WithError(models.ErrInfo(err)).Warn("collab task ack dropped")
	}
}

// handleSubtaskAssignment enqueues a subtask from a coordinator. Subtasks
// run at high priority so a worker clears collaborative work before its own
// backlog.
func (r *Runtime) handleSubtaskAssignment(msg models.RawMessage) {
	var a models.SubtaskAssignment
	if err := json.Unmarshal(msg.Content, &a); err != nil || a.SubtaskID == "" || a.Description == "" {
		r.log.Warn("malformed subtask assignment dropped")
		return
	}
	coordinatorID := a.CoordinatorID
	if coordinatorID == "" {
		coordinatorID = msg.SenderID
	}

	description := a.Description
	if a.ParentDescription != "" {
		description += "\n\nParent task: " + a.ParentDescription
	}
	if a.SuccessCriteria != "" {
		description += "\nSuccess criteria: " + a.SuccessCriteria
	}

	taskID := r.queue.Add(description, msg.SenderID, models.PriorityHigh, &models.SubtaskRef{
		CollaborativeTaskID: a.CollaborativeTaskID,
		SubtaskID:           a.SubtaskID,
		CoordinatorID:       coordinatorID,
	}, nil)
	r.log.WithTask(taskID).WithPayload(map[string]interface{}{
		"collab_task": a.CollaborativeTaskID,
		"subtask_id":  a.SubtaskID,
	}).Info("subtask assignment enqueued")
}

// handleCollabCompleted records the outcome of a collaborative task this
// minion requested.
func (r *Runtime) handleCollabCompleted(msg models.RawMessage) {
	var done models.CollabTaskCompleted
	if err := json.Unmarshal(msg.Content, &done); err != nil {
		r.log.Warn("malformed collaborative task completion dropped")
		return
	}
	r.setVar("collab:"+done.TaskID, done.Results)
	r.log.WithTask(done.TaskID).WithPayload(map[string]interface{}{
		"completed": done.CompletedCount,
		"failed":    done.FailedCount,
		"elapsed_s": done.ElapsedSeconds,
	}).Info("collaborative task result received")
}

// captureWhilePaused appends a message to the persisted snapshot and acks
// the sender with the distinct captured ack.
func (r *Runtime) captureWhilePaused(ctx context.Context, msg models.RawMessage) {
	r.mu.Lock()
	if r.pausedState == nil {
		// Pause serialization is still in flight; capture into a fresh
		// snapshot that pause() will fold in.
		r.pausedState = r.newSnapshotLocked("")
	}
	r.pausedState.PendingMessagesWhilePaused = append(r.pausedState.PendingMessagesWhilePaused, msg)
	snapshot := r.pausedState
	r.mu.Unlock()

	r.store.Save(snapshot)
	r.log.WithPayload(map[string]interface{}{"type": msg.MessageType}).Info("message captured while paused")
	r.ackPausedMessage(ctx, msg.SenderID, true)
}

func (r *Runtime) ackPausedMessage(ctx context.Context, recipient string, captured bool) {
	ack := map[string]any{
		"minionId": r.id,
		"captured": captured,
	}
	if err := r.transport.Send(ctx, recipient, models.TypeMessageToPausedAck, ack); err != nil {
		r.log.WithError(models.ErrInfo(err)).Debug("paused message ack dropped")
	}
}

// newSnapshotLocked builds a snapshot of the live runtime state. Caller
// holds r.mu.
func (r *Runtime) newSnapshotLocked(currentTask string) *models.MinionState {
	history := make([]models.ChatMessage, len(r.conversation))
	copy(history, r.conversation)
	vars := make(map[string]any, len(r.vars))
	for k, v := range r.vars {
		vars[k] = v
	}
	return &models.MinionState{
		SchemaVersion:              models.StateSchemaVersion,
		IsPaused:                   true,
		CurrentTaskDescription:     currentTask,
		PendingMessagesWhilePaused: []models.RawMessage{},
		ConversationHistory:        history,
		InternalVariables:          vars,
	}
}

// pause drives IDLE/RUNNING -> PAUSING -> PAUSED: park running work at the
// front of the queue, serialize the snapshot, then ack.
func (r *Runtime) pause(ctx context.Context, requester string) {
	status := r.Status()
	if status == models.StatusPaused {
		// Repeat pause is acked idempotently.
		r.ackPause(ctx, requester)
		return
	}
	if status == models.StatusPausing {
		return
	}

	r.setStatus(ctx, models.StatusPausing, "", "pause requested by "+requester)

	// Abandon in-flight executions; the tasks go back to the front of the
	// queue and re-run on resume.
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()
	paused := r.queue.PauseCurrent()

	currentTask := ""
	if len(paused) > 0 {
		currentTask = paused[0].Description
	}

	r.mu.Lock()
	snapshot := r.newSnapshotLocked(currentTask)
	if r.pausedState != nil {
		// Messages that raced in during PAUSING are kept.
		snapshot.PendingMessagesWhilePaused = r.pausedState.PendingMessagesWhilePaused
	}
	r.pausedState = snapshot
	r.mu.Unlock()

	r.store.Save(snapshot)
	r.setStatus(ctx, models.StatusPaused, "", "paused")
	r.ackPause(ctx, requester)
}

func (r *Runtime) ackPause(ctx context.Context, requester string) {
	ack := map[string]any{
		"minionId": r.id,
		"status":   string(models.StatusPaused),
	}
	if err := r.transport.Send(ctx, requester, models.TypeControlPauseAck, ack); err != nil {
		r.log.WithError(models.ErrInfo(err)).Warn("pause ack dropped")
	}
}

// resume drives PAUSED -> RESUMING -> IDLE/RUNNING: restore the snapshot,
// replay captured messages in arrival order, clear the snapshot, then ack.
func (r *Runtime) resume(ctx context.Context, requester string) {
	if r.Status() != models.StatusPaused {
		r.ackResume(ctx, requester)
		return
	}
	r.setStatus(ctx, models.StatusResuming, "", "resume requested by "+requester)

	r.mu.Lock()
	snapshot := r.pausedState
	r.pausedState = nil
	if snapshot != nil {
		r.conversation = snapshot.ConversationHistory
		if snapshot.InternalVariables != nil {
			r.vars = snapshot.InternalVariables
		}
	}
	r.mu.Unlock()

	var replay []models.RawMessage
	if snapshot != nil {
		replay = snapshot.PendingMessagesWhilePaused
	}
	// The snapshot served its purpose; what matters now is live state.
	r.store.Clear()

	if r.queue.PendingCount() > 0 {
		r.setStatus(ctx, models.StatusRunning, "", "resumed with queued work")
	} else {
		r.setStatus(ctx, models.StatusIdle, "", "resumed")
	}

	for _, msg := range replay {
		r.handleMessage(ctx, msg)
	}
	r.log.WithPayload(map[string]interface{}{"replayed": len(replay)}).Info("resume complete")
	r.ackResume(ctx, requester)
}

func (r *Runtime) ackResume(ctx context.Context, requester string) {
	ack := map[string]any{
		"minionId": r.id,
		"status":   string(r.Status()),
	}
	if err := r.transport.Send(ctx, requester, models.TypeControlResumeAck, ack); err != nil {
		r.log.WithError(models.ErrInfo(err)).Warn("resume ack dropped")
	}
}
