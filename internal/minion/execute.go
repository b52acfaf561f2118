package minion

import (
	"context"
	"fmt"
	"time"

	"MinionArmy/internal/m2m"
	"MinionArmy/internal/models"
)

// metadata keys carried by delegated tasks.
const (
	metaDelegatorID      = "delegatorId"
	metaDelegationTaskID = "delegationTaskId"
	metaDelegationDepth  = "delegationDepth"
	metaTimeoutSeconds   = "timeoutSeconds"
)

// m2mHandlers wires the M2M engine's inbound requests to this runtime.
func (r *Runtime) m2mHandlers() m2m.Handlers {
	return m2m.Handlers{
		AcceptDelegation: r.acceptDelegation,
		ProvideData:      r.provideData,
		Capabilities:     r.capabilities,
		InvokeTool:       r.invokeTool,
		OnResponse:       r.onM2MResponse,
		OnRequestFailed: func(req *m2m.PendingRequest, reasonCode, details string) {
			r.log.WithRequest(req.RequestID).WithPayload(map[string]interface{}{
				"reason_code": reasonCode,
				"details":     details,
			}).Error("outbound m2m request failed")
		},
		OnInfoBroadcast: func(b *models.InfoBroadcast) {
			r.appendConversation("user", fmt.Sprintf("[broadcast from %s] %s", b.SenderID, b.Info))
			r.log.WithPayload(map[string]interface{}{
				"sender": b.SenderID,
				"topic":  b.Topic,
			}).Info("info broadcast received")
		},
	}
}

// acceptDelegation enqueues a delegated task. The delegation id and sender
// travel in the task metadata so completion can be reported back under the
// delegator's correlation id.
func (r *Runtime) acceptDelegation(d *models.TaskDelegation) error {
	if s := r.Status(); s == models.StatusShuttingDown || s == models.StatusError {
		return fmt.Errorf("minion is %s", s)
	}
	meta := map[string]any{
		metaDelegatorID:      d.SenderID,
		metaDelegationTaskID: d.TaskID,
		metaDelegationDepth:  d.DelegationDepth,
	}
	if d.TimeoutSeconds > 0 {
		meta[metaTimeoutSeconds] = d.TimeoutSeconds
	}
	taskID := r.queue.Add(d.TaskDescription, d.SenderID, models.ParsePriority(d.Priority), nil, meta)
	r.log.WithTask(taskID).WithPayload(map[string]interface{}{
		"delegator":        d.SenderID,
		"delegation_id":    d.TaskID,
		"delegation_depth": d.DelegationDepth,
	}).Info("delegated task accepted")
	return nil
}

// provideData serves m2m_data_request keys: a few well-known keys plus the
// internal variable store.
func (r *Runtime) provideData(key string) (any, error) {
	switch key {
	case "status":
		return string(r.Status()), nil
	case "conversationHistory":
		r.mu.Lock()
		defer r.mu.Unlock()
		history := make([]models.ChatMessage, len(r.conversation))
		copy(history, r.conversation)
		return history, nil
	case "pendingTasks":
		return r.queue.PendingCount(), nil
	}

	r.mu.Lock()
	v, ok := r.vars[key]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown data key: %s", key)
	}
	return v, nil
}

// capabilities lists configured skill ids plus currently reachable tools.
func (r *Runtime) capabilities() []string {
	var caps []string
	for _, s := range r.cfg.Minion.Skills {
		caps = append(caps, s.ID)
	}
	if r.tools != nil {
		for _, name := range r.tools.ToolNames(context.Background()) {
			caps = append(caps, "tool:"+name)
		}
	}
	return caps
}

func (r *Runtime) invokeTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	if r.tools == nil {
		return nil, fmt.Errorf("no tools configured")
	}
	return r.tools.Invoke(ctx, toolName, args)
}

// onM2MResponse records results of delegations this minion sent out.
func (r *Runtime) onM2MResponse(messageType string, content []byte) {
	r.log.WithPayload(map[string]interface{}{"type": messageType}).Debug("m2m response received")
}

// startTask launches one task execution goroutine with its own deadline.
func (r *Runtime) startTask(t *models.Task) {
	timeout := time.Duration(r.cfg.Minion.TaskTimeoutSeconds) * time.Second
	if t.Metadata != nil {
		if secs, ok := t.Metadata[metaTimeoutSeconds].(int); ok && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}
	taskCtx, cancel := context.WithTimeout(context.Background(), timeout)

	r.mu.Lock()
	r.cancels[t.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.cancels, t.ID)
			r.mu.Unlock()
		}()
		r.runTask(taskCtx, t)
	}()
}

// runTask executes one task and routes its outcome: queue bookkeeping,
// conversation history, archive, and reporting to the coordinator or
// delegator that owns the task.
func (r *Runtime) runTask(ctx context.Context, t *models.Task) {
	result, err := r.executeTask(ctx, t)
	if err != nil {
		r.log.WithTask(t.ID).WithError(models.ErrInfo(err)).Error("task execution failed")
		r.queue.FailCurrent(t.ID, err.Error())
	} else {
		r.appendConversation("assistant", result)
		r.setVar("lastResult", result)
		r.queue.CompleteCurrent(t.ID, result)
	}

	switch t.Status {
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		r.report(t, result, err)
		r.archiveTask(t)
	case models.TaskStatusCanceled:
		// The execution raced with a cancellation; whoever canceled does
		// not want this outcome reported as completed or failed.
		r.log.WithTask(t.ID).Debug("execution outcome discarded, task canceled")
		r.archiveTask(t)
	default:
		// Paused out from under this goroutine; the task re-runs on resume.
		r.log.WithTask(t.ID).Debug("execution outcome discarded, task no longer running")
	}
}

// executeTask runs the task through the LLM.
func (r *Runtime) executeTask(ctx context.Context, t *models.Task) (string, error) {
	if r.llm == nil {
		return "", fmt.Errorf("no LLM configured")
	}
	return r.llm.Generate(ctx, t.Description)
}

// report sends the task outcome to whoever is waiting on it.
func (r *Runtime) report(t *models.Task, result string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if t.Subtask != nil {
		res := &models.SubtaskResult{
			CollaborativeTaskID: t.Subtask.CollaborativeTaskID,
			SubtaskID:           t.Subtask.SubtaskID,
			WorkerID:            r.id,
			Status:              "success",
			Result:              result,
		}
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
			res.Result = ""
		}
		if sendErr := r.transport.Send(ctx, t.Subtask.CoordinatorID, models.TypeCollabSubtaskResult, res); sendErr != nil {
			r.log.WithTask(t.ID).WithError(models.ErrInfo(sendErr)).Error("subtask result delivery failed")
		}
	}

	if t.Metadata != nil {
		delegator, _ := t.Metadata[metaDelegatorID].(string)
		delegationID, _ := t.Metadata[metaDelegationTaskID].(string)
		if delegator != "" && delegationID != "" {
			status, details := "completed", ""
			if err != nil {
				status, details = "failed", err.Error()
			}
			r.engine.SendStatusUpdate(ctx, delegator, delegationID, status, details, result)
		}
	}
}

// archiveTask persists a terminal task when an archive is configured.
func (r *Runtime) archiveTask(t *models.Task) {
	if r.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.archive.ArchiveTask(ctx, t); err != nil {
		r.log.WithTask(t.ID).WithError(models.ErrInfo(err)).Warn("task archive failed")
	}
}

// CancelTask cancels a pending or running task by id. Queue bookkeeping
// reflects CANCELED immediately; an in-flight execution is interrupted via
// its context.
func (r *Runtime) CancelTask(taskID string) bool {
	r.mu.Lock()
	if cancel, ok := r.cancels[taskID]; ok {
		cancel()
	}
	r.mu.Unlock()
	return r.queue.Cancel(taskID)
}
