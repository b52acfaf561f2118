package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"MinionArmy/internal/models"
	"MinionArmy/internal/transport"
	"MinionArmy/pkg/logger"
)

func newTestCoordinator(bus *transport.InProcBus) *Coordinator {
	return New("coord", bus.ForAgent("coord"), logger.New("test", "coord", ""))
}

func drain(t *testing.T, bus *transport.InProcBus, agentID string) []models.RawMessage {
	t.Helper()
	msgs, err := bus.ForAgent(agentID).Poll(context.Background(), agentID)
	if err != nil {
		t.Fatalf("Poll(%s) error = %v", agentID, err)
	}
	return msgs
}

func assignmentIDs(t *testing.T, msgs []models.RawMessage) []string {
	t.Helper()
	var ids []string
	for _, msg := range msgs {
		if msg.MessageType != models.TypeCollabSubtaskAssignment {
			continue
		}
		var a models.SubtaskAssignment
		if err := json.Unmarshal(msg.Content, &a); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.SubtaskID)
	}
	return ids
}

// diamond-ish plan: A has no deps, B and C depend on A, D references a
// subtask id that does not exist.
func wavefrontPlan() *models.DecompositionPlan {
	return &models.DecompositionPlan{
		PlanSummary: "wavefront",
		Subtasks: []*models.PlanSubtask{
			{ID: "A", Description: "step a", AssignedTo: "w1", Dependencies: []string{}},
			{ID: "B", Description: "step b", AssignedTo: "w1", Dependencies: []string{"A"}},
			{ID: "C", Description: "step c", AssignedTo: "w2", Dependencies: []string{"A"}},
			{ID: "D", Description: "step d", AssignedTo: "w2", Dependencies: []string{"ghost"}},
		},
	}
}

func TestDependencyWavefront(t *testing.T) {
	bus := transport.NewInProcBus()
	c := newTestCoordinator(bus)
	ctx := context.Background()

	taskID := c.StartTask(ctx, "", "big job", "req", wavefrontPlan())

	// Wave 1: only A is executable.
	if got := assignmentIDs(t, drain(t, bus, "w1")); len(got) != 1 || got[0] != "A" {
		t.Fatalf("wave 1 to w1 = %v, want [A]", got)
	}
	if got := assignmentIDs(t, drain(t, bus, "w2")); len(got) != 0 {
		t.Fatalf("wave 1 to w2 = %v, want none", got)
	}

	// A completes; B and C unblock, D never does.
	c.UpdateSubtaskStatus(ctx, taskID, "A", models.SubtaskCompleted, "a done", "")

	if got := assignmentIDs(t, drain(t, bus, "w1")); len(got) != 1 || got[0] != "B" {
		t.Errorf("wave 2 to w1 = %v, want [B]", got)
	}
	if got := assignmentIDs(t, drain(t, bus, "w2")); len(got) != 1 || got[0] != "C" {
		t.Errorf("wave 2 to w2 = %v, want [C]", got)
	}

	task, ok := c.Task(taskID)
	if !ok {
		t.Fatal("task not found")
	}
	if task.Subtasks["D"].Status != models.SubtaskPending {
		t.Errorf("D status = %q, want permanently pending", task.Subtasks["D"].Status)
	}
}

func TestCompletionAggregation(t *testing.T) {
	bus := transport.NewInProcBus()
	c := newTestCoordinator(bus)
	ctx := context.Background()

	plan := &models.DecompositionPlan{
		PlanSummary: "pair",
		Subtasks: []*models.PlanSubtask{
			{ID: "ok", Description: "works", AssignedTo: "w1", Dependencies: []string{}},
			{ID: "bad", Description: "breaks", AssignedTo: "w1", Dependencies: []string{}},
		},
	}
	taskID := c.StartTask(ctx, "", "job", "req", plan)
	drain(t, bus, "w1")
	drain(t, bus, "req") // status updates along the way

	c.UpdateSubtaskStatus(ctx, taskID, "ok", models.SubtaskCompleted, "fine result", "")
	c.UpdateSubtaskStatus(ctx, taskID, "bad", models.SubtaskFailed, "", "exploded")

	var completion *models.CollabTaskCompleted
	for _, msg := range drain(t, bus, "req") {
		if msg.MessageType == models.TypeCollabTaskCompleted {
			completion = &models.CollabTaskCompleted{}
			if err := json.Unmarshal(msg.Content, completion); err != nil {
				t.Fatal(err)
			}
		}
	}
	if completion == nil {
		t.Fatal("requester never received collaborative_task_completed")
	}
	if completion.CompletedCount != 1 || completion.FailedCount != 1 {
		t.Errorf("counts = %d/%d, want 1 completed, 1 failed", completion.CompletedCount, completion.FailedCount)
	}
	if len(completion.Results) != 1 || completion.Results["ok"] != "fine result" {
		t.Errorf("results = %v, want only the completed subtask's result", completion.Results)
	}
	if completion.ElapsedSeconds < 0 {
		t.Errorf("elapsed = %f, want non-negative", completion.ElapsedSeconds)
	}

	task, _ := c.Task(taskID)
	if task.Status != models.CollabCompleted {
		t.Errorf("task status = %q, want completed", task.Status)
	}
	if task.EndTime == nil {
		t.Error("task end time not set")
	}
}

func TestDispatchFailureMarksSubtaskFailed(t *testing.T) {
	bus := transport.NewInProcBus()
	bus.SendHook = func(senderID, recipientID, messageType string) error {
		if messageType == models.TypeCollabSubtaskAssignment {
			return errors.New("worker unreachable")
		}
		return nil
	}
	c := newTestCoordinator(bus)
	ctx := context.Background()

	plan := &models.DecompositionPlan{
		PlanSummary: "single",
		Subtasks: []*models.PlanSubtask{
			{ID: "only", Description: "task", AssignedTo: "w1", Dependencies: []string{}},
		},
	}
	taskID := c.StartTask(ctx, "", "job", "req", plan)

	task, _ := c.Task(taskID)
	if task.Subtasks["only"].Status != models.SubtaskFailed {
		t.Errorf("subtask status = %q, want FAILED on dispatch error", task.Subtasks["only"].Status)
	}
	// The lone subtask failing terminally finishes the whole task.
	if task.Status != models.CollabCompleted {
		t.Errorf("task status = %q, want completed", task.Status)
	}
}

func TestDuplicateTerminalUpdateIgnored(t *testing.T) {
	bus := transport.NewInProcBus()
	c := newTestCoordinator(bus)
	ctx := context.Background()

	plan := &models.DecompositionPlan{
		PlanSummary: "single",
		Subtasks: []*models.PlanSubtask{
			{ID: "only", Description: "task", AssignedTo: "w1", Dependencies: []string{}},
		},
	}
	taskID := c.StartTask(ctx, "", "job", "req", plan)

	c.UpdateSubtaskStatus(ctx, taskID, "only", models.SubtaskCompleted, "first", "")
	c.UpdateSubtaskStatus(ctx, taskID, "only", models.SubtaskFailed, "", "late duplicate")

	task, _ := c.Task(taskID)
	if task.Subtasks["only"].Status != models.SubtaskCompleted {
		t.Errorf("status = %q, first terminal report must win", task.Subtasks["only"].Status)
	}
	if task.Subtasks["only"].Result != "first" {
		t.Errorf("result = %q, want the original result", task.Subtasks["only"].Result)
	}
}

func TestUnknownTaskAndSubtaskIgnored(t *testing.T) {
	bus := transport.NewInProcBus()
	c := newTestCoordinator(bus)
	ctx := context.Background()

	// Neither call should panic or send anything.
	c.UpdateSubtaskStatus(ctx, "ghost-task", "x", models.SubtaskCompleted, "", "")

	plan := &models.DecompositionPlan{
		PlanSummary: "single",
		Subtasks: []*models.PlanSubtask{
			{ID: "only", Description: "task", AssignedTo: "w1", Dependencies: []string{}},
		},
	}
	taskID := c.StartTask(ctx, "", "job", "req", plan)
	c.UpdateSubtaskStatus(ctx, taskID, "ghost-subtask", models.SubtaskCompleted, "", "")

	task, _ := c.Task(taskID)
	if task.Status != models.CollabInProgress {
		t.Errorf("task status = %q, want still in progress", task.Status)
	}
}

func TestWorkerRoster(t *testing.T) {
	bus := transport.NewInProcBus()
	c := newTestCoordinator(bus)

	c.RegisterWorker(models.WorkerInfo{ID: "w2", Skills: []string{"writing"}})
	c.RegisterWorker(models.WorkerInfo{ID: "w1", Skills: []string{"research"}})

	workers := c.Workers()
	if len(workers) != 2 || workers[0].ID != "w1" || workers[1].ID != "w2" {
		t.Fatalf("Workers() = %v, want sorted [w1 w2]", workers)
	}

	c.UnregisterWorker("w1")
	if workers := c.Workers(); len(workers) != 1 || workers[0].ID != "w2" {
		t.Errorf("Workers() after unregister = %v, want [w2]", workers)
	}
}

func TestEmptyPlanFinalizesImmediately(t *testing.T) {
	bus := transport.NewInProcBus()
	c := newTestCoordinator(bus)
	ctx := context.Background()

	taskID := c.StartTask(ctx, "", "job", "req", &models.DecompositionPlan{
		PlanSummary: "empty fallback",
		Fallback:    true,
	})

	task, _ := c.Task(taskID)
	if task.Status != models.CollabCompleted {
		t.Errorf("task status = %q, want completed for an empty plan", task.Status)
	}

	found := false
	for _, msg := range drain(t, bus, "req") {
		if msg.MessageType == models.TypeCollabTaskCompleted {
			found = true
		}
	}
	if !found {
		t.Error("requester was not notified about the empty plan's completion")
	}
}
