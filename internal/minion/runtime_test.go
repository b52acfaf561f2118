package minion

import (
	"context"
	"encoding/json"
	"testing"

	"MinionArmy/internal/config"
	"MinionArmy/internal/models"
	"MinionArmy/internal/transport"
	"MinionArmy/pkg/logger"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Generate(_ context.Context, _ string) (string, error) {
	return f.response, f.err
}

func (f *fakeLLM) Close() error { return nil }

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	return &config.AppConfig{
		Minion: config.MinionConfig{
			ID:                 "alpha",
			Name:               "Alpha",
			MaxParallel:        2,
			ReducedParallel:    1,
			TaskTimeoutSeconds: 30,
			LoopIntervalMs:     50,
			MaxDelegationDepth: 5,
			M2MMaxRetries:      3,
			M2MTimeoutSeconds:  60,
			StatusRecipient:    "control_room",
		},
		Resources: config.ResourcesConfig{
			CheckIntervalMs: 60000,
			HeapLimitMB:     4096,
			GoroutineLimit:  100000,
		},
		A2A:   config.A2AConfig{PollIntervalMs: 50},
		State: config.StateConfig{Dir: t.TempDir(), BackupCount: 5},
	}
}

func newTestRuntime(t *testing.T) (*Runtime, *transport.InProcBus) {
	t.Helper()
	bus := transport.NewInProcBus()
	cfg := testConfig(t)
	r := New(cfg, Options{
		Transport: bus.ForAgent(cfg.Minion.ID),
		LLM:       &fakeLLM{response: "done"},
	}, logger.New("test", cfg.Minion.ID, ""))
	return r, bus
}

func drain(t *testing.T, bus *transport.InProcBus, agentID string) []models.RawMessage {
	t.Helper()
	msgs, err := bus.ForAgent(agentID).Poll(context.Background(), agentID)
	if err != nil {
		t.Fatalf("Poll(%s) error = %v", agentID, err)
	}
	return msgs
}

func messageTypes(msgs []models.RawMessage) []string {
	var types []string
	for _, m := range msgs {
		types = append(types, m.MessageType)
	}
	return types
}

func TestPauseSerializesAndAcks(t *testing.T) {
	r, bus := newTestRuntime(t)
	ctx := context.Background()
	r.setStatus(ctx, models.StatusIdle, "", "started")

	r.handleMessage(ctx, models.RawMessage{
		SenderID:    "gui",
		MessageType: models.TypeControlPauseRequest,
	})

	if r.Status() != models.StatusPaused {
		t.Fatalf("status = %q, want PAUSED", r.Status())
	}
	ack := false
	for _, msg := range drain(t, bus, "gui") {
		if msg.MessageType == models.TypeControlPauseAck {
			ack = true
		}
	}
	if !ack {
		t.Error("pause requester never received control_pause_ack")
	}

	state, err := r.store.Load()
	if err != nil || state == nil {
		t.Fatalf("Load() = (%v, %v), want a persisted snapshot", state, err)
	}
	if !state.IsPaused {
		t.Error("persisted snapshot is not marked paused")
	}
}

func TestMessagesWhilePausedCapturedAndAcked(t *testing.T) {
	r, bus := newTestRuntime(t)
	ctx := context.Background()
	r.setStatus(ctx, models.StatusIdle, "", "started")
	r.handleMessage(ctx, models.RawMessage{SenderID: "gui", MessageType: models.TypeControlPauseRequest})
	drain(t, bus, "gui")

	directive, _ := json.Marshal(map[string]string{"directive": "urgent thing"})
	r.handleMessage(ctx, models.RawMessage{
		SenderID:    "commander",
		MessageType: models.TypeUserBroadcastDirective,
		Content:     directive,
	})

	if r.queue.PendingCount() != 0 {
		t.Error("message was processed instead of captured while paused")
	}
	types := messageTypes(drain(t, bus, "commander"))
	if len(types) != 1 || types[0] != models.TypeMessageToPausedAck {
		t.Errorf("sender received %v, want one message_to_paused_minion_ack", types)
	}

	state, err := r.store.Load()
	if err != nil || state == nil {
		t.Fatalf("Load() = (%v, %v), want persisted snapshot", state, err)
	}
	if len(state.PendingMessagesWhilePaused) != 1 {
		t.Fatalf("captured %d messages, want 1", len(state.PendingMessagesWhilePaused))
	}
	if state.PendingMessagesWhilePaused[0].MessageType != models.TypeUserBroadcastDirective {
		t.Error("captured message lost its type")
	}
}

func TestResumeReplaysCapturedMessages(t *testing.T) {
	r, bus := newTestRuntime(t)
	ctx := context.Background()
	r.setStatus(ctx, models.StatusIdle, "", "started")
	r.handleMessage(ctx, models.RawMessage{SenderID: "gui", MessageType: models.TypeControlPauseRequest})

	directive, _ := json.Marshal(map[string]string{"directive": "urgent thing"})
	r.handleMessage(ctx, models.RawMessage{
		SenderID:    "commander",
		MessageType: models.TypeUserBroadcastDirective,
		Content:     directive,
	})

	r.handleMessage(ctx, models.RawMessage{SenderID: "gui", MessageType: models.TypeControlResumeRequest})

	if r.queue.PendingCount() != 1 {
		t.Errorf("pending tasks = %d, want the replayed directive enqueued", r.queue.PendingCount())
	}
	ack := false
	for _, msg := range drain(t, bus, "gui") {
		if msg.MessageType == models.TypeControlResumeAck {
			ack = true
		}
	}
	if !ack {
		t.Error("resume requester never received control_resume_ack")
	}

	state, err := r.store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state != nil {
		t.Error("snapshot not cleared after successful resume")
	}
}

func TestIdleNotificationFiresOncePerTransition(t *testing.T) {
	r, bus := newTestRuntime(t)
	ctx := context.Background()

	r.setStatus(ctx, models.StatusIdle, "", "drained")
	r.setStatus(ctx, models.StatusIdle, "", "drained")
	r.setStatus(ctx, models.StatusIdle, "", "drained")

	var updates []models.MinionStateUpdate
	for _, msg := range drain(t, bus, "control_room") {
		if msg.MessageType != models.TypeMinionStateUpdate {
			continue
		}
		var upd models.MinionStateUpdate
		if err := json.Unmarshal(msg.Content, &upd); err != nil {
			t.Fatal(err)
		}
		updates = append(updates, upd)
	}
	if len(updates) != 1 {
		t.Fatalf("state updates = %d, want exactly 1 per transition", len(updates))
	}
	if updates[0].NewStatus != string(models.StatusIdle) || updates[0].MinionID != "alpha" {
		t.Errorf("update = %+v, want IDLE for alpha", updates[0])
	}
}

func TestDirectiveEnqueued(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()
	r.setStatus(ctx, models.StatusIdle, "", "started")

	directive, _ := json.Marshal(map[string]string{"directive": "write a haiku", "priority": "high"})
	r.handleMessage(ctx, models.RawMessage{
		SenderID:    "commander",
		MessageType: models.TypeUserBroadcastDirective,
		Content:     directive,
	})

	if r.queue.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", r.queue.PendingCount())
	}
	task := r.queue.StartNext()
	if task.Priority != models.PriorityHigh {
		t.Errorf("priority = %d, want high", task.Priority)
	}
	if task.Description != "write a haiku" {
		t.Errorf("description = %q, want the directive text", task.Description)
	}
}

func TestSubtaskAssignmentEnqueuedWithRef(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()
	r.setStatus(ctx, models.StatusIdle, "", "started")

	assignment, _ := json.Marshal(models.SubtaskAssignment{
		CollaborativeTaskID: "collab-1",
		SubtaskID:           "sub-1",
		CoordinatorID:       "coord",
		Description:         "analyze the data",
		ParentDescription:   "quarterly report",
	})
	r.handleMessage(ctx, models.RawMessage{
		SenderID:    "coord",
		MessageType: models.TypeCollabSubtaskAssignment,
		Content:     assignment,
	})

	task := r.queue.StartNext()
	if task == nil {
		t.Fatal("assignment was not enqueued")
	}
	if task.Subtask == nil || task.Subtask.SubtaskID != "sub-1" || task.Subtask.CoordinatorID != "coord" {
		t.Errorf("subtask ref = %+v, want sub-1 for coord", task.Subtask)
	}
}

func TestDelegationViaEngineEnqueues(t *testing.T) {
	r, bus := newTestRuntime(t)
	ctx := context.Background()
	r.setStatus(ctx, models.StatusIdle, "", "started")

	payload, _ := json.Marshal(models.TaskDelegation{
		TaskID:          "del-1",
		TaskDescription: "delegated work",
		Priority:        "critical",
		DelegationDepth: 2,
	})
	r.engine.HandleMessage(ctx, models.RawMessage{
		SenderID:    "beta",
		MessageType: models.TypeM2MTaskDelegation,
		Content:     payload,
	})

	if r.queue.PendingCount() != 1 {
		t.Fatalf("pending = %d, want the delegated task", r.queue.PendingCount())
	}
	task := r.queue.StartNext()
	if task.Metadata[metaDelegatorID] != "beta" || task.Metadata[metaDelegationTaskID] != "del-1" {
		t.Errorf("metadata = %v, want delegator beta / id del-1", task.Metadata)
	}

	accepted := false
	for _, msg := range drain(t, bus, "beta") {
		if msg.MessageType != models.TypeM2MTaskStatusUpdate {
			continue
		}
		var upd models.TaskStatusUpdate
		if err := json.Unmarshal(msg.Content, &upd); err != nil {
			t.Fatal(err)
		}
		if upd.Status == "accepted" && upd.TaskID == "del-1" {
			accepted = true
		}
	}
	if !accepted {
		t.Error("delegator never received the accepted status update")
	}
}

func TestRecoverRestoresPausedState(t *testing.T) {
	bus := transport.NewInProcBus()
	cfg := testConfig(t)
	log := logger.New("test", cfg.Minion.ID, "")

	first := New(cfg, Options{Transport: bus.ForAgent(cfg.Minion.ID), LLM: &fakeLLM{response: "ok"}}, log)
	ctx := context.Background()
	first.setStatus(ctx, models.StatusIdle, "", "started")
	first.handleMessage(ctx, models.RawMessage{SenderID: "gui", MessageType: models.TypeControlPauseRequest})

	// A second runtime over the same state dir simulates a process restart.
	second := New(cfg, Options{Transport: bus.ForAgent(cfg.Minion.ID), LLM: &fakeLLM{response: "ok"}}, log)
	second.recover(ctx)

	if second.Status() != models.StatusPaused {
		t.Errorf("status after restart = %q, want PAUSED", second.Status())
	}
}

func TestCanceledTaskReportsNothing(t *testing.T) {
	r, bus := newTestRuntime(t)
	ctx := context.Background()
	r.setStatus(ctx, models.StatusIdle, "", "started")

	taskID := r.queue.Add("subtask work", "coord", models.PriorityHigh, &models.SubtaskRef{
		CollaborativeTaskID: "collab-1",
		SubtaskID:           "sub-1",
		CoordinatorID:       "coord",
	}, map[string]any{
		metaDelegatorID:      "beta",
		metaDelegationTaskID: "del-1",
	})
	task := r.queue.StartNext()
	if task == nil || task.ID != taskID {
		t.Fatal("task did not start")
	}
	if !r.queue.Cancel(taskID) {
		t.Fatal("Cancel() failed")
	}

	// The execution goroutine finishes after the cancellation landed; the
	// outcome must not surface as completed or failed.
	r.runTask(ctx, task)

	if got := drain(t, bus, "coord"); len(got) != 0 {
		t.Errorf("coordinator received %v, want nothing for a canceled task", messageTypes(got))
	}
	if got := drain(t, bus, "beta"); len(got) != 0 {
		t.Errorf("delegator received %v, want nothing for a canceled task", messageTypes(got))
	}
}

func TestProvideDataServesWellKnownKeys(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()
	r.setStatus(ctx, models.StatusIdle, "", "started")
	r.setVar("customKey", 42)

	if v, err := r.provideData("status"); err != nil || v != string(models.StatusIdle) {
		t.Errorf("provideData(status) = (%v, %v)", v, err)
	}
	if v, err := r.provideData("customKey"); err != nil || v != 42 {
		t.Errorf("provideData(customKey) = (%v, %v)", v, err)
	}
	if _, err := r.provideData("missing"); err == nil {
		t.Error("provideData(missing) succeeded, want error")
	}
}
