package taskqueue

import (
	"testing"

	"MinionArmy/internal/models"
	"MinionArmy/pkg/logger"
)

func newTestQueue() *Queue {
	return New(logger.New("test", "minion-test", ""))
}

func TestPriorityOrderingWithFIFOWithinPriority(t *testing.T) {
	q := newTestQueue()

	lowID := q.Add("low", "s", models.PriorityLow, nil, nil)
	normalA := q.Add("normal-a", "s", models.PriorityNormal, nil, nil)
	highID := q.Add("high", "s", models.PriorityHigh, nil, nil)
	normalB := q.Add("normal-b", "s", models.PriorityNormal, nil, nil)

	want := []string{highID, normalA, normalB, lowID}
	for i, expected := range want {
		task := q.StartNext()
		if task == nil {
			t.Fatalf("StartNext() returned nil at position %d", i)
		}
		if task.ID != expected {
			t.Errorf("position %d: got task %q, want %q", i, task.Description, expected)
		}
		q.CompleteCurrent(task.ID, "done")
	}
}

func TestSingleRunningSlotByDefault(t *testing.T) {
	q := newTestQueue()
	q.Add("first", "s", models.PriorityNormal, nil, nil)
	q.Add("second", "s", models.PriorityNormal, nil, nil)

	first := q.StartNext()
	if first == nil {
		t.Fatal("StartNext() returned nil for a non-empty queue")
	}
	if got := q.StartNext(); got != nil {
		t.Fatalf("StartNext() started %q while another task is running", got.Description)
	}

	q.CompleteCurrent(first.ID, "done")
	if got := q.StartNext(); got == nil {
		t.Fatal("StartNext() returned nil after the running slot was freed")
	}
}

func TestSetSlotsWidensParallelism(t *testing.T) {
	q := newTestQueue()
	q.SetSlots(2)
	q.Add("a", "s", models.PriorityNormal, nil, nil)
	q.Add("b", "s", models.PriorityNormal, nil, nil)
	q.Add("c", "s", models.PriorityNormal, nil, nil)

	if q.StartNext() == nil || q.StartNext() == nil {
		t.Fatal("expected two tasks to start with two slots")
	}
	if got := q.StartNext(); got != nil {
		t.Fatalf("StartNext() exceeded the slot limit with %q", got.Description)
	}
	if q.RunningCount() != 2 {
		t.Errorf("RunningCount() = %d, want 2", q.RunningCount())
	}
}

func TestPauseMovesRunningToFront(t *testing.T) {
	q := newTestQueue()
	runningID := q.Add("running", "s", models.PriorityNormal, nil, nil)
	started := q.StartNext()
	if started == nil || started.ID != runningID {
		t.Fatal("expected the only pending task to start")
	}
	// A higher-priority task arrives while the first is in flight; the
	// paused task must still resume first.
	q.Add("waiting", "s", models.PriorityCritical, nil, nil)

	paused := q.PauseCurrent()
	if len(paused) != 1 {
		t.Fatalf("PauseCurrent() returned %d tasks, want 1", len(paused))
	}
	if paused[0].Status != models.TaskStatusPaused {
		t.Errorf("paused task status = %q, want %q", paused[0].Status, models.TaskStatusPaused)
	}

	next := q.StartNext()
	if next == nil || next.ID != paused[0].ID {
		t.Fatal("paused task did not resume before other pending work")
	}
}

func TestCancelPendingAndRunning(t *testing.T) {
	q := newTestQueue()
	pendingID := q.Add("pending", "s", models.PriorityNormal, nil, nil)
	if !q.Cancel(pendingID) {
		t.Fatal("Cancel() returned false for a pending task")
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after cancel, want 0", q.PendingCount())
	}

	runID := q.Add("running", "s", models.PriorityNormal, nil, nil)
	q.StartNext()
	if !q.Cancel(runID) {
		t.Fatal("Cancel() returned false for a running task")
	}
	if q.RunningCount() != 0 {
		t.Errorf("RunningCount() = %d after cancel, want 0", q.RunningCount())
	}

	if q.Cancel("no-such-id") {
		t.Error("Cancel() returned true for an unknown id")
	}

	history := q.History()
	if len(history) != 2 {
		t.Fatalf("History() has %d entries, want 2", len(history))
	}
	for _, task := range history {
		if task.Status != models.TaskStatusCanceled {
			t.Errorf("history task %s status = %q, want canceled", task.ID, task.Status)
		}
	}
}

func TestFinishUnknownTaskIsNoop(t *testing.T) {
	q := newTestQueue()
	q.CompleteCurrent("ghost", "result")
	q.FailCurrent("ghost", "boom")
	if len(q.History()) != 0 {
		t.Errorf("History() has %d entries after finishing unknown ids, want 0", len(q.History()))
	}
}

func TestListenerEvents(t *testing.T) {
	q := newTestQueue()
	var events []string
	q.AddListener(func(event string, task *models.Task) {
		events = append(events, event)
	})

	id := q.Add("task", "s", models.PriorityNormal, nil, nil)
	q.StartNext()
	q.CompleteCurrent(id, "ok")

	want := []string{EventTaskAdded, EventTaskStarted, EventTaskCompleted}
	if len(events) != len(want) {
		t.Fatalf("got %d events %v, want %v", len(events), events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, events[i], want[i])
		}
	}
}
