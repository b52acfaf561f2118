package decomposer

import (
	"context"
	"errors"
	"testing"

	"MinionArmy/internal/models"
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

func testWorkers() []models.WorkerInfo {
	return []models.WorkerInfo{
		{ID: "worker-1", Name: "One", Skills: []string{"research"}},
		{ID: "worker-2", Name: "Two", Skills: []string{"writing"}},
	}
}

func newTestDecomposer(response string, err error) *Decomposer {
	return New(&fakeLLM{response: response, err: err}, logger.New("test", "coord", ""))
}

func TestValidPlanParsed(t *testing.T) {
	d := newTestDecomposer(`{
		"planSummary": "two steps",
		"subtasks": [
			{"id": "a", "description": "research topic", "assignedTo": "worker-1", "dependencies": []},
			{"id": "b", "description": "write summary", "assignedTo": "worker-2", "dependencies": ["a"]}
		]
	}`, nil)

	plan := d.Decompose(context.Background(), "research and summarize", testWorkers())
	if plan.Fallback {
		t.Fatal("valid plan was routed to the fallback path")
	}
	if len(plan.Subtasks) != 2 {
		t.Fatalf("subtask count = %d, want 2", len(plan.Subtasks))
	}
	if plan.Subtasks[1].Dependencies[0] != "a" {
		t.Errorf("dependency = %q, want a", plan.Subtasks[1].Dependencies[0])
	}
}

func TestFencedResponseParsed(t *testing.T) {
	d := newTestDecomposer("```json\n{\"planSummary\": \"one step\", \"subtasks\": [{\"id\": \"a\", \"description\": \"do it\", \"assignedTo\": \"worker-1\"}]}\n```", nil)

	plan := d.Decompose(context.Background(), "do it", testWorkers())
	if plan.Fallback {
		t.Fatal("fenced JSON plan was rejected")
	}
	if len(plan.Subtasks) != 1 || plan.Subtasks[0].Description != "do it" {
		t.Errorf("plan = %+v, want the fenced subtask", plan.Subtasks)
	}
}

func TestNonJSONResponseFallsBack(t *testing.T) {
	d := newTestDecomposer("Sure! Here is my plan: first we research, then...", nil)
	task := "investigate the anomaly"

	plan := d.Decompose(context.Background(), task, testWorkers())
	if !plan.Fallback {
		t.Fatal("expected the fallback plan")
	}
	if len(plan.Subtasks) != 1 {
		t.Fatalf("fallback subtask count = %d, want 1", len(plan.Subtasks))
	}
	st := plan.Subtasks[0]
	if st.Description != task {
		t.Errorf("fallback description = %q, want the original task verbatim", st.Description)
	}
	if st.AssignedTo != "worker-1" {
		t.Errorf("fallback assignedTo = %q, want the first worker", st.AssignedTo)
	}
}

func TestLLMFailureFallsBack(t *testing.T) {
	d := newTestDecomposer("", errors.New("quota exceeded"))

	plan := d.Decompose(context.Background(), "task", testWorkers())
	if !plan.Fallback || len(plan.Subtasks) != 1 {
		t.Fatalf("plan = %+v, want single-subtask fallback", plan)
	}
}

func TestMissingDescriptionRejectsWholePlan(t *testing.T) {
	d := newTestDecomposer(`{
		"planSummary": "broken",
		"subtasks": [
			{"id": "a", "description": "fine", "assignedTo": "worker-1"},
			{"id": "b", "assignedTo": "worker-2"}
		]
	}`, nil)

	plan := d.Decompose(context.Background(), "task", testWorkers())
	if !plan.Fallback {
		t.Fatal("plan with a description-less subtask was not rejected whole")
	}
}

func TestMissingIDAndDependenciesDefaulted(t *testing.T) {
	d := newTestDecomposer(`{
		"planSummary": "loose",
		"subtasks": [{"description": "just do it", "assignedTo": "worker-1"}]
	}`, nil)

	plan := d.Decompose(context.Background(), "task", testWorkers())
	if plan.Fallback {
		t.Fatal("plan rejected despite auto-fillable fields")
	}
	st := plan.Subtasks[0]
	if st.ID == "" {
		t.Error("missing id was not generated")
	}
	if st.Dependencies == nil {
		t.Error("missing dependencies were not defaulted to empty")
	}
}

func TestNoWorkersYieldsEmptyFallback(t *testing.T) {
	d := newTestDecomposer("not json", nil)

	plan := d.Decompose(context.Background(), "task", nil)
	if !plan.Fallback {
		t.Fatal("expected fallback with no workers")
	}
	if len(plan.Subtasks) != 0 {
		t.Errorf("subtasks = %v, want empty plan", plan.Subtasks)
	}
}
