// Package decomposer turns a natural-language task description plus a roster
// of available workers into a dependency-ordered subtask plan.
package decomposer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"MinionArmy/internal/llm"
	"MinionArmy/internal/models"
	"MinionArmy/pkg/logger"

	"github.com/google/uuid"
)

const planPrompt = `You are a task planner for a team of autonomous agents.
Break the following task into subtasks and assign each to the best-suited worker.

Task:
%s

Available workers:
%s

Respond with ONLY a JSON object of this shape:
{
  "planSummary": "one sentence summary of the plan",
  "subtasks": [
    {
      "id": "subtask-1",
      "description": "what to do",
      "assignedTo": "<worker id>",
      "dependencies": ["<subtask id that must complete first>"],
      "successCriteria": "how to judge completion"
    }
  ]
}

Rules:
- assignedTo must be one of the worker ids listed above.
- dependencies may be empty; never reference a subtask id that is not in the plan.
- Keep the plan as flat as the task allows.`

// Decomposer plans collaborative tasks through an LLM and degrades to a
// single-subtask plan when the model's answer is unusable.
type Decomposer struct {
	client llm.Client
	log    *logger.Logger
}

func New(client llm.Client, log *logger.Logger) *Decomposer {
	return &Decomposer{client: client, log: log}
}

// Decompose produces a plan for the given task over the given workers. It
// never returns an error: any LLM or parse failure falls back to assigning
// the whole task, verbatim, to the first available worker. With no workers
// the fallback plan is empty and the caller decides how to proceed.
func (d *Decomposer) Decompose(ctx context.Context, taskDescription string, workers []models.WorkerInfo) *models.DecompositionPlan {
	if d.client == nil {
		return d.fallbackPlan(taskDescription, workers)
	}

	prompt := fmt.Sprintf(planPrompt, taskDescription, formatRoster(workers))
	raw, err := d.client.Generate(ctx, prompt)
	if err != nil {
		d.log.WithError(models.ErrInfo(err)).Warn("decomposition LLM call failed, using fallback plan")
		return d.fallbackPlan(taskDescription, workers)
	}

	plan, err := parsePlan(raw)
	if err != nil {
		d.log.WithError(models.ErrInfo(err)).Warn("decomposition plan rejected, using fallback plan")
		return d.fallbackPlan(taskDescription, workers)
	}
	return plan
}

func formatRoster(workers []models.WorkerInfo) string {
	if len(workers) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, w := range workers {
		sb.WriteString("- id: ")
		sb.WriteString(w.ID)
		if w.Name != "" {
			sb.WriteString(", name: ")
			sb.WriteString(w.Name)
		}
		if len(w.Skills) > 0 {
			sb.WriteString(", skills: ")
			sb.WriteString(strings.Join(w.Skills, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// parsePlan extracts and validates the model's JSON answer. Validation is
// all-or-nothing: one subtask without a description rejects the whole plan.
func parsePlan(raw string) (*models.DecompositionPlan, error) {
	cleaned := stripCodeFence(raw)

	var plan models.DecompositionPlan
	if err := json.Unmarshal([]byte(cleaned), &plan); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if plan.PlanSummary == "" {
		return nil, fmt.Errorf("plan missing planSummary")
	}
	if len(plan.Subtasks) == 0 {
		return nil, fmt.Errorf("plan has no subtasks")
	}
	for i, st := range plan.Subtasks {
		if st.Description == "" {
			return nil, fmt.Errorf("subtask %d missing description", i)
		}
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		if st.Dependencies == nil {
			st.Dependencies = []string{}
		}
	}
	return &plan, nil
}

// stripCodeFence removes a wrapping markdown code fence, with or without a
// language tag. Models frequently wrap JSON answers even when told not to.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// drop the language tag line (e.g. "json")
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// fallbackPlan assigns the entire task to the first available worker.
func (d *Decomposer) fallbackPlan(taskDescription string, workers []models.WorkerInfo) *models.DecompositionPlan {
	plan := &models.DecompositionPlan{
		PlanSummary: "Single-subtask fallback plan",
		Fallback:    true,
	}
	if len(workers) == 0 {
		d.log.Warn("no workers available, fallback plan is empty")
		return plan
	}
	plan.Subtasks = []*models.PlanSubtask{{
		ID:           uuid.NewString(),
		Description:  taskDescription,
		AssignedTo:   workers[0].ID,
		Dependencies: []string{},
	}}
	return plan
}
