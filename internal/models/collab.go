package models

import (
	"time"
)

// SubtaskStatus 定义了协作子任务的生命周期状态。
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "PENDING"
	SubtaskAssigned   SubtaskStatus = "ASSIGNED"
	SubtaskInProgress SubtaskStatus = "IN_PROGRESS"
	SubtaskCompleted  SubtaskStatus = "COMPLETED"
	SubtaskFailed     SubtaskStatus = "FAILED"
)

// Terminal 判断子任务是否处于终态。
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// Subtask 是协作任务分解出的一个子任务。
// 只有当 Dependencies 中的每个子任务都 COMPLETED 后，它才有资格被派发。
type Subtask struct {
	ID              string        `json:"id"`
	Description     string        `json:"description"`
	AssignedTo      string        `json:"assignedTo"`
	Dependencies    []string      `json:"dependencies"`
	SuccessCriteria string        `json:"successCriteria,omitempty"`
	Status          SubtaskStatus `json:"status"`
	Result          string        `json:"result,omitempty"`
	Error           string        `json:"error,omitempty"`
	StartTime       *time.Time    `json:"startTime,omitempty"`
	EndTime         *time.Time    `json:"endTime,omitempty"`
}

// CollaborativeTaskStatus 是协作任务整体的状态。V1 中没有部分重试：
// 一旦所有子任务到达终态（COMPLETED 或 FAILED），任务即为 completed，不可再变。
type CollaborativeTaskStatus string

const (
	CollabInProgress CollaborativeTaskStatus = "in_progress"
	CollabCompleted  CollaborativeTaskStatus = "completed"
)

// CollaborativeTask 是被分解为依赖有序子任务、分布到多个 minion 执行的任务聚合。
// 由 TaskCoordinator 独占持有，单写者。
type CollaborativeTask struct {
	TaskID      string                  `json:"taskId"`
	Description string                  `json:"description"`
	RequesterID string                  `json:"requesterId"`
	Subtasks    map[string]*Subtask     `json:"subtasks"`
	Status      CollaborativeTaskStatus `json:"status"`
	StartTime   time.Time               `json:"startTime"`
	EndTime     *time.Time              `json:"endTime,omitempty"`
}

// DecompositionPlan 是任务分解器产出的子任务计划。
type DecompositionPlan struct {
	PlanSummary string         `json:"planSummary"`
	Subtasks    []*PlanSubtask `json:"subtasks"`
	// Fallback 为 true 时表示该计划来自单子任务兜底路径，而非 LLM 分解。
	Fallback bool `json:"-"`
}

// PlanSubtask 是分解计划中的一个条目，尚未进入协调器的状态机。
type PlanSubtask struct {
	ID              string   `json:"id"`
	Description     string   `json:"description"`
	AssignedTo      string   `json:"assignedTo"`
	Dependencies    []string `json:"dependencies"`
	SuccessCriteria string   `json:"successCriteria,omitempty"`
}

// WorkerInfo 描述协调器视角下一个可用 worker 的能力。
type WorkerInfo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Skills []string `json:"skills,omitempty"`
}
