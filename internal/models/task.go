package models

import (
	"time"
)

// TaskStatus 定义了任务在队列中的几种可能状态
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// TaskPriority 决定了任务在队列中的调度顺序，数值越大优先级越高。
type TaskPriority int

const (
	PriorityLow      TaskPriority = 0
	PriorityNormal   TaskPriority = 1
	PriorityHigh     TaskPriority = 2
	PriorityCritical TaskPriority = 3
)

// ParsePriority 将字符串形式的优先级转换为 TaskPriority，无法识别时返回 Normal。
func ParsePriority(s string) TaskPriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// SubtaskRef 标记一个任务是某个协作任务的子任务。
type SubtaskRef struct {
	CollaborativeTaskID string `json:"collaborativeTaskId"`
	SubtaskID           string `json:"subtaskId"`
	CoordinatorID       string `json:"coordinatorId"`
}

// Task 是单个 minion 队列中的工作单元。
// 一旦进入终态并被移入历史记录，除所属队列的状态转换方法外不可再修改。
type Task struct {
	ID          string       `json:"id" bson:"_id"`
	Description string       `json:"description" bson:"description"`
	SenderID    string       `json:"senderId" bson:"sender_id"`
	Priority    TaskPriority `json:"priority" bson:"priority"`
	Status      TaskStatus   `json:"status" bson:"status"`
	CreatedAt   time.Time    `json:"createdAt" bson:"created_at"`
	StartedAt   *time.Time   `json:"startedAt,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	Result      string       `json:"result,omitempty" bson:"result,omitempty"`
	Error       string       `json:"error,omitempty" bson:"error,omitempty"`

	// Subtask 非 nil 时，该任务是协作任务的一个子任务，完成后需要向协调者回报。
	Subtask *SubtaskRef `json:"subtask,omitempty" bson:"subtask,omitempty"`

	// Metadata 携带额外的任务元数据（例如委托深度）。
	Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Terminal 判断任务是否处于终态。
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCanceled
}
