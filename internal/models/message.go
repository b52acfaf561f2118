package models

import (
	"encoding/json"
)

// M2MSchemaVersion 是 M2M 消息的 schema 版本号，随消息一起传输。
const M2MSchemaVersion = "1.1"

// 消息类型目录。这些字符串是与路由服务器和 GUI 互操作的线上契约，不可改动。
const (
	// 控制类
	TypeControlPauseRequest        = "control_pause_request"
	TypeControlPauseAck            = "control_pause_ack"
	TypeControlResumeRequest       = "control_resume_request"
	TypeControlResumeAck           = "control_resume_ack"
	TypeMessageToPausedRequest     = "message_to_paused_minion_request"
	TypeMessageToPausedAck         = "message_to_paused_minion_ack"
	TypeMinionStateUpdate          = "minion_state_update"
	TypeUserBroadcastDirective     = "user_broadcast_directive"

	// 协作任务类
	TypeCollabTaskRequest         = "collaborative_task_request"
	TypeCollabTaskAcknowledgement = "collaborative_task_acknowledgement"
	TypeCollabTaskCompleted       = "collaborative_task_completed"
	TypeCollabSubtaskAssignment   = "collaborative_subtask_assignment"
	TypeCollabSubtaskResult       = "collaborative_subtask_result"
	TypeCollabTaskStatusUpdate    = "collaborative_task_status_update"

	// M2M 请求/响应类
	TypeM2MTaskDelegation        = "m2m_task_delegation"
	TypeM2MTaskStatusUpdate      = "m2m_task_status_update"
	TypeM2MDataRequest           = "m2m_data_request"
	TypeM2MDataResponse          = "m2m_data_response"
	TypeM2MCapabilityQuery       = "m2m_capability_query"
	TypeM2MCapabilityResponse    = "m2m_capability_response"
	TypeM2MToolInvocationRequest = "m2m_tool_invocation_request"
	TypeM2MToolInvocationResp    = "m2m_tool_invocation_response"
	TypeM2MNegativeAck           = "m2m_negative_acknowledgement"
	TypeM2MInfoBroadcast         = "m2m_info_broadcast"
)

// RawMessage 是路由服务器投递给 minion 的原始消息。
// Content 按 MessageType 解码为对应的 payload 结构。
type RawMessage struct {
	SenderID    string          `json:"senderId"`
	MessageType string          `json:"messageType"`
	Content     json.RawMessage `json:"content"`
	Timestamp   float64         `json:"timestamp"`
}

// M2MHeader 是除 NACK 和广播外所有 M2M 消息携带的公共头。
type M2MHeader struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Version     string `json:"version"`
	TraceID     string `json:"trace_id"`
}

// TaskDelegation 是 m2m_task_delegation 的 payload。
type TaskDelegation struct {
	M2MHeader
	TaskID          string `json:"taskId"`
	TaskDescription string `json:"taskDescription"`
	Priority        string `json:"priority,omitempty"`
	DelegationDepth int    `json:"delegationDepth"`
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
}

// TaskStatusUpdate 是 m2m_task_status_update 的 payload，
// 同时承担委托被拒绝时的 NACK 等价语义（status=rejected）。
type TaskStatusUpdate struct {
	M2MHeader
	TaskID  string `json:"taskId"`
	Status  string `json:"status"` // accepted / rejected / completed / failed
	Details string `json:"details,omitempty"`
	Result  string `json:"result,omitempty"`
}

// DataRequest 是 m2m_data_request 的 payload。
type DataRequest struct {
	M2MHeader
	RequestID string `json:"requestId"`
	DataKey   string `json:"dataKey"`
}

// DataResponse 是 m2m_data_response 的 payload。
type DataResponse struct {
	M2MHeader
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"` // success / error
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// CapabilityQuery 是 m2m_capability_query 的 payload。
type CapabilityQuery struct {
	M2MHeader
	QueryID string `json:"queryId"`
	Filter  string `json:"filter,omitempty"`
}

// CapabilityResponse 是 m2m_capability_response 的 payload。
type CapabilityResponse struct {
	M2MHeader
	QueryID      string   `json:"queryId"`
	Capabilities []string `json:"capabilities"`
}

// ToolInvocationRequest 是 m2m_tool_invocation_request 的 payload。
type ToolInvocationRequest struct {
	M2MHeader
	InvocationID string         `json:"invocationId"`
	ToolName     string         `json:"toolName"`
	Arguments    map[string]any `json:"arguments,omitempty"`
}

// ToolInvocationResponse 是 m2m_tool_invocation_response 的 payload。
type ToolInvocationResponse struct {
	M2MHeader
	InvocationID string          `json:"invocationId"`
	Status       string          `json:"status"` // success / error
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// NACK 的 reason_code 取值。overloaded 与 timeout 可重试，其余为终态失败。
const (
	ReasonInvalidRequest  = "invalid_request"
	ReasonOverloaded      = "overloaded"
	ReasonTimeout         = "timeout"
	ReasonUnsupported     = "unsupported"
	ReasonInternalError   = "internal_error"
	ReasonDelegationDepth = "delegation_depth_exceeded"
)

// NegativeAck 是 m2m_negative_acknowledgement 的 payload。不携带 trace_id。
type NegativeAck struct {
	SenderID          string `json:"senderId"`
	RecipientID       string `json:"recipientId"`
	Version           string `json:"version"`
	OriginalMessageID string `json:"originalMessageId"`
	ReasonCode        string `json:"reason_code"`
	Details           string `json:"details,omitempty"`
}

// InfoBroadcast 是 m2m_info_broadcast 的 payload。不携带 trace_id。
type InfoBroadcast struct {
	SenderID string `json:"senderId"`
	Version  string `json:"version"`
	Topic    string `json:"topic,omitempty"`
	Info     string `json:"info"`
}

// SubtaskAssignment 是 collaborative_subtask_assignment 的 payload。
// 附带父任务描述和成功标准，使 worker 获得足够的上下文。
type SubtaskAssignment struct {
	CollaborativeTaskID string `json:"collaborativeTaskId"`
	SubtaskID           string `json:"subtaskId"`
	CoordinatorID       string `json:"coordinatorId"`
	Description         string `json:"description"`
	ParentDescription   string `json:"parentDescription"`
	SuccessCriteria     string `json:"successCriteria,omitempty"`
}

// SubtaskResult 是 collaborative_subtask_result 的 payload。
type SubtaskResult struct {
	CollaborativeTaskID string `json:"collaborativeTaskId"`
	SubtaskID           string `json:"subtaskId"`
	WorkerID            string `json:"workerId"`
	Status              string `json:"status"` // success / error
	Result              string `json:"result,omitempty"`
	Error               string `json:"error,omitempty"`
}

// CollabTaskRequest 是 collaborative_task_request 的 payload。
type CollabTaskRequest struct {
	TaskID          string `json:"taskId,omitempty"`
	TaskDescription string `json:"taskDescription"`
	RequesterID     string `json:"requesterId"`
}

// CollabTaskCompleted 是 collaborative_task_completed 的 payload。
// Results 仅包含 COMPLETED 子任务的结果。
type CollabTaskCompleted struct {
	TaskID         string            `json:"taskId"`
	Results        map[string]string `json:"results"`
	CompletedCount int               `json:"completedCount"`
	FailedCount    int               `json:"failedCount"`
	ElapsedSeconds float64           `json:"elapsedSeconds"`
}

// CollabTaskStatusUpdate 是 collaborative_task_status_update 的 payload，供 GUI 展示。
type CollabTaskStatusUpdate struct {
	TaskID    string `json:"taskId"`
	SubtaskID string `json:"subtaskId,omitempty"`
	Status    string `json:"status"`
	Details   string `json:"details"`
}

// MinionStateUpdate 是 minion_state_update 的 payload，供 GUI 轮询展示。
type MinionStateUpdate struct {
	MinionID  string  `json:"minionId"`
	NewStatus string  `json:"newStatus"`
	TaskID    string  `json:"taskId,omitempty"`
	Details   string  `json:"details"`
	Timestamp float64 `json:"timestamp"`
}

// AgentSkill 描述 agent card 中的一项技能。
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentCapabilities 是 agent card 的能力声明部分。
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentCard 是 minion 向路由服务器注册时提交的能力卡片。
type AgentCard struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	URL          string            `json:"url"`
	Version      string            `json:"version"`
	Capabilities AgentCapabilities `json:"capabilities"`
	Skills       []AgentSkill      `json:"skills"`
}
