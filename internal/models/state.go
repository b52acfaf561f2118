package models

// MinionStatus 是 minion 运行时状态机的状态值。
type MinionStatus string

const (
	StatusInitializing MinionStatus = "INITIALIZING"
	StatusIdle         MinionStatus = "IDLE"
	StatusRunning      MinionStatus = "RUNNING"
	StatusPausing      MinionStatus = "PAUSING"
	StatusPaused       MinionStatus = "PAUSED"
	StatusResuming     MinionStatus = "RESUMING"
	StatusError        MinionStatus = "ERROR"
	StatusShuttingDown MinionStatus = "SHUTTING_DOWN"
)

// ChatMessage 是会话历史中的一条记录。
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StateSchemaVersion 是运行时快照的序列化格式版本。
const StateSchemaVersion = 1

// MinionState 是 minion 暂停时序列化的运行时快照，恢复时反序列化并回放。
// 成功恢复处理后即被清除。
type MinionState struct {
	SchemaVersion              int            `json:"schemaVersion"`
	IsPaused                   bool           `json:"isPaused"`
	CurrentTaskDescription     string         `json:"currentTaskDescription,omitempty"`
	PendingMessagesWhilePaused []RawMessage   `json:"pendingMessagesWhilePaused"`
	ConversationHistory        []ChatMessage  `json:"conversationHistory"`
	InternalVariables          map[string]any `json:"internalVariables"`
}
