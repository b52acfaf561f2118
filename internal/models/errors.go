package models

import (
	"errors"
)

// 核心错误分类。本地可恢复的失败（分解失败、状态文件损坏）在各自组件内降级处理，
// 不向上传播；这里的哨兵错误用于跨包判定失败类别。
var (
	// ErrTransport 表示消息发送/轮询失败。被追踪的 M2M 请求会在引擎层重试，
	// fire-and-forget 消息则记录日志后丢弃。
	ErrTransport = errors.New("transport failure")

	// ErrLLMContentFilter 表示 LLM 因安全策略拒绝生成。
	ErrLLMContentFilter = errors.New("llm content filtered")

	// ErrLLMAPI 表示 LLM API 调用失败（网络/配额），已含内部退避重试。
	ErrLLMAPI = errors.New("llm api failure")

	// ErrStateCorrupt 表示状态文件与全部备份均不可读，调用方应以全新状态启动。
	ErrStateCorrupt = errors.New("state corrupt, no valid backup")

	// ErrInvalidRequest 表示收到的 M2M 请求缺少必要字段，已通过 NACK 拒绝。
	ErrInvalidRequest = errors.New("invalid m2m request")

	// ErrDelegationDepth 表示委托链超过深度上限，已通过 rejected 状态更新拒绝。
	ErrDelegationDepth = errors.New("max delegation depth exceeded")

	// ErrRequestExpired 表示被追踪的 M2M 请求重试耗尽后进入终态失败。
	ErrRequestExpired = errors.New("m2m request retries exhausted")
)

// ErrorInfo 存储了关于错误的结构化信息，供日志采集和分析使用。
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"` // 错误的类型，例如 "transport_error", "llm_error"
	TaskID  string `json:"task_id,omitempty"`
}

// ErrInfo 是从 error 构造 ErrorInfo 的便捷函数。
func ErrInfo(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{}
	}
	return ErrorInfo{Message: err.Error()}
}
