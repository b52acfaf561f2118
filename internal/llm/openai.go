package llm

import (
	"context"
	"fmt"

	"MinionArmy/internal/models"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAI 是一个用于 OpenAI 兼容 API 的 LLM 客户端。
// 设置 baseURL 后也可以对接任何兼容 OpenAI 协议的推理服务。
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI 创建一个新的 OpenAI 客户端。
func NewOpenAI(model, apiKey, baseURL string) (*OpenAI, error) {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Generate 使用 Chat Completion API 生成内容。
// content_filter 结束原因映射为 ErrLLMContentFilter，其余失败映射为 ErrLLMAPI。
func (o *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: chat completion: %v", models.ErrLLMAPI, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", models.ErrLLMAPI)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", fmt.Errorf("%w: response blocked by content filter", models.ErrLLMContentFilter)
	}
	return choice.Message.Content, nil
}

// Close 对 OpenAI 客户端而言是空操作。
func (o *OpenAI) Close() error { return nil }
