package llm

import (
	"context"
	"fmt"
	"strings"

	"MinionArmy/internal/models"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini 是一个实现了 Client 接口的结构体，用于与 Gemini API 交互。
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini 创建一个新的 Gemini 客户端。
//
// 参数:
//
//	ctx: 上下文，用于控制客户端的生命周期。
//	model: 要使用的 Gemini 模型名称。
//	apiKey: Gemini API 密钥。
func NewGemini(ctx context.Context, model, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{
		client: client,
		model:  client.GenerativeModel(model),
	}, nil
}

// Generate 向 Gemini API 发送单轮请求并返回文本响应。
// 安全拦截被映射为 ErrLLMContentFilter，其余失败映射为 ErrLLMAPI。
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		if blocked, ok := err.(*genai.BlockedError); ok {
			return "", fmt.Errorf("%w: %v", models.ErrLLMContentFilter, blocked)
		}
		return "", fmt.Errorf("%w: %v", models.ErrLLMAPI, err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", fmt.Errorf("%w: prompt blocked: %v", models.ErrLLMContentFilter, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: empty response", models.ErrLLMAPI)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: response blocked by safety filter", models.ErrLLMContentFilter)
	}
	if cand.Content == nil {
		return "", fmt.Errorf("%w: candidate without content", models.ErrLLMAPI)
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}

// Close 关闭底层的 GenAI 客户端。
func (g *Gemini) Close() error {
	return g.client.Close()
}
