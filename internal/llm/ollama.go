package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"MinionArmy/internal/models"

	olla "github.com/ollama/ollama/api"
)

// Ollama 是一个用于本地 Ollama 服务的 LLM 客户端。
type Ollama struct {
	client *olla.Client
	model  string
}

// NewOllama 创建一个新的 Ollama 客户端。
//
// 参数:
//
//	model: 要使用的模型名称。
//	baseURL: Ollama 服务的基准 URL。如果为空，则默认为 "http://localhost:11434"。
func NewOllama(model, baseURL string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	hc := &http.Client{
		Timeout: 120 * time.Second,
	}
	return &Ollama{
		client: olla.NewClient(parsedURL, hc),
		model:  model,
	}, nil
}

// Generate 使用 Ollama API 以非流式方式生成内容。
// 本地模型没有内容安全层，所有失败都映射为 ErrLLMAPI。
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	var sb strings.Builder
	stream := false
	err := o.client.Generate(ctx, &olla.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: &stream,
	}, func(resp olla.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: ollama generate: %v", models.ErrLLMAPI, err)
	}
	return sb.String(), nil
}

// Close 对 Ollama 客户端而言是空操作。
func (o *Ollama) Close() error { return nil }
