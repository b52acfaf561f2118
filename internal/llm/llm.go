package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MinionArmy/internal/config"
	"MinionArmy/internal/models"
	"MinionArmy/pkg/logger"
)

// Client 定义了所有大型语言模型客户端必须实现的通用接口。
// minion 的任务执行与任务分解都只依赖这一个方法。
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Close() error
}

// NewClient 是一个工厂函数，根据提供的配置创建并返回一个实现了 Client 接口的客户端。
// 返回的客户端已带有重试与退避逻辑。
func NewClient(ctx context.Context, cfg *config.LLMConfig, log *logger.Logger) (Client, error) {
	var (
		inner Client
		err   error
	)
	switch cfg.Provider {
	case "gemini":
		inner, err = NewGemini(ctx, cfg.Gemini.Model, cfg.Gemini.APIKey)
	case "ollama":
		inner, err = NewOllama(cfg.Ollama.Model, cfg.Ollama.BaseURL)
	case "openai":
		inner, err = NewOpenAI(cfg.OpenAI.Model, cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	backoff, err := time.ParseDuration(cfg.InitialBackoff)
	if err != nil {
		return nil, fmt.Errorf("invalid LLM initial backoff: %w", err)
	}
	return &retryingClient{
		inner:      inner,
		maxRetries: cfg.MaxRetries,
		backoff:    backoff,
		log:        log,
	}, nil
}

// retryingClient 为底层客户端增加指数退避重试。
// 内容安全拦截（ErrLLMContentFilter）不会被重试：重发同样的 prompt 只会得到同样的拦截。
type retryingClient struct {
	inner      Client
	maxRetries int
	backoff    time.Duration
	log        *logger.Logger
}

func (r *retryingClient) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	backoff := r.backoff
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", models.ErrLLMAPI, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		out, err := r.inner.Generate(ctx, prompt)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, models.ErrLLMContentFilter) {
			return "", err
		}
		lastErr = err
		r.log.WithError(models.ErrInfo(err)).WithPayload(map[string]interface{}{
			"attempt": attempt + 1,
		}).Warn("LLM 调用失败，准备重试")
	}
	return "", lastErr
}

func (r *retryingClient) Close() error {
	return r.inner.Close()
}
