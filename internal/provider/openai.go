package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider 使用 go-openai SDK 的 Provider 实现
// OpenAIProvider implements Provider using the go-openai SDK
type OpenAIProvider struct {
	client *openai.Client
	model  string
	cfg    OpenAIConfig
	mu     sync.RWMutex
}

// OpenAIConfig SDK provider 配置
// OpenAIConfig is the SDK provider configuration
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	TimeoutMS  int
	MaxRetries int
}

// NewOpenAIProvider 创建基于 SDK 的 provider
// NewOpenAIProvider creates an SDK-based provider
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	config := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	config.HTTPClient = httpClient

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
		cfg:    cfg,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) CurrentModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OpenAIProvider) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model is empty")
	}
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
	return nil
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	models := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, ModelInfo{
			ID:      m.ID,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

// Chat 带指数退避重试的单次补全调用；取消与超时不重试。
// Chat performs one completion call with exponential backoff retries; cancellation and deadline errors are not retried.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.CurrentModel()
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(150*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := p.client.CreateChatCompletion(ctx, buildSDKRequest(model, req))
		if err == nil {
			return convertSDKResponse(resp)
		}
		lastErr = err

		// 不可重试的错误 / Non-retryable errors
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ChatResponse{}, err
		}
		if attempt >= p.cfg.MaxRetries {
			break
		}
	}
	return ChatResponse{}, fmt.Errorf("provider chat failed after %d retries: %w", p.cfg.MaxRetries, lastErr)
}

func buildSDKRequest(model string, req ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}
	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out
}

func convertSDKResponse(resp openai.ChatCompletionResponse) (ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("provider returned no choices")
	}
	choice := resp.Choices[0]
	return ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
