package provider

import (
	"context"

	"deckpilot/internal/chat"
)

// ChatRequest 封装一次模型请求
// ChatRequest wraps a single model call
type ChatRequest struct {
	Model       string
	Messages    []chat.Message
	Temperature *float64
	MaxTokens   int
}

// Usage token 用量统计
// Usage reports token consumption
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse 完整响应
// ChatResponse is the complete response
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// ModelInfo 模型基本信息
// ModelInfo describes a model
type ModelInfo struct {
	ID      string
	OwnedBy string
}

// Provider 模型提供方接口，面向未来多 provider 扩展
// Provider is the model backend interface, designed for future multi-provider extensibility
type Provider interface {
	// Chat 发送聊天请求并返回响应
	// Chat sends a request and returns a response
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// ListModels 列出可用模型
	// ListModels lists available models
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Name 返回 provider 名称
	// Name returns the provider name
	Name() string

	// CurrentModel 返回当前活跃模型
	// CurrentModel returns the current active model
	CurrentModel() string

	// SetModel 切换活跃模型
	// SetModel switches the active model
	SetModel(model string) error
}
