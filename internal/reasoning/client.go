package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"deckpilot/internal/chat"
	"deckpilot/internal/provider"

	"go.uber.org/zap"
)

// Client 基于 Provider 的推理服务实现；负责消息组装、超时与响应 JSON 提取。
// Client implements Service on top of a Provider; it assembles messages, bounds the call
// with a timeout, and extracts the JSON object from the response.
type Client struct {
	provider        provider.Provider
	timeout         time.Duration
	maxPromptTokens int
	tokenizer       *Tokenizer
	log             *zap.Logger
}

// ClientOptions Client 构造参数
// ClientOptions configures a Client
type ClientOptions struct {
	TimeoutMS       int
	MaxPromptTokens int
	Logger          *zap.Logger
}

func NewClient(p provider.Provider, opts ClientOptions) *Client {
	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	maxPrompt := opts.MaxPromptTokens
	if maxPrompt <= 0 {
		maxPrompt = 6000
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		provider:        p,
		timeout:         timeout,
		maxPromptTokens: maxPrompt,
		tokenizer:       NewTokenizerForModel(p.CurrentModel()),
		log:             log,
	}
}

const jsonOnlySuffix = "\n\nRespond with a single JSON object and nothing else. No prose, no code fences."

func (c *Client) Infer(ctx context.Context, req Request) (json.RawMessage, error) {
	payload, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal reasoning input: %w", err)
	}

	userContent := c.clampPayload(string(payload), req.Task)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.provider.Chat(callCtx, provider.ChatRequest{
		Messages: []chat.Message{
			{Role: chat.RoleSystem, Content: strings.TrimSpace(req.Instruction) + jsonOnlySuffix},
			{Role: chat.RoleUser, Content: userContent},
		},
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning %s: %w", req.Task, err)
	}

	raw, ok := ExtractJSONObject(resp.Content)
	if !ok {
		c.log.Warn("reasoning response not parseable",
			zap.String("task", string(req.Task)),
			zap.Int("content_len", len(resp.Content)))
		return nil, fmt.Errorf("reasoning %s: %w", req.Task, ErrInvalidPayload)
	}
	return raw, nil
}

// clampPayload 按 token 预算截断输入负载，避免超长上下文拖垮推理调用。
// clampPayload truncates the input payload to the token budget so oversized context
// snapshots cannot blow up the reasoning call.
func (c *Client) clampPayload(payload string, task Task) string {
	tokens := c.tokenizer.CountText(payload)
	if tokens <= c.maxPromptTokens {
		return payload
	}
	ratio := float64(c.maxPromptTokens) / float64(tokens)
	cut := int(float64(len(payload)) * ratio)
	if cut < 1 {
		cut = 1
	}
	clamped := payload[:cut]
	c.log.Warn("reasoning payload clamped",
		zap.String("task", string(task)),
		zap.Int("tokens", tokens),
		zap.Int("budget", c.maxPromptTokens))
	return clamped
}

// ExtractJSONObject 从模型输出中提取第一个完整 JSON 对象；容忍 code fence 与前后缀文本。
// ExtractJSONObject pulls the first complete JSON object out of model output, tolerating
// code fences and surrounding prose.
func ExtractJSONObject(content string) (json.RawMessage, bool) {
	s := strings.TrimSpace(content)
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}
