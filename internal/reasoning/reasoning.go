package reasoning

import (
	"context"
	"encoding/json"
	"errors"
)

// Task 标识一次推理请求的任务类型
// Task identifies the kind of a reasoning request
type Task string

const (
	TaskInterpretIntent Task = "interpret_intent"
	TaskDraftPlan       Task = "draft_plan"
	TaskScoreCandidates Task = "score_candidates"
	TaskHarmonizeStyle  Task = "harmonize_style"
)

// Request 结构化推理请求：指令 + JSON 输入，永远不发送裸自然语言拼接。
// Request is a structured reasoning request: an instruction plus a JSON input payload; raw
// ad hoc string concatenation is never sent.
type Request struct {
	Task        Task
	Instruction string
	Input       any
	MaxTokens   int
}

// ErrInvalidPayload 表示推理服务返回的内容无法解析为 JSON 对象。
// ErrInvalidPayload means the reasoning response could not be parsed as a JSON object.
var ErrInvalidPayload = errors.New("reasoning: response is not a valid JSON object")

// Service 推理服务契约。所有响应都是未经信任的输入，调用方必须做模式校验。
// Service is the reasoning capability contract. Every response is untrusted input and
// must be schema-validated by the caller.
type Service interface {
	Infer(ctx context.Context, req Request) (json.RawMessage, error)
}
