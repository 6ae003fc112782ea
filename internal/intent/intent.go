package intent

import (
	"fmt"
	"strings"
)

// Action 意图的主操作，封闭枚举：未知值一律拒绝，不做静默兜底。
// Action is the intent's primary operation. The enum is closed: unknown values are
// rejected, never silently coerced.
type Action string

const (
	ActionFind    Action = "find"
	ActionCreate  Action = "create"
	ActionAnalyze Action = "analyze"
	ActionEdit    Action = "edit"
)

// ParseAction 校验并解析 primary_action
// ParseAction validates and parses a primary_action value
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionFind:
		return ActionFind, nil
	case ActionCreate:
		return ActionCreate, nil
	case ActionAnalyze:
		return ActionAnalyze, nil
	case ActionEdit:
		return ActionEdit, nil
	default:
		return "", fmt.Errorf("unknown primary action %q", raw)
	}
}

// SearchParams 检索参数；字段值必须来自 ContextSnapshot 提供的封闭词表。
// SearchParams holds search parameters; values must come from the closed vocabulary
// supplied by the ContextSnapshot.
type SearchParams struct {
	Keywords   []string `json:"keywords,omitempty"`
	Categories []string `json:"categories,omitempty"`
	SlideTypes []string `json:"slide_types,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// CreationParams 创建类意图的参数
// CreationParams holds parameters for creation intents
type CreationParams struct {
	Topic         string `json:"topic,omitempty"`
	TargetMinutes int    `json:"target_minutes,omitempty"`
	SlideCount    int    `json:"slide_count,omitempty"`
	Audience      string `json:"audience,omitempty"`
}

// Intent 从原始命令解释出的结构化意图；一经产生不可变。
// Intent is the structured representation of a raw command; immutable once produced.
type Intent struct {
	Action         Action         `json:"primary_action"`
	Search         SearchParams   `json:"search,omitempty"`
	Creation       CreationParams `json:"creation,omitempty"`
	AnalysisTarget string         `json:"analysis_target,omitempty"`
}

// ContextSnapshot 应用上下文快照：解释器只能从这份封闭词表中取值，
// 推理服务的输出据此校验而不是被直接信任。
// ContextSnapshot captures application context. The interpreter may only select values
// from this closed vocabulary; reasoning output is validated against it rather than
// trusted blindly.
type ContextSnapshot struct {
	Categories []string `json:"categories"`
	SlideTypes []string `json:"slide_types"`
	Keywords   []string `json:"keywords"`
}

// AmbiguousError 解释失败：无法产生词表合规的意图，携带一条澄清问题交给调用方展示。
// AmbiguousError means interpretation could not produce a vocabulary-conformant intent;
// it carries a clarification question for the caller to surface.
type AmbiguousError struct {
	Command  string
	Question string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous command %q: %s", e.Command, e.Question)
}
