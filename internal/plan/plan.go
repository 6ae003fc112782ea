package plan

import (
	"fmt"
	"time"

	"deckpilot/internal/intent"
)

// MaxSteps 单个计划允许的最大步数；超出部分从尾部截断。
// MaxSteps caps the number of steps in a plan; excess steps are truncated from the tail.
const MaxSteps = 10

// StepStatus 步骤执行状态，仅由执行器在执行期间赋值。
// StepStatus is a step's execution status, assigned only by the executor during a run.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusSucceeded StepStatus = "succeeded"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// 支持的 backend action 封闭集合 / The closed set of supported backend actions.
const (
	ActionSelectByQuery       = "select_items_by_query"
	ActionSelectByType        = "select_items_by_type"
	ActionInsertSectionMarker = "insert_section_marker"
)

var supportedActions = map[string]struct{}{
	ActionSelectByQuery:       {},
	ActionSelectByType:        {},
	ActionInsertSectionMarker: {},
}

// IsSupportedAction 判断 action 名是否在封闭集合内
// IsSupportedAction reports whether an action name is in the closed set
func IsSupportedAction(name string) bool {
	_, ok := supportedActions[name]
	return ok
}

// BackendAction 一个步骤绑定的后端动作描述符
// BackendAction is the backend action descriptor a step is bound to
type BackendAction struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// StringParam 读取字符串参数
// StringParam reads a string parameter
func (a BackendAction) StringParam(key string) string {
	if v, ok := a.Parameters[key].(string); ok {
		return v
	}
	return ""
}

// StringSliceParam 读取字符串数组参数（容忍 []any 形态）。
// StringSliceParam reads a string slice parameter, tolerating the []any shape
// produced by JSON decoding.
func (a BackendAction) StringSliceParam(key string) []string {
	switch v := a.Parameters[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Step 一个离散的计划步骤
// Step is one discrete plan step
type Step struct {
	Title   string        `json:"title"`
	Details string        `json:"details"`
	Action  BackendAction `json:"action"`
	Status  StepStatus    `json:"status"`
}

// Plan 有序的步骤序列；步骤顺序即执行顺序，执行期间不重排。
// Plan is an ordered step sequence; step order is execution order and is never
// reordered during a run.
type Plan struct {
	ID        string        `json:"id"`
	Intent    intent.Intent `json:"intent"`
	Steps     []Step        `json:"steps"`
	CreatedAt time.Time     `json:"created_at"`
}

// NotPlannableError 计划违反结构约束：步数超限无法修复、动作不在支持集合内等。
// 携带出错步骤的定位信息；从不返回部分计划。
// NotPlannableError means a generated plan violates structural constraints (an action
// outside the supported set, no usable steps). It identifies the offending step;
// partial plans are never returned.
type NotPlannableError struct {
	Reason    string
	StepIndex int
	Action    string
}

func (e *NotPlannableError) Error() string {
	if e.StepIndex >= 0 {
		return fmt.Sprintf("plan not generable: step %d (%s): %s", e.StepIndex+1, e.Action, e.Reason)
	}
	return fmt.Sprintf("plan not generable: %s", e.Reason)
}
