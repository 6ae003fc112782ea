package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deckpilot/internal/intent"
	"deckpilot/internal/reasoning"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Generator 将意图转换为有序计划。只有 create/edit 意图可规划；
// find/analyze 直接映射到内容索引，不经过执行器。
// Generator turns an intent into an ordered plan. Only create/edit intents are
// plannable; find/analyze map straight onto the content index and bypass the executor.
type Generator struct {
	svc         reasoning.Service
	maxAttempts int
	log         *zap.Logger
}

func NewGenerator(svc reasoning.Service, maxAttempts int, log *zap.Logger) *Generator {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{svc: svc, maxAttempts: maxAttempts, log: log}
}

const draftInstruction = `You draft a short ordered plan for assembling presentation slides from an existing corpus.
The JSON object must have this shape:
{"steps":[{"title":"","details":"","action":{"name":"","parameters":{}}}]}
Allowed action names: select_items_by_query, select_items_by_type, insert_section_marker.
select_items_by_query parameters: keywords (array), categories (array), limit (number).
select_items_by_type parameters: slide_type (string), limit (number).
insert_section_marker parameters: title (string).
Plans should have at most 10 steps.`

type rawStep struct {
	Title   string `json:"title"`
	Details string `json:"details"`
	Action  struct {
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters"`
	} `json:"action"`
}

type rawPlan struct {
	Steps []rawStep `json:"steps"`
}

// GeneratePlan 委托推理服务起草计划并做结构校验。超过 10 步从尾部截断并记录
// 警告（后段步骤通常是细化，绝不丢弃前段）；任何步骤引用不支持的动作则整体失败。
// GeneratePlan delegates drafting to the reasoning service and validates the structure.
// More than 10 steps truncates from the tail with a logged warning (later steps are
// typically refinements; leading steps are never dropped silently); any step naming an
// unsupported action fails the whole generation.
func (g *Generator) GeneratePlan(ctx context.Context, it intent.Intent) (Plan, error) {
	if it.Action != intent.ActionCreate && it.Action != intent.ActionEdit {
		return Plan{}, &NotPlannableError{
			Reason:    fmt.Sprintf("intent action %q is a direct query, not a plannable operation", it.Action),
			StepIndex: -1,
		}
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		raw, err := g.svc.Infer(ctx, reasoning.Request{
			Task:        reasoning.TaskDraftPlan,
			Instruction: draftInstruction,
			Input:       it,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Plan{}, ctx.Err()
			}
			lastErr = err
			g.log.Warn("plan inference failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		p, err := g.validate(raw, it)
		if err != nil {
			// 结构违规不重试：已知坏步骤的计划重新生成也不可信。
			// Structural violations are not retried: a plan with a known-broken step
			// is refused outright.
			var notPlannable *NotPlannableError
			if errors.As(err, &notPlannable) {
				return Plan{}, err
			}
			lastErr = err
			g.log.Warn("plan payload rejected", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return p, nil
	}

	return Plan{}, &NotPlannableError{
		Reason:    fmt.Sprintf("reasoning service did not produce a usable plan: %v", lastErr),
		StepIndex: -1,
	}
}

func (g *Generator) validate(raw json.RawMessage, it intent.Intent) (Plan, error) {
	var payload rawPlan
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Plan{}, fmt.Errorf("decode plan payload: %w", err)
	}
	if len(payload.Steps) == 0 {
		return Plan{}, fmt.Errorf("plan has no steps")
	}

	steps := payload.Steps
	if len(steps) > MaxSteps {
		g.log.Warn("plan exceeds step cap, truncating from the tail",
			zap.Int("returned", len(steps)),
			zap.Int("cap", MaxSteps))
		steps = steps[:MaxSteps]
	}

	out := Plan{
		ID:        uuid.NewString(),
		Intent:    it,
		CreatedAt: time.Now().UTC(),
		Steps:     make([]Step, 0, len(steps)),
	}
	for i, rs := range steps {
		name := strings.TrimSpace(rs.Action.Name)
		if !IsSupportedAction(name) {
			return Plan{}, &NotPlannableError{
				Reason:    "unsupported backend action",
				StepIndex: i,
				Action:    name,
			}
		}
		title := strings.TrimSpace(rs.Title)
		if title == "" {
			title = fmt.Sprintf("Step %d", i+1)
		}
		out.Steps = append(out.Steps, Step{
			Title:   title,
			Details: strings.TrimSpace(rs.Details),
			Action:  BackendAction{Name: name, Parameters: rs.Action.Parameters},
			Status:  StatusPending,
		})
	}
	return out, nil
}
