package harmonize

import (
	"context"
	"encoding/json"
	"fmt"

	"deckpilot/internal/reasoning"

	"go.uber.org/zap"
)

// Harmonizer 风格统一契约。失败是非致命的：调用方保留原始条目并记录失败，
// 视觉一致性是质量增强，从不阻塞产出。
// Harmonizer is the style harmonization contract. Failure is non-fatal: callers keep
// the original items and record the failure; visual consistency is a quality
// enhancement, never a blocking condition.
type Harmonizer interface {
	Harmonize(ctx context.Context, items []string) ([]string, error)
}

// Noop 不做任何调整的实现
// Noop performs no adjustment
type Noop struct{}

func (Noop) Harmonize(_ context.Context, items []string) ([]string, error) {
	return items, nil
}

// ReasoningHarmonizer 通过推理服务建议统一后的顺序；输出必须是输入的一个排列，
// 否则视为失败。
// ReasoningHarmonizer asks the reasoning service for a harmonized ordering; the output
// must be a permutation of the input or harmonization fails.
type ReasoningHarmonizer struct {
	svc reasoning.Service
	log *zap.Logger
}

func NewReasoningHarmonizer(svc reasoning.Service, log *zap.Logger) *ReasoningHarmonizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReasoningHarmonizer{svc: svc, log: log}
}

const harmonizeInstruction = `You review an ordered list of slide item ids assembled into one presentation and return the same ids reordered for a visually and narratively consistent flow.
The JSON object must have this shape: {"items":["id", ...]}
Every input id must appear exactly once in the output.`

type harmonizeInput struct {
	Items []string `json:"items"`
}

func (h *ReasoningHarmonizer) Harmonize(ctx context.Context, items []string) ([]string, error) {
	if len(items) == 0 {
		return items, nil
	}

	raw, err := h.svc.Infer(ctx, reasoning.Request{
		Task:        reasoning.TaskHarmonizeStyle,
		Instruction: harmonizeInstruction,
		Input:       harmonizeInput{Items: items},
	})
	if err != nil {
		return nil, fmt.Errorf("harmonize: %w", err)
	}

	var payload harmonizeInput
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("harmonize: decode payload: %w", err)
	}
	if !isPermutation(items, payload.Items) {
		h.log.Warn("harmonizer output is not a permutation of input",
			zap.Int("in", len(items)),
			zap.Int("out", len(payload.Items)))
		return nil, fmt.Errorf("harmonize: output is not a permutation of input")
	}
	return payload.Items, nil
}

func isPermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, id := range a {
		counts[id]++
	}
	for _, id := range b {
		counts[id]--
		if counts[id] < 0 {
			return false
		}
	}
	return true
}
