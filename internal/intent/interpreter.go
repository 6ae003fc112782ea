package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"deckpilot/internal/reasoning"

	"go.uber.org/zap"
)

// Interpreter 将原始命令 + 上下文快照转换为结构化意图。
// Interpreter converts a raw command plus a context snapshot into a structured Intent.
type Interpreter struct {
	svc         reasoning.Service
	maxAttempts int
	log         *zap.Logger
}

func NewInterpreter(svc reasoning.Service, maxAttempts int, log *zap.Logger) *Interpreter {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Interpreter{svc: svc, maxAttempts: maxAttempts, log: log}
}

const interpretInstruction = `You translate a user command about assembling presentation slides into a structured intent.
The JSON object must have this shape:
{"primary_action":"find|create|analyze|edit","search":{"keywords":[],"categories":[],"slide_types":[],"limit":0},"creation":{"topic":"","target_minutes":0,"slide_count":0,"audience":""},"analysis_target":""}
Only use categories, slide_types and keywords listed in the provided vocabulary.`

// rawIntent 推理服务返回的未经信任的意图载荷
// rawIntent is the untrusted intent payload returned by the reasoning service
type rawIntent struct {
	PrimaryAction  string         `json:"primary_action"`
	Search         SearchParams   `json:"search"`
	Creation       CreationParams `json:"creation"`
	AnalysisTarget string         `json:"analysis_target"`
}

type interpretInput struct {
	Command    string          `json:"command"`
	Vocabulary ContextSnapshot `json:"vocabulary"`
}

// Interpret 调用推理服务并校验其输出。服务出错或载荷结构非法时重试一次；
// 连续失败则返回 AmbiguousError，绝不无限重试。
// Interpret delegates to the reasoning service and validates the returned structure.
// A service error or structurally invalid payload is retried once; repeated failure
// yields an AmbiguousError rather than retrying indefinitely.
func (in *Interpreter) Interpret(ctx context.Context, command string, snap ContextSnapshot) (Intent, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Intent{}, fmt.Errorf("command is empty")
	}

	var lastErr error
	for attempt := 1; attempt <= in.maxAttempts; attempt++ {
		raw, err := in.svc.Infer(ctx, reasoning.Request{
			Task:        reasoning.TaskInterpretIntent,
			Instruction: interpretInstruction,
			Input:       interpretInput{Command: command, Vocabulary: snap},
		})
		if err != nil {
			if ctx.Err() != nil {
				return Intent{}, ctx.Err()
			}
			lastErr = err
			in.log.Warn("intent inference failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		parsed, err := in.validate(raw, snap)
		if err != nil {
			lastErr = err
			in.log.Warn("intent payload rejected",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		return parsed, nil
	}

	in.log.Info("interpretation gave up", zap.String("command", command), zap.Error(lastErr))
	return Intent{}, &AmbiguousError{
		Command:  command,
		Question: "I could not work out what you want to do. Do you want to find, create, analyze or edit a presentation?",
	}
}

// validate 对未经信任的载荷做模式校验：动作必须在封闭枚举内，枚举子字段必须是
// 词表成员，否则整个字段被丢弃并记录不一致，而不是当作事实传播。
// validate schema-checks the untrusted payload: the action must be in the closed enum,
// and enumerated sub-fields must be vocabulary members or the field is dropped with a
// logged inconsistency instead of propagated as truth.
func (in *Interpreter) validate(raw json.RawMessage, snap ContextSnapshot) (Intent, error) {
	var payload rawIntent
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Intent{}, fmt.Errorf("decode intent payload: %w", err)
	}

	action, err := ParseAction(payload.PrimaryAction)
	if err != nil {
		return Intent{}, err
	}

	out := Intent{
		Action:         action,
		Creation:       payload.Creation,
		AnalysisTarget: strings.TrimSpace(payload.AnalysisTarget),
	}
	out.Search.Limit = payload.Search.Limit
	out.Search.Keywords = in.filterVocabulary("keywords", payload.Search.Keywords, snap.Keywords)
	out.Search.Categories = in.filterVocabulary("categories", payload.Search.Categories, snap.Categories)
	out.Search.SlideTypes = in.filterVocabulary("slide_types", payload.Search.SlideTypes, snap.SlideTypes)
	return out, nil
}

func (in *Interpreter) filterVocabulary(field string, values, vocabulary []string) []string {
	if len(values) == 0 {
		return nil
	}
	allowed := make(map[string]string, len(vocabulary))
	for _, v := range vocabulary {
		allowed[strings.ToLower(strings.TrimSpace(v))] = strings.TrimSpace(v)
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		canonical, ok := allowed[strings.ToLower(strings.TrimSpace(v))]
		if !ok {
			in.log.Warn("intent field value outside vocabulary, dropped",
				zap.String("field", field),
				zap.String("value", v))
			continue
		}
		out = append(out, canonical)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
