package executor

import (
	"context"
	"fmt"
	"strings"

	"deckpilot/internal/index"
	"deckpilot/internal/plan"
	"deckpilot/internal/selector"
)

// dispatch 执行单个 backend action。返回 (新增条目, 澄清请求, 错误) 三者互斥。
// dispatch executes one backend action. It returns new items, a clarification, or an
// error; the three are mutually exclusive.
func (e *Executor) dispatch(ctx context.Context, action plan.BackendAction) ([]string, *selector.Clarification, error) {
	switch action.Name {
	case plan.ActionSelectByQuery:
		return e.selectByQuery(ctx, action)
	case plan.ActionSelectByType:
		return e.selectByType(ctx, action)
	case plan.ActionInsertSectionMarker:
		return e.insertSectionMarker(action)
	default:
		// 计划生成阶段校验过封闭集合，到这里视为执行器与生成器不同步。
		// The closed set was validated at generation time; reaching this means the
		// executor and generator are out of sync.
		return nil, nil, fmt.Errorf("unsupported backend action %q", action.Name)
	}
}

func (e *Executor) selectByQuery(ctx context.Context, action plan.BackendAction) ([]string, *selector.Clarification, error) {
	desc := index.Descriptor{
		Keywords:   action.StringSliceParam("keywords"),
		Categories: action.StringSliceParam("categories"),
		Limit:      intParam(action, "limit"),
	}
	// 步骤参数缺省时回落到意图的检索参数。
	// Missing step parameters fall back to the intent's search parameters.
	if len(desc.Keywords) == 0 {
		desc.Keywords = e.plan.Intent.Search.Keywords
	}
	if len(desc.Categories) == 0 {
		desc.Categories = e.plan.Intent.Search.Categories
	}
	return e.selectCandidates(ctx, action.Name, desc)
}

func (e *Executor) selectByType(ctx context.Context, action plan.BackendAction) ([]string, *selector.Clarification, error) {
	slideType := strings.TrimSpace(action.StringParam("slide_type"))
	if slideType == "" {
		return nil, nil, fmt.Errorf("select_items_by_type: slide_type parameter is empty")
	}
	desc := index.Descriptor{
		SlideTypes: []string{slideType},
		Keywords:   action.StringSliceParam("keywords"),
		Limit:      intParam(action, "limit"),
	}
	return e.selectCandidates(ctx, action.Name, desc)
}

func (e *Executor) selectCandidates(ctx context.Context, actionName string, desc index.Descriptor) ([]string, *selector.Clarification, error) {
	if e.opts.Index == nil {
		return nil, nil, fmt.Errorf("content index unavailable")
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	candidates, err := e.opts.Index.Query(queryCtx, desc)
	if err != nil {
		return nil, nil, fmt.Errorf("content index query: %w", err)
	}

	decision := e.opts.Selector.SelectForAction(actionName, candidates)
	if !decision.Auto() {
		return nil, decision.Clarification, nil
	}
	return []string{decision.Selection.ItemID}, nil, nil
}

// insertSectionMarker 本地动作，无外部 I/O；以 section: 前缀的合成条目入列。
// insertSectionMarker is a local action with no external I/O; it appends a synthetic
// section: prefixed item.
func (e *Executor) insertSectionMarker(action plan.BackendAction) ([]string, *selector.Clarification, error) {
	title := strings.TrimSpace(action.StringParam("title"))
	if title == "" {
		return nil, nil, fmt.Errorf("insert_section_marker: title parameter is empty")
	}
	return []string{"section:" + title}, nil, nil
}

func intParam(action plan.BackendAction, key string) int {
	switch v := action.Parameters[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
