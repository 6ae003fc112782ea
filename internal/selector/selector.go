package selector

import "sort"

// Candidate 一个带相关度评分的候选内容项，作用域仅限单个步骤的执行。
// Candidate is a scored content item, scoped to one step's execution.
type Candidate struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
}

// Selection 自动选择结果
// Selection is an automatic selection decision
type Selection struct {
	ItemID string
	Score  float64
}

// Clarification 置信度不足时交还人工的选项集；Options 为空表示没有任何候选。
// Clarification is raised when confidence is too low to auto-select; empty Options means
// nothing was found at all, which callers surface differently from a low-confidence match.
type Clarification struct {
	Options []Candidate
}

// Decision SelectBest 的两种互斥结果之一。
// Decision holds exactly one of the two mutually exclusive SelectBest outcomes.
type Decision struct {
	Selection     *Selection
	Clarification *Clarification
}

// Auto 返回是否完成了自动选择
// Auto reports whether an automatic selection was made
func (d Decision) Auto() bool {
	return d.Selection != nil
}

// Selector 决策器；阈值来自配置，可按 backend action 细调。
// Selector makes selection decisions; thresholds come from configuration and can be tuned
// per backend action.
type Selector struct {
	defaultThreshold float64
	perAction        map[string]float64
	clarifyOptions   int
}

// Options Selector 构造参数
// Options configures a Selector
type Options struct {
	Threshold      float64
	PerAction      map[string]float64
	ClarifyOptions int
}

func New(opts Options) *Selector {
	threshold := opts.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.75
	}
	clarify := opts.ClarifyOptions
	if clarify <= 0 {
		clarify = 3
	}
	perAction := make(map[string]float64, len(opts.PerAction))
	for action, th := range opts.PerAction {
		if th > 0 && th <= 1 {
			perAction[action] = th
		}
	}
	return &Selector{
		defaultThreshold: threshold,
		perAction:        perAction,
		clarifyOptions:   clarify,
	}
}

// ThresholdFor 返回某个 backend action 生效的阈值
// ThresholdFor returns the effective threshold for a backend action
func (s *Selector) ThresholdFor(action string) float64 {
	if th, ok := s.perAction[action]; ok {
		return th
	}
	return s.defaultThreshold
}

// SelectForAction 按 action 的阈值执行 SelectBest
// SelectForAction runs SelectBest with the action's effective threshold
func (s *Selector) SelectForAction(action string, candidates []Candidate) Decision {
	return SelectBest(candidates, s.ThresholdFor(action), s.clarifyOptions)
}

// SelectBest 确定性选择：按分数降序稳定排序（同分保持原始顺序），最高分达到阈值
// 即自动选中，否则返回前 clarifyOptions 个候选交人工裁决。空候选集返回空选项的
// Clarification。
// SelectBest is deterministic given its inputs: candidates are stable-sorted by score
// descending (ties keep original order), the top candidate is auto-selected iff its score
// meets the threshold, otherwise the top clarifyOptions candidates are returned for the
// human to choose among. An empty candidate set yields a Clarification with no options.
func SelectBest(candidates []Candidate, threshold float64, clarifyOptions int) Decision {
	if clarifyOptions <= 0 {
		clarifyOptions = 3
	}
	if len(candidates) == 0 {
		return Decision{Clarification: &Clarification{Options: []Candidate{}}}
	}

	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	top := ranked[0]
	if top.Score >= threshold {
		return Decision{Selection: &Selection{ItemID: top.ItemID, Score: top.Score}}
	}

	n := clarifyOptions
	if n > len(ranked) {
		n = len(ranked)
	}
	return Decision{Clarification: &Clarification{Options: ranked[:n]}}
}
