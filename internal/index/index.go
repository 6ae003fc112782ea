package index

import (
	"context"

	"deckpilot/internal/selector"
)

// Descriptor 内容索引的封闭结构化查询：关键词、分类过滤与上限。
// 索引永远不接收裸自然语言字符串。
// Descriptor is the closed structured query shape for the content index: keywords,
// category filters and a limit. The index never receives a raw natural-language string.
type Descriptor struct {
	Keywords   []string `json:"keywords,omitempty"`
	Categories []string `json:"categories,omitempty"`
	SlideTypes []string `json:"slide_types,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// Index 内容索引契约：按查询描述符返回带相关度评分的候选项。
// Index is the content index contract: ranked, scored candidates for a descriptor.
type Index interface {
	Query(ctx context.Context, q Descriptor) ([]selector.Candidate, error)
}

// SlideSearcher 由存储层实现的语料检索能力。
// SlideSearcher is the corpus search capability implemented by the storage layer.
type SlideSearcher interface {
	SearchSlides(ctx context.Context, q Descriptor) ([]selector.Candidate, error)
}

// StoreIndex 将存储层的语料检索适配为 Index 契约。
// StoreIndex adapts the storage layer's corpus search to the Index contract.
type StoreIndex struct {
	searcher SlideSearcher
}

func NewStoreIndex(searcher SlideSearcher) *StoreIndex {
	return &StoreIndex{searcher: searcher}
}

func (si *StoreIndex) Query(ctx context.Context, q Descriptor) ([]selector.Candidate, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	return si.searcher.SearchSlides(ctx, q)
}
