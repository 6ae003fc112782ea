package storage

import (
	"context"

	"deckpilot/internal/index"
	"deckpilot/internal/selector"
)

// SessionRecord 会话持久化行
// SessionRecord is the persisted session row
type SessionRecord struct {
	ID        string `json:"id"`
	Command   string `json:"command"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Slide 语料库中的一页内容
// Slide is one content item in the corpus
type Slide struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Type     string   `json:"type"`
	Keywords []string `json:"keywords"`
	Deck     string   `json:"deck"`
	Position int      `json:"position"`
}

// Store 持久化接口，支持多后端
// Store is the persistence interface supporting multiple backends
type Store interface {
	// Session 操作 / Session operations
	CreateSession(rec SessionRecord) error
	UpdateSessionState(id, state string) error
	LoadSession(id string) (SessionRecord, error)
	ListSessions() ([]SessionRecord, error)

	// 计划与结果 / Plans and results
	SavePlan(sessionID string, planJSON []byte) error
	LoadPlan(sessionID string) ([]byte, error)
	SaveResult(sessionID string, resultJSON []byte) error
	LoadResult(sessionID string) ([]byte, error)

	// 语料库 / Slide corpus
	UpsertSlides(slides []Slide) error
	SearchSlides(ctx context.Context, q index.Descriptor) ([]selector.Candidate, error)
	Vocabulary() (categories, slideTypes, keywords []string, err error)

	// 生命周期 / Lifecycle
	Close() error
}
