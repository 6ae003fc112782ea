package storage

import (
	"context"
	"path/filepath"
	"testing"

	"deckpilot/internal/index"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "deckpilot.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedCorpus(t *testing.T, store *SQLiteStore) {
	t.Helper()
	err := store.UpsertSlides([]Slide{
		{ID: "s1", Title: "Q3 Revenue Overview", Category: "Finance", Type: "chart",
			Keywords: []string{"revenue", "quarterly"}, Deck: "fy-review", Position: 1},
		{ID: "s2", Title: "Product Roadmap", Category: "Product", Type: "timeline",
			Keywords: []string{"roadmap"}, Deck: "fy-review", Position: 2},
		{ID: "s3", Title: "Revenue Forecast", Category: "Finance", Type: "chart",
			Keywords: []string{"revenue", "forecast"}, Deck: "planning", Position: 1},
		{ID: "s4", Title: "Team Intro", Category: "People", Type: "title",
			Keywords: nil, Deck: "onboarding", Position: 1},
	})
	if err != nil {
		t.Fatalf("UpsertSlides: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateSession(SessionRecord{ID: "sess-1", Command: "build a deck", State: "interpreting"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.UpdateSessionState("sess-1", "completed"); err != nil {
		t.Fatalf("UpdateSessionState: %v", err)
	}

	rec, err := store.LoadSession("sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if rec.Command != "build a deck" || rec.State != "completed" {
		t.Fatalf("record=%+v", rec)
	}
	if rec.CreatedAt == "" || rec.UpdatedAt == "" {
		t.Fatalf("timestamps not filled in: %+v", rec)
	}

	if _, err := store.LoadSession("missing"); err == nil {
		t.Fatalf("missing session should error")
	}

	recs, err := store.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("sessions=%d, want 1", len(recs))
	}
}

func TestPlanAndResultPayloads(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateSession(SessionRecord{ID: "sess-1", State: "executing"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := store.SavePlan("sess-1", []byte(`{"id":"p1"}`)); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	// 覆盖写同一会话的计划
	// Overwriting the session's plan is an upsert
	if err := store.SavePlan("sess-1", []byte(`{"id":"p2"}`)); err != nil {
		t.Fatalf("SavePlan overwrite: %v", err)
	}
	payload, err := store.LoadPlan("sess-1")
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if string(payload) != `{"id":"p2"}` {
		t.Fatalf("plan payload=%s", payload)
	}

	if err := store.SaveResult("sess-1", []byte(`{"outcome":"succeeded"}`)); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	payload, err = store.LoadResult("sess-1")
	if err != nil {
		t.Fatalf("LoadResult: %v", err)
	}
	if string(payload) != `{"outcome":"succeeded"}` {
		t.Fatalf("result payload=%s", payload)
	}

	if _, err := store.LoadResult("missing"); err == nil {
		t.Fatalf("missing result should error")
	}
}

func TestSearchSlides_KeywordScoring(t *testing.T) {
	store := newTestStore(t)
	seedCorpus(t, store)

	candidates, err := store.SearchSlides(context.Background(), index.Descriptor{
		Keywords: []string{"revenue", "forecast"},
	})
	if err != nil {
		t.Fatalf("SearchSlides: %v", err)
	}
	// s3 命中两个词，s1 命中一个；无命中的不返回。
	// s3 matches both terms, s1 one; slides with no hits are excluded.
	if len(candidates) != 2 {
		t.Fatalf("candidates=%v, want 2", candidates)
	}
	if candidates[0].ItemID != "s3" || candidates[0].Score != 1.0 {
		t.Fatalf("top=%+v, want s3 at 1.0", candidates[0])
	}
	if candidates[1].ItemID != "s1" || candidates[1].Score != 0.5 {
		t.Fatalf("second=%+v, want s1 at 0.5", candidates[1])
	}
}

func TestSearchSlides_TitleMatchesCount(t *testing.T) {
	store := newTestStore(t)
	seedCorpus(t, store)

	// "q3" 不在关键词里但出现在 s1 标题中
	// "q3" is not a slide keyword but appears in s1's title
	candidates, err := store.SearchSlides(context.Background(), index.Descriptor{
		Keywords: []string{"q3"},
	})
	if err != nil {
		t.Fatalf("SearchSlides: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ItemID != "s1" {
		t.Fatalf("candidates=%v, want [s1]", candidates)
	}
}

func TestSearchSlides_CategoryAndTypeFilters(t *testing.T) {
	store := newTestStore(t)
	seedCorpus(t, store)

	candidates, err := store.SearchSlides(context.Background(), index.Descriptor{
		Categories: []string{"Finance"},
	})
	if err != nil {
		t.Fatalf("SearchSlides: %v", err)
	}
	// 无关键词时过滤命中即满分，按 deck+position 语料顺序。
	// Without keywords a filter match scores 1.0, ordered by deck+position.
	if len(candidates) != 2 {
		t.Fatalf("candidates=%v, want 2", candidates)
	}
	if candidates[0].ItemID != "s1" || candidates[1].ItemID != "s3" {
		t.Fatalf("order=%v, want [s1 s3]", candidates)
	}

	candidates, err = store.SearchSlides(context.Background(), index.Descriptor{
		SlideTypes: []string{"title"},
	})
	if err != nil {
		t.Fatalf("SearchSlides: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ItemID != "s4" {
		t.Fatalf("candidates=%v, want [s4]", candidates)
	}
}

func TestSearchSlides_Limit(t *testing.T) {
	store := newTestStore(t)
	seedCorpus(t, store)

	candidates, err := store.SearchSlides(context.Background(), index.Descriptor{
		Categories: []string{"Finance", "Product", "People"},
		Limit:      2,
	})
	if err != nil {
		t.Fatalf("SearchSlides: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("candidates=%d, want limit 2", len(candidates))
	}
}

func TestSearchSlides_NoMatches(t *testing.T) {
	store := newTestStore(t)
	seedCorpus(t, store)

	candidates, err := store.SearchSlides(context.Background(), index.Descriptor{
		Categories: []string{"Legal"},
	})
	if err != nil {
		t.Fatalf("SearchSlides: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("candidates=%v, want none", candidates)
	}
}

func TestUpsertSlides_Overwrite(t *testing.T) {
	store := newTestStore(t)
	seedCorpus(t, store)

	err := store.UpsertSlides([]Slide{
		{ID: "s1", Title: "Q3 Revenue (revised)", Category: "Finance", Type: "chart",
			Keywords: []string{"revenue"}, Deck: "fy-review", Position: 1},
	})
	if err != nil {
		t.Fatalf("UpsertSlides: %v", err)
	}
	candidates, err := store.SearchSlides(context.Background(), index.Descriptor{Keywords: []string{"revised"}})
	if err != nil {
		t.Fatalf("SearchSlides: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ItemID != "s1" {
		t.Fatalf("candidates=%v, want [s1]", candidates)
	}

	if err := store.UpsertSlides([]Slide{{ID: ""}}); err == nil {
		t.Fatalf("empty slide id should be rejected")
	}
}

func TestVocabulary(t *testing.T) {
	store := newTestStore(t)
	seedCorpus(t, store)

	categories, slideTypes, keywords, err := store.Vocabulary()
	if err != nil {
		t.Fatalf("Vocabulary: %v", err)
	}
	wantCategories := []string{"Finance", "People", "Product"}
	if len(categories) != len(wantCategories) {
		t.Fatalf("categories=%v", categories)
	}
	for i := range wantCategories {
		if categories[i] != wantCategories[i] {
			t.Fatalf("categories=%v, want %v", categories, wantCategories)
		}
	}
	if len(slideTypes) != 3 {
		t.Fatalf("slideTypes=%v, want 3 distinct", slideTypes)
	}
	wantKeywords := []string{"forecast", "quarterly", "revenue", "roadmap"}
	if len(keywords) != len(wantKeywords) {
		t.Fatalf("keywords=%v, want %v", keywords, wantKeywords)
	}
	for i := range wantKeywords {
		if keywords[i] != wantKeywords[i] {
			t.Fatalf("keywords=%v, want %v", keywords, wantKeywords)
		}
	}
}
