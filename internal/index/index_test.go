package index

import (
	"context"
	"testing"

	"deckpilot/internal/selector"
)

type recordingSearcher struct {
	last Descriptor
}

func (r *recordingSearcher) SearchSlides(_ context.Context, q Descriptor) ([]selector.Candidate, error) {
	r.last = q
	return []selector.Candidate{{ItemID: "s1", Score: 1.0}}, nil
}

func TestStoreIndex_DefaultsLimit(t *testing.T) {
	searcher := &recordingSearcher{}
	idx := NewStoreIndex(searcher)

	if _, err := idx.Query(context.Background(), Descriptor{Keywords: []string{"revenue"}}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if searcher.last.Limit != 10 {
		t.Fatalf("limit=%d, want defaulted 10", searcher.last.Limit)
	}

	if _, err := idx.Query(context.Background(), Descriptor{Limit: 3}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if searcher.last.Limit != 3 {
		t.Fatalf("limit=%d, want caller's 3", searcher.last.Limit)
	}
}
