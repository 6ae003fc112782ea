package harmonize

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"deckpilot/internal/reasoning"
)

type scriptedService struct {
	response string
	err      error
	calls    int
}

func (s *scriptedService) Infer(_ context.Context, _ reasoning.Request) (json.RawMessage, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.response), nil
}

func TestNoop(t *testing.T) {
	items := []string{"a", "b"}
	out, err := Noop{}.Harmonize(context.Background(), items)
	if err != nil {
		t.Fatalf("Harmonize: %v", err)
	}
	if len(out) != 2 || out[0] != "a" || out[1] != "b" {
		t.Fatalf("out=%v", out)
	}
}

func TestReasoningHarmonizer_Reorders(t *testing.T) {
	svc := &scriptedService{response: `{"items":["b","section:Intro","a"]}`}
	h := NewReasoningHarmonizer(svc, nil)

	out, err := h.Harmonize(context.Background(), []string{"a", "b", "section:Intro"})
	if err != nil {
		t.Fatalf("Harmonize: %v", err)
	}
	if out[0] != "b" || out[1] != "section:Intro" || out[2] != "a" {
		t.Fatalf("out=%v", out)
	}
}

func TestReasoningHarmonizer_RejectsNonPermutation(t *testing.T) {
	cases := []string{
		`{"items":["a"]}`,         // dropped an id
		`{"items":["a","b","c"]}`, // invented an id
		`{"items":["a","a"]}`,     // duplicated an id
		`{"items":["a","b","b"]}`, // wrong multiplicity
	}
	for _, response := range cases {
		svc := &scriptedService{response: response}
		h := NewReasoningHarmonizer(svc, nil)
		if _, err := h.Harmonize(context.Background(), []string{"a", "b"}); err == nil {
			t.Fatalf("response %s should be rejected", response)
		}
	}
}

func TestReasoningHarmonizer_EmptyInputSkipsService(t *testing.T) {
	svc := &scriptedService{}
	h := NewReasoningHarmonizer(svc, nil)
	out, err := h.Harmonize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Harmonize: %v", err)
	}
	if len(out) != 0 || svc.calls != 0 {
		t.Fatalf("empty input should short-circuit: out=%v calls=%d", out, svc.calls)
	}
}

func TestReasoningHarmonizer_ServiceError(t *testing.T) {
	svc := &scriptedService{err: errors.New("model offline")}
	h := NewReasoningHarmonizer(svc, nil)
	if _, err := h.Harmonize(context.Background(), []string{"a"}); err == nil {
		t.Fatalf("service error should propagate")
	}
}
