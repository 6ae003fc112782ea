package intent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"deckpilot/internal/reasoning"
)

type scriptedService struct {
	responses []string
	errs      []error
	calls     int
}

func (s *scriptedService) Infer(_ context.Context, _ reasoning.Request) (json.RawMessage, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return nil, errors.New("scripted service exhausted")
	}
	return json.RawMessage(s.responses[i]), nil
}

func testSnapshot() ContextSnapshot {
	return ContextSnapshot{
		Categories: []string{"Finance", "Product"},
		SlideTypes: []string{"title", "chart"},
		Keywords:   []string{"revenue", "roadmap"},
	}
}

func TestInterpret_ValidPayload(t *testing.T) {
	svc := &scriptedService{responses: []string{
		`{"primary_action":"find","search":{"keywords":["revenue"],"categories":["Finance"],"limit":5}}`,
	}}
	in := NewInterpreter(svc, 2, nil)

	it, err := in.Interpret(context.Background(), "find the revenue slides", testSnapshot())
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if it.Action != ActionFind {
		t.Fatalf("action=%q, want find", it.Action)
	}
	if len(it.Search.Keywords) != 1 || it.Search.Keywords[0] != "revenue" {
		t.Fatalf("keywords=%v, want [revenue]", it.Search.Keywords)
	}
	if it.Search.Limit != 5 {
		t.Fatalf("limit=%d, want 5", it.Search.Limit)
	}
}

func TestInterpret_VocabularyFiltering(t *testing.T) {
	svc := &scriptedService{responses: []string{
		`{"primary_action":"find","search":{"keywords":["revenue","blockchain"],"categories":["finance","Legal"]}}`,
	}}
	in := NewInterpreter(svc, 2, nil)

	it, err := in.Interpret(context.Background(), "find things", testSnapshot())
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if len(it.Search.Keywords) != 1 || it.Search.Keywords[0] != "revenue" {
		t.Fatalf("out-of-vocabulary keyword survived: %v", it.Search.Keywords)
	}
	// 大小写不敏感匹配，但返回词表中的规范写法。
	// Matching is case-insensitive but the canonical vocabulary spelling is returned.
	if len(it.Search.Categories) != 1 || it.Search.Categories[0] != "Finance" {
		t.Fatalf("categories=%v, want [Finance]", it.Search.Categories)
	}
}

func TestInterpret_UnknownActionRetriesThenAmbiguous(t *testing.T) {
	svc := &scriptedService{responses: []string{
		`{"primary_action":"summon"}`,
		`{"primary_action":"conjure"}`,
	}}
	in := NewInterpreter(svc, 2, nil)

	_, err := in.Interpret(context.Background(), "do the thing", testSnapshot())
	var ambiguous *AmbiguousError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("err=%v, want AmbiguousError", err)
	}
	if ambiguous.Command != "do the thing" {
		t.Fatalf("ambiguous command=%q", ambiguous.Command)
	}
	if ambiguous.Question == "" {
		t.Fatalf("ambiguous error carries no clarification question")
	}
	if svc.calls != 2 {
		t.Fatalf("calls=%d, want 2", svc.calls)
	}
}

func TestInterpret_RecoversOnSecondAttempt(t *testing.T) {
	svc := &scriptedService{
		errs:      []error{errors.New("transient")},
		responses: []string{"", `{"primary_action":"create","creation":{"topic":"roadmap"}}`},
	}
	in := NewInterpreter(svc, 2, nil)

	it, err := in.Interpret(context.Background(), "make a roadmap deck", testSnapshot())
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if it.Action != ActionCreate || it.Creation.Topic != "roadmap" {
		t.Fatalf("intent=%+v", it)
	}
}

func TestInterpret_EmptyCommand(t *testing.T) {
	svc := &scriptedService{}
	in := NewInterpreter(svc, 2, nil)

	if _, err := in.Interpret(context.Background(), "   ", testSnapshot()); err == nil {
		t.Fatalf("empty command should be rejected")
	}
	if svc.calls != 0 {
		t.Fatalf("empty command reached the reasoning service")
	}
}

func TestParseAction(t *testing.T) {
	cases := []struct {
		raw  string
		want Action
		ok   bool
	}{
		{"find", ActionFind, true},
		{" CREATE ", ActionCreate, true},
		{"analyze", ActionAnalyze, true},
		{"edit", ActionEdit, true},
		{"delete", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAction(tc.raw)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseAction(%q)=%q,%v want %q", tc.raw, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseAction(%q) accepted an unknown action", tc.raw)
		}
	}
}
