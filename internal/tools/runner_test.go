package tools

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/praxislabs/conductor/internal/store"
)

type fakeTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) *Result
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake" }
func (t *fakeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return t.fn(ctx, args)
}

func TestMatchAllowList(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		toolName  string
		want      bool
	}{
		{"empty list allows all", nil, "web_search", true},
		{"exact match", []string{"web_search"}, "web_search", true},
		{"exact mismatch", []string{"web_search"}, "web_fetch", false},
		{"star allows all", []string{"*"}, "anything", true},
		{"prefix wildcard match", []string{"web_*"}, "web_fetch", true},
		{"prefix wildcard mismatch", []string{"web_*"}, "conversation_search", false},
		{"mixed entries", []string{"create_todo", "web_*"}, "web_search", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchAllowList(tt.allowList, tt.toolName); got != tt.want {
				t.Errorf("MatchAllowList(%v, %q) = %v, want %v", tt.allowList, tt.toolName, got, tt.want)
			}
		})
	}
}

func TestIntersectAllowLists(t *testing.T) {
	tests := []struct {
		name  string
		base  []string
		extra []string
		want  []string
	}{
		{"both empty", nil, nil, nil},
		{"base empty takes extra", nil, []string{"a"}, []string{"a"}},
		{"extra empty takes base", []string{"a"}, nil, []string{"a"}},
		{"intersection", []string{"web_search", "create_todo"}, []string{"web_*"}, []string{"web_search"}},
		{"disjoint", []string{"a"}, []string{"b"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IntersectAllowLists(tt.base, tt.extra)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("IntersectAllowLists(%v, %v) = %v, want %v", tt.base, tt.extra, got, tt.want)
			}
		})
	}
}

func TestExecuteBatchOrderAndCitations(t *testing.T) {
	r := NewRunner()
	r.Register(&fakeTool{name: "slow", fn: func(ctx context.Context, _ map[string]interface{}) *Result {
		return NewResult("slow output")
	}})
	r.Register(&fakeTool{name: "fast", fn: func(ctx context.Context, _ map[string]interface{}) *Result {
		return NewResult("fast output").WithCitations(store.Citation{URL: "https://example.com"})
	}})

	batch := r.ExecuteBatch(context.Background(), []Request{
		r.CreateRequest("c1", "slow", nil, "agent-1", RequestMeta{}),
		r.CreateRequest("c2", "fast", nil, "agent-1", RequestMeta{}),
	})

	if len(batch.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(batch.Results))
	}
	if batch.Results[0].CallID != "c1" || batch.Results[1].CallID != "c2" {
		t.Fatalf("results out of request order: %+v", batch.Results)
	}
	if !batch.Results[0].Success || batch.Results[0].Output != "slow output" {
		t.Fatalf("unexpected first result: %+v", batch.Results[0])
	}
	if len(batch.Citations) != 1 || batch.Citations[0].URL != "https://example.com" {
		t.Fatalf("citations not surfaced: %+v", batch.Citations)
	}
}

func TestExecuteBatchUnknownTool(t *testing.T) {
	r := NewRunner()
	batch := r.ExecuteBatch(context.Background(), []Request{
		r.CreateRequest("c1", "missing", nil, "agent-1", RequestMeta{}),
	})
	res := batch.Results[0]
	if res.Success {
		t.Fatal("unknown tool should fail")
	}
	if res.Error == "" {
		t.Fatal("failed result should carry an error message")
	}
}

func TestExecuteBatchToolPanic(t *testing.T) {
	r := NewRunner()
	r.Register(&fakeTool{name: "bomb", fn: func(context.Context, map[string]interface{}) *Result {
		panic("boom")
	}})
	batch := r.ExecuteBatch(context.Background(), []Request{
		r.CreateRequest("c1", "bomb", nil, "agent-1", RequestMeta{}),
	})
	if batch.Results[0].Success {
		t.Fatal("panicking tool should yield a failed result")
	}
}

func TestExecuteBatchErrorResult(t *testing.T) {
	r := NewRunner()
	r.Register(&fakeTool{name: "errs", fn: func(context.Context, map[string]interface{}) *Result {
		return ErrorResult("bad input").WithError(errors.New("bad input"))
	}})
	batch := r.ExecuteBatch(context.Background(), []Request{
		r.CreateRequest("c1", "errs", nil, "agent-1", RequestMeta{}),
	})
	res := batch.Results[0]
	if res.Success {
		t.Fatal("error result should not be success")
	}
	if res.Error != "bad input" {
		t.Fatalf("Error = %q, want %q", res.Error, "bad input")
	}
}

func TestRunnerEvents(t *testing.T) {
	r := NewRunner()
	r.Register(&fakeTool{name: "echo", fn: func(_ context.Context, args map[string]interface{}) *Result {
		s, _ := args["text"].(string)
		return NewResult(s)
	}})

	var events []Event
	unsub := r.OnToolEvent(func(ev Event) { events = append(events, ev) })

	r.ExecuteBatch(context.Background(), []Request{
		r.CreateRequest("c1", "echo", map[string]interface{}{"text": "hi"}, "agent-1", RequestMeta{TurnID: "t1"}),
	})

	if len(events) != 2 {
		t.Fatalf("got %d events, want call + result", len(events))
	}
	if events[0].Kind != EventToolCall || events[1].Kind != EventToolResult {
		t.Fatalf("event kinds = %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[1].Output != "hi" || events[1].CallerID != "agent-1" || events[1].Meta.TurnID != "t1" {
		t.Fatalf("result event missing fields: %+v", events[1])
	}

	unsub()
	events = nil
	r.ExecuteBatch(context.Background(), []Request{
		r.CreateRequest("c2", "echo", map[string]interface{}{"text": "hi"}, "agent-1", RequestMeta{}),
	})
	if len(events) != 0 {
		t.Fatal("unsubscribed listener still received events")
	}
}

func TestToolsForLLMFilters(t *testing.T) {
	r := NewRunner()
	r.Register(&fakeTool{name: "web_search", fn: nil})
	r.Register(&fakeTool{name: "web_fetch", fn: nil})
	r.Register(&fakeTool{name: "create_todo", fn: nil})

	defs := r.ToolsForLLM([]string{"web_*"})
	if len(defs) != 2 {
		t.Fatalf("got %d defs, want 2", len(defs))
	}
	if defs[0].Function.Name != "web_fetch" || defs[1].Function.Name != "web_search" {
		t.Fatalf("defs not sorted/filtered: %s, %s", defs[0].Function.Name, defs[1].Function.Name)
	}
	if defs[0].Type != "function" {
		t.Fatalf("def type = %q", defs[0].Type)
	}
}
