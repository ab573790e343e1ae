package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const anthropicStreamFixture = `event: message_start
data: {"message":{"usage":{"input_tokens":10}}}

event: content_block_start
data: {"index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"delta":{"type":"text_delta","text":"Hello "}}

event: content_block_delta
data: {"delta":{"type":"text_delta","text":"world"}}

event: content_block_start
data: {"index":1,"content_block":{"type":"tool_use","id":"tc1","name":"web_search"}}

event: content_block_delta
data: {"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}

event: content_block_delta
data: {"delta":{"type":"input_json_delta","partial_json":"\"golang\"}"}}

event: message_delta
data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}

`

func newAnthropicTestProvider(handler http.HandlerFunc) (*AnthropicProvider, *httptest.Server) {
	srv := httptest.NewServer(handler)
	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL), WithAnthropicModel("claude-test"))
	p.retryConfig = RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return p, srv
}

func TestAnthropicChatStream(t *testing.T) {
	var gotBody map[string]interface{}
	p, srv := newAnthropicTestProvider(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("version header missing")
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, anthropicStreamFixture)
	})
	defer srv.Close()

	var chunks []string
	var done bool
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	}, func(c StreamChunk) {
		if c.Done {
			done = true
			return
		}
		chunks = append(chunks, c.Content)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Content != "Hello world" {
		t.Errorf("content = %q", resp.Content)
	}
	if strings.Join(chunks, "") != "Hello world" || !done {
		t.Errorf("chunks = %v, done = %v", chunks, done)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "tc1" || tc.Name != "web_search" || tc.Arguments["query"] != "golang" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 7 || resp.Usage.TotalTokens != 17 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	// System messages become system blocks, not chat messages.
	if gotBody["model"] != "claude-test" {
		t.Errorf("model = %v", gotBody["model"])
	}
	if gotBody["stream"] != true {
		t.Error("stream flag not set")
	}
	if _, ok := gotBody["system"]; !ok {
		t.Error("system blocks missing from request")
	}
	msgs, _ := gotBody["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Errorf("request messages = %+v", msgs)
	}
}

func TestAnthropicChat(t *testing.T) {
	p, srv := newAnthropicTestProvider(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"content": [
				{"type":"text","text":"partial answer"},
				{"type":"tool_use","id":"tc9","name":"web_fetch","input":{"url":"https://example.com"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 5, "output_tokens": 3}
		}`)
	})
	defer srv.Close()

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "fetch it"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "partial answer" || resp.FinishReason != "tool_calls" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["url"] != "https://example.com" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicChatStopReasonMapping(t *testing.T) {
	tests := []struct {
		stopReason string
		want       string
	}{
		{"end_turn", "stop"},
		{"max_tokens", "length"},
		{"tool_use", "tool_calls"},
	}
	for _, tt := range tests {
		t.Run(tt.stopReason, func(t *testing.T) {
			p, srv := newAnthropicTestProvider(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"content":     []map[string]interface{}{{"type": "text", "text": "x"}},
					"stop_reason": tt.stopReason,
					"usage":       map[string]int{"input_tokens": 1, "output_tokens": 1},
				})
			})
			defer srv.Close()

			resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
			if err != nil {
				t.Fatalf("Chat: %v", err)
			}
			if resp.FinishReason != tt.want {
				t.Errorf("finish reason = %q, want %q", resp.FinishReason, tt.want)
			}
		})
	}
}

func TestAnthropicRetriesTransientStatus(t *testing.T) {
	attempts := 0
	p, srv := newAnthropicTestProvider(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]interface{}{{"type": "text", "text": "recovered"}},
			"stop_reason": "end_turn",
		})
	})
	defer srv.Close()

	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "recovered" || attempts != 2 {
		t.Fatalf("content = %q after %d attempts", resp.Content, attempts)
	}
}

func TestAnthropicClientErrorNotRetried(t *testing.T) {
	attempts := 0
	p, srv := newAnthropicTestProvider(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad schema"}}`)
	})
	defer srv.Close()

	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err == nil || !strings.Contains(err.Error(), "http 400") {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	p, srv := newAnthropicTestProvider(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "event: error\ndata: {\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n")
	})
	defer srv.Close()

	_, err := p.ChatStream(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}, nil)
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Fatalf("err = %v", err)
	}
}
