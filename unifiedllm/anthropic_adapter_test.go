package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// sseServer serves body as an event stream for every request and records
// the decoded request bodies.
func sseServer(t *testing.T, body string, requests *[]map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			raw, _ := io.ReadAll(r.Body)
			var decoded map[string]interface{}
			_ = json.Unmarshal(raw, &decoded)
			*requests = append(*requests, decoded)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func errorServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func anthropicEvent(name string, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

func anthropicToolStream(fragments []string) string {
	var b strings.Builder
	b.WriteString(anthropicEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":25,"output_tokens":1}}}`))
	b.WriteString(anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))
	b.WriteString(anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Reading "}}`))
	b.WriteString(anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"the file."}}`))
	b.WriteString(anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`))
	b.WriteString(anthropicEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"read_file","input":{}}}`))
	for _, frag := range fragments {
		payload, _ := json.Marshal(frag)
		b.WriteString(anthropicEvent("content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":%s}}`, payload)))
	}
	b.WriteString(anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":1}`))
	b.WriteString(anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":42}}`))
	b.WriteString(anthropicEvent("message_stop", `{"type":"message_stop"}`))
	return b.String()
}

func TestAnthropicAdapterToolCallSplitAcrossFragments(t *testing.T) {
	var requests []map[string]interface{}
	srv := sseServer(t, anthropicToolStream([]string{`{"pa`, `th": "RE`, `ADME.md"}`}), &requests)
	adapter := NewAnthropicAdapter("test-key", WithBaseURL(srv.URL))

	events := collectEvents(adapter.Stream(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{UserMessage("show the readme")},
		Tools: []ToolDefinition{{
			Name:        "read_file",
			Description: "Read a file",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
				"required":   []string{"path"},
			},
		}},
	}))

	ends := eventsOfType(events, ToolCallEnd)
	if len(ends) != 1 {
		t.Fatalf("expected exactly one ToolCallEnd, got %d", len(ends))
	}
	if ends[0].ToolCall.ID != "toolu_01" || ends[0].ToolCall.Input["path"] != "README.md" {
		t.Errorf("unexpected call %+v", ends[0].ToolCall)
	}

	resp, err := Collect(sliceStream(events))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Reading the file." {
		t.Errorf("unexpected text %q", resp.Text())
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls, got %+v", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 25 || resp.Usage.OutputTokens != 42 || resp.Usage.TotalTokens != 67 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if n := len(eventsOfType(events, StreamUsage)); n != 1 {
		t.Errorf("expected usage exactly once, got %d", n)
	}

	if len(requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(requests))
	}
	if requests[0]["stream"] != true {
		t.Errorf("expected a streaming request, got %v", requests[0]["stream"])
	}
	if tools, _ := requests[0]["tools"].([]interface{}); len(tools) != 1 {
		t.Errorf("expected 1 tool definition, got %v", requests[0]["tools"])
	}
}

func TestAnthropicAdapterDropsMalformedArguments(t *testing.T) {
	srv := sseServer(t, anthropicToolStream([]string{`{"path": `, `"README.md"`}), nil)
	adapter := NewAnthropicAdapter("test-key", WithBaseURL(srv.URL))

	events := collectEvents(adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}}))
	if n := len(eventsOfType(events, ToolCallEnd)); n != 0 {
		t.Errorf("expected malformed call to be dropped, got %d", n)
	}
	if last := events[len(events)-1]; last.Type != StreamFinish {
		t.Errorf("expected a normal finish, got %s", last.Type)
	}
}

func TestAnthropicAdapterMissingMessageStop(t *testing.T) {
	body := anthropicEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"usage":{"input_tokens":1,"output_tokens":1}}}`) +
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`) +
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"cut"}}`)
	srv := sseServer(t, body, nil)
	adapter := NewAnthropicAdapter("test-key", WithBaseURL(srv.URL))

	events := collectEvents(adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}}))
	last := events[len(events)-1]
	if last.Type != StreamError {
		t.Fatalf("expected error, got %s", last.Type)
	}
	var protoErr *StreamProtocolError
	if !errors.As(last.Error, &protoErr) {
		t.Errorf("expected StreamProtocolError, got %T", last.Error)
	}
}

func TestAnthropicAdapterHTTPError(t *testing.T) {
	srv := errorServer(t, http.StatusTooManyRequests, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	adapter := NewAnthropicAdapter("test-key", WithBaseURL(srv.URL))

	events := collectEvents(adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}}))
	if len(events) != 1 {
		t.Fatalf("expected a single error event, got %d", len(events))
	}
	var rl *RateLimitError
	if !errors.As(events[0].Error, &rl) {
		t.Fatalf("expected RateLimitError, got %T: %v", events[0].Error, events[0].Error)
	}
	if rl.RetryAfter == nil || *rl.RetryAfter != 1 {
		t.Errorf("expected Retry-After of 1s, got %v", rl.RetryAfter)
	}
}

func TestAnthropicBuildParams(t *testing.T) {
	adapter := NewAnthropicAdapter("test-key", WithModel("claude-haiku-4-5"), WithMaxTokens(1024))
	params := adapter.buildParams(Request{
		System: "base",
		Messages: []Message{
			SystemMessage("extra"),
			UserMessage("list files"),
			AssistantMessage("", ToolCall{ID: "t1", Name: "list_directory"}),
			ToolResultsMessage(ToolResult{ToolCallID: "t1", Content: "main.go"}),
		},
	})
	if string(params.Model) != "claude-haiku-4-5" || params.MaxTokens != 1024 {
		t.Errorf("expected adapter defaults, got %s/%d", params.Model, params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "base\n\nextra" {
		t.Errorf("unexpected system %+v", params.System)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
	if params.Messages[2].Role != "user" {
		t.Errorf("tool results must be sent as a user message, got %s", params.Messages[2].Role)
	}
}

func TestSchemaRequired(t *testing.T) {
	if got := schemaRequired(map[string]interface{}{"required": []interface{}{"a", 1, "b"}}); len(got) != 2 {
		t.Errorf("expected 2 names, got %v", got)
	}
	if got := schemaRequired(map[string]interface{}{}); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func sliceStream(events []StreamEvent) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}
