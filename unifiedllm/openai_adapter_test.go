package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func openaiChunk(delta string, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[{"index":0,"delta":%s,"finish_reason":%s}]}`+"\n\n", delta, finishJSON)
}

func openaiToolStream(fragments []string) string {
	var b strings.Builder
	b.WriteString(openaiChunk(`{"role":"assistant","content":"Let me look."}`, ""))
	b.WriteString(openaiChunk(`{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"grep","arguments":""}}]}`, ""))
	for _, frag := range fragments {
		payload, _ := json.Marshal(frag)
		b.WriteString(openaiChunk(fmt.Sprintf(`{"tool_calls":[{"index":0,"function":{"arguments":%s}}]}`, payload), ""))
	}
	b.WriteString(openaiChunk(`{}`, "tool_calls"))
	b.WriteString(`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[],"usage":{"prompt_tokens":30,"completion_tokens":12,"total_tokens":42}}` + "\n\n")
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestOpenAIAdapterToolCallSplitAcrossFragments(t *testing.T) {
	var requests []map[string]interface{}
	srv := sseServer(t, openaiToolStream([]string{`{"pat`, `tern": "func `, `main"}`}), &requests)
	adapter := NewOpenAIAdapter("test-key", WithBaseURL(srv.URL))

	events := collectEvents(adapter.Stream(context.Background(), Request{
		Messages: []Message{UserMessage("where is main")},
		Tools:    []ToolDefinition{{Name: "grep", Description: "Search", Parameters: map[string]interface{}{"type": "object"}}},
	}))

	ends := eventsOfType(events, ToolCallEnd)
	if len(ends) != 1 {
		t.Fatalf("expected exactly one ToolCallEnd, got %d", len(ends))
	}
	if ends[0].ToolCall.ID != "call_abc" || ends[0].ToolCall.Input["pattern"] != "func main" {
		t.Errorf("unexpected call %+v", ends[0].ToolCall)
	}

	usages := eventsOfType(events, StreamUsage)
	if len(usages) != 1 {
		t.Fatalf("expected usage exactly once, got %d", len(usages))
	}
	if usages[0].Usage.InputTokens != 30 || usages[0].Usage.OutputTokens != 12 {
		t.Errorf("unexpected usage %+v", usages[0].Usage)
	}

	last := events[len(events)-1]
	if last.Type != StreamFinish || last.FinishReason.Reason != "tool_calls" {
		t.Errorf("expected tool_calls finish, got %s %+v", last.Type, last.FinishReason)
	}

	if len(requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(requests))
	}
	opts, _ := requests[0]["stream_options"].(map[string]interface{})
	if opts["include_usage"] != true {
		t.Errorf("expected include_usage, got %v", requests[0]["stream_options"])
	}
}

func TestOpenAIAdapterDropsMalformedArguments(t *testing.T) {
	srv := sseServer(t, openaiToolStream([]string{`{"pattern": "x"`}), nil)
	adapter := NewOpenAIAdapter("test-key", WithBaseURL(srv.URL))

	events := collectEvents(adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}}))
	if n := len(eventsOfType(events, ToolCallEnd)); n != 0 {
		t.Errorf("expected malformed call to be dropped, got %d", n)
	}
	if last := events[len(events)-1]; last.Type != StreamFinish {
		t.Errorf("expected a normal finish, got %s", last.Type)
	}
}

func TestOpenAIAdapterTextOnly(t *testing.T) {
	body := openaiChunk(`{"role":"assistant","content":"Hel"}`, "") +
		openaiChunk(`{"content":"lo"}`, "") +
		openaiChunk(`{}`, "stop") +
		"data: [DONE]\n\n"
	srv := sseServer(t, body, nil)
	adapter := NewOpenAIAdapter("test-key", WithBaseURL(srv.URL))

	resp, err := Collect(adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello" || resp.FinishReason.Reason != "stop" {
		t.Errorf("unexpected response %q %+v", resp.Text(), resp.FinishReason)
	}
}

func TestOpenAIAdapterHTTPError(t *testing.T) {
	srv := errorServer(t, http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	adapter := NewOpenAIAdapter("bad-key", WithBaseURL(srv.URL))

	events := collectEvents(adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}}))
	if len(events) != 1 {
		t.Fatalf("expected a single error event, got %d", len(events))
	}
	var auth *AuthenticationError
	if !errors.As(events[0].Error, &auth) {
		t.Fatalf("expected AuthenticationError, got %T: %v", events[0].Error, events[0].Error)
	}
	if auth.ErrorCode != "invalid_api_key" {
		t.Errorf("expected error code, got %q", auth.ErrorCode)
	}
}

func TestOpenAIBuildParamsMarksErrorResults(t *testing.T) {
	adapter := NewOpenAIAdapter("test-key")
	params := adapter.buildParams(Request{
		System: "sys",
		Messages: []Message{
			UserMessage("run it"),
			AssistantMessage("", ToolCall{ID: "c1", Name: "run_command"}),
			ToolResultsMessage(ToolResult{ToolCallID: "c1", Content: "denied by user", IsError: true}),
		},
	})
	if len(params.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(params.Messages))
	}
	tool := params.Messages[3].OfTool
	if tool == nil {
		t.Fatal("expected a tool message")
	}
	if tool.ToolCallID != "c1" || tool.Content.OfString.Value != "error: denied by user" {
		t.Errorf("unexpected tool message %+v", tool)
	}
}
