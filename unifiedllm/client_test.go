package unifiedllm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockAdapter replays a fixed list of events for every stream.
type mockAdapter struct {
	name   string
	events []StreamEvent

	mu       sync.Mutex
	requests []Request
	closed   bool
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Stream(ctx context.Context, req Request) <-chan StreamEvent {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	ch := make(chan StreamEvent, len(m.events))
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func (m *mockAdapter) Close() error {
	m.closed = true
	return nil
}

func (m *mockAdapter) lastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func finishEvents(text string) []StreamEvent {
	usage := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	return []StreamEvent{
		{Type: TextDelta, Delta: text},
		{Type: StreamUsage, Usage: &usage},
		{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}, Usage: &usage},
	}
}

func collectEvents(ch <-chan StreamEvent) []StreamEvent {
	var out []StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestClientRouting(t *testing.T) {
	anthropic := &mockAdapter{name: "anthropic", events: finishEvents("from anthropic")}
	openai := &mockAdapter{name: "openai", events: finishEvents("from openai")}

	client := NewClient(
		WithProvider("anthropic", anthropic),
		WithProvider("openai", openai),
		WithDefaultProvider("anthropic"),
	)

	events, err := client.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := Collect(events)
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if resp.Text() != "from anthropic" {
		t.Errorf("expected default provider, got %q", resp.Text())
	}
	if got := anthropic.lastRequest().Provider; got != "anthropic" {
		t.Errorf("expected provider to be filled in, got %q", got)
	}

	events, err = client.Stream(context.Background(), Request{Provider: "openai", Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, _ = Collect(events)
	if resp.Text() != "from openai" {
		t.Errorf("expected explicit provider, got %q", resp.Text())
	}
}

func TestClientSingleProviderIsDefault(t *testing.T) {
	client := NewClient(WithProvider("gemini", &mockAdapter{name: "gemini", events: finishEvents("ok")}))
	if client.DefaultProvider() != "gemini" {
		t.Errorf("expected gemini as default, got %q", client.DefaultProvider())
	}
}

func TestClientResolvesProviderFromModel(t *testing.T) {
	client := NewClient()
	client.providers["openai"] = &mockAdapter{name: "openai", events: finishEvents("ok")}
	if _, err := client.Stream(context.Background(), Request{Model: "gpt-4.1"}); err != nil {
		t.Fatalf("expected provider from catalog, got %v", err)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	client := NewClient(WithProvider("anthropic", &mockAdapter{name: "anthropic"}))
	_, err := client.Stream(context.Background(), Request{Provider: "mistral"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
	}
}

func TestClientNoProviders(t *testing.T) {
	_, err := NewClient().Stream(context.Background(), Request{Model: "unknown-model"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []string
	record := func(name string) StreamMiddleware {
		return func(ctx context.Context, req Request, next StreamFunc) <-chan StreamEvent {
			order = append(order, name)
			return next(ctx, req)
		}
	}
	client := NewClient(
		WithProvider("anthropic", &mockAdapter{name: "anthropic", events: finishEvents("ok")}),
		WithStreamMiddleware(record("outer"), record("inner")),
	)
	events, err := client.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collectEvents(events)
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("expected [outer inner], got %v", order)
	}
}

func TestClientSynthesizesMissingTerminal(t *testing.T) {
	adapter := &mockAdapter{name: "anthropic", events: []StreamEvent{
		{Type: TextDelta, Delta: "partial"},
	}}
	client := NewClient(WithProvider("anthropic", adapter))
	events, err := client.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := collectEvents(events)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	last := got[len(got)-1]
	if last.Type != StreamError {
		t.Fatalf("expected synthesized error, got %s", last.Type)
	}
	var protoErr *StreamProtocolError
	if !errors.As(last.Error, &protoErr) {
		t.Errorf("expected StreamProtocolError, got %T", last.Error)
	}
}

func TestClientDropsEventsAfterTerminal(t *testing.T) {
	events := append(finishEvents("done"), StreamEvent{Type: TextDelta, Delta: "late"},
		StreamEvent{Type: StreamError, Error: errors.New("late")})
	client := NewClient(WithProvider("anthropic", &mockAdapter{name: "anthropic", events: events}))
	ch, _ := client.Stream(context.Background(), Request{})
	got := collectEvents(ch)

	terminals := 0
	for _, ev := range got {
		if ev.Type.Terminal() {
			terminals++
		}
		if ev.Delta == "late" {
			t.Error("event after terminal was forwarded")
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminals)
	}
}

func TestClientFillsMissingToolResults(t *testing.T) {
	adapter := &mockAdapter{name: "anthropic", events: finishEvents("ok")}
	client := NewClient(WithProvider("anthropic", adapter))

	history := []Message{
		UserMessage("look at both"),
		AssistantMessage("", ToolCall{ID: "a", Name: "read_file"}, ToolCall{ID: "b", Name: "read_file"}),
		ToolResultsMessage(ToolResult{ToolCallID: "a", Content: "contents"}),
	}
	ch, err := client.Stream(context.Background(), Request{Messages: history})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collectEvents(ch)

	sent := adapter.lastRequest().Messages
	results := sent[len(sent)-1].ToolResults()
	if len(results) != 2 {
		t.Fatalf("expected 2 tool results, got %d", len(results))
	}
	if results[1].ToolCallID != "b" || !results[1].IsError {
		t.Errorf("expected synthetic error result for b, got %+v", results[1])
	}
	if len(history[2].ToolResults()) != 1 {
		t.Error("caller history must not be modified")
	}
}

func TestFillMissingToolResultsWithoutResultMessage(t *testing.T) {
	msgs := FillMissingToolResults([]Message{
		UserMessage("go"),
		AssistantMessage("", ToolCall{ID: "x", Name: "run_command"}),
	})
	if len(msgs) != 3 {
		t.Fatalf("expected a tool message to be appended, got %d messages", len(msgs))
	}
	if msgs[2].Role != RoleTool || msgs[2].ToolResults()[0].Content != interruptedResult {
		t.Errorf("unexpected synthesized message: %+v", msgs[2])
	}
}

func TestFillMissingToolResultsComplete(t *testing.T) {
	in := []Message{
		UserMessage("go"),
		AssistantMessage("", ToolCall{ID: "x", Name: "glob"}),
		ToolResultsMessage(ToolResult{ToolCallID: "x", Content: "main.go"}),
		AssistantMessage("done"),
	}
	out := FillMissingToolResults(in)
	if len(out) != len(in) {
		t.Fatalf("expected %d messages, got %d", len(in), len(out))
	}
	if len(out[2].ToolResults()) != 1 {
		t.Errorf("expected results unchanged, got %+v", out[2].ToolResults())
	}
}

func TestClientClose(t *testing.T) {
	adapter := &mockAdapter{name: "anthropic"}
	client := NewClient(WithProvider("anthropic", adapter))
	if err := client.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !adapter.closed {
		t.Error("expected adapter to be closed")
	}
}

func TestClientCancelledStreamEndsWithError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan StreamEvent)
	client := NewClient(WithProvider("anthropic", streamFuncAdapter(func(ctx context.Context, req Request) <-chan StreamEvent {
		go func() {
			<-ctx.Done()
			close(blocked)
		}()
		return blocked
	})))
	ch, err := client.Stream(ctx, Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("stream closed without a terminal event")
		}
		var abort *AbortError
		if ev.Type != StreamError || !errors.As(ev.Error, &abort) {
			t.Errorf("expected AbortError, got %s %v", ev.Type, ev.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
}

// streamFuncAdapter adapts a function to ProviderAdapter.
type streamFuncAdapter func(ctx context.Context, req Request) <-chan StreamEvent

func (f streamFuncAdapter) Name() string { return "func" }

func (f streamFuncAdapter) Stream(ctx context.Context, req Request) <-chan StreamEvent {
	return f(ctx, req)
}

func TestCollect(t *testing.T) {
	usage := Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7}
	ch := make(chan StreamEvent, 8)
	ch <- StreamEvent{Type: TextDelta, Delta: "Let me "}
	ch <- StreamEvent{Type: TextDelta, Delta: "check."}
	ch <- StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: "1", Name: "glob"}}
	ch <- StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{ID: "1", Name: "glob", Arguments: []byte(`{}`)}}
	ch <- StreamEvent{Type: StreamUsage, Usage: &usage}
	ch <- StreamEvent{Type: StreamFinish, FinishReason: &FinishReason{Reason: "tool_calls"}, Usage: &usage}
	close(ch)

	resp, err := Collect(ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Let me check." {
		t.Errorf("unexpected text %q", resp.Text())
	}
	if len(resp.Message.ToolCalls()) != 1 {
		t.Errorf("expected 1 tool call, got %d", len(resp.Message.ToolCalls()))
	}
	if resp.FinishReason.Reason != "tool_calls" || resp.Usage.TotalTokens != 7 {
		t.Errorf("unexpected finish %+v usage %+v", resp.FinishReason, resp.Usage)
	}
}
