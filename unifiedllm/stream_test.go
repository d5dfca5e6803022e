package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStreamWriterSingleTerminal(t *testing.T) {
	events := collectEvents(runStream(context.Background(), "test", func(w *streamWriter) {
		w.text("hello")
		w.finish(FinishReason{Reason: "stop"}, Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3})
		w.fail(errors.New("after finish"))
		w.text("ignored")
	}))

	if len(events) != 3 {
		t.Fatalf("expected text, usage, finish; got %d events", len(events))
	}
	if events[0].Type != TextDelta || events[1].Type != StreamUsage || events[2].Type != StreamFinish {
		t.Errorf("unexpected sequence %s %s %s", events[0].Type, events[1].Type, events[2].Type)
	}
	if events[2].Usage == nil || events[2].Usage.TotalTokens != 3 {
		t.Errorf("expected usage on finish, got %+v", events[2].Usage)
	}
}

func TestStreamWriterSkipsEmptyText(t *testing.T) {
	events := collectEvents(runStream(context.Background(), "test", func(w *streamWriter) {
		w.text("")
		w.finish(FinishReason{Reason: "stop"}, Usage{})
	}))
	if n := len(eventsOfType(events, TextDelta)); n != 0 {
		t.Errorf("expected no text events, got %d", n)
	}
}

func TestRunStreamWithoutTerminal(t *testing.T) {
	events := collectEvents(runStream(context.Background(), "test", func(w *streamWriter) {
		w.text("partial")
	}))
	last := events[len(events)-1]
	var protoErr *StreamProtocolError
	if last.Type != StreamError || !errors.As(last.Error, &protoErr) {
		t.Errorf("expected StreamProtocolError, got %s %v", last.Type, last.Error)
	}
}

func TestRunStreamRecoversPanic(t *testing.T) {
	events := collectEvents(runStream(context.Background(), "test", func(w *streamWriter) {
		w.text("before")
		panic("boom")
	}))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Type != StreamError {
		t.Errorf("expected error after panic, got %s", events[1].Type)
	}
}

func TestRunStreamFailClassifiesTransportError(t *testing.T) {
	events := collectEvents(runStream(context.Background(), "test", func(w *streamWriter) {
		w.text("one")
		w.text("two")
		w.fail(errors.New("connection reset by peer"))
	}))
	if len(eventsOfType(events, TextDelta)) != 2 {
		t.Errorf("expected both fragments before the error")
	}
	last := events[len(events)-1]
	var netErr *NetworkError
	if last.Type != StreamError || !errors.As(last.Error, &netErr) {
		t.Errorf("expected NetworkError, got %s %T", last.Type, last.Error)
	}
}

func TestRunStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	ch := runStream(ctx, "test", func(w *streamWriter) {
		close(started)
		<-w.ctx.Done()
	})
	<-started
	cancel()

	done := make(chan []StreamEvent)
	go func() { done <- collectEvents(ch) }()
	select {
	case events := <-done:
		if len(events) != 1 {
			t.Fatalf("expected a single terminal event, got %d", len(events))
		}
		var abort *AbortError
		if !errors.As(events[0].Error, &abort) {
			t.Errorf("expected AbortError, got %T", events[0].Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after cancellation")
	}
}

func TestCollectReturnsStreamError(t *testing.T) {
	ch := make(chan StreamEvent, 2)
	ch <- StreamEvent{Type: TextDelta, Delta: "so far"}
	ch <- StreamEvent{Type: StreamError, Error: &ServerError{}}
	close(ch)

	resp, err := Collect(ch)
	var srv *ServerError
	if !errors.As(err, &srv) {
		t.Fatalf("expected ServerError, got %T", err)
	}
	if resp.Text() != "so far" {
		t.Errorf("expected partial text, got %q", resp.Text())
	}
}

func TestMapFinishReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      "stop",
		"STOP":          "stop",
		"tool_use":      "tool_calls",
		"function_call": "tool_calls",
		"length":        "length",
		"MAX_TOKENS":    "length",
		"SAFETY":        "content_filter",
		"weird":         "other",
	}
	for raw, want := range tests {
		got := mapFinishReason(raw)
		if got.Reason != want || got.Raw != raw {
			t.Errorf("mapFinishReason(%q) = %+v, want %q", raw, got, want)
		}
	}
}
