package unifiedllm

import (
	"context"
	"fmt"
	"strings"
)

const streamBuffer = 64

// streamWriter is the producing side of a canonical stream. It guarantees
// that exactly one terminal event is written and that nothing follows it.
type streamWriter struct {
	ctx      context.Context
	provider string
	ch       chan StreamEvent
	done     bool
}

func newStreamWriter(ctx context.Context, provider string) *streamWriter {
	return &streamWriter{ctx: ctx, provider: provider, ch: make(chan StreamEvent, streamBuffer)}
}

func (w *streamWriter) events() <-chan StreamEvent { return w.ch }

func (w *streamWriter) send(ev StreamEvent) bool {
	if w.done {
		return false
	}
	select {
	case w.ch <- ev:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *streamWriter) text(delta string) {
	if delta == "" {
		return
	}
	w.send(StreamEvent{Type: TextDelta, Delta: delta})
}

// finish emits the authoritative usage followed by the Done event.
func (w *streamWriter) finish(reason FinishReason, usage Usage) {
	if w.done {
		return
	}
	u := usage
	w.send(StreamEvent{Type: StreamUsage, Usage: &u})
	w.terminate(StreamEvent{Type: StreamFinish, FinishReason: &reason, Usage: &u})
}

func (w *streamWriter) fail(err error) {
	if w.done {
		return
	}
	w.terminate(StreamEvent{Type: StreamError, Error: classifyTransportError(w.provider, err)})
}

// close ends the stream. A stream closed without a terminal event gets an
// error so consumers never observe a silent end.
func (w *streamWriter) close() {
	if !w.done {
		if err := w.ctx.Err(); err != nil {
			w.fail(err)
		} else {
			w.fail(&StreamProtocolError{SDKError: SDKError{Message: w.provider + " stream ended without a stop event"}})
		}
	}
}

func (w *streamWriter) terminate(ev StreamEvent) {
	select {
	case w.ch <- ev:
	case <-w.ctx.Done():
		select {
		case w.ch <- ev:
		default:
		}
	}
	w.done = true
	close(w.ch)
}

// runStream starts fn on its own goroutine and returns the canonical channel.
// Panics inside fn become a StreamError.
func runStream(ctx context.Context, provider string, fn func(w *streamWriter)) <-chan StreamEvent {
	w := newStreamWriter(ctx, provider)
	go func() {
		defer w.close()
		defer func() {
			if r := recover(); r != nil {
				w.fail(&StreamProtocolError{SDKError: SDKError{Message: fmt.Sprintf("%s adapter panic: %v", provider, r)}})
			}
		}()
		fn(w)
	}()
	return w.events()
}

// guardStream forwards events from in until the first terminal event and
// synthesizes an error if in closes without one. Events after the terminal
// event are discarded.
func guardStream(ctx context.Context, provider string, in <-chan StreamEvent) <-chan StreamEvent {
	out := make(chan StreamEvent, streamBuffer)
	go func() {
		defer close(out)
		terminated := false
		for ev := range in {
			if terminated {
				continue
			}
			if ev.Type.Terminal() {
				terminated = true
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				if ev.Type.Terminal() {
					select {
					case out <- ev:
					default:
					}
				}
			}
		}
		if !terminated {
			err := ctx.Err()
			if err == nil {
				err = &StreamProtocolError{SDKError: SDKError{Message: provider + " stream closed without a terminal event"}}
			}
			select {
			case out <- StreamEvent{Type: StreamError, Error: classifyTransportError(provider, err)}:
			default:
			}
		}
	}()
	return out
}

// Collect drains a stream into a Response. A StreamError event is returned as
// the error, together with whatever was collected before it.
func Collect(events <-chan StreamEvent) (*Response, error) {
	var (
		text  strings.Builder
		calls []ToolCall
		resp  Response
	)
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case TextDelta:
			text.WriteString(ev.Delta)
		case ToolCallEnd:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case StreamUsage:
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		case StreamFinish:
			if ev.FinishReason != nil {
				resp.FinishReason = *ev.FinishReason
			}
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		case StreamError:
			streamErr = ev.Error
		}
	}
	resp.Message = AssistantMessage(text.String(), calls...)
	return &resp, streamErr
}
