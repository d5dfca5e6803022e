package unifiedllm

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

type pendingToolCall struct {
	id        string
	name      string
	signature string
	args      strings.Builder
}

// toolCallAccumulator reassembles tool call arguments delivered in arbitrary
// fragments. Buffers are keyed by invocation id and parsed only when the
// vendor signals the end of the block. Calls whose arguments do not parse are
// dropped.
type toolCallAccumulator struct {
	w       *streamWriter
	logger  *slog.Logger
	pending map[string]*pendingToolCall
	order   []string
}

func newToolCallAccumulator(w *streamWriter, logger *slog.Logger) *toolCallAccumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &toolCallAccumulator{w: w, logger: logger, pending: make(map[string]*pendingToolCall)}
}

func (a *toolCallAccumulator) start(id, name string) {
	if _, exists := a.pending[id]; exists {
		return
	}
	a.pending[id] = &pendingToolCall{id: id, name: name}
	a.order = append(a.order, id)
	a.w.send(StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: id, Name: name}})
}

func (a *toolCallAccumulator) appendArgs(id, fragment string) {
	p, ok := a.pending[id]
	if !ok || fragment == "" {
		return
	}
	p.args.WriteString(fragment)
	a.w.send(StreamEvent{Type: ToolCallDelta, Delta: fragment, ToolCall: &ToolCall{ID: p.id, Name: p.name}})
}

func (a *toolCallAccumulator) setSignature(id, signature string) {
	if p, ok := a.pending[id]; ok {
		p.signature = signature
	}
}

// finish parses the buffered arguments and emits ToolCallEnd on success.
func (a *toolCallAccumulator) finish(id string) {
	p, ok := a.pending[id]
	if !ok {
		return
	}
	a.forget(id)

	input, raw, err := parseToolArguments(p.args.String())
	if err != nil {
		a.logger.Debug("dropping tool call with malformed arguments",
			"provider", a.w.provider, "tool_call_id", p.id, "tool", p.name, "error", err)
		return
	}
	a.w.send(StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{
		ID: p.id, Name: p.name, Arguments: raw, Input: input, Signature: p.signature,
	}})
}

// finishAll completes every open call in start order.
func (a *toolCallAccumulator) finishAll() {
	for _, id := range append([]string(nil), a.order...) {
		a.finish(id)
	}
}

// discard drops every open call without emitting anything.
func (a *toolCallAccumulator) discard() {
	for _, id := range a.order {
		a.logger.Debug("dropping unterminated tool call",
			"provider", a.w.provider, "tool_call_id", id, "tool", a.pending[id].name)
	}
	a.pending = make(map[string]*pendingToolCall)
	a.order = nil
}

func (a *toolCallAccumulator) forget(id string) {
	delete(a.pending, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

var errArgumentsNotObject = errors.New("tool arguments are not a JSON object")

// parseToolArguments decodes accumulated argument text. Empty text is an
// empty object; anything that is not a JSON object is an error.
func parseToolArguments(text string) (map[string]interface{}, json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return map[string]interface{}{}, json.RawMessage("{}"), nil
	}
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &input); err != nil {
		return nil, nil, err
	}
	if input == nil {
		return nil, nil, errArgumentsNotObject
	}
	return input, json.RawMessage(trimmed), nil
}
