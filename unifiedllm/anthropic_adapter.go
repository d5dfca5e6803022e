package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter streams from the Anthropic Messages API.
type AnthropicAdapter struct {
	client anthropic.Client
	cfg    *adapterConfig
}

// NewAnthropicAdapter creates an adapter for the Anthropic Messages API.
func NewAnthropicAdapter(apiKey string, opts ...AdapterOption) *AnthropicAdapter {
	cfg := newAdapterConfig("anthropic", opts)
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0), // retries happen in RetryMiddleware
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	return &AnthropicAdapter{client: anthropic.NewClient(reqOpts...), cfg: cfg}
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Stream opens a streaming Messages call and normalizes its events.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) <-chan StreamEvent {
	return runStream(ctx, a.Name(), func(w *streamWriter) {
		stream := a.client.Messages.NewStreaming(ctx, a.buildParams(req))
		defer stream.Close()

		n := &anthropicNormalizer{w: w, acc: newToolCallAccumulator(w, a.cfg.logger), blocks: make(map[int64]string)}
		for !n.stopped && stream.Next() {
			n.handle(stream.Current())
		}
		if err := stream.Err(); err != nil {
			n.acc.discard()
			w.fail(a.translateError(err))
			return
		}
		if !n.stopped {
			n.acc.discard()
			w.fail(&StreamProtocolError{SDKError: SDKError{Message: "anthropic stream ended before message_stop"}})
			return
		}
		w.finish(mapFinishReason(n.stopReason), newUsage(n.inputTokens, n.outputTokens))
	})
}

// anthropicNormalizer tracks the per-message state of one Anthropic stream.
// Content blocks are addressed by index; tool_use blocks are mapped to their
// invocation id when they start.
type anthropicNormalizer struct {
	w            *streamWriter
	acc          *toolCallAccumulator
	blocks       map[int64]string
	inputTokens  int
	outputTokens int
	stopReason   string
	stopped      bool
}

func (n *anthropicNormalizer) handle(ev anthropic.MessageStreamEventUnion) {
	switch ev.Type {
	case "message_start":
		n.inputTokens = int(ev.Message.Usage.InputTokens)
		n.outputTokens = int(ev.Message.Usage.OutputTokens)
	case "content_block_start":
		if ev.ContentBlock.Type == "tool_use" {
			n.blocks[ev.Index] = ev.ContentBlock.ID
			n.acc.start(ev.ContentBlock.ID, ev.ContentBlock.Name)
		}
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			n.w.text(ev.Delta.Text)
		case "input_json_delta":
			if id, ok := n.blocks[ev.Index]; ok {
				n.acc.appendArgs(id, ev.Delta.PartialJSON)
			}
		}
	case "content_block_stop":
		if id, ok := n.blocks[ev.Index]; ok {
			delete(n.blocks, ev.Index)
			n.acc.finish(id)
		}
	case "message_delta":
		// Output tokens on message_delta are cumulative.
		if ev.Usage.OutputTokens > 0 {
			n.outputTokens = int(ev.Usage.OutputTokens)
		}
		if ev.Delta.StopReason != "" {
			n.stopReason = string(ev.Delta.StopReason)
		}
	case "message_stop":
		n.acc.discard()
		n.stopped = true
	}
}

func (a *AnthropicAdapter) buildParams(req Request) anthropic.MessageNewParams {
	model, maxTokens := a.cfg.resolve(req)
	system := req.System
	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = strings.TrimSpace(system + "\n\n" + msg.TextContent())
		case RoleUser:
			if text := msg.TextContent(); text != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := msg.TextContent(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, call := range msg.ToolCalls() {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.ID,
						Name:  call.Name,
						Input: json.RawMessage(argumentsOrEmpty(call.Arguments)),
					},
				})
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, r := range msg.ToolResults() {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			}
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}
	return params
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		props, _ := t.Parameters["properties"].(map[string]interface{})
		if props == nil {
			props = map[string]interface{}{}
		}
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
					Required:   schemaRequired(t.Parameters),
				},
			},
		}
	}
	return out
}

// schemaRequired reads the "required" list of a JSON schema map, which may
// hold []string (built in code) or []interface{} (decoded from JSON).
func schemaRequired(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (a *AnthropicAdapter) translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var after *float64
		if apiErr.Response != nil {
			after = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return ErrorFromStatusCode(apiErr.StatusCode, apiErr.Error(), a.Name(), "", apiErr.RawJSON(), after)
	}
	return classifyTransportError(a.Name(), err)
}

func parseRetryAfter(v string) *float64 {
	if v == "" {
		return nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &secs
}
