package unifiedllm

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIAdapter streams from the OpenAI Chat Completions API or any server
// compatible with it.
type OpenAIAdapter struct {
	client openai.Client
	cfg    *adapterConfig
}

// NewOpenAIAdapter creates an adapter for the Chat Completions API.
func NewOpenAIAdapter(apiKey string, opts ...AdapterOption) *OpenAIAdapter {
	cfg := newAdapterConfig("openai", opts)
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	return &OpenAIAdapter{client: openai.NewClient(reqOpts...), cfg: cfg}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return "openai" }

// Stream opens a streaming chat completion and normalizes its chunks.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) <-chan StreamEvent {
	return runStream(ctx, a.Name(), func(w *streamWriter) {
		stream := a.client.Chat.Completions.NewStreaming(ctx, a.buildParams(req))
		defer stream.Close()

		n := &openaiNormalizer{w: w, acc: newToolCallAccumulator(w, a.cfg.logger), calls: make(map[int64]string)}
		for stream.Next() {
			n.handle(stream.Current())
		}
		if err := stream.Err(); err != nil {
			n.acc.discard()
			w.fail(a.translateError(err))
			return
		}
		// Some compatible servers end the stream without a finish_reason.
		n.acc.finishAll()
		if n.finishReason == "" {
			n.finishReason = "stop"
		}
		w.finish(mapFinishReason(n.finishReason), newUsage(n.inputTokens, n.outputTokens))
	})
}

// openaiNormalizer tracks one Chat Completions stream. Tool call fragments are
// addressed by their index in the choice; the id arrives on the first one.
type openaiNormalizer struct {
	w            *streamWriter
	acc          *toolCallAccumulator
	calls        map[int64]string
	finishReason string
	inputTokens  int
	outputTokens int
}

func (n *openaiNormalizer) handle(chunk openai.ChatCompletionChunk) {
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		n.w.text(choice.Delta.Content)
		for _, tc := range choice.Delta.ToolCalls {
			id, ok := n.calls[tc.Index]
			if !ok {
				id = tc.ID
				if id == "" {
					id = "call_" + uuid.New().String()[:8]
				}
				n.calls[tc.Index] = id
				n.acc.start(id, tc.Function.Name)
			}
			n.acc.appendArgs(id, tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			n.finishReason = choice.FinishReason
			n.acc.finishAll()
		}
	}
	// With include_usage the final chunk has no choices and the totals.
	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		n.inputTokens = int(chunk.Usage.PromptTokens)
		n.outputTokens = int(chunk.Usage.CompletionTokens)
	}
}

func (a *OpenAIAdapter) buildParams(req Request) openai.ChatCompletionNewParams {
	model, maxTokens := a.cfg.resolve(req)
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.TextContent()))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.TextContent()))
		case RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if text := msg.TextContent(); text != "" {
				asst.Content.OfString = openai.String(text)
			}
			for _, call := range msg.ToolCalls() {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(argumentsOrEmpty(call.Arguments)),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case RoleTool:
			for _, r := range msg.ToolResults() {
				content := r.Content
				if r.IsError && !strings.HasPrefix(content, "error") {
					content = "error: " + content
				}
				messages = append(messages, openai.ToolMessage(content, r.ToolCallID))
			}
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}
	return params
}

func toOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		}
	}
	return out
}

func (a *OpenAIAdapter) translateError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var after *float64
		if apiErr.Response != nil {
			after = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return ErrorFromStatusCode(apiErr.StatusCode, msg, a.Name(), apiErr.Code, apiErr.RawJSON(), after)
	}
	return classifyTransportError(a.Name(), err)
}
