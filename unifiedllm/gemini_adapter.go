package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiAdapter streams from the Gemini streamGenerateContent endpoint over
// server-sent events.
type GeminiAdapter struct {
	apiKey string
	client *resty.Client
	cfg    *adapterConfig
}

// NewGeminiAdapter creates an adapter for the Gemini REST API.
func NewGeminiAdapter(apiKey string, opts ...AdapterOption) *GeminiAdapter {
	cfg := newAdapterConfig("gemini", opts)
	if cfg.baseURL == "" {
		cfg.baseURL = defaultGeminiBaseURL
	}
	var client *resty.Client
	if cfg.httpClient != nil {
		client = resty.NewWithClient(cfg.httpClient)
	} else {
		client = resty.New()
	}
	// Streams are bounded by the caller's context, not a client timeout.
	client.SetTimeout(0)
	client.SetBaseURL(strings.TrimRight(cfg.baseURL, "/"))
	client.SetHeader("Content-Type", "application/json")
	return &GeminiAdapter{apiKey: apiKey, client: client, cfg: cfg}
}

// Name returns the provider identifier.
func (a *GeminiAdapter) Name() string { return "gemini" }

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	ThoughtSignature string                  `json:"thoughtSignature,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	ID       string                 `json:"id,omitempty"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiChunk struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	} `json:"usageMetadata"`
	Error *geminiAPIError `json:"error"`
}

type geminiAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Stream posts the request and normalizes the SSE response.
func (a *GeminiAdapter) Stream(ctx context.Context, req Request) <-chan StreamEvent {
	return runStream(ctx, a.Name(), func(w *streamWriter) {
		model, _ := a.cfg.resolve(req)
		resp, err := a.client.R().
			SetContext(ctx).
			SetHeader("x-goog-api-key", a.apiKey).
			SetQueryParam("alt", "sse").
			SetBody(a.buildRequest(req)).
			SetDoNotParseResponse(true).
			Post(fmt.Sprintf("/models/%s:streamGenerateContent", model))
		if err != nil {
			w.fail(classifyTransportError(a.Name(), err))
			return
		}
		body := resp.RawBody()
		defer body.Close()

		if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
			raw, _ := io.ReadAll(io.LimitReader(body, 1<<20))
			w.fail(a.statusError(resp.StatusCode(), raw, resp.Header().Get("Retry-After")))
			return
		}

		n := &geminiNormalizer{w: w, acc: newToolCallAccumulator(w, a.cfg.logger)}
		err = readSSE(ctx, body, func(_, data string) error {
			return n.handle(data)
		})
		if err != nil {
			n.acc.discard()
			w.fail(err)
			return
		}
		if n.finishReason == "" {
			w.fail(&StreamProtocolError{SDKError: SDKError{Message: "gemini stream ended without a finish reason"}})
			return
		}
		w.finish(mapFinishReason(n.finishReason), newUsage(n.inputTokens, n.outputTokens))
	})
}

// geminiNormalizer tracks one Gemini stream. Function calls arrive whole but
// still go through the accumulator so they get the same parse-or-drop rule.
type geminiNormalizer struct {
	w            *streamWriter
	acc          *toolCallAccumulator
	finishReason string
	sawCalls     bool
	inputTokens  int
	outputTokens int
}

func (n *geminiNormalizer) handle(data string) error {
	var chunk geminiChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return &StreamProtocolError{SDKError: SDKError{Message: "malformed gemini chunk", Cause: err}}
	}
	if chunk.Error != nil {
		return ErrorFromStatusCode(chunk.Error.Code, chunk.Error.Message, "gemini", chunk.Error.Status, data, nil)
	}
	// Each chunk carries running totals; only the last one is authoritative.
	if u := chunk.UsageMetadata; u != nil {
		n.inputTokens = u.PromptTokenCount
		n.outputTokens = u.CandidatesTokenCount + u.ThoughtsTokenCount
	}
	if len(chunk.Candidates) == 0 {
		return nil
	}
	cand := chunk.Candidates[0]
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.New().String()[:8]
			}
			n.sawCalls = true
			n.acc.start(id, part.FunctionCall.Name)
			n.acc.setSignature(id, part.ThoughtSignature)
			n.acc.appendArgs(id, string(part.FunctionCall.Args))
			n.acc.finish(id)
		case part.Thought:
		case part.Text != "":
			n.w.text(part.Text)
		}
	}
	if cand.FinishReason != "" {
		n.finishReason = cand.FinishReason
		// Gemini reports STOP even when it asked for function calls.
		if n.sawCalls && cand.FinishReason == "STOP" {
			n.finishReason = "function_call"
		}
	}
	return nil
}

func (a *GeminiAdapter) buildRequest(req Request) geminiRequest {
	_, maxTokens := a.cfg.resolve(req)
	names := toolCallNames(req.Messages)
	out := geminiRequest{
		GenerationConfig: &geminiGenerationConfig{MaxOutputTokens: maxTokens, Temperature: req.Temperature},
	}
	system := req.System
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = strings.TrimSpace(system + "\n\n" + msg.TextContent())
		case RoleUser:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.TextContent()}}})
		case RoleAssistant:
			content := geminiContent{Role: "model"}
			if text := msg.TextContent(); text != "" {
				content.Parts = append(content.Parts, geminiPart{Text: text})
			}
			for _, call := range msg.ToolCalls() {
				content.Parts = append(content.Parts, geminiPart{
					ThoughtSignature: call.Signature,
					FunctionCall: &geminiFunctionCall{
						Name: call.Name,
						Args: json.RawMessage(argumentsOrEmpty(call.Arguments)),
					},
				})
			}
			if len(content.Parts) > 0 {
				out.Contents = append(out.Contents, content)
			}
		case RoleTool:
			content := geminiContent{Role: "user"}
			for _, r := range msg.ToolResults() {
				key := "content"
				if r.IsError {
					key = "error"
				}
				content.Parts = append(content.Parts, geminiPart{
					FunctionResponse: &geminiFunctionResponse{
						Name:     names[r.ToolCallID],
						Response: map[string]interface{}{key: r.Content},
					},
				})
			}
			if len(content.Parts) > 0 {
				out.Contents = append(out.Contents, content)
			}
		}
	}
	if system != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  sanitizeGeminiSchema(t.Parameters),
			}
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return out
}

// sanitizeGeminiSchema removes JSON schema keywords the Gemini API rejects.
func sanitizeGeminiSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "$id", "$ref", "additionalProperties", "definitions", "$defs":
			continue
		}
		out[k] = sanitizeGeminiValue(v)
	}
	return out
}

func sanitizeGeminiValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return sanitizeGeminiSchema(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeGeminiValue(item)
		}
		return out
	default:
		return v
	}
}

func (a *GeminiAdapter) statusError(status int, body []byte, retryAfterHeader string) error {
	msg := strings.TrimSpace(string(body))
	code := ""
	var wrapped struct {
		Error geminiAPIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error.Message != "" {
		msg, code = wrapped.Error.Message, wrapped.Error.Status
	}
	if msg == "" {
		msg = fmt.Sprintf("gemini returned status %d", status)
	}
	return ErrorFromStatusCode(status, msg, a.Name(), code, string(body), parseRetryAfter(retryAfterHeader))
}
