package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter for
// providers without a native adapter (ollama, mistral, groq, ...). gollm only
// streams text, so tool calls the model writes as JSON at the end of its
// answer are recovered from the text.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
	logger   *slog.Logger
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	logger      *slog.Logger
	extraOpts   []gollm.ConfigOption
}

// WithGollmAPIKey sets the API key for the adapter.
func WithGollmAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithGollmModel sets the default model for the adapter.
func WithGollmModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithGollmMaxTokens sets the default max tokens.
func WithGollmMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithGollmLogger sets the logger used for dropped tool calls.
func WithGollmLogger(logger *slog.Logger) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.logger = logger
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If no API key is given, gollm reads it from the environment.
func NewGollmAdapter(provider string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   4096,
		temperature: 0.2,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := GetLatestModel(provider, ""); info != nil {
			model = info.ID
		}
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no model configured for provider %q", provider),
		}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries happen in RetryMiddleware
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model, logger: cfg.logger}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm, logger: slog.Default()}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Stream sends the request through gollm and normalizes the token stream.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) <-chan StreamEvent {
	return runStream(ctx, a.provider, func(w *streamWriter) {
		prompt := a.translateRequest(req)
		a.applyRequestOptions(req)
		acc := newToolCallAccumulator(w, a.logger)
		scan := &embeddedCallScanner{}

		if !a.llm.SupportsStreaming() {
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				w.fail(a.translateError(err))
				return
			}
			w.text(scan.feed(text))
			a.finish(w, acc, scan, req)
			return
		}

		stream, err := a.llm.Stream(ctx, prompt)
		if err != nil {
			w.fail(a.translateError(err))
			return
		}
		defer stream.Close()

		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				w.fail(a.translateError(err))
				return
			}
			if token == nil {
				continue
			}
			w.text(scan.feed(token.Text))
		}
		a.finish(w, acc, scan, req)
	})
}

func (a *GollmAdapter) finish(w *streamWriter, acc *toolCallAccumulator, scan *embeddedCallScanner, req Request) {
	w.text(scan.flush())
	calls := parseEmbeddedToolCalls(scan.calls())
	for _, c := range calls {
		id := "call_" + uuid.New().String()[:8]
		acc.start(id, c.Name)
		acc.appendArgs(id, c.arguments())
		acc.finish(id)
	}

	reason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		reason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}
	// gollm does not report usage; the estimate is the only figure available.
	w.finish(reason, newUsage(estimateTokens(req), scan.size()/4))
}

// translateRequest converts a unified Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var parts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s %s", call.ID, call.Name, string(call.Arguments)))
			}
		case RoleTool:
			for _, r := range msg.ToolResults() {
				prefix := "[Tool Result]"
				if r.IsError {
					prefix = "[Tool Error]"
				}
				parts = append(parts, prefix+": "+r.Content)
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	system := req.System
	if len(req.Tools) > 0 {
		system = strings.TrimSpace(system + "\n\n" + embeddedCallInstructions)
	}
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens > 0 {
		a.llm.SetOption("max_tokens", req.MaxTokens)
	}
}

const embeddedCallInstructions = `To call tools, end your answer with a JSON array on its own line: [{"name": "<tool>", "arguments": {...}}]`

var embeddedCallMarkers = []string{`[{"name"`, `{"tool_calls"`}

const maxMarkerLen = len(`{"tool_calls"`)

// embeddedCallScanner splits streamed text into the visible answer and a
// trailing tool call payload. Text is released as soon as it cannot be the
// start of a marker.
type embeddedCallScanner struct {
	buf      strings.Builder
	released int
	markerAt int
	found    bool
}

func (s *embeddedCallScanner) feed(token string) string {
	s.buf.WriteString(token)
	if s.found {
		return ""
	}
	text := s.buf.String()
	start := s.released
	at := -1
	for _, m := range embeddedCallMarkers {
		if idx := strings.Index(text[start:], m); idx >= 0 && (at < 0 || start+idx < at) {
			at = start + idx
		}
	}
	if at >= 0 {
		s.found, s.markerAt, s.released = true, at, at
		return text[start:at]
	}
	safe := len(text) - (maxMarkerLen - 1)
	if safe <= start {
		return ""
	}
	s.released = safe
	return text[start:safe]
}

// flush releases any text still held back at end of stream.
func (s *embeddedCallScanner) flush() string {
	if s.found {
		return ""
	}
	text := s.buf.String()
	rest := text[s.released:]
	s.released = len(text)
	return rest
}

func (s *embeddedCallScanner) calls() string {
	if !s.found {
		return ""
	}
	return s.buf.String()[s.markerAt:]
}

func (s *embeddedCallScanner) size() int { return s.buf.Len() }

type embeddedCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// arguments returns the argument JSON text, unwrapping arguments that were
// encoded as a JSON string.
func (c embeddedCall) arguments() string {
	var s string
	if err := json.Unmarshal(c.Arguments, &s); err == nil {
		return s
	}
	return string(c.Arguments)
}

// parseEmbeddedToolCalls decodes either `[{"name":..}]` or
// `{"tool_calls":[..]}`. Trailing text after the JSON value is ignored.
func parseEmbeddedToolCalls(payload string) []embeddedCall {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(payload))
	if strings.HasPrefix(payload, "[") {
		var calls []embeddedCall
		if err := dec.Decode(&calls); err != nil {
			return nil
		}
		return calls
	}
	var wrapped struct {
		ToolCalls []embeddedCall `json:"tool_calls"`
	}
	if err := dec.Decode(&wrapped); err != nil {
		return nil
	}
	return wrapped.ToolCalls
}

// translateError converts a gollm error into the unified error hierarchy.
// gollm flattens HTTP failures into strings, so classification is textual.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := classifyContextError(a.provider, err); ctxErr != nil {
		return ctxErr
	}
	msg := err.Error()
	pe := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}

	msgLower := strings.ToLower(msg)
	switch {
	case strings.Contains(msgLower, "401") || strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "invalid api key"):
		pe.StatusCode = 401
		return &AuthenticationError{ProviderError: pe}
	case strings.Contains(msgLower, "403") || strings.Contains(msgLower, "forbidden"):
		pe.StatusCode = 403
		return &AccessDeniedError{ProviderError: pe}
	case strings.Contains(msgLower, "404") || strings.Contains(msgLower, "not found"):
		pe.StatusCode = 404
		return &NotFoundError{ProviderError: pe}
	case strings.Contains(msgLower, "429") || strings.Contains(msgLower, "rate limit"):
		pe.StatusCode, pe.Retryable = 429, true
		return &RateLimitError{ProviderError: pe}
	case strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "too many tokens"):
		pe.StatusCode = 413
		return &ContextLengthError{ProviderError: pe}
	case strings.Contains(msgLower, "500") || strings.Contains(msgLower, "internal server"):
		pe.StatusCode, pe.Retryable = 500, true
		return &ServerError{ProviderError: pe}
	case strings.Contains(msgLower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	default:
		return &pe
	}
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				total += len(part.ToolResult.Content) / 4
			case ContentToolCall:
				total += len(part.ToolCall.Arguments) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
