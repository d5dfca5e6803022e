package unifiedllm

import (
	"log/slog"
	"net/http"
)

// AdapterOption configures one of the native vendor adapters.
type AdapterOption func(*adapterConfig)

type adapterConfig struct {
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

func newAdapterConfig(provider string, opts []AdapterOption) *adapterConfig {
	cfg := &adapterConfig{maxTokens: 8192, logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.model == "" {
		if info := GetLatestModel(provider, "tools"); info != nil {
			cfg.model = info.ID
		}
	}
	cfg.logger = cfg.logger.With("provider", provider)
	return cfg
}

// WithBaseURL points the adapter at a different API endpoint.
func WithBaseURL(url string) AdapterOption {
	return func(c *adapterConfig) {
		c.baseURL = url
	}
}

// WithModel sets the model used when a request does not name one.
func WithModel(model string) AdapterOption {
	return func(c *adapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the output token limit used when a request does not set one.
func WithMaxTokens(n int) AdapterOption {
	return func(c *adapterConfig) {
		c.maxTokens = n
	}
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(client *http.Client) AdapterOption {
	return func(c *adapterConfig) {
		c.httpClient = client
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(c *adapterConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func (c *adapterConfig) resolve(req Request) (model string, maxTokens int) {
	model, maxTokens = req.Model, req.MaxTokens
	if model == "" {
		model = c.model
	}
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	return model, maxTokens
}

// toolCallNames maps tool call ids to tool names across a history. Some
// vendors address tool results by name rather than id.
func toolCallNames(messages []Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, call := range msg.ToolCalls() {
			names[call.ID] = call.Name
		}
	}
	return names
}

func argumentsOrEmpty(args []byte) []byte {
	if len(args) == 0 {
		return []byte("{}")
	}
	return args
}

func mapFinishReason(raw string) FinishReason {
	switch raw {
	case "end_turn", "stop", "STOP", "stop_sequence":
		return FinishReason{Reason: "stop", Raw: raw}
	case "tool_use", "tool_calls", "function_call":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "max_tokens", "length", "MAX_TOKENS":
		return FinishReason{Reason: "length", Raw: raw}
	case "content_filter", "SAFETY", "RECITATION", "refusal":
		return FinishReason{Reason: "content_filter", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}
