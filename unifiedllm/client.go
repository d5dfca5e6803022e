package unifiedllm

import (
	"context"
	"fmt"
	"sync"
)

// StreamMiddleware wraps a streaming provider call.
type StreamMiddleware func(ctx context.Context, req Request, next StreamFunc) <-chan StreamEvent

// StreamFunc opens a canonical stream.
type StreamFunc func(ctx context.Context, req Request) <-chan StreamEvent

// Client holds registered provider adapters, routes requests by provider
// identifier, and applies stream middleware.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	streamMW        []StreamMiddleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithStreamMiddleware adds stream middleware to the client. The first
// registered middleware is the outermost.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// DefaultProvider returns the provider used when a request names none.
func (c *Client) DefaultProvider() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultProvider
}

// resolveProvider determines which provider adapter to use for a request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Stream sends a streaming request through middleware to the resolved
// provider. The only synchronous error is a routing failure; everything else
// arrives as a StreamError event. The returned stream always ends with
// exactly one StreamFinish or StreamError.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}

	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	req.Messages = FillMissingToolResults(req.Messages)

	handler := StreamFunc(adapter.Stream)

	c.mu.RLock()
	mws := append([]StreamMiddleware(nil), c.streamMW...)
	c.mu.RUnlock()

	// Apply middleware in reverse order so first registered runs first.
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := handler
		handler = func(ctx context.Context, r Request) <-chan StreamEvent {
			return mw(ctx, r, next)
		}
	}

	return guardStream(ctx, req.Provider, handler(ctx, req)), nil
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// interruptedResult is sent for calls that never got a result, which happens
// when a turn is cancelled during dispatch.
const interruptedResult = "interrupted: the tool call was cancelled before it produced a result"

// FillMissingToolResults returns a copy of messages in which every assistant
// tool call is answered by the following tool-result message. Missing results
// are added as errors. The input slice is not modified.
func FillMissingToolResults(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		out = append(out, msg)
		calls := msg.ToolCalls()
		if msg.Role != RoleAssistant || len(calls) == 0 {
			continue
		}

		var answered []ToolResult
		if i+1 < len(messages) && messages[i+1].Role == RoleTool {
			answered = messages[i+1].ToolResults()
			i++
		}
		seen := make(map[string]bool, len(answered))
		for _, r := range answered {
			seen[r.ToolCallID] = true
		}
		results := append([]ToolResult(nil), answered...)
		for _, call := range calls {
			if !seen[call.ID] {
				results = append(results, ToolResult{ToolCallID: call.ID, Content: interruptedResult, IsError: true})
			}
		}
		out = append(out, ToolResultsMessage(results...))
	}
	return out
}
