package unifiedllm

import "context"

// ProviderAdapter is the interface every vendor backend implements. Stream
// never fails synchronously: transport and API failures arrive as a single
// StreamError event, and the channel is closed after the terminal event.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic", "gemini").
	Name() string

	// Stream sends a request and returns a channel of canonical stream events.
	Stream(ctx context.Context, req Request) <-chan StreamEvent
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}
