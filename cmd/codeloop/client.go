package main

import (
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/martinemde/codeloop/config"
	"github.com/martinemde/codeloop/unifiedllm"
)

// nativeProviders have a dedicated adapter; every other configured
// provider is served through gollm.
var nativeProviders = map[string]bool{"anthropic": true, "openai": true, "gemini": true}

// newClientFromConfig registers an adapter per configured provider and wraps
// every stream in logging, retry and rate-limit middleware. A provider that
// cannot be built is skipped unless it is the default one.
func newClientFromConfig(cfg *config.Config, logger *slog.Logger) (*unifiedllm.Client, error) {
	opts := []unifiedllm.ClientOption{unifiedllm.WithDefaultProvider(cfg.DefaultProvider)}
	limiters := make(map[string]*rate.Limiter)

	for _, name := range cfg.ProviderNames() {
		p, _ := cfg.Provider(name)
		adapter, err := newAdapter(name, p, logger)
		if err != nil {
			if name == cfg.DefaultProvider {
				return nil, err
			}
			logger.Debug("provider unavailable", "provider", name, "error", err)
			continue
		}
		opts = append(opts, unifiedllm.WithProvider(name, adapter))
		if limiter := newLimiter(p.RequestsPerMinute); limiter != nil {
			limiters[name] = limiter
		}
	}

	opts = append(opts, unifiedllm.WithStreamMiddleware(
		unifiedllm.LoggingMiddleware(logger),
		unifiedllm.RetryMiddleware(retryPolicy(cfg.Agent.Retry), logger),
		unifiedllm.RateLimitMiddleware(limiters, logger),
	))
	return unifiedllm.NewClient(opts...), nil
}

func newAdapter(name string, p config.ProviderConfig, logger *slog.Logger) (unifiedllm.ProviderAdapter, error) {
	if nativeProviders[name] && p.APIKey == "" {
		return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("no API key for provider %q; set providers.%s.api_key or the vendor environment variable", name, name),
		}}
	}

	opts := []unifiedllm.AdapterOption{
		unifiedllm.WithModel(p.Model),
		unifiedllm.WithMaxTokens(p.MaxTokens),
		unifiedllm.WithLogger(logger),
	}
	if p.BaseURL != "" {
		opts = append(opts, unifiedllm.WithBaseURL(p.BaseURL))
	}

	switch name {
	case "anthropic":
		return unifiedllm.NewAnthropicAdapter(p.APIKey, opts...), nil
	case "openai":
		return unifiedllm.NewOpenAIAdapter(p.APIKey, opts...), nil
	case "gemini":
		return unifiedllm.NewGeminiAdapter(p.APIKey, opts...), nil
	}

	gollmOpts := []unifiedllm.GollmAdapterOption{
		unifiedllm.WithGollmModel(p.Model),
		unifiedllm.WithGollmMaxTokens(p.MaxTokens),
		unifiedllm.WithGollmLogger(logger),
	}
	if p.APIKey != "" {
		gollmOpts = append(gollmOpts, unifiedllm.WithGollmAPIKey(p.APIKey))
	}
	return unifiedllm.NewGollmAdapter(name, gollmOpts...)
}

// newLimiter turns a requests-per-minute budget into a token bucket that
// allows one request at a time. Zero disables limiting.
func newLimiter(perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perMinute/60), 1)
}

func retryPolicy(rc config.RetryConfig) unifiedllm.RetryPolicy {
	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = rc.MaxRetries
	if rc.BaseDelay > 0 {
		policy.BaseDelay = rc.BaseDelay.Seconds()
	}
	if rc.MaxDelay > 0 {
		policy.MaxDelay = rc.MaxDelay.Seconds()
	}
	return policy
}
