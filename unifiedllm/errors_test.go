package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		wantType  string
		retryable bool
	}{
		{400, "*unifiedllm.InvalidRequestError", false},
		{401, "*unifiedllm.AuthenticationError", false},
		{403, "*unifiedllm.AccessDeniedError", false},
		{404, "*unifiedllm.NotFoundError", false},
		{408, "*unifiedllm.RequestTimeoutError", true},
		{413, "*unifiedllm.ContextLengthError", false},
		{422, "*unifiedllm.InvalidRequestError", false},
		{429, "*unifiedllm.RateLimitError", true},
		{500, "*unifiedllm.ServerError", true},
		{502, "*unifiedllm.ServerError", true},
		{503, "*unifiedllm.ServerError", true},
		{504, "*unifiedllm.ServerError", true},
		{529, "*unifiedllm.ServerError", true},
		{418, "*unifiedllm.ProviderError", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := ErrorFromStatusCode(tt.status, "test error", "test", "", "", nil)
			if err == nil {
				t.Fatal("expected non-nil error")
			}
			if got := fmt.Sprintf("%T", err); got != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, got)
			}
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestErrorFromStatusCodeRetryAfter(t *testing.T) {
	after := 2.5
	err := ErrorFromStatusCode(429, "slow down", "anthropic", "rate_limit_error", `{"type":"error"}`, &after)

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %T", err)
	}
	if rl.Provider != "anthropic" || rl.ErrorCode != "rate_limit_error" {
		t.Errorf("unexpected provider fields: %+v", rl.ProviderError)
	}
	if got := retryAfter(err); got == nil || *got != 2.5 {
		t.Errorf("expected retry-after 2.5, got %v", got)
	}
	if got := retryAfter(&ServerError{}); got != nil {
		t.Errorf("expected no retry-after for server errors, got %v", *got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("stream: %w", context.Canceled), false},
		{"abort", &AbortError{}, false},
		{"configuration", &ConfigurationError{}, false},
		{"network", &NetworkError{}, true},
		{"timeout", &RequestTimeoutError{}, true},
		{"stream protocol", &StreamProtocolError{}, false},
		{"unknown", errors.New("boom"), false},
		{"wrapped rate limit", fmt.Errorf("call: %w", &RateLimitError{}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	t.Run("known errors pass through", func(t *testing.T) {
		orig := &AuthenticationError{ProviderError: ProviderError{Provider: "openai"}}
		if got := classifyTransportError("openai", orig); got != error(orig) {
			t.Errorf("expected same error, got %T", got)
		}
	})

	t.Run("cancellation", func(t *testing.T) {
		var abort *AbortError
		if !errors.As(classifyTransportError("gemini", context.Canceled), &abort) {
			t.Error("expected AbortError")
		}
	})

	t.Run("deadline", func(t *testing.T) {
		var timeout *RequestTimeoutError
		if !errors.As(classifyTransportError("gemini", context.DeadlineExceeded), &timeout) {
			t.Error("expected RequestTimeoutError")
		}
	})

	t.Run("socket", func(t *testing.T) {
		opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
		err := classifyTransportError("anthropic", opErr)
		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("expected NetworkError, got %T", err)
		}
		if !errors.Is(err, opErr) {
			t.Error("expected cause to be preserved")
		}
	})

	t.Run("unknown", func(t *testing.T) {
		var netErr *NetworkError
		if !errors.As(classifyTransportError("anthropic", errors.New("eof")), &netErr) {
			t.Error("expected NetworkError")
		}
	})

	t.Run("nil", func(t *testing.T) {
		if classifyTransportError("anthropic", nil) != nil {
			t.Error("expected nil")
		}
	})
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &NetworkError{SDKError: SDKError{Message: "network error", Cause: cause}}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if !strings.Contains(err.Error(), "underlying") {
		t.Errorf("expected cause in message, got %q", err.Error())
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		SDKError:   SDKError{Message: "rate limit exceeded"},
		Provider:   "openai",
		StatusCode: 429,
		Retryable:  true,
	}
	msg := err.Error()
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "rate limit") {
		t.Errorf("error message missing expected content: %q", msg)
	}
}
