package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

func (e *SDKError) base() *SDKError { return e }

// classified is satisfied by every error type of this package.
type classified interface{ base() *SDKError }

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
	Raw        string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type StreamProtocolError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode, raw string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Raw:        raw,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504, 529:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = statusCode >= 500
		return &pe
	}
}

// IsRetryable returns true if the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		auth    *AuthenticationError
		denied  *AccessDeniedError
		nf      *NotFoundError
		invalid *InvalidRequestError
		ctxLen  *ContextLengthError
		cfg     *ConfigurationError
		abort   *AbortError
		rl      *RateLimitError
		srv     *ServerError
		netErr  *NetworkError
		timeout *RequestTimeoutError
		pe      *ProviderError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.As(err, &auth), errors.As(err, &denied), errors.As(err, &nf),
		errors.As(err, &invalid), errors.As(err, &ctxLen), errors.As(err, &cfg),
		errors.As(err, &abort):
		return false
	case errors.As(err, &rl), errors.As(err, &srv), errors.As(err, &netErr), errors.As(err, &timeout):
		return true
	case errors.As(err, &pe):
		return pe.Retryable
	default:
		return false
	}
}

// retryAfter extracts the Retry-After hint from a rate limit error.
func retryAfter(err error) *float64 {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return nil
}

// classifyTransportError converts failures that happen below the vendor API
// (cancellation, deadlines, sockets) into the SDK taxonomy. Errors already in
// the taxonomy pass through.
func classifyTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var known classified
	if errors.As(err, &known) {
		return err
	}
	if ctxErr := classifyContextError(provider, err); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{SDKError: SDKError{Message: provider + " network error", Cause: err}}
	}
	return &NetworkError{SDKError: SDKError{Message: provider + " transport error", Cause: err}}
}

func classifyContextError(provider string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return &AbortError{SDKError: SDKError{Message: provider + " stream cancelled", Cause: err}}
	case errors.Is(err, context.DeadlineExceeded):
		return &RequestTimeoutError{SDKError: SDKError{Message: provider + " stream timed out", Cause: err}}
	}
	return nil
}
