package unifiedllm

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// openedStream is a stream whose first event has already been read.
type openedStream struct {
	first StreamEvent
	rest  <-chan StreamEvent
	ok    bool
}

// RetryMiddleware retries streams that fail before producing anything. Once
// an event has been forwarded the stream is never restarted, so a consumer
// never sees duplicated output.
func RetryMiddleware(policy RetryPolicy, logger *slog.Logger) StreamMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Info("retrying stream", "attempt", attempt, "delay", delay, "error", err)
		}
	}
	return func(ctx context.Context, req Request, next StreamFunc) <-chan StreamEvent {
		out := make(chan StreamEvent, streamBuffer)
		go func() {
			defer close(out)
			opened, err := Retry(ctx, policy, func(ctx context.Context) (openedStream, error) {
				in := next(ctx, req)
				first, ok := <-in
				if ok && first.Type == StreamError {
					go drain(in)
					return openedStream{}, first.Error
				}
				return openedStream{first: first, rest: in, ok: ok}, nil
			})
			if err != nil {
				forward(ctx, out, StreamEvent{Type: StreamError, Error: classifyTransportError(req.Provider, err)})
				return
			}
			if !opened.ok {
				return
			}
			forward(ctx, out, opened.first)
			for ev := range opened.rest {
				forward(ctx, out, ev)
			}
		}()
		return out
	}
}

// RateLimitMiddleware waits on the limiter registered for the request's
// provider before opening a stream. Providers without a limiter pass through.
func RateLimitMiddleware(limiters map[string]*rate.Limiter, logger *slog.Logger) StreamMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req Request, next StreamFunc) <-chan StreamEvent {
		limiter, ok := limiters[req.Provider]
		if !ok || limiter == nil {
			return next(ctx, req)
		}
		if limiter.Tokens() < 1 {
			logger.Info("waiting for rate limiter", "provider", req.Provider)
		}
		if err := limiter.Wait(ctx); err != nil {
			cause := classifyContextError(req.Provider, err)
			if cause == nil {
				cause = &AbortError{SDKError: SDKError{Message: "rate limit wait aborted", Cause: err}}
			}
			return failedStream(cause)
		}
		return next(ctx, req)
	}
}

// LoggingMiddleware logs the outcome of every stream.
func LoggingMiddleware(logger *slog.Logger) StreamMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req Request, next StreamFunc) <-chan StreamEvent {
		start := time.Now()
		in := next(ctx, req)
		out := make(chan StreamEvent, streamBuffer)
		go func() {
			defer close(out)
			for ev := range in {
				switch ev.Type {
				case StreamFinish:
					attrs := []any{"provider", req.Provider, "model", req.Model, "duration", time.Since(start)}
					if ev.Usage != nil {
						attrs = append(attrs, "input_tokens", ev.Usage.InputTokens, "output_tokens", ev.Usage.OutputTokens)
					}
					logger.Debug("stream finished", attrs...)
				case StreamError:
					logger.Warn("stream failed", "provider", req.Provider, "model", req.Model,
						"duration", time.Since(start), "error", ev.Error)
				}
				forward(ctx, out, ev)
			}
		}()
		return out
	}
}

func failedStream(err error) <-chan StreamEvent {
	ch := make(chan StreamEvent, 1)
	ch <- StreamEvent{Type: StreamError, Error: err}
	close(ch)
	return ch
}

func forward(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
		if ev.Type.Terminal() {
			select {
			case out <- ev:
			default:
			}
		}
	}
}

func drain(ch <-chan StreamEvent) {
	for range ch {
	}
}
