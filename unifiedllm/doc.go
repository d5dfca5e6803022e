// Package unifiedllm normalizes streaming chat APIs from several vendors into
// one canonical event stream.
//
// # Architecture
//
// The package is organized in three layers:
//
//   - Adapters: AnthropicAdapter, OpenAIAdapter and GeminiAdapter speak each
//     vendor's streaming protocol natively. GollmAdapter covers any other
//     provider gollm supports and recovers tool calls from the text.
//   - Normalization: every adapter writes through the same stream writer and
//     tool call accumulator, so each stream carries text fragments, tool call
//     start/fragment/complete events, usage, and exactly one Finish or Error.
//   - Client: routes a Request to the adapter named by Request.Provider and
//     applies StreamMiddleware (retry, rate limiting, logging).
//
// # Usage
//
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", unifiedllm.NewAnthropicAdapter(key)),
//	    unifiedllm.WithStreamMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy(), logger)),
//	)
//
//	events, err := client.Stream(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    switch ev.Type {
//	    case unifiedllm.TextDelta:
//	        fmt.Print(ev.Delta)
//	    case unifiedllm.ToolCallEnd:
//	        // ev.ToolCall.Input holds the parsed arguments.
//	    case unifiedllm.StreamError:
//	        return ev.Error
//	    }
//	}
//
// Collect drains a stream into a Response when incremental output is not
// needed.
//
// # Tool Call Arguments
//
// Arguments are buffered per invocation id and parsed only when the vendor
// closes the call. Empty arguments become an empty object. A call whose
// arguments are not a JSON object is dropped and logged at debug level.
package unifiedllm
