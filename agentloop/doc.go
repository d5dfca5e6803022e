// Package agentloop runs a coding-assistant conversation: it streams a model
// response, gates each proposed tool call through the permission engine,
// dispatches approved calls, and feeds every result back to the model until
// it answers without tools.
//
// # Architecture
//
//   - Session: the state machine behind Submit. One model request is in
//     flight at a time and the calls of one response are dispatched
//     sequentially, in the order they finished streaming. All results of a
//     round go back to the model as a single message.
//   - ToolRegistry: registration and dispatch. Execute enforces per-tool
//     deadlines, recovers panics, and truncates output for the model.
//   - ExecutionEnvironment: where tools touch the machine. The local
//     environment runs commands in their own process group.
//   - Profile: provider, model, context window and system prompt.
//   - EventEmitter: ordered events for the display.
//
// # Quick Start
//
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("anthropic", unifiedllm.NewAnthropicAdapter(key)))
//	engine := permission.NewEngine(permission.WithPrompter(prompter))
//	session := agentloop.NewSession(client,
//	    agentloop.NewProfile("anthropic", "claude-sonnet-4-5"),
//	    agentloop.NewLocalExecutionEnvironment("/path/to/project"),
//	    agentloop.WithPermissionEngine(engine),
//	    agentloop.WithEventHandler(render),
//	)
//	defer session.Close()
//
//	result, err := session.Submit(ctx, "Read a.txt and summarize it")
//
// A turn ends in StateTurnComplete the first time the model answers without
// tool calls, or in StateError when the stream fails, the context is
// cancelled, or the round limit is hit. Refused and failed tool calls are not
// turn errors: they become error-flagged results the model can react to.
package agentloop
