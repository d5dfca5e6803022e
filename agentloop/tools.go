package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/martinemde/codeloop/permission"
	"github.com/martinemde/codeloop/unifiedllm"
)

// DefaultToolTimeout bounds tools that do not declare their own timeout.
const DefaultToolTimeout = 30 * time.Second

var (
	// ErrToolNotFound is returned by Execute for names that are not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout is returned by Execute when a tool exceeds its deadline.
	ErrToolTimeout = errors.New("tool timed out")
)

// ToolExecutor runs one tool invocation. The context carries the tool's
// deadline and the turn's cancellation.
type ToolExecutor func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error)

// ToolDefinition describes a tool for the LLM and for the permission engine.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`

	Tier    permission.Tier       `json:"tier"`
	Target  permission.TargetKind `json:"target"`
	Timeout time.Duration         `json:"timeout,omitempty"`
}

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor
}

// ToolResult is the outcome of one Execute call. Output is what the model
// sees; FullOutput is the untruncated text for display.
type ToolResult struct {
	Output     string
	FullOutput string
	IsError    bool
	Duration   time.Duration
}

// ToolRegistry manages tool registration, lookup and dispatch.
type ToolRegistry struct {
	tools          map[string]*RegisteredTool
	defaultTimeout time.Duration
	charLimits     map[string]int
	lineLimits     map[string]int
	mu             sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:          make(map[string]*RegisteredTool),
		defaultTimeout: DefaultToolTimeout,
	}
}

// Register adds or replaces a tool in the registry. Tools registered without
// a tier are asked about.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	if tool.Definition.Tier == "" {
		tool.Definition.Tier = permission.TierAsk
	}
	if tool.Definition.Target == "" {
		tool.Definition.Target = permission.TargetOther
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a copy of a registered tool.
func (r *ToolRegistry) Get(name string) (RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return RegisteredTool{}, false
	}
	return *tool, true
}

// SetTier overrides the permission tier of a registered tool.
func (r *ToolRegistry) SetTier(name string, tier permission.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("set tier for %q: %w", name, ErrToolNotFound)
	}
	tool.Definition.Tier = tier
	return nil
}

// SetDefaultTimeout changes the deadline used by tools without their own.
func (r *ToolRegistry) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultTimeout = d
}

// SetOutputLimits overrides per-tool truncation limits. Nil maps keep the
// defaults.
func (r *ToolRegistry) SetOutputLimits(charLimits, lineLimits map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charLimits = charLimits
	r.lineLimits = lineLimits
}

// Definitions returns all tool definitions sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ToUnifiedLLMToolDefs converts the registry into request tool definitions.
func (r *ToolRegistry) ToUnifiedLLMToolDefs() []unifiedllm.ToolDefinition {
	defs := r.Definitions()
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

type toolOutcome struct {
	output string
	err    error
}

// Execute runs the named tool under its deadline. The returned ToolResult is
// always populated; the error reports why it carries the error flag. Panics
// inside the executor are recovered into error results. When ctx itself is
// cancelled Execute returns ctx.Err() without waiting for the tool.
func (r *ToolRegistry) Execute(ctx context.Context, name string, arguments json.RawMessage, env ExecutionEnvironment) (ToolResult, error) {
	tool, ok := r.Get(name)
	if !ok {
		msg := fmt.Sprintf("unknown tool: %s", name)
		return ToolResult{Output: msg, FullOutput: msg, IsError: true}, fmt.Errorf("%s: %w", name, ErrToolNotFound)
	}

	r.mu.RLock()
	timeout := r.defaultTimeout
	charLimits, lineLimits := r.charLimits, r.lineLimits
	r.mu.RUnlock()
	if tool.Definition.Timeout > 0 {
		timeout = tool.Definition.Timeout
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- toolOutcome{err: fmt.Errorf("tool %s panicked: %v", name, p)}
			}
		}()
		out, err := tool.Executor(toolCtx, argumentsOrEmpty(arguments), env)
		done <- toolOutcome{output: out, err: err}
	}()

	var (
		outcome  toolOutcome
		finished bool
	)
	select {
	case outcome = <-done:
		finished = true
	case <-toolCtx.Done():
		select {
		case outcome = <-done:
			finished = true
		default:
		}
	}
	elapsed := time.Since(start)

	// A tool that returned cleanly keeps its result even if the turn was
	// cancelled right after.
	if err := ctx.Err(); err != nil && (!finished || outcome.err != nil) {
		msg := fmt.Sprintf("tool %s was cancelled", name)
		return ToolResult{Output: msg, FullOutput: msg, IsError: true, Duration: elapsed}, err
	}
	if errors.Is(toolCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		msg := fmt.Sprintf("tool %s timed out after %s", name, timeout)
		full := msg
		if outcome.output != "" {
			full = outcome.output + "\n\n" + msg
		}
		return ToolResult{
			Output:     TruncateToolOutput(full, name, charLimits, lineLimits),
			FullOutput: full,
			IsError:    true,
			Duration:   elapsed,
		}, fmt.Errorf("%s after %s: %w", name, timeout, ErrToolTimeout)
	}
	if outcome.err != nil {
		msg := "error: " + outcome.err.Error()
		if outcome.output != "" {
			msg = outcome.output + "\n\n" + msg
		}
		return ToolResult{
			Output:     TruncateToolOutput(msg, name, charLimits, lineLimits),
			FullOutput: msg,
			IsError:    true,
			Duration:   elapsed,
		}, outcome.err
	}

	return ToolResult{
		Output:     TruncateToolOutput(outcome.output, name, charLimits, lineLimits),
		FullOutput: outcome.output,
		Duration:   elapsed,
	}, nil
}

func argumentsOrEmpty(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return args
}

// ParseToolArguments parses JSON tool arguments into a map.
func ParseToolArguments(raw json.RawMessage) (map[string]interface{}, error) {
	args := make(map[string]interface{})
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}
