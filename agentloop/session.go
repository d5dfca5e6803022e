package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/codeloop/permission"
	"github.com/martinemde/codeloop/unifiedllm"
)

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	StateIdle             SessionState = "idle"
	StateAwaitingModel    SessionState = "awaiting_model"
	StateHasPendingCalls  SessionState = "has_pending_calls"
	StateDispatchingCalls SessionState = "dispatching_calls"
	StateTurnComplete     SessionState = "turn_complete"
	StateError            SessionState = "error"
	StateClosed           SessionState = "closed"
)

var (
	// ErrSessionClosed is returned by Submit after Close.
	ErrSessionClosed = errors.New("session is closed")

	// ErrSessionBusy is returned when Submit is called while a turn runs.
	ErrSessionBusy = errors.New("session is already processing a turn")

	// ErrRoundLimit ends a turn that keeps requesting tools.
	ErrRoundLimit = errors.New("tool round limit reached")
)

// TurnError reports why a turn ended in the error state.
type TurnError struct {
	Round int
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in round %d: %v", e.Round, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// TurnResult summarizes a turn. It is returned alongside a TurnError too,
// describing the work done before the failure.
type TurnResult struct {
	// Text is the final assistant text of a completed turn.
	Text string
	// Rounds counts dispatch cycles.
	Rounds       int
	ToolCalls    int
	Usage        unifiedllm.Usage
	FinishReason unifiedllm.FinishReason
}

// Streamer opens canonical model streams. *unifiedllm.Client implements it.
type Streamer interface {
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// SessionConfig holds the tunables of a session.
type SessionConfig struct {
	MaxToolRounds       int                        `json:"max_tool_rounds"`
	MaxTokens           int                        `json:"max_tokens"`
	ToolTimeout         time.Duration              `json:"tool_timeout"`
	CommandTimeout      time.Duration              `json:"command_timeout"`
	LoopDetectionWindow int                        `json:"loop_detection_window"`
	ContextWarningRatio float64                    `json:"context_warning_ratio"`
	Policy              permission.Policy          `json:"-"`
	ToolTiers           map[string]permission.Tier `json:"tool_tiers,omitempty"`
	ToolCharLimits      map[string]int             `json:"tool_char_limits,omitempty"`
	ToolLineLimits      map[string]int             `json:"tool_line_limits,omitempty"`
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxToolRounds:       50,
		ToolTimeout:         DefaultToolTimeout,
		CommandTimeout:      defaultCommandTimeout,
		LoopDetectionWindow: 10,
		ContextWarningRatio: 0.8,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithConfig replaces the session configuration.
func WithConfig(cfg SessionConfig) Option {
	return func(s *Session) { s.config = cfg }
}

// WithHistory seeds the session with a previously persisted conversation.
func WithHistory(messages []unifiedllm.Message) Option {
	return func(s *Session) { s.history = cloneMessages(messages) }
}

// WithPermissionEngine sets the engine that gates tool calls. Without one
// the session uses an engine with no prompter, which denies ask-tier calls.
func WithPermissionEngine(e *permission.Engine) Option {
	return func(s *Session) { s.permissions = e }
}

// WithToolRegistry replaces the core tool registry.
func WithToolRegistry(r *ToolRegistry) Option {
	return func(s *Session) { s.registry = r }
}

// WithEventHandler installs a synchronous event callback.
func WithEventHandler(h EventHandler) Option {
	return func(s *Session) { s.handler = h }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithSessionID sets the session id, which is otherwise a new UUID.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session drives one conversation: it streams model responses, gates and
// dispatches the tool calls they propose, and feeds the results back until
// the model answers without tools.
type Session struct {
	id          string
	client      Streamer
	profile     *Profile
	env         ExecutionEnvironment
	registry    *ToolRegistry
	permissions *permission.Engine
	config      SessionConfig
	emitter     *EventEmitter
	handler     EventHandler
	logger      *slog.Logger

	mu            sync.Mutex
	state         SessionState
	running       bool
	history       []unifiedllm.Message
	usage         unifiedllm.Usage
	contextWarned bool
}

// NewSession creates a session that asks the model described by profile
// through client and runs tools in env.
func NewSession(client Streamer, profile *Profile, env ExecutionEnvironment, opts ...Option) *Session {
	s := &Session{
		client:  client,
		profile: profile,
		env:     env,
		config:  DefaultSessionConfig(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("session", s.id)
	if s.permissions == nil {
		s.permissions = permission.NewEngine(permission.WithLogger(s.logger))
	}
	if s.registry == nil {
		s.registry = NewToolRegistry()
		RegisterCoreTools(s.registry, CoreToolOptions{CommandTimeout: s.config.CommandTimeout})
	}
	s.registry.SetDefaultTimeout(s.config.ToolTimeout)
	s.registry.SetOutputLimits(s.config.ToolCharLimits, s.config.ToolLineLimits)
	for name, tier := range s.config.ToolTiers {
		if err := s.registry.SetTier(name, tier); err != nil {
			s.logger.Warn("ignoring tier override", "tool", name, "error", err)
		}
	}
	if s.config.MaxToolRounds <= 0 {
		s.config.MaxToolRounds = DefaultSessionConfig().MaxToolRounds
	}

	s.emitter = NewEventEmitter(s.id, 0, s.handler)
	s.emitter.Emit(EventSessionStart, map[string]interface{}{
		"provider": profile.Provider,
		"model":    profile.Model,
	})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation.
func (s *Session) History() []unifiedllm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.history)
}

// Usage returns the token usage accumulated over the session.
func (s *Session) Usage() unifiedllm.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Events returns the session event channel.
func (s *Session) Events() <-chan SessionEvent { return s.emitter.Events() }

// Registry returns the session's tool registry.
func (s *Session) Registry() *ToolRegistry { return s.registry }

// Permissions returns the session's permission engine.
func (s *Session) Permissions() *permission.Engine { return s.permissions }

// Close ends the session and closes the event channel.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.emitter.Emit(EventSessionEnd, nil)
	s.emitter.Close()
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = state
	}
}

func (s *Session) appendMessage(msg unifiedllm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
}

// Submit adds the user's message and runs the conversation until the model
// answers without tool calls or the turn fails. A failed turn returns a
// *TurnError; partial work stays in the history.
func (s *Session) Submit(ctx context.Context, input string) (*TurnResult, error) {
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case s.running:
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	s.running = true
	s.history = append(s.history, unifiedllm.UserMessage(input))
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.emitter.Emit(EventUserInput, map[string]interface{}{"content": input})
	system := s.profile.BuildSystemPrompt(s.env, s.registry)
	result := &TurnResult{}

	for round := 0; ; round++ {
		if round >= s.config.MaxToolRounds {
			return result, s.fail(round, fmt.Errorf("%w (%d)", ErrRoundLimit, s.config.MaxToolRounds))
		}

		s.setState(StateAwaitingModel)
		resp, err := s.streamResponse(ctx, system)
		if err != nil {
			return result, s.fail(round, err)
		}
		result.Usage = result.Usage.Add(resp.Usage)
		result.FinishReason = resp.FinishReason
		s.appendMessage(resp.Message)
		s.checkContextUsage(system, resp.Usage)

		calls := resp.Message.ToolCalls()
		if len(calls) == 0 {
			result.Text = resp.Message.TextContent()
			s.setState(StateTurnComplete)
			s.emitter.Emit(EventTurnEnd, map[string]interface{}{
				"rounds":        result.Rounds,
				"tool_calls":    result.ToolCalls,
				"finish_reason": result.FinishReason.Reason,
				"input_tokens":  result.Usage.InputTokens,
				"output_tokens": result.Usage.OutputTokens,
			})
			return result, nil
		}

		s.setState(StateHasPendingCalls)
		if s.config.LoopDetectionWindow > 0 && DetectLoop(s.History(), s.config.LoopDetectionWindow) {
			msg := fmt.Sprintf("the last %d tool calls repeat the same pattern", s.config.LoopDetectionWindow)
			s.logger.Warn("loop detected", "window", s.config.LoopDetectionWindow)
			s.emitter.Emit(EventLoopDetected, map[string]interface{}{"message": msg})
		}

		s.setState(StateDispatchingCalls)
		results, err := s.dispatch(ctx, calls)
		result.Rounds++
		result.ToolCalls += len(results)
		if len(results) > 0 {
			s.appendMessage(unifiedllm.ToolResultsMessage(results...))
		}
		if err != nil {
			return result, s.fail(round, err)
		}
	}
}

func (s *Session) fail(round int, err error) error {
	s.setState(StateError)
	s.logger.Warn("turn failed", "round", round, "error", err)
	s.emitter.Emit(EventError, map[string]interface{}{"error": err.Error()})
	return &TurnError{Round: round, Err: err}
}

// streamResponse sends the conversation and consumes the stream as it
// arrives. Text fragments are emitted immediately. On a stream error the
// partial response is discarded and its tool calls are never returned.
func (s *Session) streamResponse(ctx context.Context, system string) (*unifiedllm.Response, error) {
	req := unifiedllm.Request{
		Model:     s.profile.Model,
		Provider:  s.profile.Provider,
		System:    system,
		Messages:  s.History(),
		Tools:     s.registry.ToUnifiedLLMToolDefs(),
		MaxTokens: s.config.MaxTokens,
	}
	events, err := s.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		text      strings.Builder
		calls     []unifiedllm.ToolCall
		resp      unifiedllm.Response
		streamErr error
	)
	for ev := range events {
		switch ev.Type {
		case unifiedllm.TextDelta:
			text.WriteString(ev.Delta)
			s.emitter.Emit(EventAssistantTextDelta, map[string]interface{}{"delta": ev.Delta})
		case unifiedllm.ToolCallEnd:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case unifiedllm.StreamUsage:
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		case unifiedllm.StreamFinish:
			if ev.FinishReason != nil {
				resp.FinishReason = *ev.FinishReason
			}
		case unifiedllm.StreamError:
			streamErr = ev.Error
		}
	}
	if streamErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(streamErr, ctxErr) {
			streamErr = fmt.Errorf("%w: %v", ctxErr, streamErr)
		}
		return nil, streamErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.usage = s.usage.Add(resp.Usage)
	s.mu.Unlock()
	s.emitter.Emit(EventUsage, map[string]interface{}{
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"total_tokens":  resp.Usage.TotalTokens,
	})

	resp.Provider = s.profile.Provider
	resp.Model = s.profile.Model
	resp.Message = unifiedllm.AssistantMessage(text.String(), calls...)
	return &resp, nil
}

// checkContextUsage warns once when the prompt nears the context window.
func (s *Session) checkContextUsage(system string, usage unifiedllm.Usage) {
	if s.profile.ContextWindow <= 0 || s.config.ContextWarningRatio <= 0 {
		return
	}
	used := usage.InputTokens + usage.OutputTokens
	if used == 0 {
		used = estimateTokens(system, s.History())
	}
	threshold := int(float64(s.profile.ContextWindow) * s.config.ContextWarningRatio)

	s.mu.Lock()
	warn := used > threshold && !s.contextWarned
	if warn {
		s.contextWarned = true
	}
	s.mu.Unlock()
	if !warn {
		return
	}
	pct := used * 100 / s.profile.ContextWindow
	s.emitter.Emit(EventWarning, map[string]interface{}{
		"message": fmt.Sprintf("context usage at about %d%% of the %d token window", pct, s.profile.ContextWindow),
		"tokens":  used,
	})
}

// dispatch runs calls in order. It returns the results of every call that
// completed; on cancellation the remaining calls get no result.
func (s *Session) dispatch(ctx context.Context, calls []unifiedllm.ToolCall) ([]unifiedllm.ToolResult, error) {
	results := make([]unifiedllm.ToolResult, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.dispatchOne(ctx, call)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// dispatchOne checks permission for one call and executes or skips it. The
// only error it returns is cancellation.
func (s *Session) dispatchOne(ctx context.Context, call unifiedllm.ToolCall) (unifiedllm.ToolResult, error) {
	input := call.Input
	if input == nil {
		input, _ = ParseToolArguments(call.Arguments)
	}
	s.emitter.Emit(EventToolCallStart, map[string]interface{}{
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
		"arguments":    input,
	})

	tool, ok := s.registry.Get(call.Name)
	if !ok {
		res, err := s.registry.Execute(ctx, call.Name, call.Arguments, s.env)
		s.logger.Warn("model called unknown tool", "tool", call.Name, "error", err)
		return s.finishCall(call, res.Output, res.FullOutput, true, nil), nil
	}

	decision, err := s.permissions.Decide(ctx, permission.Invocation{
		ID:     call.ID,
		Name:   call.Name,
		Input:  input,
		Tier:   tool.Definition.Tier,
		Target: tool.Definition.Target,
	}, s.config.Policy)
	if err != nil {
		return unifiedllm.ToolResult{}, err
	}
	if !decision.Approved {
		msg := decision.Message(call.Name)
		if decision.Blocked() {
			s.logger.Warn("tool call blocked", "tool", call.Name, "reason", decision.Reason)
		}
		return s.finishCall(call, msg, msg, true, map[string]interface{}{
			"skipped": true,
			"reason":  string(decision.Reason),
		}), nil
	}

	res, err := s.registry.Execute(ctx, call.Name, call.Arguments, s.env)
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil && errors.Is(err, ctxErr) {
		return unifiedllm.ToolResult{}, err
	}
	if err != nil {
		s.logger.Debug("tool returned error", "tool", call.Name, "error", err)
	}
	return s.finishCall(call, res.Output, res.FullOutput, res.IsError, map[string]interface{}{
		"duration_ms": res.Duration.Milliseconds(),
	}), nil
}

func (s *Session) finishCall(call unifiedllm.ToolCall, output, fullOutput string, isError bool, extra map[string]interface{}) unifiedllm.ToolResult {
	data := map[string]interface{}{
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
		"output":       fullOutput,
		"is_error":     isError,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.emitter.Emit(EventToolCallEnd, data)
	return unifiedllm.ToolResult{ToolCallID: call.ID, Content: output, IsError: isError}
}
