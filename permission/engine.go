package permission

import (
	"context"
	"log/slog"
	"strings"
)

// Answer is a human response to a permission request.
type Answer int

const (
	AnswerDeny Answer = iota
	AnswerApproveOnce
	AnswerApproveAlways
	// AnswerViewDetail asks for the full arguments before answering.
	AnswerViewDetail
)

func (a Answer) String() string {
	switch a {
	case AnswerApproveOnce:
		return "approve_once"
	case AnswerApproveAlways:
		return "approve_always"
	case AnswerViewDetail:
		return "view_detail"
	default:
		return "deny"
	}
}

// Request is what a Prompter is asked about.
type Request struct {
	Invocation Invocation
	Summary    string
	// Detail is set on the re-prompt after AnswerViewDetail; the prompter
	// should show the full arguments.
	Detail bool
}

// Prompter asks a human about an invocation.
type Prompter interface {
	Ask(ctx context.Context, req Request) (Answer, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req Request) (Answer, error)

// Ask calls f.
func (f PrompterFunc) Ask(ctx context.Context, req Request) (Answer, error) {
	return f(ctx, req)
}

// maxDetailViews bounds how often one request may be re-prompted.
const maxDetailViews = 5

// Engine applies the permission policy and owns the "always" cache.
type Engine struct {
	cache    *Cache
	prompter Prompter
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache shares an existing cache.
func WithCache(c *Cache) Option {
	return func(e *Engine) {
		if c != nil {
			e.cache = c
		}
	}
}

// WithPrompter sets the human prompt. Without one, every invocation that
// would be asked about is denied.
func WithPrompter(p Prompter) Option {
	return func(e *Engine) {
		e.prompter = p
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine with an empty cache.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{cache: NewCache(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cache returns the engine's "always" cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Decide returns whether inv may run. The rules are evaluated in order and
// the first match wins:
//
//  1. policy.ApproveAll approves everything.
//  2. Shell commands matching a destructive pattern are refused.
//  3. Deny-tier tools are refused.
//  4. Auto-tier tools are approved.
//  5. Shell commands on the safe list are approved.
//  6. Keys approved with "always" are approved.
//  7. The prompter is asked.
//
// The error is non-nil only when ctx ended while waiting for an answer; the
// decision is then a refusal.
func (e *Engine) Decide(ctx context.Context, inv Invocation, policy Policy) (Decision, error) {
	if policy.ApproveAll {
		return Decision{Approved: true, Reason: ReasonApproveAll}, nil
	}

	if inv.Target == TargetShell {
		if p, ok := MatchDangerous(inv.Command()); ok {
			e.logger.Warn("blocked dangerous command",
				"tool", inv.Name, "tool_call_id", inv.ID, "pattern", p.Name, "command", inv.Command())
			return Decision{Reason: ReasonDangerous, Pattern: &p}, nil
		}
	}

	switch inv.Tier {
	case TierDeny:
		return Decision{Reason: ReasonDenyTier}, nil
	case TierAuto:
		return Decision{Approved: true, Reason: ReasonAutoTier}, nil
	}

	if inv.Target == TargetShell && isSafeCommand(inv.Command(), policy.SafeCommands) {
		return Decision{Approved: true, Reason: ReasonSafeCommand}, nil
	}

	key := KeyFor(inv)
	if e.cache.Has(key) {
		return Decision{Approved: true, Reason: ReasonCached}, nil
	}

	return e.ask(ctx, inv, key)
}

func (e *Engine) ask(ctx context.Context, inv Invocation, key Key) (Decision, error) {
	if e.prompter == nil {
		e.logger.Debug("no prompter configured, denying", "tool", inv.Name)
		return Decision{Reason: ReasonPromptFailed}, nil
	}

	req := Request{Invocation: inv, Summary: inv.Summary()}
	for views := 0; ; views++ {
		if err := ctx.Err(); err != nil {
			return Decision{Reason: ReasonPromptFailed}, err
		}
		answer, err := e.prompter.Ask(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Decision{Reason: ReasonPromptFailed}, ctxErr
			}
			e.logger.Warn("permission prompt failed", "tool", inv.Name, "error", err)
			return Decision{Reason: ReasonPromptFailed}, nil
		}

		switch answer {
		case AnswerApproveOnce:
			return Decision{Approved: true, Reason: ReasonUserOnce}, nil
		case AnswerApproveAlways:
			e.cache.Add(key)
			return Decision{Approved: true, Remember: true, Reason: ReasonUserAlways}, nil
		case AnswerViewDetail:
			if views >= maxDetailViews {
				return Decision{Reason: ReasonUserDenied}, nil
			}
			req.Detail = true
		default:
			return Decision{Reason: ReasonUserDenied}, nil
		}
	}
}

// shellOperators are the sequences that let one command line run several
// programs. A line containing any of them never matches the safe list, so
// "ls; rm -r build" is not approved by a "ls" entry.
var shellOperators = []string{";", "&", "|", "`", "$(", ">", "<", "\n"}

func isSafeCommand(command string, safe []string) bool {
	command = strings.Join(strings.Fields(command), " ")
	if command == "" {
		return false
	}
	for _, op := range shellOperators {
		if strings.Contains(command, op) {
			return false
		}
	}
	for _, entry := range safe {
		entry = strings.Join(strings.Fields(entry), " ")
		if entry == "" {
			continue
		}
		if command == entry || strings.HasPrefix(command, entry+" ") {
			return true
		}
	}
	return false
}
