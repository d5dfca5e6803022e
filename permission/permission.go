// Package permission decides whether a proposed tool invocation runs
// automatically, needs a human answer, or is refused.
package permission

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tier is the default permission classification of a tool.
type Tier string

const (
	TierAuto Tier = "auto"
	TierAsk  Tier = "ask"
	TierDeny Tier = "deny"
)

// ParseTier parses a tier name from configuration.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierAuto, TierAsk, TierDeny:
		return t, nil
	}
	return "", fmt.Errorf("unknown permission tier %q", s)
}

// TargetKind tells the engine how to key "always" answers for a tool.
type TargetKind string

const (
	// TargetFile tools are keyed by (tool, path).
	TargetFile TargetKind = "file"
	// TargetShell tools are keyed by (tool, first command word) and are
	// checked for destructive commands.
	TargetShell TargetKind = "shell"
	// TargetOther tools are keyed by tool name alone.
	TargetOther TargetKind = "other"
)

// Invocation is a completed tool call waiting for a decision.
type Invocation struct {
	ID     string
	Name   string
	Input  map[string]interface{}
	Tier   Tier
	Target TargetKind
}

// Command returns the shell command of a shell invocation.
func (inv Invocation) Command() string {
	s, _ := inv.Input["command"].(string)
	return strings.TrimSpace(s)
}

// Path returns the path argument of a file invocation.
func (inv Invocation) Path() string {
	s, _ := inv.Input["path"].(string)
	return s
}

const maxSummaryRunes = 120

// Summary is the one-line description shown when asking about inv.
func (inv Invocation) Summary() string {
	switch inv.Target {
	case TargetShell:
		return fmt.Sprintf("%s: %s", inv.Name, inv.Command())
	case TargetFile:
		return fmt.Sprintf("%s: %s", inv.Name, inv.Path())
	}
	if len(inv.Input) == 0 {
		return inv.Name
	}
	raw, err := json.Marshal(inv.Input)
	if err != nil {
		return inv.Name
	}
	s := string(raw)
	if utf8.RuneCountInString(s) > maxSummaryRunes {
		s = string([]rune(s)[:maxSummaryRunes-3]) + "..."
	}
	return fmt.Sprintf("%s %s", inv.Name, s)
}

// Policy is the configured part of a decision.
type Policy struct {
	// ApproveAll approves every invocation, including dangerous commands.
	ApproveAll bool
	// SafeCommands are shell commands, or space-delimited command prefixes,
	// that run without asking.
	SafeCommands []string
}

// Reason records which rule produced a decision.
type Reason string

const (
	ReasonApproveAll   Reason = "approve_all"
	ReasonDangerous    Reason = "dangerous_command"
	ReasonDenyTier     Reason = "deny_tier"
	ReasonAutoTier     Reason = "auto_tier"
	ReasonSafeCommand  Reason = "safe_command"
	ReasonCached       Reason = "always_approved"
	ReasonUserOnce     Reason = "user_approved"
	ReasonUserAlways   Reason = "user_approved_always"
	ReasonUserDenied   Reason = "user_denied"
	ReasonPromptFailed Reason = "prompt_failed"
)

// Decision is the outcome of Engine.Decide.
type Decision struct {
	Approved bool
	// Remember is set when the answer was recorded in the cache.
	Remember bool
	Reason   Reason
	// Pattern is the matched destructive pattern for ReasonDangerous.
	Pattern *Pattern
}

// Blocked reports whether the refusal came from policy rather than from a
// human answer.
func (d Decision) Blocked() bool {
	return !d.Approved && (d.Reason == ReasonDangerous || d.Reason == ReasonDenyTier)
}

// Message is the text fed back to the model for a refused invocation.
func (d Decision) Message(tool string) string {
	switch d.Reason {
	case ReasonDangerous:
		desc := "destructive command"
		if d.Pattern != nil {
			desc = d.Pattern.Description
		}
		return fmt.Sprintf("blocked: %s refused (%s)", tool, desc)
	case ReasonDenyTier:
		return fmt.Sprintf("blocked: %s is disabled by policy", tool)
	case ReasonPromptFailed:
		return "skipped: permission could not be obtained"
	default:
		return "skipped by user"
	}
}
