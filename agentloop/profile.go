package agentloop

import (
	"fmt"
	"strings"

	"github.com/martinemde/codeloop/unifiedllm"
)

const defaultContextWindow = 128000

// Profile holds the provider-specific parts of a session: which model is
// asked, how large its context is, and how the system prompt is phrased.
type Profile struct {
	Provider      string
	Model         string
	ContextWindow int

	basePrompt string
	docFiles   []string
}

// NewProfile creates the profile for a provider and model. The context window
// comes from the model catalog when the model is known.
func NewProfile(provider, model string) *Profile {
	model = unifiedllm.ResolveModel(model)
	p := &Profile{
		Provider:      provider,
		Model:         model,
		ContextWindow: defaultContextWindow,
		basePrompt:    basePrompt,
		docFiles:      []string{"AGENTS.md"},
	}
	if info := unifiedllm.GetModelInfo(model); info != nil && info.ContextWindow > 0 {
		p.ContextWindow = info.ContextWindow
	}

	switch provider {
	case "anthropic":
		p.basePrompt += anthropicAddendum
		p.docFiles = append(p.docFiles, "CLAUDE.md")
	case "openai":
		p.basePrompt += openaiAddendum
		p.docFiles = append(p.docFiles, ".codex/instructions.md")
	case "gemini":
		p.basePrompt += geminiAddendum
		p.docFiles = append(p.docFiles, "GEMINI.md")
	}
	return p
}

// BuildSystemPrompt assembles base instructions, environment and git context,
// the tool list and any project instruction files.
func (p *Profile) BuildSystemPrompt(env ExecutionEnvironment, registry *ToolRegistry) string {
	var sb strings.Builder
	sb.WriteString(p.basePrompt)
	sb.WriteString("\n\n")

	sb.WriteString(BuildEnvironmentContext(env, p.Model))
	sb.WriteString("\n\n")

	if gitCtx := GetGitContext(env.WorkingDirectory()); gitCtx != "" {
		sb.WriteString(gitCtx)
		sb.WriteString("\n\n")
	}

	if registry != nil && registry.Count() > 0 {
		sb.WriteString("# Available Tools\n\n")
		for _, def := range registry.Definitions() {
			fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
		}
		sb.WriteString("\n")
	}

	if docs := DiscoverProjectDocs(env.WorkingDirectory(), p.docFiles); docs != "" {
		sb.WriteString("# Project Instructions\n\n")
		sb.WriteString(docs)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

const basePrompt = `You are a coding assistant working in the user's repository through tools. Read before you edit, keep changes small, and verify them.

# Tools

- read_file, list_directory, glob and grep run without asking. Use them freely to understand the code.
- write_file, edit_file, run_command and fetch_url may ask the user first. A call can come back as "skipped by user" or "blocked: ..."; do not retry the same call, choose another approach or ask the user.
- edit_file replaces an exact string. If it is not unique, include more surrounding lines.
- Prefer short-running commands. Destructive commands are refused.

# Errors

- When a tool fails, read the error and adjust instead of repeating the call.
- When edit_file cannot find old_string, read the file again.`

const anthropicAddendum = `

Think about which files matter before reading many of them. Batch independent read-only tool calls in one response.`

const openaiAddendum = `

Keep answers concise. Summarize what changed and how it was verified at the end of the task.`

const geminiAddendum = `

Relative paths resolve against the working directory shown below. State a short plan before multi-step changes.`
