package agentloop

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/martinemde/codeloop/permission"
)

// CoreToolOptions configures RegisterCoreTools.
type CoreToolOptions struct {
	// CommandTimeout is the default and maximum run time of run_command.
	CommandTimeout time.Duration
	// HTTPClient serves fetch_url. A client with a 30s timeout is created
	// when nil.
	HTTPClient *resty.Client
}

const (
	defaultCommandTimeout = 2 * time.Minute
	defaultReadLimit      = 2000
	defaultGrepResults    = 100
	maxFetchBytes         = 1 << 20
)

// RegisterCoreTools registers the built-in tools on reg.
func RegisterCoreTools(reg *ToolRegistry, opts CoreToolOptions) {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = resty.New().SetTimeout(30 * time.Second)
	}

	reg.Register(readFileTool())
	reg.Register(listDirectoryTool())
	reg.Register(globTool())
	reg.Register(grepTool())
	reg.Register(gitStatusTool())
	reg.Register(gitDiffTool())
	reg.Register(writeFileTool())
	reg.Register(editFileTool())
	reg.Register(runCommandTool(opts.CommandTimeout))
	reg.Register(fetchURLTool(opts.HTTPClient))
}

type readFileParams struct {
	Path   string `json:"path" jsonschema:"required,description=Path of the file to read. Relative paths resolve against the working directory."`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line number to start reading from."`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to read. Default: 2000."`
}

func readFileTool() RegisteredTool {
	return NewTypedTool(ToolDefinition{
		Name:        "read_file",
		Description: "Read a file. Returns line-numbered content.",
		Tier:        permission.TierAuto,
		Target:      permission.TargetFile,
	}, func(ctx context.Context, p readFileParams, env ExecutionEnvironment) (string, error) {
		if p.Path == "" {
			return "", fmt.Errorf("path is required")
		}
		if p.Limit <= 0 {
			p.Limit = defaultReadLimit
		}
		out, err := env.ReadFile(p.Path, p.Offset, p.Limit)
		if err != nil {
			return "", err
		}
		if out == "" {
			return "(empty file)", nil
		}
		return out, nil
	})
}

type listDirectoryParams struct {
	Path  string `json:"path,omitempty" jsonschema:"description=Directory to list. Default: working directory."`
	Depth int    `json:"depth,omitempty" jsonschema:"description=How many levels to descend. Default: 1."`
}

func listDirectoryTool() RegisteredTool {
	return NewTypedTool(ToolDefinition{
		Name:        "list_directory",
		Description: "List the entries of a directory. Directories end with a slash.",
		Tier:        permission.TierAuto,
		Target:      permission.TargetFile,
	}, func(ctx context.Context, p listDirectoryParams, env ExecutionEnvironment) (string, error) {
		if p.Path == "" {
			p.Path = "."
		}
		entries, err := env.ListDirectory(p.Path, p.Depth)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "(empty directory)", nil
		}
		var sb strings.Builder
		for _, e := range entries {
			if e.IsDir {
				fmt.Fprintf(&sb, "%s/\n", e.Path)
			} else {
				fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Path, e.Size)
			}
		}
		return sb.String(), nil
	})
}

type globParams struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Glob pattern such as **/*.go"`
	Path    string `json:"path,omitempty" jsonschema:"description=Base directory. Default: working directory."`
}

func globTool() RegisteredTool {
	return NewTypedTool(ToolDefinition{
		Name:        "glob",
		Description: "Find files matching a glob pattern, newest first.",
		Tier:        permission.TierAuto,
	}, func(ctx context.Context, p globParams, env ExecutionEnvironment) (string, error) {
		if p.Pattern == "" {
			return "", fmt.Errorf("pattern is required")
		}
		matches, err := env.Glob(p.Pattern, p.Path)
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			return "No files matched the pattern.", nil
		}
		return strings.Join(matches, "\n"), nil
	})
}

type grepParams struct {
	Pattern         string `json:"pattern" jsonschema:"required,description=Regular expression to search for."`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search. Default: working directory."`
	Glob            string `json:"glob,omitempty" jsonschema:"description=Only search files matching this glob (e.g. *.py)."`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty" jsonschema:"description=Maximum matching lines. Default: 100."`
}

func grepTool() RegisteredTool {
	return NewTypedTool(ToolDefinition{
		Name:        "grep",
		Description: "Search file contents with a regular expression. Returns path:line:text matches.",
		Tier:        permission.TierAuto,
	}, func(ctx context.Context, p grepParams, env ExecutionEnvironment) (string, error) {
		if p.Pattern == "" {
			return "", fmt.Errorf("pattern is required")
		}
		if p.MaxResults <= 0 {
			p.MaxResults = defaultGrepResults
		}
		out, err := env.Grep(ctx, p.Pattern, p.Path, GrepOptions{
			GlobFilter:      p.Glob,
			CaseInsensitive: p.CaseInsensitive,
			MaxResults:      p.MaxResults,
		})
		if err != nil {
			return "", err
		}
		if out == "" {
			return "No matches found.", nil
		}
		return out, nil
	})
}

type gitStatusParams struct{}

func gitStatusTool() RegisteredTool {
	return NewTypedTool(ToolDefinition{
		Name:        "git_status",
		Description: "Show the git branch and the short status of the working tree.",
		Tier:        permission.TierAuto,
	}, func(ctx context.Context, _ gitStatusParams, env ExecutionEnvironment) (string, error) {
		return runGit(ctx, env, "git status --short --branch")
	})
}

type gitDiffParams struct {
	Path   string `json:"path,omitempty" jsonschema:"description=Limit the diff to this path."`
	Staged bool   `json:"staged,omitempty" jsonschema:"description=Show staged changes instead of unstaged ones."`
}

func gitDiffTool() RegisteredTool {
	return NewTypedTool(ToolDefinition{
		Name:        "git_diff",
		Description: "Show the git diff of the working tree or the index.",
		Tier:        permission.TierAuto,
	}, func(ctx context.Context, p gitDiffParams, env ExecutionEnvironment) (string, error) {
		cmd := "git --no-pager diff --no-color"
		if p.Staged {
			cmd += " --cached"
		}
		if p.Path != "" {
			cmd += " -- " + shellQuote(p.Path)
		}
		out, err := runGit(ctx, env, cmd)
		if err == nil && out == "" {
			return "No changes.", nil
		}
		return out, err
	})
}

func runGit(ctx context.Context, env ExecutionEnvironment, command string) (string, error) {
	res, err := env.ExecCommand(ctx, command, 30*time.Second, "", nil)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s: exit code %d: %s", command, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// shellQuote wraps s in single quotes for the shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type writeFileParams struct {
	Path    string `json:"path" jsonschema:"required,description=Path of the file to write."`
	Content string `json:"content" jsonschema:"required,description=The full file content."`
}

func writeFileTool() RegisteredTool {
	return NewTypedTool(ToolDefinition{
		Name:        "write_file",
		Description: "Create or overwrite a file with the given content. Parent directories are created.",
		Tier:        permission.TierAsk,
		Target:      permission.TargetFile,
	}, func(ctx context.Context, p writeFileParams, env ExecutionEnvironment) (string, error) {
		if p.Path == "" {
			return "", fmt.Errorf("path is required")
		}
		verb := "Created"
		if env.FileExists(p.Path) {
			verb = "Overwrote"
		}
		if err := env.WriteFile(p.Path, p.Content); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s (%d bytes)", verb, p.Path, len(p.Content)), nil
	})
}

type editFileParams struct {
	Path       string `json:"path" jsonschema:"required,description=Path of the file to edit."`
	OldString  string `json:"old_string" jsonschema:"required,description=Exact text to replace. Must be unique unless replace_all is set."`
	NewString  string `json:"new_string" jsonschema:"required,description=Replacement text."`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence."`
}

func editFileTool() RegisteredTool {
	return NewTypedTool(ToolDefinition{
		Name:        "edit_file",
		Description: "Replace an exact string in a file. Read the file first.",
		Tier:        permission.TierAsk,
		Target:      permission.TargetFile,
	}, func(ctx context.Context, p editFileParams, env ExecutionEnvironment) (string, error) {
		if p.Path == "" {
			return "", fmt.Errorf("path is required")
		}
		if p.OldString == "" {
			return "", fmt.Errorf("old_string is required")
		}
		content, err := env.ReadRawFile(p.Path)
		if err != nil {
			return "", err
		}
		count := strings.Count(content, p.OldString)
		switch {
		case count == 0:
			return "", fmt.Errorf("old_string not found in %s", p.Path)
		case count > 1 && !p.ReplaceAll:
			return "", fmt.Errorf("old_string occurs %d times in %s; add surrounding context or set replace_all", count, p.Path)
		}

		replaced := 1
		if p.ReplaceAll {
			content = strings.ReplaceAll(content, p.OldString, p.NewString)
			replaced = count
		} else {
			content = strings.Replace(content, p.OldString, p.NewString, 1)
		}
		if err := env.WriteFile(p.Path, content); err != nil {
			return "", err
		}
		return fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, p.Path), nil
	})
}

type runCommandParams struct {
	Command     string `json:"command" jsonschema:"required,description=Shell command to run in the working directory."`
	TimeoutMs   int    `json:"timeout_ms,omitempty" jsonschema:"description=Lower the command timeout in milliseconds."`
	Description string `json:"description,omitempty" jsonschema:"description=What the command does in a few words."`
}

func runCommandTool(timeout time.Duration) RegisteredTool {
	return NewTypedTool(ToolDefinition{
		Name:        "run_command",
		Description: fmt.Sprintf("Run a shell command. Returns stdout, stderr and the exit code. Commands are killed after %s.", timeout),
		Tier:        permission.TierAsk,
		Target:      permission.TargetShell,
		Timeout:     timeout,
	}, func(ctx context.Context, p runCommandParams, env ExecutionEnvironment) (string, error) {
		if strings.TrimSpace(p.Command) == "" {
			return "", fmt.Errorf("command is required")
		}
		limit := timeout
		if d := time.Duration(p.TimeoutMs) * time.Millisecond; d > 0 && d < limit {
			limit = d
		}

		res, err := env.ExecCommand(ctx, p.Command, limit, "", nil)
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		sb.WriteString(res.Output())
		if res.TimedOut {
			fmt.Fprintf(&sb, "\n\n[command timed out after %s; partial output above]", limit)
			return sb.String(), fmt.Errorf("command timed out after %s", limit)
		}
		if res.ExitCode != 0 {
			fmt.Fprintf(&sb, "\n\n[exit code: %d]", res.ExitCode)
		}
		if sb.Len() == 0 {
			return "(no output)", nil
		}
		return sb.String(), nil
	})
}

type fetchURLParams struct {
	URL string `json:"url" jsonschema:"required,description=http or https URL to fetch."`
}

func fetchURLTool(client *resty.Client) RegisteredTool {
	return NewTypedTool(ToolDefinition{
		Name:        "fetch_url",
		Description: "Fetch a URL with HTTP GET and return the response body as text.",
		Tier:        permission.TierAsk,
		Target:      permission.TargetOther,
	}, func(ctx context.Context, p fetchURLParams, _ ExecutionEnvironment) (string, error) {
		if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
			return "", fmt.Errorf("url must start with http:// or https://")
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Accept", "text/html, text/plain, application/json, */*").
			SetDoNotParseResponse(true).
			Get(p.URL)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", p.URL, err)
		}
		raw := resp.RawBody()
		defer raw.Close()

		body, err := io.ReadAll(io.LimitReader(raw, maxFetchBytes+1))
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", p.URL, err)
		}
		var note string
		if len(body) > maxFetchBytes {
			body = body[:maxFetchBytes]
			note = fmt.Sprintf("\n\n[response truncated at %d bytes]", maxFetchBytes)
		}
		if resp.IsError() {
			return string(body), fmt.Errorf("fetch %s: %s", p.URL, resp.Status())
		}
		return fmt.Sprintf("%s\n\n%s%s", resp.Status(), body, note), nil
	})
}
