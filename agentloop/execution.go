package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// ExecutionEnvironment abstracts where tool operations run.
type ExecutionEnvironment interface {
	// ReadFile returns line-numbered content starting at the 1-based offset.
	ReadFile(path string, offset, limit int) (string, error)
	// ReadRawFile returns the file content unchanged.
	ReadRawFile(path string) (string, error)
	WriteFile(path string, content string) error
	FileExists(path string) bool
	ListDirectory(path string, depth int) ([]DirEntry, error)

	ExecCommand(ctx context.Context, command string, timeout time.Duration, workingDir string, envVars map[string]string) (*ExecResult, error)

	Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error)
	Glob(pattern string, path string) ([]string, error)

	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// sensitiveEnvSuffixes mark environment variables withheld from commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// passthroughEnvVars are always forwarded.
var passthroughEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "GOFLAGS": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// commandEnvironment returns os.Environ without credentials, so provider API
// keys never reach model-authored commands.
func commandEnvironment(overrides map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if passthroughEnvVars[name] || !isSensitiveEnvVar(name) {
			env = append(env, kv)
		}
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// LocalExecutionEnvironment runs tools on the local machine.
type LocalExecutionEnvironment struct {
	workingDir string
	shell      string
}

// NewLocalExecutionEnvironment creates a local execution environment rooted
// at workingDir, or the process working directory when empty.
func NewLocalExecutionEnvironment(workingDir string) *LocalExecutionEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	shell := "/bin/bash"
	if _, err := os.Stat(shell); err != nil {
		shell = "/bin/sh"
	}
	return &LocalExecutionEnvironment{workingDir: workingDir, shell: shell}
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string { return e.workingDir }
func (e *LocalExecutionEnvironment) Platform() string         { return runtime.GOOS }
func (e *LocalExecutionEnvironment) OSVersion() string        { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalExecutionEnvironment) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.workingDir, p)
}

func (e *LocalExecutionEnvironment) ReadRawFile(p string) (string, error) {
	data, err := os.ReadFile(e.resolvePath(p))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *LocalExecutionEnvironment) ReadFile(p string, offset, limit int) (string, error) {
	raw, err := e.ReadRawFile(p)
	if err != nil {
		return "", err
	}
	return numberLines(raw, offset, limit), nil
}

// numberLines formats content as "N | line" starting at the 1-based offset.
func numberLines(content string, offset, limit int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String()
}

func (e *LocalExecutionEnvironment) WriteFile(p string, content string) error {
	resolved := e.resolvePath(p)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (e *LocalExecutionEnvironment) FileExists(p string) bool {
	_, err := os.Stat(e.resolvePath(p))
	return err == nil
}

// ListDirectory lists entries up to depth levels below path. Hidden
// directories are not descended into.
func (e *LocalExecutionEnvironment) ListDirectory(p string, depth int) ([]DirEntry, error) {
	if depth <= 0 {
		depth = 1
	}
	root := e.resolvePath(p)
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", p)
	}

	var entries []DirEntry
	err = filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if full == root {
			return nil
		}
		rel, _ := filepath.Rel(root, full)
		level := strings.Count(rel, string(filepath.Separator)) + 1
		entry := DirEntry{Path: filepath.ToSlash(rel), IsDir: d.IsDir()}
		if fi, err := d.Info(); err == nil && !d.IsDir() {
			entry.Size = fi.Size()
		}
		entries = append(entries, entry)
		if d.IsDir() && (level >= depth || strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		return nil
	})
	return entries, err
}

// ExecCommand runs command through the shell in its own process group. The
// whole group is killed when ctx ends or the timeout passes, so children
// spawned by the command do not outlive it.
func (e *LocalExecutionEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration, workingDir string, envVars map[string]string) (*ExecResult, error) {
	if workingDir == "" {
		workingDir = e.workingDir
	} else {
		workingDir = e.resolvePath(workingDir)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.shell, "-c", command)
	cmd.Dir = workingDir
	cmd.Env = commandEnvironment(envVars)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err == nil {
		return result, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	case ctx.Err() != nil:
		return result, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("exec command: %w", err)
}

// Grep searches with ripgrep when available and falls back to grep.
func (e *LocalExecutionEnvironment) Grep(ctx context.Context, pattern string, p string, options GrepOptions) (string, error) {
	if p == "" {
		p = e.workingDir
	} else {
		p = e.resolvePath(p)
	}

	var cmd *exec.Cmd
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{"--line-number", "--no-heading", "--color=never"}
		if options.CaseInsensitive {
			args = append(args, "-i")
		}
		if options.GlobFilter != "" {
			args = append(args, "--glob", options.GlobFilter)
		}
		args = append(args, "--", pattern, p)
		cmd = exec.CommandContext(ctx, rg, args...)
	} else {
		args := []string{"-rnE"}
		if options.CaseInsensitive {
			args = append(args, "-i")
		}
		if options.GlobFilter != "" {
			args = append(args, "--include="+options.GlobFilter)
		}
		args = append(args, "--", pattern, p)
		cmd = exec.CommandContext(ctx, "grep", args...)
	}
	cmd.Dir = e.workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		// Exit status 1 means no matches for both tools.
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", fmt.Errorf("grep: %s", msg)
			}
			return "", fmt.Errorf("grep: %w", err)
		}
	}

	out := strings.TrimRight(stdout.String(), "\n")
	if out == "" {
		return "", nil
	}
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if rel, ok := strings.CutPrefix(line, e.workingDir+string(filepath.Separator)); ok {
			lines[i] = rel
		}
	}
	if options.MaxResults > 0 && len(lines) > options.MaxResults {
		lines = append(lines[:options.MaxResults], fmt.Sprintf("[%d more matches omitted]", len(lines)-options.MaxResults))
	}
	return strings.Join(lines, "\n"), nil
}

// Glob matches pattern relative to path. "**" matches any number of
// directories. Results are relative to the working directory, newest first.
func (e *LocalExecutionEnvironment) Glob(pattern string, p string) ([]string, error) {
	if p == "" {
		p = e.workingDir
	} else {
		p = e.resolvePath(p)
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("glob: %w", doublestar.ErrBadPattern)
	}

	type match struct {
		path    string
		modTime time.Time
	}
	var matches []match
	err := filepath.WalkDir(p, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if full != p && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(p, full)
		if err != nil {
			return nil
		}
		if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); !ok {
			return nil
		}
		m := match{path: full}
		if fi, err := d.Info(); err == nil {
			m.modTime = fi.ModTime()
		}
		matches = append(matches, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].modTime.After(matches[j].modTime) })
	out := make([]string, len(matches))
	for i, m := range matches {
		if rel, err := filepath.Rel(e.workingDir, m.path); err == nil {
			out[i] = rel
		} else {
			out[i] = m.path
		}
	}
	return out, nil
}
