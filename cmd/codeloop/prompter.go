package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/codeloop/permission"
)

// errNoTerminal is returned when there is nobody to ask.
var errNoTerminal = errors.New("stdin is not a terminal")

const maxAnswerAttempts = 3

// terminalPrompter asks permission questions on the terminal.
type terminalPrompter struct {
	lines       *lineReader
	out         io.Writer
	interactive bool
	mu          sync.Mutex
}

func newTerminalPrompter(lines *lineReader, out io.Writer, interactive bool) *terminalPrompter {
	return &terminalPrompter{lines: lines, out: out, interactive: interactive}
}

// Ask implements permission.Prompter.
func (p *terminalPrompter) Ask(ctx context.Context, req permission.Request) (permission.Answer, error) {
	if !p.interactive {
		return permission.AnswerDeny, errNoTerminal
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\nallow %s?\n", req.Summary)
	if req.Detail {
		fmt.Fprint(p.out, renderDetail(req.Invocation))
	}
	for attempt := 0; attempt < maxAnswerAttempts; attempt++ {
		fmt.Fprint(p.out, "  [y]es / [a]lways / [n]o / [v]iew: ")
		line, err := p.lines.ReadLine(ctx)
		if err != nil {
			fmt.Fprintln(p.out)
			if errors.Is(err, io.EOF) {
				return permission.AnswerDeny, errNoTerminal
			}
			return permission.AnswerDeny, err
		}
		if answer, ok := parseAnswer(line); ok {
			return answer, nil
		}
		fmt.Fprintf(p.out, "  unrecognized answer %q\n", strings.TrimSpace(line))
	}
	return permission.AnswerDeny, nil
}

func parseAnswer(line string) (permission.Answer, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return permission.AnswerApproveOnce, true
	case "a", "always":
		return permission.AnswerApproveAlways, true
	case "n", "no", "":
		return permission.AnswerDeny, true
	case "v", "view":
		return permission.AnswerViewDetail, true
	}
	return permission.AnswerDeny, false
}

// renderDetail prints the full arguments as indented YAML.
func renderDetail(inv permission.Invocation) string {
	if len(inv.Input) == 0 {
		return "  (no arguments)\n"
	}
	raw, err := yaml.Marshal(inv.Input)
	if err != nil {
		return fmt.Sprintf("  %v\n", inv.Input)
	}
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
		sb.WriteString("    ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
