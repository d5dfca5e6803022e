package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/martinemde/codeloop/agentloop"
)

const maxArgPreview = 120

// renderer prints session events. Assistant text goes to out so it can be
// piped; tool activity and diagnostics go to status.
type renderer struct {
	out     io.Writer
	status  io.Writer
	verbose bool

	mu     sync.Mutex
	midRow bool
}

func newRenderer(out, status io.Writer, verbose bool) *renderer {
	return &renderer{out: out, status: status, verbose: verbose}
}

// Handle implements agentloop.EventHandler.
func (r *renderer) Handle(ev agentloop.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case agentloop.EventAssistantTextDelta:
		delta, _ := ev.Data["delta"].(string)
		if delta == "" {
			return
		}
		fmt.Fprint(r.out, delta)
		r.midRow = !strings.HasSuffix(delta, "\n")

	case agentloop.EventToolCallStart:
		r.endRow()
		line, _ := ev.Data["tool_name"].(string)
		if args := argPreview(ev.Data["arguments"]); args != "" {
			line += " " + args
		}
		fmt.Fprintf(r.status, "-> %s\n", line)

	case agentloop.EventToolCallEnd:
		output, _ := ev.Data["output"].(string)
		isErr, _ := ev.Data["is_error"].(bool)
		switch {
		case isErr:
			fmt.Fprintf(r.status, "   %s\n", firstLine(output))
		case r.verbose:
			fmt.Fprintln(r.status, indent(output))
		default:
			fmt.Fprintf(r.status, "   ok (%d lines)\n", lineCount(output))
		}

	case agentloop.EventWarning, agentloop.EventLoopDetected:
		r.endRow()
		msg, _ := ev.Data["message"].(string)
		fmt.Fprintf(r.status, "warning: %s\n", msg)

	case agentloop.EventError:
		r.endRow()
		msg, _ := ev.Data["error"].(string)
		fmt.Fprintf(r.status, "error: %s\n", msg)

	case agentloop.EventTurnEnd:
		r.endRow()
		if r.verbose {
			fmt.Fprintf(r.status, "[rounds %v, tool calls %v, tokens in %v out %v]\n",
				ev.Data["rounds"], ev.Data["tool_calls"], ev.Data["input_tokens"], ev.Data["output_tokens"])
		}
	}
}

func (r *renderer) endRow() {
	if r.midRow {
		fmt.Fprintln(r.out)
		r.midRow = false
	}
}

func argPreview(args interface{}) string {
	if args == nil {
		return ""
	}
	raw, err := json.Marshal(args)
	if err != nil || string(raw) == "{}" || string(raw) == "null" {
		return ""
	}
	if r := []rune(string(raw)); len(r) > maxArgPreview {
		return string(r[:maxArgPreview-3]) + "..."
	}
	return string(raw)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func lineCount(s string) int {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "   " + l
	}
	return strings.Join(lines, "\n")
}
