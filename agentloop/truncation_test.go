package agentloop

import (
	"strings"
	"testing"
)

func TestTruncateOutput(t *testing.T) {
	input := strings.Repeat("a", 50) + strings.Repeat("b", 50)

	if got := TruncateOutput("short", 100, TruncateHeadTail); got != "short" {
		t.Errorf("short output changed: %q", got)
	}

	got := TruncateOutput(input, 20, TruncateHeadTail)
	if !strings.HasPrefix(got, strings.Repeat("a", 10)) || !strings.HasSuffix(got, strings.Repeat("b", 10)) {
		t.Errorf("head/tail mode must keep both ends, got %q", got)
	}
	if !strings.Contains(got, "80 characters were removed") {
		t.Errorf("expected removal count, got %q", got)
	}

	got = TruncateOutput(input, 20, TruncateTail)
	if !strings.HasSuffix(got, "]\n\n"+strings.Repeat("b", 20)) {
		t.Errorf("tail mode must keep only the end, got %q", got)
	}
}

func TestTruncateLines(t *testing.T) {
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, string(rune('0'+i)))
	}
	input := strings.Join(lines, "\n")

	if got := TruncateLines(input, 10); got != input {
		t.Errorf("output within the limit changed: %q", got)
	}
	got := TruncateLines(input, 4)
	want := "0\n1\n[... 6 lines omitted ...]\n8\n9"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTruncateToolOutputOverrides(t *testing.T) {
	long := strings.Repeat("x\n", 1000)

	if got := TruncateToolOutput(long, "write_file", nil, nil); len(got) > 1100 {
		t.Errorf("expected the write_file default limit to apply, got %d chars", len(got))
	}
	if got := TruncateToolOutput(long, "write_file", map[string]int{"write_file": 0}, nil); got != long {
		t.Error("a zero override must disable character truncation")
	}
	got := TruncateToolOutput(long, "unknown_tool", nil, map[string]int{"unknown_tool": 10})
	if !strings.Contains(got, "lines omitted") {
		t.Errorf("expected the line override to apply, got %q", got)
	}
}
