package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies which part of an oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

const defaultCharLimit = 30000

// DefaultToolCharLimits caps the characters of each tool's output sent to the
// model.
var DefaultToolCharLimits = map[string]int{
	"read_file":      50000,
	"run_command":    30000,
	"grep":           20000,
	"glob":           20000,
	"list_directory": 20000,
	"git_status":     10000,
	"git_diff":       40000,
	"fetch_url":      30000,
	"edit_file":      10000,
	"write_file":     1000,
}

// DefaultTruncationModes selects what survives truncation per tool. Search
// style tools keep the tail; everything else keeps both ends.
var DefaultTruncationModes = map[string]TruncationMode{
	"grep":           TruncateTail,
	"glob":           TruncateTail,
	"list_directory": TruncateTail,
	"edit_file":      TruncateTail,
	"write_file":     TruncateTail,
}

// DefaultToolLineLimits is applied after character truncation.
var DefaultToolLineLimits = map[string]int{
	"run_command": 256,
	"grep":        200,
	"glob":        500,
	"git_diff":    800,
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[output truncated: the first %d characters were removed]\n\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[output truncated: %d characters were removed from the middle. "+
			"Re-run the tool with narrower parameters to see them.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output when it has more
// than maxLines.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// TruncateToolOutput applies character then line truncation for toolName.
// Entries in charLimits and lineLimits override the defaults.
func TruncateToolOutput(output string, toolName string, charLimits map[string]int, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		if maxChars, ok = DefaultToolCharLimits[toolName]; !ok {
			maxChars = defaultCharLimit
		}
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := lineLimits[toolName]
	if !ok {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}
