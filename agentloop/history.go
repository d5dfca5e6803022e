package agentloop

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/martinemde/codeloop/unifiedllm"
)

// historyFile is the on-disk form of a conversation.
type historyFile struct {
	SessionID string               `json:"session_id,omitempty"`
	Messages  []unifiedllm.Message `json:"messages"`
}

// SaveHistory writes messages as JSON.
func SaveHistory(w io.Writer, sessionID string, messages []unifiedllm.Message) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(historyFile{SessionID: sessionID, Messages: messages}); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// LoadHistory reads messages written by SaveHistory. Tool call inputs are
// re-parsed from their raw arguments.
func LoadHistory(r io.Reader) ([]unifiedllm.Message, error) {
	var f historyFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for i := range f.Messages {
		for j := range f.Messages[i].Content {
			part := &f.Messages[i].Content[j]
			if part.ToolCall != nil && part.ToolCall.Input == nil {
				part.ToolCall.Input, _ = ParseToolArguments(part.ToolCall.Arguments)
			}
		}
	}
	return f.Messages, nil
}

func cloneMessages(messages []unifiedllm.Message) []unifiedllm.Message {
	out := make([]unifiedllm.Message, len(messages))
	copy(out, messages)
	return out
}

// estimateTokens approximates the prompt size at four characters per token.
func estimateTokens(system string, messages []unifiedllm.Message) int {
	chars := len(system)
	for _, m := range messages {
		for _, part := range m.Content {
			chars += len(part.Text)
			if part.ToolCall != nil {
				chars += len(part.ToolCall.Name) + len(part.ToolCall.Arguments)
			}
			if part.ToolResult != nil {
				chars += len(part.ToolResult.Content)
			}
		}
	}
	return chars / 4
}
