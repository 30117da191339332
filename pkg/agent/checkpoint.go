package agent

import (
	"encoding/json"
	"fmt"

	"daiv/pkg/llm"
)

// MarshalMessages serializes a history for checkpoint storage.
func MarshalMessages(messages []llm.CompletionMessage) (string, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message history: %w", err)
	}
	return string(data), nil
}

// UnmarshalMessages restores a checkpointed history and trims it to the
// last consistent prefix, so a crash between an assistant tool call and
// its result never resumes from a half-finished turn.
func UnmarshalMessages(raw string) ([]llm.CompletionMessage, error) {
	var messages []llm.CompletionMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message history: %w", err)
	}
	return ConsistentPrefix(messages), nil
}

// ConsistentPrefix returns the longest prefix where every assistant tool
// call is followed by a matching tool result.
func ConsistentPrefix(messages []llm.CompletionMessage) []llm.CompletionMessage {
	for i := 0; i < len(messages); i++ {
		msg := &messages[i]
		if msg.Role != llm.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}

		pending := make(map[string]bool, len(msg.ToolCalls))
		for j := range msg.ToolCalls {
			pending[msg.ToolCalls[j].ID] = true
		}

		j := i + 1
		for j < len(messages) && messages[j].Role == llm.RoleTool {
			delete(pending, messages[j].ToolCallID)
			j++
		}
		if len(pending) > 0 {
			return messages[:i]
		}
		i = j - 1
	}
	return messages
}
