package llm

import (
	"fmt"
	"strings"
)

// FlattenMessages collapses a conversation into the system prompt and user
// prompt accepted by the claude CLI.
//
// System messages are newline-joined into the system prompt. User and
// assistant turns are prefixed and joined with blank lines. Tool messages are
// skipped here; FormatToolResults renders them. With includeToolContext set,
// assistant tool calls are rendered as "Called tool: ..." lines.
//
// When the conversation has exactly one message besides system and tool
// messages, the first user message's raw content is used as the user prompt
// with no prefix, even if system or tool messages surround it.
func FlattenMessages(messages []Message, includeToolContext bool) (string, string) {
	var systemParts []string
	var conversationParts []string

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case RoleUser:
			conversationParts = append(conversationParts, "User: "+msg.Content)
		case RoleAssistant:
			text := "Assistant: " + msg.Content
			if includeToolContext && msg.hasToolCalls() {
				for _, tc := range msg.ToolCalls {
					text += "\n" + fmt.Sprintf("Called tool: %s with args: %s", tc.Name, tc.Arguments)
				}
			}
			conversationParts = append(conversationParts, text)
		}
	}

	systemPrompt := strings.Join(systemParts, "\n")
	userPrompt := strings.Join(conversationParts, "\n\n")

	if len(messages) == 1 && messages[0].Role == RoleUser {
		return systemPrompt, messages[0].Content
	}
	if countTurns(messages) == 1 {
		for _, msg := range messages {
			if msg.Role == RoleUser {
				userPrompt = msg.Content
				break
			}
		}
	}

	return systemPrompt, userPrompt
}

// countTurns counts messages that are neither system nor tool results.
func countTurns(messages []Message) int {
	n := 0
	for _, msg := range messages {
		if msg.Role != RoleSystem && msg.Role != RoleTool {
			n++
		}
	}
	return n
}
