package serve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samsaffron/claude-proxy/internal/llm"
)

type chatCompletionsRequest struct {
	Model         string             `json:"model"`
	Messages      []chatMessage      `json:"messages"`
	Tools         []chatTool         `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StreamOptions *chatStreamOptions `json:"stream_options,omitempty"`
	User          string             `json:"user,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function *chatToolFuncDef `json:"function,omitempty"`
}

type chatToolFuncDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// parseChatMessages validates the inbound conversation and reduces every
// message to plain text.
func parseChatMessages(msgs []chatMessage) ([]llm.Message, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("messages is required")
	}

	result := make([]llm.Message, 0, len(msgs))
	for i, msg := range msgs {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		content, err := extractMessageText(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d].content: %w", i, err)
		}

		switch role {
		case "system", "developer":
			result = append(result, llm.Message{Role: llm.RoleSystem, Content: content})
		case "user":
			result = append(result, llm.Message{Role: llm.RoleUser, Content: content, Name: msg.Name})
		case "assistant":
			m := llm.Message{Role: llm.RoleAssistant, Content: content, Name: msg.Name}
			for _, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
			}
			result = append(result, m)
		case "tool":
			callID := strings.TrimSpace(msg.ToolCallID)
			if callID == "" {
				return nil, fmt.Errorf("messages[%d]: tool message missing tool_call_id", i)
			}
			result = append(result, llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: callID, Name: msg.Name})
		default:
			return nil, fmt.Errorf("messages[%d]: unsupported message role: %s", i, msg.Role)
		}
	}
	return result, nil
}

// parseTools keeps function tools. A missing type is treated as "function".
func parseTools(tools []chatTool) ([]llm.ToolSpec, error) {
	var specs []llm.ToolSpec
	for i, t := range tools {
		typ := strings.ToLower(strings.TrimSpace(t.Type))
		if typ != "" && typ != "function" {
			continue
		}
		if t.Function == nil || strings.TrimSpace(t.Function.Name) == "" {
			return nil, fmt.Errorf("tools[%d]: function name is required", i)
		}
		params := bytes.TrimSpace(t.Function.Parameters)
		if bytes.Equal(params, []byte("null")) {
			params = nil
		}
		if len(params) > 0 && params[0] != '{' {
			return nil, fmt.Errorf("tools[%d]: parameters must be a JSON object", i)
		}
		specs = append(specs, llm.ToolSpec{
			Name:        strings.TrimSpace(t.Function.Name),
			Description: t.Function.Description,
			Parameters:  json.RawMessage(params),
		})
	}
	return specs, nil
}

// extractMessageText flattens string or block-array content. Blocks carrying
// text, and bare strings inside the array, are joined with newlines.
func extractMessageText(content json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s, nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return "", fmt.Errorf("must be a string or an array of content blocks")
	}

	var texts []string
	for _, p := range parts {
		if err := json.Unmarshal(p, &s); err == nil {
			texts = append(texts, s)
			continue
		}
		var block struct {
			Text *string `json:"text"`
		}
		if err := json.Unmarshal(p, &block); err == nil && block.Text != nil {
			texts = append(texts, *block.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}
