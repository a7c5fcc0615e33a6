package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ToolResponseSchema is the JSON schema passed to the claude binary via
// --json-schema in tool mode. The agent must answer with either a text reply
// or a list of tool calls inside this envelope.
const ToolResponseSchema = `{"type":"object","properties":{"response_type":{"type":"string","enum":["text","tool_calls"]},"content":{"type":"string"},"tool_calls":{"type":"array","items":{"type":"object","properties":{"name":{"type":"string"},"arguments":{"type":"object"}},"required":["name","arguments"]}}},"required":["response_type"]}`

const (
	responseTypeText      = "text"
	responseTypeToolCalls = "tool_calls"
)

const toolInstructions = `## Response Instructions

Analyze the user's request and respond:

1. If the request requires external data or actions (weather, search, file operations, API calls, etc.):
   - Set "response_type" to "tool_calls"
   - List the tools in "tool_calls" array with "name" and "arguments"
   - The client will execute these tools and send you the results

2. ONLY if you can fully answer from your own knowledge (no external data needed):
   - Set "response_type" to "text"
   - Put your answer in "content"

CRITICAL: These tools are REAL and WORKING. The client will execute them. If the user needs external data, you MUST use the appropriate tool - do NOT say the tool is unavailable.
`

// UseToolMode reports whether a request should go through the structured
// tool-calling path.
func UseToolMode(tools []ToolSpec) bool {
	return len(tools) > 0
}

// BuildToolPrompt renders the tool catalog and response instructions that are
// appended to the system prompt in tool mode. Required parameters are marked
// with "*". Returns "" when there are no tools.
func BuildToolPrompt(tools []ToolSpec) string {
	if len(tools) == 0 {
		return ""
	}

	descriptions := make([]string, 0, len(tools))
	for _, tool := range tools {
		desc := tool.Description
		if desc == "" {
			desc = "No description"
		}
		entry := fmt.Sprintf("- **%s**: %s", tool.Name, desc)
		if lines := parameterLines(tool.Parameters); len(lines) > 0 {
			entry += "\n" + strings.Join(lines, "\n")
		}
		descriptions = append(descriptions, entry)
	}

	var b strings.Builder
	b.WriteString("## Available External Tools\n\n")
	b.WriteString("The client application provides these tools for you to use. When you request a tool call, the CLIENT will execute it and return the results. Parameters marked with * are required.\n\n")
	b.WriteString(strings.Join(descriptions, "\n"))
	b.WriteString("\n\n")
	b.WriteString(toolInstructions)
	return b.String()
}

// parameterLines lists schema properties in document order.
func parameterLines(schema json.RawMessage) []string {
	if len(schema) == 0 || !gjson.ValidBytes(schema) {
		return nil
	}
	params := gjson.ParseBytes(schema)
	required := map[string]bool{}
	for _, r := range params.Get("required").Array() {
		required[r.String()] = true
	}

	var lines []string
	params.Get("properties").ForEach(func(key, info gjson.Result) bool {
		name := key.String()
		mark := ""
		if required[name] {
			mark = "*"
		}
		lines = append(lines, fmt.Sprintf("    - %s%s (%s): %s", name, mark, schemaType(info.Get("type")), info.Get("description").String()))
		return true
	})
	return lines
}

func schemaType(t gjson.Result) string {
	switch {
	case !t.Exists():
		return "any"
	case t.IsArray():
		var types []string
		for _, v := range t.Array() {
			types = append(types, v.String())
		}
		return strings.Join(types, "|")
	default:
		return t.String()
	}
}

// FormatToolResults renders tool-role messages as fenced blocks for the user
// prompt. Tool names are resolved from the assistant tool calls that produced
// them, falling back to the message name. Returns "" with no tool results.
func FormatToolResults(messages []Message) string {
	names := map[string]string{}
	for _, msg := range messages {
		if !msg.hasToolCalls() {
			continue
		}
		for _, tc := range msg.ToolCalls {
			name := tc.Name
			if name == "" {
				name = "unknown"
			}
			names[tc.ID] = name
		}
	}

	var results []string
	for _, msg := range messages {
		if msg.Role != RoleTool {
			continue
		}
		name, ok := names[msg.ToolCallID]
		if !ok {
			name = msg.Name
			if name == "" {
				name = "unknown_tool"
			}
		}
		results = append(results, fmt.Sprintf("### Tool Result: %s\n```\n%s\n```", name, msg.Content))
	}

	if len(results) == 0 {
		return ""
	}
	return "\n\n## Tool Execution Results\n\nThe following tools were executed and returned these results:\n\n" +
		strings.Join(results, "\n\n") +
		"\n\nNow provide your response based on these results."
}

// DecodeStructuredReply converts a tool-mode reply document into content and
// tool calls. The envelope is read from "structured_output", or from the
// document itself when it carries "response_type" at the top level. Without
// an envelope the plain "result" field is returned as content.
//
// A nil content means the agent supplied none. A tool call without a name is
// a MalformedReplyError; nothing is returned for that reply.
func DecodeStructuredReply(doc json.RawMessage) (*string, []ToolCall, error) {
	if !gjson.ValidBytes(doc) {
		return nil, nil, nil
	}
	root := gjson.ParseBytes(doc)

	envelope := root.Get("structured_output")
	if !envelope.IsObject() || len(envelope.Map()) == 0 {
		envelope = root
	}
	responseType := envelope.Get("response_type")
	if !responseType.Exists() {
		return fallbackResult(root), nil, nil
	}

	if responseType.String() != responseTypeToolCalls {
		content := envelope.Get("content").String()
		return &content, nil, nil
	}

	var content *string
	if c := envelope.Get("content"); c.Exists() && c.Type != gjson.Null {
		s := c.String()
		content = &s
	}

	entries := envelope.Get("tool_calls").Array()
	calls := make([]ToolCall, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, entry := range entries {
		name := entry.Get("name")
		if name.Type != gjson.String || name.String() == "" {
			return nil, nil, &MalformedReplyError{Index: i, Reason: "tool call missing name"}
		}
		args, err := compactArguments(entry.Get("arguments"))
		if err != nil {
			return nil, nil, &MalformedReplyError{Index: i, Reason: err.Error()}
		}
		id := newCallID()
		for seen[id] {
			id = newCallID()
		}
		seen[id] = true
		calls = append(calls, ToolCall{ID: id, Name: name.String(), Arguments: args})
	}
	return content, calls, nil
}

func fallbackResult(root gjson.Result) *string {
	result := root.Get("result").String()
	if result == "" {
		return nil
	}
	return &result
}

func compactArguments(args gjson.Result) (string, error) {
	if !args.Exists() || args.Type == gjson.Null {
		return "{}", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(args.Raw)); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	return buf.String(), nil
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
