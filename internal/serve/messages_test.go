package serve

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/samsaffron/claude-proxy/internal/llm"
)

func TestParseChatMessages_ToolCallAndToolResult(t *testing.T) {
	msgs, err := parseChatMessages([]chatMessage{
		{
			Role:    "assistant",
			Content: json.RawMessage(`"running"`),
			ToolCalls: []chatToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				}{
					Name:      "read_file",
					Arguments: `{"path":"a.txt"}`,
				},
			}},
		},
		{
			Role:       "tool",
			ToolCallID: "call_1",
			Content:    json.RawMessage(`"done"`),
		},
	})
	if err != nil {
		t.Fatalf("parseChatMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != llm.RoleAssistant {
		t.Fatalf("first role = %s, want assistant", msgs[0].Role)
	}
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].Name != "read_file" {
		t.Fatalf("tool calls = %#v", msgs[0].ToolCalls)
	}
	if msgs[1].Role != llm.RoleTool || msgs[1].ToolCallID != "call_1" {
		t.Fatalf("second message = %#v", msgs[1])
	}
}

func TestParseChatMessages_DeveloperBecomesSystem(t *testing.T) {
	msgs, err := parseChatMessages([]chatMessage{
		{Role: "developer", Content: json.RawMessage(`"be brief"`)},
		{Role: "User", Content: json.RawMessage(`"hi"`)},
	})
	if err != nil {
		t.Fatalf("parseChatMessages failed: %v", err)
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Fatalf("role = %s, want system", msgs[0].Role)
	}
	if msgs[1].Role != llm.RoleUser {
		t.Fatalf("role = %s, want user", msgs[1].Role)
	}
}

func TestParseChatMessages_EmptyArgumentsBecomeObject(t *testing.T) {
	var tc chatToolCall
	tc.ID = "call_1"
	tc.Function.Name = "ping"
	msgs, err := parseChatMessages([]chatMessage{{Role: "assistant", ToolCalls: []chatToolCall{tc}}})
	if err != nil {
		t.Fatalf("parseChatMessages failed: %v", err)
	}
	if got := msgs[0].ToolCalls[0].Arguments; got != "{}" {
		t.Fatalf("arguments = %q, want {}", got)
	}
}

func TestParseChatMessages_Errors(t *testing.T) {
	tests := []struct {
		name    string
		msgs    []chatMessage
		wantErr string
	}{
		{"empty", nil, "messages is required"},
		{"bad role", []chatMessage{{Role: "robot", Content: json.RawMessage(`"x"`)}}, "unsupported message role"},
		{"tool without id", []chatMessage{{Role: "tool", Content: json.RawMessage(`"x"`)}}, "tool_call_id"},
		{"bad content", []chatMessage{{Role: "user", Content: json.RawMessage(`42`)}}, "messages[0].content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseChatMessages(tt.msgs)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseTools(t *testing.T) {
	specs, err := parseTools([]chatTool{
		{Type: "function", Function: &chatToolFuncDef{Name: " get_weather ", Description: "Weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
		{Type: "web_search"},
		{Function: &chatToolFuncDef{Name: "ping", Parameters: json.RawMessage(`null`)}},
	})
	if err != nil {
		t.Fatalf("parseTools failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0].Name != "get_weather" {
		t.Fatalf("name = %q, want get_weather", specs[0].Name)
	}
	if specs[1].Parameters != nil {
		t.Fatalf("null parameters = %s, want nil", specs[1].Parameters)
	}

	if _, err := parseTools([]chatTool{{Type: "function"}}); err == nil {
		t.Fatalf("expected error for missing function")
	}
	if _, err := parseTools([]chatTool{{Type: "function", Function: &chatToolFuncDef{Name: "x", Parameters: json.RawMessage(`[1]`)}}}); err == nil {
		t.Fatalf("expected error for array parameters")
	}
}

func TestExtractMessageText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"absent", ``, ""},
		{"null", `null`, ""},
		{"string", `"hello"`, "hello"},
		{"blocks", `[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"b"}]`, "a\nb"},
		{"bare strings", `["a","b"]`, "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractMessageText(json.RawMessage(tt.content))
			if err != nil {
				t.Fatalf("extractMessageText failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("text = %q, want %q", got, tt.want)
			}
		})
	}
}
