package llm

import (
	"encoding/json"
	"time"
)

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of an inbound conversation. Content is always plain
// text by the time it reaches this package; multimodal block arrays are
// reduced to text by the HTTP layer.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on RoleTool messages
	Name       string
}

// ToolSpec describes a client-side tool the agent may ask to call.
// Parameters is a JSON-schema object kept as raw bytes so property order
// survives into the prompt.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is a tool invocation decoded from an agent reply, or replayed
// from a prior assistant turn. Arguments is serialized JSON.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ClaudeConfig is the immutable process configuration handed to ClaudeBin.
type ClaudeConfig struct {
	Bin      string
	MaxTurns int
	Timeout  time.Duration
}

// Invocation is a single fully-resolved run of the claude binary.
// It is owned by one request and never reused.
type Invocation struct {
	Bin          string
	Args         []string
	SystemPrompt string
	UserPrompt   string
	Timeout      time.Duration
	Stream       bool
	ToolMode     bool
}

// Stream yields text fragments until io.EOF.
type Stream interface {
	Recv() (string, error)
	Close() error
}

func (m Message) hasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}
