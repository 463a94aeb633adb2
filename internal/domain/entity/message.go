package entity

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Message roles as they appear on the chat-completions wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PinnedImportance marks a message that trimming must never drop.
// The first user message of a session is pinned.
const PinnedImportance = 10

// Message is one transcript entry in the OpenAI-compatible shape.
// Importance drives pre-flight trimming and is never serialized.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Importance int        `json:"-"`
}

// ToolCall is a single structured function invocation requested by the model.
type ToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`

	// NameComplete tracks whether the streamed function name has been fully
	// assembled. Streaming-internal; the payload builder strips it.
	NameComplete bool `json:"-"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewToolCallID generates a client-side tool call id in the provider
// convention: "call_" followed by 24 hex characters.
func NewToolCallID() string {
	u := uuid.New()
	return "call_" + hex.EncodeToString(u[:12])
}

// HasToolCalls reports whether the message requests any tool execution.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ToolCallIDs returns the ids of all tool calls on an assistant message.
func (m *Message) ToolCallIDs() []string {
	ids := make([]string, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		ids = append(ids, tc.ID)
	}
	return ids
}

// Clone returns a deep copy; trimming and repair mutate copies, never the
// session's own history.
func (m Message) Clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}

// CloneMessages deep-copies a transcript slice.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// IsBlank reports whether the content is empty after trimming whitespace.
func (m *Message) IsBlank() bool {
	return strings.TrimSpace(m.Content) == ""
}
