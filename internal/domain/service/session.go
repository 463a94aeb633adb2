package service

import "github.com/talon-agent/talon/internal/domain/entity"

// MessageMeta is the optional metadata attached when appending a message.
type MessageMeta struct {
	ToolCalls  []entity.ToolCall
	ToolCallID string
	Importance int
}

// Session is the narrow view of the session collaborator the core borrows.
// AddMessage and Save must be idempotent and ordered; Save must be durable
// before it returns. The store serializes writes internally (single-writer
// per session is sufficient, ProcessInput is single-threaded).
type Session interface {
	SessionID() string
	State() *entity.SessionState
	ConversationHistory() []entity.Message

	AddMessage(role, content string, meta *MessageMeta)
	Save() error

	RecordAPIUsage(usage entity.Usage, model, provider string)

	// BeginTurn opens an undo turn snapshot for the given user input and
	// returns its id. File-mutating tools capture pre-images under it.
	BeginTurn(userInput string) string

	// LongTermMemory returns retrieved long-term memory text, or "" when the
	// session has none. Optional capability; the core only injects it.
	LongTermMemory() string
}
