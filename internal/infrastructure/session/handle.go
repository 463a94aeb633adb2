package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/talon-agent/talon/internal/domain/entity"
	"github.com/talon-agent/talon/internal/domain/service"
)

// Summary is one row of `talon sessions`.
type Summary struct {
	ID            string
	SelectedModel string
	MessageCount  int
	TotalTokens   int64
	UpdatedAt     time.Time
}

// Store persists sessions. Open loads an existing session or creates an
// empty one under the given id.
type Store interface {
	Open(id string) (*Handle, error)
	List() ([]Summary, error)
	Delete(id string) error
}

// Handle is the live view of one session. It implements service.Session:
// AddMessage buffers in memory, Save flushes state and all unsaved messages
// in a single transaction. Single-writer per session.
type Handle struct {
	id      string
	state   *entity.SessionState
	memory  string
	history []entity.Message

	// saved is the count of history entries already durable; Save persists
	// the tail past it together with the state blob.
	saved            int
	promptTokens     int64
	completionTokens int64

	persist func(h *Handle) error
}

var _ service.Session = (*Handle)(nil)

func (h *Handle) SessionID() string {
	return h.id
}

func (h *Handle) State() *entity.SessionState {
	return h.state
}

func (h *Handle) ConversationHistory() []entity.Message {
	return entity.CloneMessages(h.history)
}

func (h *Handle) LongTermMemory() string {
	return h.memory
}

// SetLongTermMemory replaces the retrieved memory text injected into the
// system prompt. Persisted on the next Save.
func (h *Handle) SetLongTermMemory(text string) {
	h.memory = text
}

func (h *Handle) AddMessage(role, content string, meta *service.MessageMeta) {
	msg := entity.Message{Role: role, Content: content}
	if meta != nil {
		msg.ToolCalls = meta.ToolCalls
		msg.ToolCallID = meta.ToolCallID
		msg.Importance = meta.Importance
	}
	h.history = append(h.history, msg)
}

func (h *Handle) Save() error {
	return h.persist(h)
}

func (h *Handle) RecordAPIUsage(usage entity.Usage, model, provider string) {
	h.promptTokens += int64(usage.PromptTokens)
	h.completionTokens += int64(usage.CompletionTokens)
}

func (h *Handle) BeginTurn(userInput string) string {
	id := uuid.NewString()
	h.state.PushTurn(id)
	return id
}
