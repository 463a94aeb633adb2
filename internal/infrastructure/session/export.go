package session

import (
	"encoding/json"
	"fmt"

	"github.com/talon-agent/talon/internal/domain/entity"
)

// Export is the JSON document `talon export` prints.
type Export struct {
	SessionID     string           `json:"session_id"`
	SelectedModel string           `json:"selected_model,omitempty"`
	Messages      []entity.Message `json:"messages"`
	PromptTokens  int64            `json:"prompt_tokens"`
	OutputTokens  int64            `json:"completion_tokens"`
}

// ExportJSON renders one session's transcript as indented JSON.
func ExportJSON(store Store, id string) ([]byte, error) {
	h, err := store.Open(id)
	if err != nil {
		return nil, err
	}
	if len(h.history) == 0 {
		return nil, fmt.Errorf("session %s has no messages", id)
	}
	doc := Export{
		SessionID:     h.id,
		SelectedModel: h.state.SelectedModel,
		Messages:      h.history,
		PromptTokens:  h.promptTokens,
		OutputTokens:  h.completionTokens,
	}
	return json.MarshalIndent(doc, "", "  ")
}
