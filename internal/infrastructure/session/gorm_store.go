package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/talon-agent/talon/internal/domain/entity"
)

// GormStore persists sessions through gorm (sqlite or postgres).
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "session_store")),
	}
}

var _ Store = (*GormStore)(nil)

// Open loads the session with the given id, creating an empty one when it
// does not exist yet.
func (s *GormStore) Open(id string) (*Handle, error) {
	var row sessionRow
	err := s.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Handle{
			id:      id,
			state:   &entity.SessionState{SessionID: id},
			persist: s.persist,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	state := &entity.SessionState{SessionID: id}
	if row.State != "" {
		if err := json.Unmarshal([]byte(row.State), state); err != nil {
			s.logger.Warn("Session state blob corrupt, starting from empty state",
				zap.String("session_id", id), zap.Error(err))
			state = &entity.SessionState{SessionID: id}
		}
	}

	var msgRows []messageRow
	if err := s.db.Where("session_id = ?", id).Order("seq asc").Find(&msgRows).Error; err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", id, err)
	}

	history := make([]entity.Message, 0, len(msgRows))
	for _, mr := range msgRows {
		msg := entity.Message{
			Role:       mr.Role,
			Content:    mr.Content,
			ToolCallID: mr.ToolCallID,
			Importance: mr.Importance,
		}
		if mr.ToolCalls != "" {
			if err := json.Unmarshal([]byte(mr.ToolCalls), &msg.ToolCalls); err != nil {
				s.logger.Warn("Dropping message with corrupt tool_calls blob",
					zap.String("session_id", id), zap.Int("seq", mr.Seq), zap.Error(err))
				continue
			}
		}
		history = append(history, msg)
	}

	return &Handle{
		id:               id,
		state:            state,
		memory:           row.Memory,
		history:          history,
		saved:            len(history),
		promptTokens:     row.PromptTokens,
		completionTokens: row.CompletionTokens,
		persist:          s.persist,
	}, nil
}

// persist writes the state blob and every unsaved message in one
// transaction, so a crash never leaves the transcript ahead of the state or
// an assistant tool_calls row without its results.
func (s *GormStore) persist(h *Handle) error {
	stateBlob, err := json.Marshal(h.state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	pending := h.history[h.saved:]
	err = s.db.Transaction(func(tx *gorm.DB) error {
		row := sessionRow{
			ID:               h.id,
			State:            string(stateBlob),
			Memory:           h.memory,
			PromptTokens:     h.promptTokens,
			CompletionTokens: h.completionTokens,
			MessageCount:     len(h.history),
			UpdatedAt:        time.Now().UTC(),
		}
		if err := tx.Save(&row).Error; err != nil {
			return err
		}

		for i, msg := range pending {
			toolCalls := ""
			if len(msg.ToolCalls) > 0 {
				raw, err := json.Marshal(msg.ToolCalls)
				if err != nil {
					return fmt.Errorf("encode tool_calls: %w", err)
				}
				toolCalls = string(raw)
			}
			mr := messageRow{
				ID:         uuid.NewString(),
				SessionID:  h.id,
				Seq:        h.saved + i,
				Role:       msg.Role,
				Content:    msg.Content,
				ToolCalls:  toolCalls,
				ToolCallID: msg.ToolCallID,
				Importance: msg.Importance,
				CreatedAt:  time.Now().UTC(),
			}
			if err := tx.Create(&mr).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", h.id, err)
	}

	h.saved = len(h.history)
	return nil
}

func (s *GormStore) List() ([]Summary, error) {
	var rows []sessionRow
	if err := s.db.Order("updated_at desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		var state entity.SessionState
		_ = json.Unmarshal([]byte(row.State), &state)
		out = append(out, Summary{
			ID:            row.ID,
			SelectedModel: state.SelectedModel,
			MessageCount:  row.MessageCount,
			TotalTokens:   row.PromptTokens + row.CompletionTokens,
			UpdatedAt:     row.UpdatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) Delete(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&messageRow{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		result := tx.Delete(&sessionRow{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("session %s not found", id)
		}
		return nil
	})
}
