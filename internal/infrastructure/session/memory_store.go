package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/talon-agent/talon/internal/domain/entity"
)

// MemoryStore keeps sessions in memory. Backs tests and --ephemeral runs;
// same durability contract minus the durability.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memoryRecord
}

type memoryRecord struct {
	state            string // JSON, so Open round-trips like the DB store
	memory           string
	history          []entity.Message
	promptTokens     int64
	completionTokens int64
	updatedAt        time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memoryRecord)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Open(id string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return &Handle{
			id:      id,
			state:   &entity.SessionState{SessionID: id},
			persist: s.persist,
		}, nil
	}

	state := &entity.SessionState{SessionID: id}
	if err := json.Unmarshal([]byte(rec.state), state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &Handle{
		id:               id,
		state:            state,
		memory:           rec.memory,
		history:          entity.CloneMessages(rec.history),
		saved:            len(rec.history),
		promptTokens:     rec.promptTokens,
		completionTokens: rec.completionTokens,
		persist:          s.persist,
	}, nil
}

func (s *MemoryStore) persist(h *Handle) error {
	stateBlob, err := json.Marshal(h.state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[h.id] = &memoryRecord{
		state:            string(stateBlob),
		memory:           h.memory,
		history:          entity.CloneMessages(h.history),
		promptTokens:     h.promptTokens,
		completionTokens: h.completionTokens,
		updatedAt:        time.Now().UTC(),
	}
	h.saved = len(h.history)
	return nil
}

func (s *MemoryStore) List() ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.sessions))
	for id, rec := range s.sessions {
		var state entity.SessionState
		_ = json.Unmarshal([]byte(rec.state), &state)
		out = append(out, Summary{
			ID:            id,
			SelectedModel: state.SelectedModel,
			MessageCount:  len(rec.history),
			TotalTokens:   rec.promptTokens + rec.completionTokens,
			UpdatedAt:     rec.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s not found", id)
	}
	delete(s.sessions, id)
	return nil
}
