package service

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/entity"
)

// Trim thresholds. A turn starts trimming when the prompt would use more
// than safeContextShare of the context window; the kept set is capped at
// importanceBudgetShare of the remaining room after the system prompt.
const (
	safeContextShare     = 0.58
	importanceBudgetShare = 0.9
	trimReserveTokens    = 500
	keepRecentMessages   = 10
)

// ConversationManager prepares session history for the wire: pair
// validation, trimming, alternation, and context-file injection. All methods
// are pure over their message arguments.
type ConversationManager struct {
	estimate func(string) int
	logger   *zap.Logger
}

func NewConversationManager(estimate func(string) int, logger *zap.Logger) *ConversationManager {
	return &ConversationManager{
		estimate: estimate,
		logger:   logger.With(zap.String("component", "conversation")),
	}
}

// LoadHistory normalizes raw session history: system messages go (the
// orchestrator builds a fresh system prompt each turn), tool messages
// without an id go, and tool-call pairing is validated in both directions.
func (m *ConversationManager) LoadHistory(raw []entity.Message) []entity.Message {
	msgs := make([]entity.Message, 0, len(raw))
	for _, msg := range raw {
		if msg.Role == entity.RoleSystem {
			continue
		}
		if msg.Role == entity.RoleTool && msg.ToolCallID == "" {
			continue
		}
		msgs = append(msgs, msg.Clone())
	}
	return m.validatePairs(msgs)
}

// validatePairs repairs the transcript in both directions: assistant
// tool_calls not fully answered by following tool messages are stripped
// (the text stays), and tool messages answering no preceding call are
// dropped.
func (m *ConversationManager) validatePairs(msgs []entity.Message) []entity.Message {
	// A tool result answers a call only when it appears after the assistant
	// turn that declared the id; a result ahead of its call is an orphan.
	seen := make(map[string]bool)
	answered := make(map[string]bool)
	for _, msg := range msgs {
		switch msg.Role {
		case entity.RoleAssistant:
			for _, id := range msg.ToolCallIDs() {
				seen[id] = true
			}
		case entity.RoleTool:
			if seen[msg.ToolCallID] {
				answered[msg.ToolCallID] = true
			}
		}
	}

	declared := make(map[string]bool)
	out := make([]entity.Message, 0, len(msgs))
	stripped, dropped := 0, 0

	for _, msg := range msgs {
		switch msg.Role {
		case entity.RoleAssistant:
			if msg.HasToolCalls() {
				complete := true
				for _, id := range msg.ToolCallIDs() {
					if !answered[id] {
						complete = false
						break
					}
				}
				if !complete {
					msg.ToolCalls = nil
					stripped++
				} else {
					for _, id := range msg.ToolCallIDs() {
						declared[id] = true
					}
				}
			}
			out = append(out, msg)
		case entity.RoleTool:
			if !declared[msg.ToolCallID] {
				dropped++
				continue
			}
			out = append(out, msg)
		default:
			out = append(out, msg)
		}
	}

	if stripped > 0 || dropped > 0 {
		m.logger.Debug("Repaired tool-call pairing",
			zap.Int("stripped_assistant_calls", stripped),
			zap.Int("dropped_orphan_results", dropped),
		)
	}
	return out
}

// PreflightTrim reduces history before the first model call of a turn. The
// newest messages always survive; older ones are admitted by importance
// until the budget runs out, then restored to chronological order.
func (m *ConversationManager) PreflightTrim(systemPrompt string, history []entity.Message, contextWindow int) []entity.Message {
	if contextWindow <= 0 {
		return history
	}

	systemTokens := m.estimate(systemPrompt)
	historyTokens := 0
	for _, msg := range history {
		historyTokens += m.estimateMessage(msg)
	}

	safe := int(safeContextShare * float64(contextWindow))
	if systemTokens+historyTokens+trimReserveTokens <= safe {
		return history
	}

	if len(history) <= keepRecentMessages {
		return history
	}

	recent := history[len(history)-keepRecentMessages:]
	older := history[:len(history)-keepRecentMessages]

	budget := int(importanceBudgetShare * float64(safe-systemTokens))
	for _, msg := range recent {
		budget -= m.estimateMessage(msg)
	}

	// Admit older messages by descending importance, ties to newer.
	type ranked struct {
		idx int
		msg entity.Message
	}
	candidates := make([]ranked, len(older))
	for i, msg := range older {
		candidates[i] = ranked{idx: i, msg: msg}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].msg.Importance != candidates[j].msg.Importance {
			return candidates[i].msg.Importance > candidates[j].msg.Importance
		}
		return candidates[i].idx > candidates[j].idx
	})

	kept := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		cost := m.estimateMessage(c.msg)
		if cost > budget {
			continue
		}
		budget -= cost
		kept = append(kept, c)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].idx < kept[j].idx })

	out := make([]entity.Message, 0, len(kept)+len(recent))
	for _, k := range kept {
		out = append(out, k.msg)
	}
	out = append(out, recent...)

	m.logger.Info("Pre-flight trim applied",
		zap.Int("before", len(history)),
		zap.Int("after", len(out)),
		zap.Int("context_window", contextWindow),
	)
	return m.validatePairs(out)
}

func (m *ConversationManager) estimateMessage(msg entity.Message) int {
	tokens := m.estimate(msg.Content)
	for _, tc := range msg.ToolCalls {
		tokens += m.estimate(tc.Function.Name) + m.estimate(tc.Function.Arguments)
	}
	return tokens + 4 // role and framing overhead
}

// EnforceAlternation merges adjacent same-role messages so no two
// consecutive messages share a role, with one exception: tool messages are
// never merged, each answers a distinct call id. When the provider cannot
// accept role=tool, each tool message is first converted to a user message.
// The operation is a fixed point: applying it to its own output changes
// nothing.
func (m *ConversationManager) EnforceAlternation(msgs []entity.Message, supportsRoleTool bool) []entity.Message {
	if !supportsRoleTool {
		converted := make([]entity.Message, 0, len(msgs))
		for _, msg := range msgs {
			if msg.Role == entity.RoleTool {
				converted = append(converted, entity.Message{
					Role:       entity.RoleUser,
					Content:    fmt.Sprintf("Tool Result (ID: %s):\n%s", msg.ToolCallID, msg.Content),
					Importance: msg.Importance,
				})
				continue
			}
			// Tool definitions are gone too, so assistant tool_calls would
			// orphan; strip them.
			if msg.HasToolCalls() {
				msg = msg.Clone()
				msg.ToolCalls = nil
			}
			converted = append(converted, msg)
		}
		msgs = converted
	}

	out := make([]entity.Message, 0, len(msgs))
	for _, msg := range msgs {
		if len(out) == 0 {
			out = append(out, msg.Clone())
			continue
		}
		prev := &out[len(out)-1]
		if msg.Role != prev.Role || msg.Role == entity.RoleTool {
			out = append(out, msg.Clone())
			continue
		}

		// Merge into prev: content joined by a blank line, assistant
		// tool_calls concatenated.
		switch {
		case prev.Content == "":
			prev.Content = msg.Content
		case msg.Content != "":
			prev.Content = prev.Content + "\n\n" + msg.Content
		}
		if msg.Role == entity.RoleAssistant && msg.HasToolCalls() {
			prev.ToolCalls = append(prev.ToolCalls, msg.Clone().ToolCalls...)
		}
		if msg.Importance > prev.Importance {
			prev.Importance = msg.Importance
		}
	}
	return out
}

// ContextFile is one configured context file already read from disk.
type ContextFile struct {
	Path    string
	Content string
}

// InjectContextFiles builds the user message carrying configured context
// files, placed right after the system prompt. Returns false when there is
// nothing to inject.
func (m *ConversationManager) InjectContextFiles(files []ContextFile) (entity.Message, bool) {
	if len(files) == 0 {
		return entity.Message{}, false
	}

	total := 0
	var b strings.Builder
	for _, f := range files {
		total += m.estimate(f.Content)
	}
	fmt.Fprintf(&b, "Project context files (~%d tokens total):\n", total)
	for _, f := range files {
		fmt.Fprintf(&b, "\n<context_file path=%q tokens=\"~%d\">\n%s\n</context_file>\n",
			f.Path, m.estimate(f.Content), f.Content)
	}

	return entity.Message{
		Role:       entity.RoleUser,
		Content:    b.String(),
		Importance: entity.PinnedImportance,
	}, true
}
