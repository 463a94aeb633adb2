package service

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/entity"
)

// TrimOutcome is the result of one token-limit recovery pass.
type TrimOutcome struct {
	Messages []entity.Message
	Dropped  int
	// GiveUp is set when further trimming cannot help: the kept set is
	// already minimal.
	GiveUp bool
}

// TrimForTokenLimit rebuilds the message list after a token_limit_exceeded
// classification. Retry selects the rung of the ladder: 1 keeps the newest
// half, 2 the newest quarter, 3 only the last three messages. The pinned
// first user message always survives and dropped context is compressed into
// a single recovery system message.
func TrimForTokenLimit(msgs []entity.Message, retry int, taskList string, logger *zap.Logger) TrimOutcome {
	work := entity.CloneMessages(msgs)

	// The last assistant message is the one that broke the budget.
	for i := len(work) - 1; i >= 0; i-- {
		if work[i].Role == entity.RoleAssistant {
			work = append(work[:i], work[i+1:]...)
			break
		}
	}

	var system []entity.Message
	var firstUser *entity.Message
	var rest []entity.Message
	for _, msg := range work {
		switch {
		case msg.Role == entity.RoleSystem:
			system = append(system, msg)
		case firstUser == nil && msg.Role == entity.RoleUser && msg.Importance >= entity.PinnedImportance:
			m := msg
			firstUser = &m
		default:
			rest = append(rest, msg)
		}
	}

	keep := keepCount(len(rest), retry)
	var dropped, kept []entity.Message
	if keep >= len(rest) {
		kept = rest
	} else {
		dropped = rest[:len(rest)-keep]
		kept = rest[len(rest)-keep:]
	}

	kept = restoreDroppedCalls(kept, dropped)

	out := make([]entity.Message, 0, len(system)+len(kept)+2)
	out = append(out, system...)
	if len(dropped) > 0 {
		out = append(out, recoveryContextMessage(dropped, taskList))
	}
	if firstUser != nil {
		out = append(out, *firstUser)
	}
	out = append(out, kept...)

	logger.Info("Token-limit trim applied",
		zap.Int("retry", retry),
		zap.Int("dropped", len(dropped)),
		zap.Int("kept", len(out)),
	)

	// Retry 3 (last three messages) is still worth sending; the ladder is
	// exhausted only once that minimal payload has failed too.
	return TrimOutcome{
		Messages: out,
		Dropped:  len(dropped),
		GiveUp:   retry > 3,
	}
}

func keepCount(n, retry int) int {
	switch retry {
	case 1:
		k := n / 2
		if k < 10 {
			k = 10
		}
		return k
	case 2:
		k := n / 4
		if k < 5 {
			k = 5
		}
		return k
	default:
		return 3
	}
}

// restoreDroppedCalls re-includes any assistant tool-call message whose
// result survived the cut, so the pairing invariant holds on retry. When the
// cut split a multi-call turn, the restored message carries only the calls
// whose results survived; restoring the full call set would put unanswered
// calls back into the payload.
func restoreDroppedCalls(kept, dropped []entity.Message) []entity.Message {
	surviving := make(map[string]bool)
	for _, msg := range kept {
		if msg.Role == entity.RoleTool {
			surviving[msg.ToolCallID] = true
		}
	}

	needed := make(map[string]bool)
	for id := range surviving {
		needed[id] = true
	}
	for _, msg := range kept {
		if msg.HasToolCalls() {
			for _, id := range msg.ToolCallIDs() {
				delete(needed, id)
			}
		}
	}
	if len(needed) == 0 {
		return kept
	}

	var restored []entity.Message
	for _, msg := range dropped {
		if !msg.HasToolCalls() {
			continue
		}
		match := false
		for _, id := range msg.ToolCallIDs() {
			if needed[id] {
				match = true
				break
			}
		}
		if !match {
			continue
		}

		m := msg.Clone()
		calls := make([]entity.ToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			if surviving[tc.ID] {
				calls = append(calls, tc)
				delete(needed, tc.ID)
			}
		}
		m.ToolCalls = calls
		restored = append(restored, m)
	}
	if len(restored) == 0 {
		return kept
	}
	return append(restored, kept...)
}

// recoveryContextMessage compresses the dropped span into a single system
// message: counts, the current task list when available, and the last three
// user requests truncated to 300 chars each.
func recoveryContextMessage(dropped []entity.Message, taskList string) entity.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "[Recovery context] %d earlier messages were removed to fit the model's context window.\n", len(dropped))

	if taskList != "" {
		b.WriteString("\nCurrent task list:\n")
		b.WriteString(taskList)
		b.WriteString("\n")
	}

	var requests []string
	for i := len(dropped) - 1; i >= 0 && len(requests) < 3; i-- {
		msg := dropped[i]
		if msg.Role != entity.RoleUser || msg.IsBlank() {
			continue
		}
		text := msg.Content
		if len(text) > 300 {
			text = text[:300] + "…"
		}
		requests = append(requests, text)
	}
	if len(requests) > 0 {
		b.WriteString("\nMost recent user requests (newest first):\n")
		for _, r := range requests {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	return entity.Message{Role: entity.RoleSystem, Content: b.String()}
}
