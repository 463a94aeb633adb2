package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/entity"
	"github.com/talon-agent/talon/internal/domain/service"
	"github.com/talon-agent/talon/internal/domain/tool"
)

// Request parameter defaults. Low temperature keeps tool-call argument JSON
// stable.
const (
	defaultTemperature = 0.2
	defaultTopP        = 0.95
)

// PayloadBuilder composes the chat-completions request body for one model
// call.
type PayloadBuilder struct {
	continuity *ContinuityStore
	logger     *zap.Logger

	// DumpDir, when non-empty, receives a JSON copy of every outgoing
	// payload for offline inspection.
	DumpDir string
}

func NewPayloadBuilder(continuity *ContinuityStore, logger *zap.Logger) *PayloadBuilder {
	return &PayloadBuilder{
		continuity: continuity,
		logger:     logger.With(zap.String("component", "payload_builder")),
	}
}

// Build assembles the request payload and adapts it to the provider profile.
func (b *PayloadBuilder) Build(model string, req *service.ModelRequest, profile Profile) map[string]any {
	payload := map[string]any{
		"model":       model,
		"messages":    encodeMessages(req.Messages),
		"temperature": defaultTemperature,
		"top_p":       defaultTopP,
	}
	if req.Stream {
		payload["stream"] = true
	}
	if len(req.Tools) > 0 {
		payload["tools"] = encodeTools(req.Tools)
	}

	if profile.Kind == KindCopilot && req.Session != nil {
		state := req.Session.State()
		payload["copilot_thread_id"] = req.Session.SessionID()
		if id, source := b.continuity.Resolve(state, model); id != "" {
			payload["previous_response_id"] = id
			b.logger.Debug("Continuity id attached",
				zap.String("source", source),
				zap.String("model", model),
			)
		}
	}

	Adapt(payload, profile)
	sanitizeValue(payload)

	if b.DumpDir != "" {
		b.dump(payload)
	}
	return payload
}

// encodeMessages converts messages to wire maps, dropping internal fields
// (importance, streaming-assembly flags).
func encodeMessages(msgs []entity.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		wire := map[string]any{
			"role":    m.Role,
			"content": m.Content,
		}
		if m.ToolCallID != "" {
			wire["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": tc.Type,
					"function": map[string]any{
						"name":      tc.Function.Name,
						"arguments": tc.Function.Arguments,
					},
				})
			}
			wire["tool_calls"] = calls
		}
		out = append(out, wire)
	}
	return out
}

func encodeTools(defs []tool.Definition) []map[string]any {
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return out
}

// sanitizeValue walks a payload recursively, cleaning every string in place
// and dropping assembly-internal keys. Idempotent.
func sanitizeValue(v any) {
	switch val := v.(type) {
	case map[string]any:
		delete(val, "_name_complete")
		for k, inner := range val {
			if s, ok := inner.(string); ok {
				val[k] = sanitizeString(s)
			} else {
				sanitizeValue(inner)
			}
		}
	case []any:
		for i, inner := range val {
			if s, ok := inner.(string); ok {
				val[i] = sanitizeString(s)
			} else {
				sanitizeValue(inner)
			}
		}
	case []map[string]any:
		for _, inner := range val {
			sanitizeValue(inner)
		}
	}
}

// sanitizeString drops characters that trigger 400s on strict providers:
// emoji and symbol planes, bullets, and control code points other than
// tab/newline/carriage return.
func sanitizeString(s string) string {
	clean := true
	for _, r := range s {
		if !allowedRune(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case isBullet(r):
			b.WriteByte('-')
		case allowedRune(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isBullet(r rune) bool {
	return r == '•' || r == '●' || r == '▪'
}

func allowedRune(r rune) bool {
	if isBullet(r) {
		return false
	}
	if r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	if r < 0x20 || r == 0x7f {
		return false
	}
	// Emoji and pictograph blocks.
	if (r >= 0x1F000 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF) ||
		(r >= 0xFE00 && r <= 0xFE0F) || r == 0x200D {
		return false
	}
	if unicode.Is(unicode.Cs, r) || unicode.Is(unicode.Co, r) {
		return false
	}
	return true
}

func (b *PayloadBuilder) dump(payload map[string]any) {
	if err := os.MkdirAll(b.DumpDir, 0o755); err != nil {
		b.logger.Warn("Create dump dir failed", zap.Error(err))
		return
	}
	name := fmt.Sprintf("request_%s.json", time.Now().Format("20060102_150405.000"))
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(b.DumpDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		b.logger.Warn("Write payload dump failed", zap.String("path", path), zap.Error(err))
	}
}
