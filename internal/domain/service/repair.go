package service

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/entity"
)

var (
	missingValuePattern  = regexp.MustCompile(`("[^"]*"\s*:)\s*([,}])`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

	xmlInvokePattern = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
	xmlParamPattern  = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)
)

// RepairArguments makes a tool call's argument blob parseable: valid JSON
// passes through untouched, the XML invocation form some models emit is
// converted, and common truncation defects are patched. Returns the repaired
// string and whether it now parses.
func RepairArguments(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "{}", true
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, true
	}

	if converted, ok := convertXMLInvocation(trimmed); ok {
		return converted, true
	}

	fixed := repairJSON(trimmed)
	if json.Valid([]byte(fixed)) {
		return fixed, true
	}
	return raw, false
}

// repairJSON patches the defects seen in truncated or sloppy model output:
// missing values after a key, trailing commas, unbalanced quotes and
// brackets.
func repairJSON(s string) string {
	s = missingValuePattern.ReplaceAllString(s, "${1}0${2}")
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	s = balanceQuotes(s)
	s = closeBrackets(s)
	// Patching can expose a new trailing comma before a closer we added.
	s = trailingCommaPattern.ReplaceAllString(s, "$1")
	return s
}

// balanceQuotes closes an unterminated string literal at the end of input.
func balanceQuotes(s string) string {
	inString := false
	escaped := false
	for _, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		}
	}
	if inString {
		return s + `"`
	}
	return s
}

// closeBrackets appends the closers for any unclosed objects and arrays.
func closeBrackets(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}

// convertXMLInvocation translates the XML tool-invocation form into a JSON
// argument object. Only the parameters are returned; the surrounding invoke
// element's name is expected to match the call's function name.
func convertXMLInvocation(s string) (string, bool) {
	m := xmlInvokePattern.FindStringSubmatch(s)
	if m == nil {
		if !strings.Contains(s, "<parameter") {
			return "", false
		}
		m = []string{s, "", s}
	}

	params := xmlParamPattern.FindAllStringSubmatch(m[2], -1)
	if params == nil {
		return "", false
	}

	args := make(map[string]any, len(params))
	for _, p := range params {
		key := p[1]
		value := strings.TrimSpace(p[2])
		args[key] = coerceScalar(value)
	}

	out, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// coerceScalar interprets bare numbers and booleans; everything else stays a
// string.
func coerceScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	var n json.Number
	if err := json.Unmarshal([]byte(s), &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return s
}

// RepairToolCalls repairs every call's arguments in place. Calls whose
// arguments cannot be repaired are returned in failed; the caller emits a
// synthetic error result for each so pairing survives.
func RepairToolCalls(calls []entity.ToolCall, logger *zap.Logger) (repaired []entity.ToolCall, failed []entity.ToolCall) {
	repaired = make([]entity.ToolCall, 0, len(calls))
	for _, call := range calls {
		fixed, ok := RepairArguments(call.Function.Arguments)
		if !ok {
			logger.Warn("Tool call arguments unrepairable",
				zap.String("tool", call.Function.Name),
				zap.String("id", call.ID),
			)
			failed = append(failed, call)
			continue
		}
		if fixed != call.Function.Arguments {
			logger.Debug("Tool call arguments repaired",
				zap.String("tool", call.Function.Name),
			)
			call.Function.Arguments = fixed
		}
		repaired = append(repaired, call)
	}
	return repaired, failed
}

// SyntheticFailureResult is the tool-message body appended for a call whose
// arguments could not be repaired.
func SyntheticFailureResult(call entity.ToolCall) string {
	return fmt.Sprintf("Error: tool call arguments for %q were not valid JSON and could not be repaired. Re-issue the call with well-formed JSON arguments.", call.Function.Name)
}
