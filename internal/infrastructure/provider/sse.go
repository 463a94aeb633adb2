package provider

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/entity"
	"github.com/talon-agent/talon/internal/domain/service"
)

// streamChunk is one decoded SSE data payload.
type streamChunk struct {
	ID             string `json:"id"`
	Model          string `json:"model"`
	StatefulMarker string `json:"stateful_marker"`
	Choices        []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			StatefulMarker   string `json:"stateful_marker"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// streamResult is the fully assembled outcome of one SSE stream.
type streamResult struct {
	Content        string
	ToolCalls      []entity.ToolCall
	FinishReason   string
	Usage          entity.Usage
	ResponseID     string
	Model          string
	StatefulMarker string
}

// toolCallAccumulator assembles one tool call from per-index deltas.
type toolCallAccumulator struct {
	id        string
	callType  string
	name      strings.Builder
	arguments strings.Builder
	announced bool
}

// consumeStream reads SSE events until [DONE] or EOF, assembling content and
// tool calls incrementally. Events are framed by a blank line; each data:
// line within an event is decoded separately.
func consumeStream(r io.Reader, callbacks *service.Callbacks, logger *zap.Logger) (*streamResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	result := &streamResult{}
	calls := make(map[int]*toolCallAccumulator)

	var content strings.Builder
	var started time.Time
	var firstToken time.Time
	tokens := 0
	started = time.Now()

	var eventData []string
	flush := func() bool {
		done := false
		for _, data := range eventData {
			if data == "[DONE]" {
				done = true
				continue
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logger.Debug("Skipping undecodable stream chunk", zap.Error(err))
				continue
			}
			applyChunk(&chunk, result, calls, &content, &firstToken, &tokens, started, callbacks)
		}
		eventData = eventData[:0]
		return done
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if flush() {
				break
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			eventData = append(eventData, strings.TrimSpace(data))
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, ClassifyTransport(err)
	}

	result.Content = content.String()
	result.ToolCalls = finalizeToolCalls(calls)
	return result, nil
}

func applyChunk(chunk *streamChunk, result *streamResult, calls map[int]*toolCallAccumulator,
	content *strings.Builder, firstToken *time.Time, tokens *int, started time.Time,
	callbacks *service.Callbacks) {

	if chunk.ID != "" {
		result.ResponseID = chunk.ID
	}
	if chunk.Model != "" {
		result.Model = chunk.Model
	}
	if chunk.StatefulMarker != "" {
		result.StatefulMarker = chunk.StatefulMarker
	}
	if chunk.Usage != nil {
		result.Usage = entity.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
		}
	}

	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		result.FinishReason = choice.FinishReason
	}
	if choice.Delta.StatefulMarker != "" {
		result.StatefulMarker = choice.Delta.StatefulMarker
	}

	if choice.Delta.ReasoningContent != "" && callbacks != nil && callbacks.OnThinking != nil {
		callbacks.OnThinking(choice.Delta.ReasoningContent)
	}

	if delta := choice.Delta.Content; delta != "" {
		now := time.Now()
		if firstToken.IsZero() {
			*firstToken = now
		}
		*tokens++
		content.WriteString(delta)
		if callbacks != nil && callbacks.OnChunk != nil {
			elapsed := now.Sub(started)
			var tps float64
			if gen := now.Sub(*firstToken); gen > 0 {
				tps = float64(*tokens) / gen.Seconds()
			}
			callbacks.OnChunk(delta, service.ChunkMeta{
				TokenCount: *tokens,
				TTFT:       firstToken.Sub(started),
				TPS:        tps,
				Duration:   elapsed,
			})
		}
	}

	for _, tc := range choice.Delta.ToolCalls {
		acc, ok := calls[tc.Index]
		if !ok {
			acc = &toolCallAccumulator{}
			calls[tc.Index] = acc
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Type != "" {
			acc.callType = tc.Type
		}
		acc.name.WriteString(tc.Function.Name)
		acc.arguments.WriteString(tc.Function.Arguments)

		if !acc.announced && acc.name.Len() > 0 {
			acc.announced = true
			if callbacks != nil && callbacks.OnToolCall != nil {
				callbacks.OnToolCall(acc.name.String())
			}
		}
	}
}

// finalizeToolCalls orders accumulated calls by index and fills missing ids.
func finalizeToolCalls(calls map[int]*toolCallAccumulator) []entity.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	indices := make([]int, 0, len(calls))
	for i := range calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]entity.ToolCall, 0, len(calls))
	for _, i := range indices {
		acc := calls[i]
		id := acc.id
		if id == "" {
			id = entity.NewToolCallID()
		}
		callType := acc.callType
		if callType == "" {
			callType = "function"
		}
		out = append(out, entity.ToolCall{
			Index: i,
			ID:    id,
			Type:  callType,
			Function: entity.FunctionCall{
				Name:      acc.name.String(),
				Arguments: acc.arguments.String(),
			},
			NameComplete: true,
		})
	}
	return out
}

// nonStreamResponse is the body shape of a non-streaming completion.
type nonStreamResponse struct {
	ID             string `json:"id"`
	Model          string `json:"model"`
	StatefulMarker string `json:"stateful_marker"`
	Choices        []struct {
		Message struct {
			Content        string `json:"content"`
			StatefulMarker string `json:"stateful_marker"`
			ToolCalls      []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// parseNonStream decodes a complete (non-SSE) completion body.
func parseNonStream(body []byte) (*streamResult, error) {
	var resp nonStreamResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &service.ClassifiedError{
			Kind:    service.ErrKindNonRetryable,
			Message: "undecodable completion response",
			Cause:   err,
		}
	}

	result := &streamResult{
		ResponseID:     resp.ID,
		Model:          resp.Model,
		StatefulMarker: resp.StatefulMarker,
		Usage: entity.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		result.FinishReason = choice.FinishReason
		if choice.Message.StatefulMarker != "" {
			result.StatefulMarker = choice.Message.StatefulMarker
		}
		for i, tc := range choice.Message.ToolCalls {
			id := tc.ID
			if id == "" {
				id = entity.NewToolCallID()
			}
			result.ToolCalls = append(result.ToolCalls, entity.ToolCall{
				Index:        i,
				ID:           id,
				Type:         tc.Type,
				Function:     entity.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
				NameComplete: true,
			})
		}
	}
	return result, nil
}
