package provider

import (
	"strings"
	"testing"

	"github.com/talon-agent/talon/internal/domain/service"
)

func TestConsumeStreamContent(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"id":"resp-1","choices":[{"delta":{"content":"Hel"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		"",
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":2}}`,
		"",
		`data: [DONE]`,
		"",
	}, "\n")

	var chunks []string
	var lastMeta service.ChunkMeta
	cb := &service.Callbacks{
		OnChunk: func(delta string, meta service.ChunkMeta) {
			chunks = append(chunks, delta)
			lastMeta = meta
		},
	}

	result, err := consumeStream(strings.NewReader(stream), cb, testLogger(t))
	if err != nil {
		t.Fatalf("consumeStream: %v", err)
	}
	if result.Content != "Hello" {
		t.Errorf("content = %q, want %q", result.Content, "Hello")
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish_reason = %q", result.FinishReason)
	}
	if result.ResponseID != "resp-1" {
		t.Errorf("response id = %q", result.ResponseID)
	}
	if result.Usage.PromptTokens != 12 {
		t.Errorf("prompt tokens = %d", result.Usage.PromptTokens)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d, want 2", len(chunks))
	}
	if lastMeta.TokenCount != 2 {
		t.Errorf("token count = %d, want 2", lastMeta.TokenCount)
	}
}

func TestConsumeStreamToolCallAssembly(t *testing.T) {
	// Name and arguments arrive fragmented across events; index keys the
	// accumulator.
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"read_","arguments":""}}]}}]}`,
		"",
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"file","arguments":"{\"path\":"}}]}}]}`,
		"",
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"list_dir","arguments":"{}"}}]}}]}`,
		"",
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"a.txt\"}"}}]}}]}`,
		"",
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		"",
		`data: [DONE]`,
		"",
	}, "\n")

	var announced []string
	cb := &service.Callbacks{
		OnToolCall: func(name string) { announced = append(announced, name) },
	}

	result, err := consumeStream(strings.NewReader(stream), cb, testLogger(t))
	if err != nil {
		t.Fatalf("consumeStream: %v", err)
	}
	if len(result.ToolCalls) != 2 {
		t.Fatalf("tool call count = %d, want 2", len(result.ToolCalls))
	}

	first := result.ToolCalls[0]
	if first.Function.Name != "read_file" {
		t.Errorf("name = %q, want read_file", first.Function.Name)
	}
	if first.Function.Arguments != `{"path":"a.txt"}` {
		t.Errorf("arguments = %q", first.Function.Arguments)
	}
	if first.ID != "call_a" {
		t.Errorf("id = %q", first.ID)
	}

	if result.ToolCalls[1].Function.Name != "list_dir" {
		t.Errorf("second name = %q", result.ToolCalls[1].Function.Name)
	}

	// Each index announces once, on first non-empty name.
	if len(announced) != 2 {
		t.Errorf("announcements = %v, want one per call", announced)
	}
}

func TestConsumeStreamStatefulMarker(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"id":"resp-9","choices":[{"delta":{"content":"ok","stateful_marker":"mk-123"}}]}`,
		"",
		`data: [DONE]`,
		"",
	}, "\n")

	result, err := consumeStream(strings.NewReader(stream), nil, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if result.StatefulMarker != "mk-123" {
		t.Errorf("marker = %q", result.StatefulMarker)
	}
	if result.ResponseID != "resp-9" {
		t.Errorf("response id = %q", result.ResponseID)
	}
}

func TestConsumeStreamSkipsGarbageChunks(t *testing.T) {
	stream := strings.Join([]string{
		`data: {not json`,
		"",
		`data: {"choices":[{"delta":{"content":"fine"}}]}`,
		"",
		`data: [DONE]`,
		"",
	}, "\n")

	result, err := consumeStream(strings.NewReader(stream), nil, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "fine" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestConsumeStreamEOFWithoutDone(t *testing.T) {
	stream := `data: {"choices":[{"delta":{"content":"partial"}}]}` + "\n"

	result, err := consumeStream(strings.NewReader(stream), nil, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "partial" {
		t.Errorf("content = %q, EOF must flush the pending event", result.Content)
	}
}

func TestParseNonStream(t *testing.T) {
	body := `{
		"id": "resp-5",
		"model": "gpt-test",
		"choices": [{
			"message": {
				"content": "done",
				"tool_calls": [{"id":"call_x","type":"function","function":{"name":"run","arguments":"{}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 40, "completion_tokens": 8}
	}`

	result, err := parseNonStream([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "done" || result.FinishReason != "tool_calls" {
		t.Errorf("content=%q finish=%q", result.Content, result.FinishReason)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].ID != "call_x" {
		t.Errorf("tool calls = %+v", result.ToolCalls)
	}
	if result.Usage.PromptTokens != 40 {
		t.Errorf("prompt tokens = %d", result.Usage.PromptTokens)
	}
}
