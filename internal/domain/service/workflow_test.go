package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/talon-agent/talon/internal/domain/entity"
	"github.com/talon-agent/talon/internal/domain/tool"
)

// scriptedClient replays a fixed sequence of model responses.
type scriptedClient struct {
	steps    []func(req *ModelRequest) (*ModelResponse, error)
	i        int
	requests []*ModelRequest
}

func (c *scriptedClient) Send(_ context.Context, req *ModelRequest) (*ModelResponse, error) {
	c.requests = append(c.requests, req)
	step := c.steps[len(c.steps)-1]
	if c.i < len(c.steps) {
		step = c.steps[c.i]
	}
	c.i++
	return step(req)
}

func (c *scriptedClient) ContextWindow(context.Context, string) int { return 128000 }
func (c *scriptedClient) EstimateTokens(text string) int            { return len(text) / 4 }

func answer(content string) func(*ModelRequest) (*ModelResponse, error) {
	return func(*ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Content: content, FinishReason: "stop"}, nil
	}
}

func toolTurn(calls ...entity.ToolCall) func(*ModelRequest) (*ModelResponse, error) {
	return func(*ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{ToolCalls: calls, FinishReason: "tool_calls"}, nil
	}
}

func fail(cerr *ClassifiedError) func(*ModelRequest) (*ModelResponse, error) {
	return func(*ModelRequest) (*ModelResponse, error) { return nil, cerr }
}

// memSession is an in-memory Session that snapshots history on every Save,
// so tests can assert what each durable state looked like.
type memSession struct {
	id      string
	state   *entity.SessionState
	history []entity.Message
	saveLog [][]entity.Message
}

func newMemSession() *memSession {
	return &memSession{
		id:    "sess-test",
		state: &entity.SessionState{SessionID: "sess-test", SelectedModel: "gpt-test"},
	}
}

func (s *memSession) SessionID() string                     { return s.id }
func (s *memSession) State() *entity.SessionState           { return s.state }
func (s *memSession) ConversationHistory() []entity.Message { return entity.CloneMessages(s.history) }
func (s *memSession) LongTermMemory() string                { return "" }
func (s *memSession) BeginTurn(string) string               { return "snap-1" }
func (s *memSession) RecordAPIUsage(entity.Usage, string, string) {}

func (s *memSession) AddMessage(role, content string, meta *MessageMeta) {
	msg := entity.Message{Role: role, Content: content}
	if meta != nil {
		msg.ToolCalls = meta.ToolCalls
		msg.ToolCallID = meta.ToolCallID
		msg.Importance = meta.Importance
	}
	s.history = append(s.history, msg)
}

func (s *memSession) Save() error {
	s.saveLog = append(s.saveLog, entity.CloneMessages(s.history))
	return nil
}

func newTestWorkflow(t *testing.T, client ModelClient, reg *tool.Registry, interrupt func() bool) *Workflow {
	t.Helper()
	logger := testLogger(t)
	conv := NewConversationManager(func(s string) int { return len(s) / 4 }, logger)
	return NewWorkflow(
		client, reg, conv, NewDispatcher(reg, logger),
		nil, interrupt, nil,
		WorkflowConfig{SystemPrompt: "You are a coding agent.", SupportsRoleTool: true},
		logger,
	)
}

func TestProcessInputSingleShot(t *testing.T) {
	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){answer("4")}}
	w := newTestWorkflow(t, client, tool.NewRegistry(), nil)
	sess := newMemSession()

	res := w.ProcessInput(context.Background(), "2+2", sess, nil)

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Content != "4" || res.Iterations != 1 || len(res.ToolCallsMade) != 0 {
		t.Errorf("result = %+v", res)
	}
	// Persisted transcript: user then assistant.
	if len(sess.history) != 2 || sess.history[0].Role != entity.RoleUser || sess.history[1].Role != entity.RoleAssistant {
		t.Errorf("history = %+v", sess.history)
	}
	// The first user message of a session is pinned.
	if sess.history[0].Importance != entity.PinnedImportance {
		t.Error("first user message not pinned")
	}
	// The outgoing request starts with a fresh system prompt.
	if client.requests[0].Messages[0].Role != entity.RoleSystem {
		t.Error("no system prompt on the wire")
	}
	if client.requests[0].ToolCallIteration != 1 {
		t.Errorf("iteration header flag = %d", client.requests[0].ToolCallIteration)
	}
}

func TestProcessInputOneToolThenAnswer(t *testing.T) {
	ft := &fakeTool{name: "file_operations", execute: func(args map[string]any) (*tool.Result, error) {
		if args["operation"] != "read_file" || args["path"] != "foo.txt" {
			t.Errorf("args = %v", args)
		}
		return &tool.Result{Output: "hello", Success: true}, nil
	}}
	reg := newTestRegistry(t, ft)

	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		toolTurn(call("file_operations", "call_aaa", `{"operation":"read_file","path":"foo.txt"}`)),
		answer("The file contains: hello"),
	}}
	w := newTestWorkflow(t, client, reg, nil)
	sess := newMemSession()

	res := w.ProcessInput(context.Background(), "read file foo.txt", sess, nil)

	if !res.Success || res.Iterations != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.ToolCallsMade) != 1 || res.ToolCallsMade[0] != "file_operations" {
		t.Errorf("tools made = %v", res.ToolCallsMade)
	}

	// Persisted order: user, assistant(tool_calls), tool result, assistant.
	wantRoles := []string{entity.RoleUser, entity.RoleAssistant, entity.RoleTool, entity.RoleAssistant}
	if len(sess.history) != len(wantRoles) {
		t.Fatalf("history = %+v", sess.history)
	}
	for i, role := range wantRoles {
		if sess.history[i].Role != role {
			t.Errorf("history[%d].Role = %s, want %s", i, sess.history[i].Role, role)
		}
	}
	if sess.history[2].ToolCallID != "call_aaa" || sess.history[2].Content != "hello" {
		t.Errorf("tool result = %+v", sess.history[2])
	}

	// Atomic save: every durable snapshot pairs assistant tool_calls with at
	// least one following result.
	for n, snap := range sess.saveLog {
		for i, msg := range snap {
			if msg.HasToolCalls() && i == len(snap)-1 {
				t.Errorf("save %d ends with unpaired tool_calls", n)
			}
		}
	}

	// Turn two saw the full transcript including the tool result.
	second := client.requests[1].Messages
	foundResult := false
	for _, m := range second {
		if m.Role == entity.RoleTool && m.Content == "hello" {
			foundResult = true
		}
	}
	if !foundResult {
		t.Error("second request missing the tool result")
	}
	if client.requests[1].ToolCallIteration != 2 {
		t.Errorf("second call iteration = %d", client.requests[1].ToolCallIteration)
	}
}

func TestProcessInputRepairsMalformedArguments(t *testing.T) {
	var gotArgs map[string]any
	ft := &fakeTool{name: "reader", execute: func(args map[string]any) (*tool.Result, error) {
		gotArgs = args
		return &tool.Result{Output: "data", Success: true}, nil
	}}
	reg := newTestRegistry(t, ft)

	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		toolTurn(call("reader", "call_1", `{"offset":,"length":8}`)),
		answer("done"),
	}}
	w := newTestWorkflow(t, client, reg, nil)

	res := w.ProcessInput(context.Background(), "read", newMemSession(), nil)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if ft.calls != 1 {
		t.Fatal("tool did not run after repair")
	}
	if gotArgs["offset"] != float64(0) || gotArgs["length"] != float64(8) {
		t.Errorf("repaired args = %v", gotArgs)
	}
}

func TestProcessInputUnrepairableArgumentsKeepPairing(t *testing.T) {
	ft := &fakeTool{name: "reader"}
	reg := newTestRegistry(t, ft)

	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		toolTurn(call("reader", "call_bad", `]]]]{{`)),
		answer("recovered"),
	}}
	w := newTestWorkflow(t, client, reg, nil)
	sess := newMemSession()

	res := w.ProcessInput(context.Background(), "go", sess, nil)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if ft.calls != 0 {
		t.Error("unrepairable call must not execute")
	}

	// A synthetic error result pairs the broken call.
	var result *entity.Message
	for i := range sess.history {
		if sess.history[i].Role == entity.RoleTool && sess.history[i].ToolCallID == "call_bad" {
			result = &sess.history[i]
		}
	}
	if result == nil {
		t.Fatal("no synthetic result for the broken call")
	}
	if !strings.Contains(result.Content, "not valid JSON") {
		t.Errorf("synthetic result = %q", result.Content)
	}
}

func TestProcessInputRateLimitRetry(t *testing.T) {
	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		fail(&ClassifiedError{
			Kind:       ErrKindRateLimit,
			Retryable:  true,
			RetryAfter: 10 * time.Millisecond,
			Message:    "Please retry in 3s",
		}),
		answer("ok"),
	}}
	w := newTestWorkflow(t, client, tool.NewRegistry(), nil)

	var systemMsgs []string
	cb := &Callbacks{OnSystemMessage: func(s string) { systemMsgs = append(systemMsgs, s) }}

	res := w.ProcessInput(context.Background(), "hi", newMemSession(), cb)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	// The failed attempt does not count as an iteration.
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
	if len(systemMsgs) != 1 || !strings.Contains(systemMsgs[0], "Rate limited") {
		t.Errorf("system messages = %v", systemMsgs)
	}
}

func TestProcessInputNonRetryableError(t *testing.T) {
	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		fail(&ClassifiedError{Kind: ErrKindNonRetryable, Message: "bad request"}),
	}}
	w := newTestWorkflow(t, client, tool.NewRegistry(), nil)

	res := w.ProcessInput(context.Background(), "hi", newMemSession(), nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != ErrKindNonRetryable {
		t.Errorf("kind = %s", res.ErrorKind)
	}
}

func TestProcessInputPersistentErrorShortCircuits(t *testing.T) {
	cerr := &ClassifiedError{Kind: ErrKindAuthRecovered, Retryable: true, Message: "token expired"}
	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){fail(cerr)}}
	w := newTestWorkflow(t, client, tool.NewRegistry(), nil)

	res := w.ProcessInput(context.Background(), "hi", newMemSession(), nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "Persistent error") {
		t.Errorf("error = %q", res.Error)
	}
	if len(client.requests) != consecutiveErrorLimit {
		t.Errorf("requests = %d, want %d", len(client.requests), consecutiveErrorLimit)
	}
}

func TestProcessInputTokenLimitGivesUp(t *testing.T) {
	cerr := &ClassifiedError{Kind: ErrKindTokenLimit, Retryable: true, Message: "context length exceeded"}
	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		fail(&ClassifiedError{Kind: ErrKindTokenLimit, Retryable: true, Message: "context length exceeded a"}),
		fail(&ClassifiedError{Kind: ErrKindTokenLimit, Retryable: true, Message: "context length exceeded b"}),
		fail(cerr),
	}}
	w := newTestWorkflow(t, client, tool.NewRegistry(), nil)

	res := w.ProcessInput(context.Background(), "hi", newMemSession(), nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != ErrKindTokenLimit {
		t.Errorf("kind = %s", res.ErrorKind)
	}
	// Every rung of the trim ladder gets a real attempt: the last-three
	// payload is sent (request 4) before the loop gives up.
	if len(client.requests) != 4 {
		t.Errorf("requests = %d, want 4 (rung-3 payload must be attempted)", len(client.requests))
	}
}

func TestProcessInputIterationLimit(t *testing.T) {
	n := 0
	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		func(*ModelRequest) (*ModelResponse, error) {
			n++
			return &ModelResponse{
				ToolCalls:    []entity.ToolCall{call("ft", entity.NewToolCallID(), "{}")},
				FinishReason: "tool_calls",
			}, nil
		},
	}}
	reg := newTestRegistry(t, &fakeTool{name: "ft"})

	logger := testLogger(t)
	conv := NewConversationManager(func(s string) int { return len(s) / 4 }, logger)
	w := NewWorkflow(client, reg, conv, NewDispatcher(reg, logger), nil, nil, nil,
		WorkflowConfig{SystemPrompt: "p", SupportsRoleTool: true, MaxIterations: 3}, logger)

	res := w.ProcessInput(context.Background(), "loop forever", newMemSession(), nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != ErrKindIterationLimit {
		t.Errorf("kind = %s", res.ErrorKind)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
}

func TestProcessInputPrematureStopRecovery(t *testing.T) {
	reg := newTestRegistry(t, &fakeTool{name: "ft"})
	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		toolTurn(call("ft", "call_1", "{}")),
		func(*ModelRequest) (*ModelResponse, error) {
			return &ModelResponse{Content: "", FinishReason: "length"}, nil
		},
		answer("finished after nudge"),
	}}
	w := newTestWorkflow(t, client, reg, nil)
	sess := newMemSession()

	var systemMsgs []string
	cb := &Callbacks{OnSystemMessage: func(s string) { systemMsgs = append(systemMsgs, s) }}

	res := w.ProcessInput(context.Background(), "do work", sess, cb)
	if !res.Success || res.Content != "finished after nudge" {
		t.Fatalf("result = %+v", res)
	}
	// The recovery nudge landed in history as a user message.
	nudged := false
	for _, m := range sess.history {
		if m.Role == entity.RoleUser && strings.Contains(m.Content, "Continue the task") {
			nudged = true
		}
	}
	if !nudged {
		t.Error("no continuation nudge in history")
	}
}

func TestProcessInputPrematureStopBudget(t *testing.T) {
	reg := newTestRegistry(t, &fakeTool{name: "ft"})
	empty := func(*ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Content: "", FinishReason: "length"}, nil
	}
	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		toolTurn(call("ft", "call_1", "{}")),
		empty, empty, empty,
	}}
	w := newTestWorkflow(t, client, reg, nil)

	res := w.ProcessInput(context.Background(), "do work", newMemSession(), nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != ErrKindPrematureStop {
		t.Errorf("kind = %s", res.ErrorKind)
	}
}

func TestProcessInputEmptyStopAfterToolsStillRecovers(t *testing.T) {
	reg := newTestRegistry(t, &fakeTool{name: "ft"})
	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		toolTurn(call("ft", "call_1", "{}")),
		func(*ModelRequest) (*ModelResponse, error) {
			return &ModelResponse{Content: "", FinishReason: "stop"}, nil
		},
		answer("wrapped up"),
	}}
	w := newTestWorkflow(t, client, reg, nil)
	sess := newMemSession()

	res := w.ProcessInput(context.Background(), "do work", sess, nil)
	if !res.Success || res.Content != "wrapped up" {
		t.Fatalf("result = %+v", res)
	}
	// A blank reply never finalizes after tool activity, even on a reported
	// stop; the loop nudges for a real summary first.
	nudged := false
	for _, m := range sess.history {
		if m.Role == entity.RoleUser && strings.Contains(m.Content, "Continue the task") {
			nudged = true
		}
	}
	if !nudged {
		t.Error("no continuation nudge after the blank stop")
	}
}

func TestProcessInputInterruptMidTurn(t *testing.T) {
	var executed []string
	mk := func(name string) *fakeTool {
		return &fakeTool{name: name, serial: true, execute: func(map[string]any) (*tool.Result, error) {
			executed = append(executed, name)
			return &tool.Result{Output: name, Success: true}, nil
		}}
	}
	reg := newTestRegistry(t, mk("t1"), mk("t2"), mk("t3"))

	// ESC arrives after the first tool finishes.
	polls := 0
	interrupt := func() bool {
		polls++
		return polls == 2 // first poll is before the model call
	}

	client := &scriptedClient{steps: []func(*ModelRequest) (*ModelResponse, error){
		toolTurn(
			call("t1", "call_1", "{}"),
			call("t2", "call_2", "{}"),
			call("t3", "call_3", "{}"),
		),
		answer("stopped as requested"),
	}}
	w := newTestWorkflow(t, client, reg, interrupt)
	sess := newMemSession()

	res := w.ProcessInput(context.Background(), "run three things", sess, nil)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(executed) != 1 || executed[0] != "t1" {
		t.Errorf("executed = %v, want only t1", executed)
	}

	// Skipped calls still have paired results and the interrupt instruction
	// reached the transcript.
	skipped, instruction := 0, false
	for _, m := range sess.history {
		if m.Role == entity.RoleTool && strings.Contains(m.Content, "Skipped") {
			skipped++
		}
		if m.Role == entity.RoleUser && strings.Contains(m.Content, "interrupt") {
			instruction = true
		}
	}
	if skipped != 2 {
		t.Errorf("skipped results = %d, want 2", skipped)
	}
	if !instruction {
		t.Error("no interrupt instruction in history")
	}
	// The flag is cleared before the next model call.
	if sess.state.UserInterrupted {
		t.Error("user_interrupted not cleared")
	}
}
