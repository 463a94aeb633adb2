package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/entity"
	"github.com/talon-agent/talon/internal/domain/tool"
)

// Loop policy defaults.
const (
	DefaultMaxIterations = 500

	sessionErrorBudget      = 10
	prematureStopBudget     = 2
	consecutiveErrorLimit   = 3
	serverErrorBaseDelay    = 2 * time.Second
)

// RatePacer is the pacing dependency: it blocks until the next outgoing
// request may be sent, honoring the interrupt poll.
type RatePacer interface {
	Wait(ctx context.Context, interrupted func() bool) error
}

// WorkflowConfig tunes one orchestrator instance.
type WorkflowConfig struct {
	MaxIterations int
	SystemPrompt  string
	// SupportsRoleTool mirrors the provider profile; when false, tool
	// results are converted to user messages before sending.
	SupportsRoleTool bool
	// LoadContextFiles reads the session's configured context files from
	// disk. Optional.
	LoadContextFiles func(paths []string) []ContextFile
}

// Workflow is the agentic orchestrator: model call, tool dispatch, result
// append, iterate. One ProcessInput call is single-threaded.
type Workflow struct {
	client     ModelClient
	registry   *tool.Registry
	conv       *ConversationManager
	dispatcher *Dispatcher
	pacer      RatePacer
	interrupt  func() bool
	hooks      *HookChain
	config     WorkflowConfig
	logger     *zap.Logger
}

func NewWorkflow(
	client ModelClient,
	registry *tool.Registry,
	conv *ConversationManager,
	dispatcher *Dispatcher,
	pacer RatePacer,
	interrupt func() bool,
	hooks *HookChain,
	config WorkflowConfig,
	logger *zap.Logger,
) *Workflow {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if hooks == nil {
		hooks = NewHookChain()
	}
	if interrupt == nil {
		interrupt = func() bool { return false }
	}
	return &Workflow{
		client:     client,
		registry:   registry,
		conv:       conv,
		dispatcher: dispatcher,
		pacer:      pacer,
		interrupt:  interrupt,
		hooks:      hooks,
		config:     config,
		logger:     logger.With(zap.String("component", "workflow")),
	}
}

// turnContext is the per-ProcessInput mutable state.
type turnContext struct {
	messages          []entity.Message
	iteration         int
	retryCounts       map[ErrorKind]int
	tokenTrimRetries  int
	prematureRetries  int
	sessionErrors     int
	consecutiveErrors int
	lastErrorText     string
	toolCallsMade     []string
	turnSnapshotID    string
}

// ProcessInput runs the agentic loop for one user input. It always returns
// a structured Result; classified errors never escape as raw errors.
func (w *Workflow) ProcessInput(ctx context.Context, userInput string, session Session, callbacks *Callbacks) *Result {
	sm := NewStateMachine(w.config.MaxIterations, w.logger)
	sm.OnTransition(w.hooks.OnStateChange)

	tc := &turnContext{
		retryCounts:    make(map[ErrorKind]int),
		turnSnapshotID: session.BeginTurn(userInput),
	}

	history := w.conv.LoadHistory(session.ConversationHistory())

	importance := 0
	if firstUserMessage(history) {
		importance = entity.PinnedImportance
	}
	session.AddMessage(entity.RoleUser, userInput, &MessageMeta{Importance: importance})
	tc.messages = append(history, entity.Message{
		Role:       entity.RoleUser,
		Content:    userInput,
		Importance: importance,
	})

	result := w.run(ctx, sm, tc, session, callbacks)
	result.Iterations = tc.iteration
	result.ToolCallsMade = tc.toolCallsMade
	w.hooks.OnComplete(ctx, result)
	return result
}

func firstUserMessage(history []entity.Message) bool {
	for _, m := range history {
		if m.Role == entity.RoleUser {
			return false
		}
	}
	return true
}

func (w *Workflow) run(ctx context.Context, sm *StateMachine, tc *turnContext, session Session, callbacks *Callbacks) *Result {
	for tc.iteration < w.config.MaxIterations {
		tc.iteration++
		sm.SetIteration(tc.iteration)

		// Interrupt poll point: before the model call. Whether the ESC arrived
		// here or between tool executions, the wind-down instruction is already
		// in the transcript, so the flag resets before this model call.
		w.pollInterrupt(tc, session)
		session.State().UserInterrupted = false

		if w.pacer != nil {
			if err := w.pacer.Wait(ctx, w.interrupt); err != nil {
				sm.Transition(StateAborted)
				return &Result{Success: false, Error: "cancelled", ErrorKind: ErrKindNonRetryable}
			}
		}

		if sm.State() == StateIdle || sm.State() == StateToolExec || sm.State() == StateRetrying || sm.State() == StateTrimming {
			sm.Transition(StateStreaming)
		}

		req := &ModelRequest{
			Messages:          w.buildWireMessages(session, tc.messages),
			Tools:             w.registry.Definitions(),
			Stream:            true,
			ToolCallIteration: tc.iteration,
			Session:           session,
			Callbacks:         callbacks,
		}

		w.hooks.BeforeModelCall(ctx, req, tc.iteration)
		resp, err := w.client.Send(ctx, req)
		if err != nil {
			terminal := w.handleModelError(ctx, sm, tc, session, callbacks, err)
			if terminal != nil {
				sm.Transition(StateError)
				return terminal
			}
			// Retry without counting the iteration.
			tc.iteration--
			sm.SetIteration(tc.iteration)
			continue
		}

		tc.consecutiveErrors = 0
		tc.lastErrorText = ""
		sm.AddTokens(resp.Usage.Total())
		sm.SetModel(resp.Model)
		w.hooks.AfterModelCall(ctx, resp, tc.iteration)

		if len(resp.ToolCalls) == 0 {
			if done, res := w.finalizeOrRecover(sm, tc, session, callbacks, resp); done {
				return res
			}
			continue
		}

		if res := w.executeTurn(ctx, sm, tc, session, callbacks, resp); res != nil {
			return res
		}
	}

	sm.Transition(StateError)
	return &Result{
		Success: false,
		Error: fmt.Sprintf("Iteration limit reached after %d iterations. The task is too large for one request; split it into smaller steps.",
			w.config.MaxIterations),
		ErrorKind: ErrKindIterationLimit,
	}
}

// buildWireMessages assembles the outgoing message list: fresh system
// prompt, long-term memory, context files, then the trimmed and
// alternation-enforced history.
func (w *Workflow) buildWireMessages(session Session, history []entity.Message) []entity.Message {
	systemPrompt := w.config.SystemPrompt
	if memory := session.LongTermMemory(); memory != "" {
		systemPrompt = systemPrompt + "\n\n# Long-term memory\n" + memory
	}

	out := []entity.Message{{Role: entity.RoleSystem, Content: systemPrompt}}

	if w.config.LoadContextFiles != nil {
		if paths := session.State().ContextFiles; len(paths) > 0 {
			if msg, ok := w.conv.InjectContextFiles(w.config.LoadContextFiles(paths)); ok {
				out = append(out, msg)
			}
		}
	}

	window := w.client.ContextWindow(context.Background(), session.State().SelectedModel)
	trimmed := w.conv.PreflightTrim(systemPrompt, history, window)
	trimmed = w.conv.EnforceAlternation(trimmed, w.config.SupportsRoleTool)

	return append(out, trimmed...)
}

// finalizeOrRecover handles a response with no tool calls: either the turn
// is done, or a blank reply or truncated finish after tool activity is
// treated as a cut-off continuation. Returns (true, result) when the loop
// should stop.
func (w *Workflow) finalizeOrRecover(sm *StateMachine, tc *turnContext, session Session, callbacks *Callbacks, resp *ModelResponse) (bool, *Result) {
	blank := strings.TrimSpace(resp.Content) == ""

	// After tool activity, only a clean stop with content finalizes; a blank
	// reply or a truncated finish is a cut-off continuation.
	premature := len(tc.toolCallsMade) > 0 && (blank || resp.FinishReason != "stop")

	if premature {
		if tc.prematureRetries >= prematureStopBudget {
			sm.Transition(StateError)
			return true, &Result{
				Success:   false,
				Error:     "Model repeatedly returned empty responses after tool execution.",
				ErrorKind: ErrKindPrematureStop,
			}
		}
		tc.prematureRetries++
		w.logger.Warn("Premature stop detected, prompting continuation",
			zap.Int("attempt", tc.prematureRetries),
		)
		callbacks.SystemMessage("Response was cut short, asking the model to continue...")

		if !blank {
			session.AddMessage(entity.RoleAssistant, resp.Content, nil)
			tc.messages = append(tc.messages, entity.Message{Role: entity.RoleAssistant, Content: resp.Content})
		}
		resume := entity.Message{
			Role:    entity.RoleUser,
			Content: "Your previous response stopped early. Continue the task from where you left off and finish with a summary of what was done.",
		}
		session.AddMessage(resume.Role, resume.Content, nil)
		tc.messages = append(tc.messages, resume)

		// Recovery does not consume an iteration.
		tc.iteration--
		sm.SetIteration(tc.iteration)
		return false, nil
	}

	session.AddMessage(entity.RoleAssistant, resp.Content, nil)
	if err := session.Save(); err != nil {
		w.logger.Warn("Final session save failed", zap.Error(err))
	}
	sm.Transition(StateComplete)
	return true, &Result{Success: true, Content: resp.Content}
}

// executeTurn appends the assistant turn, repairs and dispatches its tool
// calls, and persists atomically: the assistant message with tool_calls is
// saved together with the first tool result. Returns a non-nil result only
// on terminal failure.
func (w *Workflow) executeTurn(ctx context.Context, sm *StateMachine, tc *turnContext, session Session, callbacks *Callbacks, resp *ModelResponse) *Result {
	sm.Transition(StateToolExec)

	repaired, failed := RepairToolCalls(resp.ToolCalls, w.logger)

	// allCalls keeps the model's emission order, with repaired arguments in
	// place of the originals.
	repairedByID := make(map[string]entity.ToolCall, len(repaired))
	for _, call := range repaired {
		repairedByID[call.ID] = call
	}
	allCalls := make([]entity.ToolCall, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		if rc, ok := repairedByID[call.ID]; ok {
			call = rc
		}
		allCalls = append(allCalls, call)
	}

	assistant := entity.Message{
		Role:      entity.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: allCalls,
	}
	tc.messages = append(tc.messages, assistant)

	// The assistant message is pending: it reaches the session only together
	// with the first tool result, so an interrupt before any result leaves
	// persisted history without orphaned tool_calls.
	assistantSaved := false
	saveWithResult := func(result entity.Message) {
		if !assistantSaved {
			session.AddMessage(assistant.Role, assistant.Content, &MessageMeta{ToolCalls: assistant.ToolCalls})
			assistantSaved = true
		}
		session.AddMessage(result.Role, result.Content, &MessageMeta{ToolCallID: result.ToolCallID})
		if err := session.Save(); err != nil {
			w.logger.Warn("Session save failed", zap.Error(err))
		}
	}

	exec := tool.ExecContext{
		SessionID:      session.SessionID(),
		TurnSnapshotID: tc.turnSnapshotID,
	}

	interrupted := false
	shouldStop := func() bool {
		// Interrupt poll point: between individual tool executions.
		if w.pollInterrupt(tc, session) {
			interrupted = true
		}
		return interrupted
	}

	approve := func(name string, args map[string]any) bool {
		return w.hooks.BeforeToolCall(ctx, name, args)
	}
	outcomes := w.dispatcher.Execute(ctx, repaired, exec, shouldStop, approve)

	results := make(map[string]entity.Message, len(allCalls))
	for _, outcome := range outcomes {
		name := outcome.Call.Function.Name
		sm.RecordToolExec(name)
		tc.toolCallsMade = append(tc.toolCallsMade, name)
		w.hooks.AfterToolCall(ctx, name, outcome.Output, outcome.Success)

		results[outcome.Call.ID] = entity.Message{
			Role:       entity.RoleTool,
			Content:    outcome.Output,
			ToolCallID: outcome.Call.ID,
		}
	}
	// Unrepairable calls get synthetic failure results, skipped calls
	// (interrupt) get skip notes, so pairing always holds.
	for _, call := range failed {
		results[call.ID] = entity.Message{
			Role:       entity.RoleTool,
			Content:    SyntheticFailureResult(call),
			ToolCallID: call.ID,
		}
	}
	for _, call := range repaired {
		if _, ok := results[call.ID]; !ok {
			results[call.ID] = entity.Message{
				Role:       entity.RoleTool,
				Content:    "Skipped: the user interrupted this turn before the tool ran.",
				ToolCallID: call.ID,
			}
		}
	}

	// Results land in the transcript in the model's emission order, whatever
	// order the buckets actually ran in.
	for _, call := range allCalls {
		msg, ok := results[call.ID]
		if !ok {
			continue
		}
		tc.messages = append(tc.messages, msg)
		saveWithResult(msg)
	}

	if !assistantSaved {
		// No result was produced, so the pending assistant message must not
		// survive either: persisted history never carries orphaned tool_calls.
		tc.messages = tc.messages[:len(tc.messages)-1]
		return nil
	}

	// Interrupt poll point: after the turn's tools complete.
	if !interrupted {
		w.pollInterrupt(tc, session)
	}
	return nil
}

// pollInterrupt checks for a pending ESC press. On detection it marks the
// session, appends the wind-down instruction, and saves.
func (w *Workflow) pollInterrupt(tc *turnContext, session Session) bool {
	if !w.interrupt() {
		return false
	}
	w.logger.Info("User interrupt detected")
	session.State().UserInterrupted = true

	msg := entity.Message{
		Role:    entity.RoleUser,
		Content: "The user pressed the interrupt key. Stop what you are doing and invoke user_collaboration to ask how to proceed.",
	}
	session.AddMessage(msg.Role, msg.Content, nil)
	tc.messages = append(tc.messages, msg)
	if err := session.Save(); err != nil {
		w.logger.Warn("Session save after interrupt failed", zap.Error(err))
	}
	return true
}

// handleModelError applies the retry policy for one classified failure.
// Returns a terminal Result when the loop must stop, nil to retry.
func (w *Workflow) handleModelError(ctx context.Context, sm *StateMachine, tc *turnContext, session Session, callbacks *Callbacks, err error) *Result {
	cerr := AsClassified(err)
	sm.RecordError()
	w.hooks.OnError(ctx, cerr, tc.iteration)

	tc.sessionErrors++
	if tc.sessionErrors > sessionErrorBudget {
		return &Result{
			Success:   false,
			Error:     fmt.Sprintf("Too many errors in one request (%d). Last: %s", tc.sessionErrors, cerr.Message),
			ErrorKind: ErrKindSessionBudget,
		}
	}

	if cerr.Error() == tc.lastErrorText {
		tc.consecutiveErrors++
	} else {
		tc.consecutiveErrors = 1
		tc.lastErrorText = cerr.Error()
	}
	if tc.consecutiveErrors >= consecutiveErrorLimit {
		return &Result{
			Success:   false,
			Error:     fmt.Sprintf("Persistent error, %d identical failures in a row: %s", tc.consecutiveErrors, cerr.Message),
			ErrorKind: cerr.Kind,
		}
	}

	if !cerr.Retryable {
		return &Result{Success: false, Error: cerr.Message, ErrorKind: cerr.Kind}
	}

	tc.retryCounts[cerr.Kind]++
	attempt := tc.retryCounts[cerr.Kind]
	if attempt > retryBudget(cerr.Kind) {
		return &Result{
			Success:   false,
			Error:     fmt.Sprintf("Giving up after %d retries (%s): %s", attempt-1, cerr.Kind, cerr.Message),
			ErrorKind: cerr.Kind,
		}
	}
	sm.RecordRetry()
	sm.Transition(StateRetrying)

	switch cerr.Kind {
	case ErrKindRateLimit:
		callbacks.SystemMessage(fmt.Sprintf("Rate limited, waiting %s before retrying...", cerr.RetryAfter))
		if !w.sleepInterruptible(ctx, cerr.RetryAfter) {
			return &Result{Success: false, Error: "cancelled during rate-limit wait", ErrorKind: ErrKindRateLimit}
		}

	case ErrKindTransport, ErrKindServerError:
		delay := serverErrorBaseDelay << (attempt - 1)
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
		callbacks.SystemMessage(fmt.Sprintf("Provider error, retrying in %s (attempt %d)...", delay, attempt))
		if !w.sleepInterruptible(ctx, delay) {
			return &Result{Success: false, Error: "cancelled during backoff", ErrorKind: cerr.Kind}
		}

	case ErrKindAuthRecovered:
		w.logger.Debug("Retrying immediately after credential refresh")

	case ErrKindMalformedJSON:
		w.logger.Debug("Retrying after malformed tool JSON rejection")

	case ErrKindStructure:
		// Rebuild the transcript from persisted history; the pair validator
		// removes whatever the provider objected to.
		w.logger.Warn("Message structure rejected, rebuilding from session history")
		tc.messages = w.conv.LoadHistory(session.ConversationHistory())

	case ErrKindTokenLimit:
		sm.Transition(StateStreaming)
		sm.Transition(StateTrimming)
		tc.tokenTrimRetries++
		callbacks.SystemMessage(fmt.Sprintf("Conversation too large for the model, trimming (attempt %d)...", tc.tokenTrimRetries))
		outcome := TrimForTokenLimit(tc.messages, tc.tokenTrimRetries, "", w.logger)
		tc.messages = outcome.Messages
		if outcome.GiveUp {
			return &Result{
				Success:   false,
				Error:     "The conversation no longer fits the model's context window even after trimming. Start a new session or switch to a larger-context model.",
				ErrorKind: ErrKindTokenLimit,
			}
		}
	}
	return nil
}

// sleepInterruptible waits for d, returning false on context cancellation.
// A user interrupt cuts the wait short but still retries.
func (w *Workflow) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	const step = 100 * time.Millisecond
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if w.interrupt() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining > step {
			remaining = step
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(remaining):
		}
	}
	return true
}
