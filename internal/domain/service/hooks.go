package service

import "context"

// AgentHook defines lifecycle hooks for extending workflow loop behavior.
// All methods are optional; embed NoOpHook to only implement what you need.
// Hooks execute synchronously; keep them fast to avoid blocking the loop.
type AgentHook interface {
	// BeforeModelCall is called before each model request. The hook may
	// inspect but not mutate the request.
	BeforeModelCall(ctx context.Context, req *ModelRequest, iteration int)

	// AfterModelCall is called after each successful model response.
	AfterModelCall(ctx context.Context, resp *ModelResponse, iteration int)

	// BeforeToolCall is called before each tool execution.
	// Return false to veto the call (permission checks, sandboxing).
	BeforeToolCall(ctx context.Context, toolName string, args map[string]any) bool

	// AfterToolCall is called after each tool execution completes.
	AfterToolCall(ctx context.Context, toolName string, output string, success bool)

	// OnError is called when an error occurs in the loop.
	OnError(ctx context.Context, err error, iteration int)

	// OnComplete is called when the loop finishes.
	OnComplete(ctx context.Context, result *Result)

	// OnStateChange is called on each state machine transition.
	OnStateChange(from, to AgentState, snap StateSnapshot)
}

// NoOpHook provides a default no-op implementation of all hooks.
// Embed this in a custom hook to only override the methods you care about.
type NoOpHook struct{}

func (NoOpHook) BeforeModelCall(_ context.Context, _ *ModelRequest, _ int)        {}
func (NoOpHook) AfterModelCall(_ context.Context, _ *ModelResponse, _ int)        {}
func (NoOpHook) BeforeToolCall(_ context.Context, _ string, _ map[string]any) bool { return true }
func (NoOpHook) AfterToolCall(_ context.Context, _ string, _ string, _ bool)      {}
func (NoOpHook) OnError(_ context.Context, _ error, _ int)                        {}
func (NoOpHook) OnComplete(_ context.Context, _ *Result)                          {}
func (NoOpHook) OnStateChange(_, _ AgentState, _ StateSnapshot)                   {}

// HookChain aggregates multiple hooks, called in registration order.
type HookChain struct {
	hooks []AgentHook
}

// NewHookChain creates a hook chain from the given hooks.
func NewHookChain(hooks ...AgentHook) *HookChain {
	return &HookChain{hooks: hooks}
}

// Add appends a hook to the chain.
func (c *HookChain) Add(h AgentHook) {
	c.hooks = append(c.hooks, h)
}

func (c *HookChain) BeforeModelCall(ctx context.Context, req *ModelRequest, iteration int) {
	for _, h := range c.hooks {
		h.BeforeModelCall(ctx, req, iteration)
	}
}

func (c *HookChain) AfterModelCall(ctx context.Context, resp *ModelResponse, iteration int) {
	for _, h := range c.hooks {
		h.AfterModelCall(ctx, resp, iteration)
	}
}

func (c *HookChain) BeforeToolCall(ctx context.Context, toolName string, args map[string]any) bool {
	for _, h := range c.hooks {
		if !h.BeforeToolCall(ctx, toolName, args) {
			return false // any hook can veto a tool call
		}
	}
	return true
}

func (c *HookChain) AfterToolCall(ctx context.Context, toolName string, output string, success bool) {
	for _, h := range c.hooks {
		h.AfterToolCall(ctx, toolName, output, success)
	}
}

func (c *HookChain) OnError(ctx context.Context, err error, iteration int) {
	for _, h := range c.hooks {
		h.OnError(ctx, err, iteration)
	}
}

func (c *HookChain) OnComplete(ctx context.Context, result *Result) {
	for _, h := range c.hooks {
		h.OnComplete(ctx, result)
	}
}

func (c *HookChain) OnStateChange(from, to AgentState, snap StateSnapshot) {
	for _, h := range c.hooks {
		h.OnStateChange(from, to, snap)
	}
}

// Compile-time check: HookChain implements AgentHook.
var _ AgentHook = (*HookChain)(nil)
