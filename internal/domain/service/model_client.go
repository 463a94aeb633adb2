package service

import (
	"context"
	"time"

	"github.com/talon-agent/talon/internal/domain/entity"
	"github.com/talon-agent/talon/internal/domain/tool"
)

// ChunkMeta accompanies every streamed content delta.
type ChunkMeta struct {
	TokenCount int
	TTFT       time.Duration // time to first token
	TPS        float64       // tokens per second so far
	Duration   time.Duration
}

// Callbacks is the display surface the core drives. All callbacks are
// invoked synchronously from the consuming goroutine so they observe the
// same ordering the transcript will.
type Callbacks struct {
	OnChunk         func(delta string, meta ChunkMeta)
	OnToolCall      func(name string)
	OnSystemMessage func(text string)
	OnThinking      func(text string)
}

// SystemMessage emits a user-visible status line, if a handler is set.
func (c *Callbacks) SystemMessage(text string) {
	if c != nil && c.OnSystemMessage != nil {
		c.OnSystemMessage(text)
	}
}

// ModelRequest is one chat-completion request from the loop's perspective.
type ModelRequest struct {
	Messages []entity.Message
	Tools    []tool.Definition
	Stream   bool

	// ToolCallIteration is 1 on the first model call of a ProcessInput and
	// increments per iteration. It gates premium-quota attribution
	// (X-Initiator) and stateful-marker storage.
	ToolCallIteration int

	Session   Session
	Callbacks *Callbacks
}

// ModelResponse is the assembled result of one model call.
type ModelResponse struct {
	Content      string
	ToolCalls    []entity.ToolCall
	FinishReason string
	Usage        entity.Usage
	ResponseID   string
	Model        string
}

// ModelClient is the gateway contract the workflow loop depends on. Errors
// are always *ClassifiedError.
type ModelClient interface {
	Send(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
	// ContextWindow returns the usable context window (tokens) for a model.
	ContextWindow(ctx context.Context, model string) int
	// EstimateTokens approximates the token count of a string.
	EstimateTokens(text string) int
}
