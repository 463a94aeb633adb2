package httpapi

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/service"
	"github.com/talon-agent/talon/internal/infrastructure/session"
)

type chatHandler struct {
	agent  Agent
	store  session.Store
	logger *zap.Logger
}

func newChatHandler(agent Agent, store session.Store, logger *zap.Logger) *chatHandler {
	return &chatHandler{agent: agent, store: store, logger: logger}
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message" binding:"required"`
}

// Chat runs one agentic turn and streams the callback surface as SSE:
// `chunk` for content deltas, `tool_call` when a tool starts, `system` for
// status lines, and a final `done` event carrying the structured result.
func (h *chatHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sess, err := h.store.Open(req.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Callbacks fire from the consuming goroutine; the mutex only guards
	// against a racing client disconnect flush.
	var mu sync.Mutex
	emit := func(event string, data any) {
		mu.Lock()
		defer mu.Unlock()
		c.SSEvent(event, data)
		c.Writer.Flush()
	}

	callbacks := &service.Callbacks{
		OnChunk: func(delta string, meta service.ChunkMeta) {
			emit("chunk", gin.H{"delta": delta, "tokens": meta.TokenCount})
		},
		OnToolCall: func(name string) {
			emit("tool_call", gin.H{"name": name})
		},
		OnSystemMessage: func(text string) {
			emit("system", gin.H{"text": text})
		},
	}

	result := h.agent.ProcessInput(c.Request.Context(), req.Message, sess, callbacks)

	emit("done", gin.H{
		"session_id": req.SessionID,
		"success":    result.Success,
		"content":    result.Content,
		"error":      result.Error,
		"error_kind": string(result.ErrorKind),
		"iterations": result.Iterations,
		"tools":      result.ToolCallsMade,
	})
}
