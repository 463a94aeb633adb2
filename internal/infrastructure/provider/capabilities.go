package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default model limits used when discovery fails or omits a field.
const (
	DefaultMaxPromptTokens = 128000
	DefaultMaxOutputTokens = 4096
	DefaultContextWindow   = 128000
	modelsFetchTimeout     = 30 * time.Second
)

// Capabilities holds per-model token limits.
type Capabilities struct {
	MaxPromptTokens        int
	MaxOutputTokens        int
	MaxContextWindowTokens int
}

// DefaultCapabilities returns the fallback limits.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MaxPromptTokens:        DefaultMaxPromptTokens,
		MaxOutputTokens:        DefaultMaxOutputTokens,
		MaxContextWindowTokens: DefaultContextWindow,
	}
}

// modelEntry is one element of a /models response. Limits appear either at
// the root or nested under capabilities.limits depending on the provider.
type modelEntry struct {
	ID                  string `json:"id"`
	MaxRequestTokens    int    `json:"max_request_tokens"`
	MaxCompletionTokens int    `json:"max_completion_tokens"`
	ContextWindow       int    `json:"context_window"`
	Capabilities        struct {
		Limits struct {
			MaxPromptTokens        int `json:"max_prompt_tokens"`
			MaxOutputTokens        int `json:"max_output_tokens"`
			MaxContextWindowTokens int `json:"max_context_window_tokens"`
		} `json:"limits"`
	} `json:"capabilities"`
}

// CapabilityCache lazily fetches and caches per-model token limits from the
// provider's /models endpoint. Failures fall through to defaults and are
// logged but never fatal.
type CapabilityCache struct {
	modelsURL string
	token     string
	headers   map[string]string
	client    *http.Client
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]Capabilities
}

// NewCapabilityCache creates a cache for one endpoint. Extra headers carry
// Copilot editor identification when the profile requires it.
func NewCapabilityCache(modelsURL, token string, headers map[string]string, client *http.Client, logger *zap.Logger) *CapabilityCache {
	if client == nil {
		client = &http.Client{Timeout: modelsFetchTimeout}
	}
	return &CapabilityCache{
		modelsURL: modelsURL,
		token:     token,
		headers:   headers,
		client:    client,
		logger:    logger.With(zap.String("component", "capability_cache")),
		cache:     make(map[string]Capabilities),
	}
}

// Get returns the capabilities for a model id, fetching the model table on
// first use. Unknown models get defaults (cached, so each miss fetches once).
func (c *CapabilityCache) Get(ctx context.Context, model string) Capabilities {
	c.mu.Lock()
	if caps, ok := c.cache[model]; ok {
		c.mu.Unlock()
		return caps
	}
	c.mu.Unlock()

	caps := c.fetch(ctx, model)

	c.mu.Lock()
	c.cache[model] = caps
	c.mu.Unlock()
	return caps
}

func (c *CapabilityCache) fetch(ctx context.Context, model string) Capabilities {
	ctx, cancel := context.WithTimeout(ctx, modelsFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL, nil)
	if err != nil {
		c.logger.Warn("Build models request failed, using defaults", zap.Error(err))
		return DefaultCapabilities()
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Models fetch failed, using defaults",
			zap.String("url", c.modelsURL),
			zap.Error(err),
		)
		return DefaultCapabilities()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("Models endpoint returned error, using defaults",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return DefaultCapabilities()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("Read models response failed, using defaults", zap.Error(err))
		return DefaultCapabilities()
	}

	entries, err := parseModelList(body)
	if err != nil {
		c.logger.Warn("Parse models response failed, using defaults", zap.Error(err))
		return DefaultCapabilities()
	}

	for _, entry := range entries {
		if entry.ID == model {
			caps := normalizeLimits(entry)
			c.logger.Debug("Model capabilities resolved",
				zap.String("model", model),
				zap.Int("max_prompt", caps.MaxPromptTokens),
				zap.Int("max_output", caps.MaxOutputTokens),
				zap.Int("context_window", caps.MaxContextWindowTokens),
			)
			return caps
		}
	}

	c.logger.Debug("Model not in provider table, using defaults", zap.String("model", model))
	return DefaultCapabilities()
}

// parseModelList accepts both a bare array and the {"data": [...]} wrapper.
func parseModelList(body []byte) ([]modelEntry, error) {
	var wrapped struct {
		Data []modelEntry `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Data) > 0 {
		return wrapped.Data, nil
	}

	var bare []modelEntry
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("unrecognized models payload: %w", err)
	}
	return bare, nil
}

// normalizeLimits applies the limit priority: root-level fields, then
// capabilities.limits, then defaults.
func normalizeLimits(entry modelEntry) Capabilities {
	caps := Capabilities{
		MaxPromptTokens:        entry.MaxRequestTokens,
		MaxOutputTokens:        entry.MaxCompletionTokens,
		MaxContextWindowTokens: entry.ContextWindow,
	}

	limits := entry.Capabilities.Limits
	if caps.MaxPromptTokens == 0 {
		caps.MaxPromptTokens = limits.MaxPromptTokens
	}
	if caps.MaxOutputTokens == 0 {
		caps.MaxOutputTokens = limits.MaxOutputTokens
	}
	if caps.MaxContextWindowTokens == 0 {
		caps.MaxContextWindowTokens = limits.MaxContextWindowTokens
	}

	if caps.MaxPromptTokens == 0 {
		caps.MaxPromptTokens = DefaultMaxPromptTokens
	}
	if caps.MaxOutputTokens == 0 {
		caps.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if caps.MaxContextWindowTokens == 0 {
		caps.MaxContextWindowTokens = DefaultContextWindow
	}
	return caps
}
