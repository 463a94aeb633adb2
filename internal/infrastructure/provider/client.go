package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/service"
)

// Request timeouts. Streaming gets a long window because the model may
// generate for minutes; the non-streaming window covers a full completion.
const (
	nonStreamTimeout = 60 * time.Second
	streamTimeout    = 300 * time.Second
)

// Copilot protocol headers pinned to a known-good editor identity.
const (
	githubAPIVersion    = "2025-05-01"
	editorVersion       = "vscode/1.99.3"
	editorPluginVersion = "copilot-chat/0.26.7"
)

// Options configures a Gateway.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Profile Profile

	// DebugDumpDir receives a copy of every outgoing payload when set.
	DebugDumpDir string

	// RefreshToken is called on 401/403 to obtain a fresh credential.
	// Returning a non-empty token marks the error auth_recovered.
	RefreshToken func(ctx context.Context) (string, error)

	// Registry overrides the builtin profile table; nil uses the builtins.
	// Pass one with LoadOverlay applied to honor a providers.yaml.
	Registry *Registry
}

// Gateway is the provider front: it builds payloads, sends them, consumes
// the response stream, and feeds usage back into the trackers. It implements
// service.ModelClient.
type Gateway struct {
	opts       Options
	httpClient *http.Client
	logger     *zap.Logger

	registry     *Registry
	estimator    *TokenEstimator
	capabilities *CapabilityCache
	quota        *QuotaTracker
	rate         *RateTracker
	continuity   *ContinuityStore
	builder      *PayloadBuilder

	completionsURL string
}

// NewGateway wires a gateway for one provider endpoint.
func NewGateway(opts Options, logger *zap.Logger) (*Gateway, error) {
	if opts.APIKey == "" {
		return nil, &service.ClassifiedError{
			Kind:    service.ErrKindMissingAPIKey,
			Message: "no API key configured",
		}
	}

	kind, modelsURL, err := Resolve(opts.BaseURL)
	if err != nil {
		return nil, &service.ClassifiedError{
			Kind:    service.ErrKindInvalidConfig,
			Message: fmt.Sprintf("resolve provider endpoint: %v", err),
			Cause:   err,
		}
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.Profile.Name == "" {
		if p, ok := registry.ProfileForKind(kind); ok {
			opts.Profile = p
		} else {
			opts.Profile, _ = registry.ProfileFor("openai")
		}
	}

	httpClient, err := newHTTPClient(logger)
	if err != nil {
		return nil, err
	}

	log := logger.With(zap.String("component", "gateway"), zap.String("provider", string(opts.Profile.Kind)))
	continuity := NewContinuityStore(logger)
	builder := NewPayloadBuilder(continuity, logger)
	builder.DumpDir = opts.DebugDumpDir

	var capHeaders map[string]string
	if opts.Profile.RequiresCopilotHeaders {
		capHeaders = map[string]string{
			"Editor-Version":        editorVersion,
			"Editor-Plugin-Version": editorPluginVersion,
		}
	}

	base := baseForCompletions(opts.BaseURL)
	return &Gateway{
		opts:           opts,
		httpClient:     httpClient,
		logger:         log,
		registry:       registry,
		estimator:      NewTokenEstimator(),
		capabilities:   NewCapabilityCache(modelsURL, opts.APIKey, capHeaders, httpClient, logger),
		quota:          NewQuotaTracker(logger),
		rate:           NewRateTracker(logger),
		continuity:     continuity,
		builder:        builder,
		completionsURL: CompletionsURL(base, opts.Profile),
	}, nil
}

// baseForCompletions maps a logical name back to its API base URL; URLs pass
// through with a trailing /v1 preserved.
func baseForCompletions(baseURLOrName string) string {
	switch baseURLOrName {
	case "openai":
		return "https://api.openai.com/v1"
	case "copilot", "github", "github-copilot":
		return "https://api.githubcopilot.com"
	case "claude":
		return "https://api.anthropic.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "dashscope":
		return "https://dashscope.aliyuncs.com/compatible-mode/v1"
	case "local":
		return "http://localhost:8080/v1"
	}
	return baseURLOrName
}

// RateTracker exposes the pacing tracker so the workflow loop can enforce
// inter-request delays at iteration entry.
func (g *Gateway) RateTracker() *RateTracker { return g.rate }

// Profile returns the provider profile resolved at construction.
func (g *Gateway) Profile() Profile { return g.opts.Profile }

// ContextWindow implements service.ModelClient.
func (g *Gateway) ContextWindow(ctx context.Context, model string) int {
	return g.capabilities.Get(ctx, model).MaxContextWindowTokens
}

// MaxPromptTokens returns the prompt budget for a model.
func (g *Gateway) MaxPromptTokens(ctx context.Context, model string) int {
	return g.capabilities.Get(ctx, model).MaxPromptTokens
}

// EstimateTokens implements service.ModelClient.
func (g *Gateway) EstimateTokens(text string) int {
	return g.estimator.Estimate(text)
}

// Send implements service.ModelClient. One call is one HTTP POST; retries
// live in the workflow loop, not here.
func (g *Gateway) Send(ctx context.Context, req *service.ModelRequest) (*service.ModelResponse, error) {
	payload := g.builder.Build(g.opts.Model, req, g.opts.Profile)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &service.ClassifiedError{
			Kind:    service.ErrKindNonRetryable,
			Message: "encode request payload",
			Cause:   err,
		}
	}

	timeout := nonStreamTimeout
	if req.Stream {
		timeout = streamTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.completionsURL, bytes.NewReader(body))
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	g.setHeaders(httpReq, req)

	totalChars := len(body)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		g.logger.Warn("Model request failed at transport", zap.Error(err))
		return nil, ClassifyTransport(err)
	}
	defer resp.Body.Close()

	g.rate.Observe(resp.Header)
	if req.Session != nil {
		g.quota.Apply(resp.Header, req.Session.State())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, g.classifyFailure(ctx, resp)
	}

	var result *streamResult
	if req.Stream {
		result, err = consumeStream(resp.Body, req.Callbacks, g.logger)
	} else {
		var raw []byte
		raw, err = io.ReadAll(resp.Body)
		if err == nil {
			result, err = parseNonStream(raw)
		} else {
			err = ClassifyTransport(err)
		}
	}
	if err != nil {
		return nil, err
	}

	g.absorb(result, req, totalChars)

	return &service.ModelResponse{
		Content:      result.Content,
		ToolCalls:    result.ToolCalls,
		FinishReason: result.FinishReason,
		Usage:        result.Usage,
		ResponseID:   result.ResponseID,
		Model:        g.opts.Model,
	}, nil
}

// absorb feeds a completed response back into the learning and continuity
// state, then persists the session best-effort.
func (g *Gateway) absorb(result *streamResult, req *service.ModelRequest, totalChars int) {
	if result.Usage.PromptTokens > 0 {
		g.estimator.Learn(totalChars, result.Usage.PromptTokens)
	}

	if req.Session == nil {
		return
	}
	state := req.Session.State()

	g.continuity.Capture(state, g.opts.Model, result.StatefulMarker, req.ToolCallIteration)
	if result.ResponseID != "" {
		state.LastCopilotResponseID = result.ResponseID
	}

	req.Session.RecordAPIUsage(result.Usage, g.opts.Model, string(g.opts.Profile.Kind))
	if err := req.Session.Save(); err != nil {
		g.logger.Warn("Session save after response failed", zap.Error(err))
	}
}

// classifyFailure reads the error body and classifies it, attempting one
// token refresh for auth failures.
func (g *Gateway) classifyFailure(ctx context.Context, resp *http.Response) *service.ClassifiedError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	refreshed := false
	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && g.opts.RefreshToken != nil {
		if token, err := g.opts.RefreshToken(ctx); err == nil && token != "" {
			g.opts.APIKey = token
			refreshed = true
			g.logger.Info("Credential refreshed after auth failure", zap.Int("status", resp.StatusCode))
		} else if err != nil {
			g.logger.Warn("Credential refresh failed", zap.Error(err))
		}
	}

	cerr := Classify(resp.StatusCode, resp.Header, body, refreshed)
	if cerr.Kind == service.ErrKindRateLimit {
		g.rate.SetRetryAfter(cerr.RetryAfter)
	}
	g.logger.Warn("Model request rejected",
		zap.Int("status", resp.StatusCode),
		zap.String("kind", string(cerr.Kind)),
		zap.Bool("retryable", cerr.Retryable),
	)
	return cerr
}

// setHeaders applies auth plus the Copilot protocol headers when required.
// X-Initiator distinguishes the user-initiated first call of a turn from
// agent-initiated tool iterations; providers bill premium quota on the
// former only.
func (g *Gateway) setHeaders(httpReq *http.Request, req *service.ModelRequest) {
	httpReq.Header.Set("Content-Type", "application/json")

	authHeader := g.opts.Profile.AuthHeader
	if authHeader == "" {
		authHeader = "Authorization"
	}
	authTemplate := g.opts.Profile.AuthTemplate
	if authTemplate == "" {
		authTemplate = "Bearer %s"
	}
	httpReq.Header.Set(authHeader, fmt.Sprintf(authTemplate, g.opts.APIKey))

	if req.Stream {
		// Some gateways reject an explicit text/event-stream here and only
		// serve SSE under a wildcard accept.
		httpReq.Header.Set("Accept", "*/*")
	}

	if g.opts.Profile.RequiresCopilotHeaders {
		httpReq.Header.Set("X-Request-Id", uuid.NewString())
		httpReq.Header.Set("X-Interaction-Type", "conversational")
		httpReq.Header.Set("OpenAI-Intent", "conversational")
		httpReq.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
		httpReq.Header.Set("Editor-Version", editorVersion)
		httpReq.Header.Set("Editor-Plugin-Version", editorPluginVersion)
		httpReq.Header.Set("Copilot-Integration-Id", "vscode-chat")

		initiator := "agent"
		if req.ToolCallIteration <= 1 {
			initiator = "user"
		}
		httpReq.Header.Set("X-Initiator", initiator)
	}
}
