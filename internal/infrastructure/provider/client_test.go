package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/entity"
	"github.com/talon-agent/talon/internal/domain/service"
)

// fakeSession is an in-memory service.Session for gateway tests.
type fakeSession struct {
	id       string
	state    *entity.SessionState
	history  []entity.Message
	saves    int
	usage    []entity.Usage
	memory   string
	turnSnap string
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{
		id:    id,
		state: &entity.SessionState{SessionID: id},
	}
}

func (s *fakeSession) SessionID() string                    { return s.id }
func (s *fakeSession) State() *entity.SessionState          { return s.state }
func (s *fakeSession) ConversationHistory() []entity.Message { return s.history }
func (s *fakeSession) Save() error                          { s.saves++; return nil }
func (s *fakeSession) LongTermMemory() string               { return s.memory }
func (s *fakeSession) BeginTurn(string) string              { return s.turnSnap }

func (s *fakeSession) AddMessage(role, content string, meta *service.MessageMeta) {
	msg := entity.Message{Role: role, Content: content}
	if meta != nil {
		msg.ToolCalls = meta.ToolCalls
		msg.ToolCallID = meta.ToolCallID
		msg.Importance = meta.Importance
	}
	s.history = append(s.history, msg)
}

func (s *fakeSession) RecordAPIUsage(usage entity.Usage, model, provider string) {
	s.usage = append(s.usage, usage)
}

func newTestGateway(t *testing.T, serverURL string, profileName string) *Gateway {
	t.Helper()
	profile, ok := NewRegistry().ProfileFor(profileName)
	if !ok {
		t.Fatalf("unknown profile %q", profileName)
	}
	g, err := NewGateway(Options{
		BaseURL: serverURL,
		APIKey:  "test-key",
		Model:   "gpt-test",
		Profile: profile,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestSendStreaming(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-quota-snapshot-premium_models", "ent=300&rem=90&rst=2026-09-01")
		w.WriteHeader(http.StatusOK)

		events := []string{
			`data: {"id":"resp-1","choices":[{"delta":{"content":"Hello","stateful_marker":"mk-1"}}]}`,
			``,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":1}}`,
			``,
			`data: [DONE]`,
			``,
		}
		w.Write([]byte(strings.Join(events, "\n")))
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, "copilot")
	sess := newFakeSession("sess-1")

	resp, err := g.Send(context.Background(), &service.ModelRequest{
		Messages:          []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
		Stream:            true,
		ToolCallIteration: 1,
		Session:           sess,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if resp.Content != "Hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.FinishReason)
	}

	// First-iteration call carries the user initiator and the full Copilot
	// protocol headers.
	if got := gotHeaders.Get("X-Initiator"); got != "user" {
		t.Errorf("X-Initiator = %q, want user", got)
	}
	if gotHeaders.Get("X-Request-Id") == "" {
		t.Error("X-Request-Id missing")
	}
	if got := gotHeaders.Get("X-Interaction-Type"); got != "conversational" {
		t.Errorf("X-Interaction-Type = %q", got)
	}
	if got := gotHeaders.Get("Authorization"); got != "Bearer test-key" {
		t.Errorf("Authorization = %q", got)
	}
	// Streaming requests advertise a wildcard accept, not text/event-stream.
	if got := gotHeaders.Get("Accept"); got != "*/*" {
		t.Errorf("Accept = %q, want */*", got)
	}

	// The marker was captured (iteration 1) and the session saved.
	if m := sess.state.MarkerFor("gpt-test"); m != "mk-1" {
		t.Errorf("marker not captured: %+v", sess.state.StatefulMarkers)
	}
	if sess.state.LastCopilotResponseID != "resp-1" {
		t.Errorf("fallback id = %q", sess.state.LastCopilotResponseID)
	}
	if sess.saves == 0 {
		t.Error("session not saved after response")
	}
	if sess.state.Quota == nil || sess.state.Quota.Entitlement != 300 {
		t.Errorf("quota not applied: %+v", sess.state.Quota)
	}
}

func TestSendAgentInitiatorOnToolIterations(t *testing.T) {
	var initiator string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		initiator = r.Header.Get("X-Initiator")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "resp-2",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "ok"}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, "copilot")
	sess := newFakeSession("sess-1")

	_, err := g.Send(context.Background(), &service.ModelRequest{
		Messages:          []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
		ToolCallIteration: 2,
		Session:           sess,
	})
	if err != nil {
		t.Fatal(err)
	}
	if initiator != "agent" {
		t.Errorf("X-Initiator = %q, want agent on iteration 2", initiator)
	}
}

func TestSendMarkerNotStoredOnLaterIterations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":              "resp-3",
			"stateful_marker": "mk-late",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "ok"}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, "copilot")
	sess := newFakeSession("sess-1")

	_, err := g.Send(context.Background(), &service.ModelRequest{
		Messages:          []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
		ToolCallIteration: 3,
		Session:           sess,
	})
	if err != nil {
		t.Fatal(err)
	}
	if m := sess.state.MarkerFor("gpt-test"); m != "" {
		t.Error("marker from iteration 3 must not be stored")
	}
	if sess.state.LastCopilotResponseID != "resp-3" {
		t.Errorf("fallback id should still update: %q", sess.state.LastCopilotResponseID)
	}
}

func TestSendClassifiesErrorResponses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		header   map[string]string
		wantKind service.ErrorKind
	}{
		{"rate limit", 429, `{"error":{"message":"slow down"}}`, map[string]string{"Retry-After": "5"}, service.ErrKindRateLimit},
		{"server error", 503, `overloaded`, nil, service.ErrKindServerError},
		{"token limit", 400, `{"error":{"message":"maximum context length exceeded"}}`, nil, service.ErrKindTokenLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := newTestGateway(t, srv.URL, "openai")
			_, err := g.Send(context.Background(), &service.ModelRequest{
				Messages: []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			cerr := service.AsClassified(err)
			if cerr.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", cerr.Kind, tt.wantKind)
			}
		})
	}
}

func TestSendRefreshesAuth(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"token expired"}}`))
	}))
	defer srv.Close()

	profile, _ := NewRegistry().ProfileFor("openai")
	g, err := NewGateway(Options{
		BaseURL: srv.URL,
		APIKey:  "stale",
		Model:   "gpt-test",
		Profile: profile,
		RefreshToken: func(ctx context.Context) (string, error) {
			return "fresh", nil
		},
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	_, err = g.Send(context.Background(), &service.ModelRequest{
		Messages: []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
	})
	cerr := service.AsClassified(err)
	if cerr == nil || cerr.Kind != service.ErrKindAuthRecovered {
		t.Fatalf("kind = %v, want auth_recovered", cerr)
	}
	if g.opts.APIKey != "fresh" {
		t.Errorf("key not rotated: %q", g.opts.APIKey)
	}
}

func TestSendLearnsEstimatorRatio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "resp-4",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "ok"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 2},
		})
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, "openai")
	before := g.estimator.Ratio()

	_, err := g.Send(context.Background(), &service.ModelRequest{
		Messages: []entity.Message{{Role: entity.RoleUser, Content: strings.Repeat("x", 500)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if g.estimator.Ratio() == before {
		t.Error("estimator did not learn from usage feedback")
	}
}

func TestNewGatewayRequiresAPIKey(t *testing.T) {
	_, err := NewGateway(Options{BaseURL: "openai"}, zap.NewNop())
	cerr := service.AsClassified(err)
	if cerr == nil || cerr.Kind != service.ErrKindMissingAPIKey {
		t.Fatalf("kind = %v, want missing_api_key", cerr)
	}
}
