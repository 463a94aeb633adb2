package entity

import "time"

// MaxStatefulMarkers caps the billing-continuity marker list. The newest
// marker lives at index 0.
const MaxStatefulMarkers = 10

// StatefulMarker is an opaque provider token that, replayed as
// previous_response_id, lets continued conversations share billing context.
type StatefulMarker struct {
	Model     string    `json:"model"`
	Marker    string    `json:"marker"`
	Timestamp time.Time `json:"timestamp"`
}

// QuotaState is the decoded premium-quota snapshot plus derived fields.
// Entitlement of -1 means unlimited.
type QuotaState struct {
	Entitlement      int       `json:"entitlement"`
	Used             int       `json:"used"`
	Available        int       `json:"available"`
	PercentRemaining float64   `json:"percent_remaining"`
	OverageUsed      float64   `json:"overage_used"`
	OveragePermitted bool      `json:"overage_permitted"`
	ResetDate        string    `json:"reset_date"`
	LastUpdated      time.Time `json:"last_updated"`
}

// SessionState is the mutable record the core reads and writes on a session.
// Persistence and locking belong to the session store.
type SessionState struct {
	SessionID     string `json:"session_id"`
	SelectedModel string `json:"selected_model"`

	// Billing continuity. LastCopilotResponseID is the legacy fallback used
	// when no stateful marker matches the requested model.
	LastCopilotResponseID string           `json:"lastGitHubCopilotResponseId,omitempty"`
	StatefulMarkers       []StatefulMarker `json:"stateful_markers,omitempty"`

	Quota                *QuotaState `json:"quota,omitempty"`
	LastPremiumUsed      int         `json:"last_premium_used"`
	LastQuotaDelta       int         `json:"last_quota_delta"`
	PremiumChargeMessage string      `json:"premium_charge_message,omitempty"`
	TotalPremiumRequests int         `json:"total_premium_requests"`

	ContextFiles    []string `json:"context_files,omitempty"`
	UserInterrupted bool     `json:"user_interrupted"`

	// TurnHistory is a bounded ring (newest last) of recent turn-snapshot
	// ids; file-mutating tools deposit undo pre-images under these ids.
	TurnHistory []string `json:"turn_history,omitempty"`
}

// MaxTurnHistory bounds the undo turn ring.
const MaxTurnHistory = 20

// PushTurn appends a turn-snapshot id, evicting the oldest past the cap.
func (s *SessionState) PushTurn(id string) {
	s.TurnHistory = append(s.TurnHistory, id)
	if len(s.TurnHistory) > MaxTurnHistory {
		s.TurnHistory = s.TurnHistory[len(s.TurnHistory)-MaxTurnHistory:]
	}
}

// StoreMarker prepends a stateful marker for the given model and truncates
// the list to MaxStatefulMarkers.
func (s *SessionState) StoreMarker(model, marker string, now time.Time) {
	entry := StatefulMarker{Model: model, Marker: marker, Timestamp: now}
	s.StatefulMarkers = append([]StatefulMarker{entry}, s.StatefulMarkers...)
	if len(s.StatefulMarkers) > MaxStatefulMarkers {
		s.StatefulMarkers = s.StatefulMarkers[:MaxStatefulMarkers]
	}
}

// MarkerFor returns the most recent stateful marker stored for model, or ""
// when none exists.
func (s *SessionState) MarkerFor(model string) string {
	for _, m := range s.StatefulMarkers {
		if m.Model == model {
			return m.Marker
		}
	}
	return ""
}

// Usage is the token accounting a provider reports for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Total returns the best available total token count.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}
