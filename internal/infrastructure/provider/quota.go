package provider

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/entity"
)

// Quota snapshot headers in priority order. Premium model usage is the one
// that costs money, so it wins when several are present.
var quotaHeaders = []string{
	"x-quota-snapshot-premium_models",
	"x-quota-snapshot-premium_interactions",
	"x-quota-snapshot-chat",
}

// QuotaSnapshot is the decoded form of one quota header.
type QuotaSnapshot struct {
	Entitlement      int
	OverageUsed      float64
	OveragePermitted bool
	PercentRemaining float64
	ResetDate        string
}

// Unlimited reports whether the plan has no premium cap.
func (q QuotaSnapshot) Unlimited() bool { return q.Entitlement < 0 }

// Used derives consumed premium requests from entitlement and the percent
// remaining. Unlimited plans report zero.
func (q QuotaSnapshot) Used() int {
	if q.Entitlement < 0 {
		return 0
	}
	used := int(math.Floor(float64(q.Entitlement) * (1 - q.PercentRemaining/100)))
	if used < 0 {
		return 0
	}
	return used
}

// Available returns remaining premium requests, or -1 for unlimited plans.
func (q QuotaSnapshot) Available() int {
	if q.Entitlement < 0 {
		return -1
	}
	avail := q.Entitlement - q.Used()
	if avail < 0 {
		return 0
	}
	return avail
}

// ParseQuotaSnapshot scans response headers for a quota snapshot, trying the
// premium headers first. Returns false when no quota header is present.
func ParseQuotaSnapshot(h http.Header) (QuotaSnapshot, bool) {
	for _, name := range quotaHeaders {
		raw := h.Get(name)
		if raw == "" {
			continue
		}
		snap, err := decodeQuotaSnapshot(raw)
		if err != nil {
			continue
		}
		return snap, true
	}
	return QuotaSnapshot{}, false
}

// decodeQuotaSnapshot parses the URL-encoded ent/ov/ovPerm/rem/rst payload.
func decodeQuotaSnapshot(raw string) (QuotaSnapshot, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return QuotaSnapshot{}, fmt.Errorf("decode quota snapshot: %w", err)
	}

	var snap QuotaSnapshot
	if v := values.Get("ent"); v != "" {
		snap.Entitlement, _ = strconv.Atoi(v)
	}
	if v := values.Get("ov"); v != "" {
		snap.OverageUsed, _ = strconv.ParseFloat(v, 64)
	}
	if v := values.Get("ovPerm"); v != "" {
		snap.OveragePermitted = v == "true" || v == "1"
	}
	if v := values.Get("rem"); v != "" {
		snap.PercentRemaining, _ = strconv.ParseFloat(v, 64)
	}
	snap.ResetDate = values.Get("rst")
	return snap, nil
}

// QuotaTracker applies snapshots to session state and produces the
// user-visible premium charge message.
type QuotaTracker struct {
	logger *zap.Logger
}

func NewQuotaTracker(logger *zap.Logger) *QuotaTracker {
	return &QuotaTracker{logger: logger.With(zap.String("component", "quota_tracker"))}
}

// Apply updates the session's quota state from response headers. On a
// positive delta it records a charge message; a zero delta means billing
// continuity held. The first snapshot of a session only establishes a
// baseline.
func (t *QuotaTracker) Apply(h http.Header, state *entity.SessionState) {
	snap, ok := ParseQuotaSnapshot(h)
	if !ok {
		return
	}

	used := snap.Used()
	first := state.Quota == nil || state.Quota.LastUpdated.IsZero()

	state.Quota = &entity.QuotaState{
		Entitlement:      snap.Entitlement,
		Used:             used,
		Available:        snap.Available(),
		PercentRemaining: snap.PercentRemaining,
		OverageUsed:      snap.OverageUsed,
		OveragePermitted: snap.OveragePermitted,
		ResetDate:        snap.ResetDate,
		LastUpdated:      time.Now(),
	}

	if snap.Unlimited() {
		state.PremiumChargeMessage = ""
		state.LastQuotaDelta = 0
		state.LastPremiumUsed = 0
		return
	}

	if first {
		state.LastPremiumUsed = used
		state.LastQuotaDelta = 0
		t.logger.Debug("Premium quota baseline established",
			zap.Int("used", used),
			zap.Int("entitlement", snap.Entitlement),
		)
		return
	}

	delta := used - state.LastPremiumUsed
	state.LastQuotaDelta = delta
	state.LastPremiumUsed = used

	switch {
	case delta > 0:
		state.TotalPremiumRequests += delta
		state.PremiumChargeMessage = chargeMessage(delta, snap)
		t.logger.Info("Premium request charged",
			zap.Int("delta", delta),
			zap.Int("used", used),
			zap.Int("available", snap.Available()),
		)
	case delta == 0:
		state.PremiumChargeMessage = ""
		t.logger.Debug("No premium charge, session continuity held")
	default:
		// Quota period rolled over.
		state.PremiumChargeMessage = ""
		t.logger.Debug("Premium usage decreased, treating as quota reset",
			zap.Int("used", used),
		)
	}
}

func chargeMessage(delta int, snap QuotaSnapshot) string {
	var b strings.Builder
	if delta == 1 {
		b.WriteString("1 premium request used")
	} else {
		fmt.Fprintf(&b, "%d premium requests used", delta)
	}
	fmt.Fprintf(&b, " (%d of %d remaining", snap.Available(), snap.Entitlement)
	if snap.OverageUsed > 0 {
		fmt.Fprintf(&b, ", %.2f overage", snap.OverageUsed)
	}
	b.WriteString(")")
	return b.String()
}
