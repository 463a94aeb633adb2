package provider

import (
	"time"

	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/entity"
)

// ContinuityStore manages billing-continuity markers. Providers that bill
// per conversation return a stateful marker on the first model call of a
// turn; replaying it on later calls keeps the whole turn on one charge.
type ContinuityStore struct {
	logger *zap.Logger
}

func NewContinuityStore(logger *zap.Logger) *ContinuityStore {
	return &ContinuityStore{logger: logger.With(zap.String("component", "continuity"))}
}

// Capture stores a marker on the session. Markers from recovery or
// tool-iteration calls (iteration > 1) would fragment billing, so only the
// turn-opening call's marker is kept.
func (c *ContinuityStore) Capture(state *entity.SessionState, model, marker string, iteration int) {
	if marker == "" || state == nil {
		return
	}
	if iteration > 1 {
		c.logger.Debug("Marker from tool iteration discarded",
			zap.Int("iteration", iteration),
		)
		return
	}
	state.StoreMarker(model, marker, time.Now())
	c.logger.Debug("Stateful marker stored", zap.String("model", model))
}

// Resolve returns the continuity id for the next request: the newest marker
// for this model, falling back to the last raw response id. The second
// return reports which path produced it ("marker", "legacy", or "").
func (c *ContinuityStore) Resolve(state *entity.SessionState, model string) (string, string) {
	if state == nil {
		return "", ""
	}
	if m := state.MarkerFor(model); m != "" {
		c.logger.Debug("Continuity via stateful marker", zap.String("model", model))
		return m, "marker"
	}
	if state.LastCopilotResponseID != "" {
		c.logger.Debug("Continuity via legacy response id", zap.String("model", model))
		return state.LastCopilotResponseID, "legacy"
	}
	return "", ""
}
