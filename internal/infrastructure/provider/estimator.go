package provider

import "sync"

// Token estimation constants. The ratio starts at the empirical chars/token
// average for mixed code+prose and is refined by usage feedback.
const (
	initialCharsPerToken = 2.5
	minCharsPerToken     = 1.5
	maxCharsPerToken     = 4.0
	// EWMA weights: 80% history, 20% latest observation.
	ratioDecay = 0.8
)

// TokenEstimator approximates token counts as chars/ratio, learning the
// ratio from usage.prompt_tokens returned by non-streaming responses.
// Streaming requests estimate locally (providers return no usage there).
type TokenEstimator struct {
	mu    sync.RWMutex
	ratio float64
}

// NewTokenEstimator returns an estimator at the initial ratio.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{ratio: initialCharsPerToken}
}

// Estimate returns the approximate token count for text. Never returns a
// negative count; empty text estimates to zero.
func (e *TokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	e.mu.RLock()
	ratio := e.ratio
	e.mu.RUnlock()
	return int(float64(len(text)) / ratio)
}

// Learn feeds back an observed (total request chars, actual prompt tokens)
// pair from a provider usage block. The learned ratio is clamped so one
// outlier response cannot poison future estimates.
func (e *TokenEstimator) Learn(totalChars, actualPromptTokens int) {
	if totalChars <= 0 || actualPromptTokens <= 0 {
		return
	}
	observed := float64(totalChars) / float64(actualPromptTokens)

	e.mu.Lock()
	defer e.mu.Unlock()
	next := ratioDecay*e.ratio + (1-ratioDecay)*observed
	if next < minCharsPerToken {
		next = minCharsPerToken
	} else if next > maxCharsPerToken {
		next = maxCharsPerToken
	}
	e.ratio = next
}

// Ratio returns the current learned chars-per-token ratio.
func (e *TokenEstimator) Ratio() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ratio
}
