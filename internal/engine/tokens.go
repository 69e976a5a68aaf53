package engine

import "math"

// messageOverheadTokens is the fixed per-message framing cost added on
// top of the content estimate.
const messageOverheadTokens = 4

// estimator is the character-ratio token heuristic shared by the freezer
// and the context builder. Boundary token counts are written once at
// freeze time and never recomputed, so provider cache keys stay stable
// even if the ratio is reconfigured later.
type estimator struct {
	charsPerToken float64
}

func newEstimator(charsPerToken float64) estimator {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return estimator{charsPerToken: charsPerToken}
}

// estimate returns ceil(len(s) / charsPerToken).
func (e estimator) estimate(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / e.charsPerToken))
}

// messageCost is the budget cost of one message: content estimate plus
// framing overhead.
func (e estimator) messageCost(content string) int {
	return e.estimate(content) + messageOverheadTokens
}
