package scoring

import (
	"math"

	"github.com/paystream/fraud-engine/internal/models"
)

// mlHighRiskProbability is the model probability above which the decision
// carries the ml_high_risk reason.
const mlHighRiskProbability = 0.7

// Combiner blends the rule score with the model probability and classifies
// the result. Weights are non-negative and need not sum to 1; the clamp
// absorbs any overrun.
type Combiner struct {
	ruleWeight      float64
	mlWeight        float64
	reviewThreshold float64
	blockThreshold  float64
}

// NewCombiner creates a combiner with the given weights and thresholds.
func NewCombiner(ruleWeight, mlWeight, reviewThreshold, blockThreshold float64) *Combiner {
	return &Combiner{
		ruleWeight:      ruleWeight,
		mlWeight:        mlWeight,
		reviewThreshold: reviewThreshold,
		blockThreshold:  blockThreshold,
	}
}

// Combine computes the hybrid score, clamped to [0, 100] and rounded to two
// decimals.
func (c *Combiner) Combine(ruleScore, probability float64) float64 {
	score := c.ruleWeight*ruleScore + c.mlWeight*(probability*100)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return math.Round(score*100) / 100
}

// Classify maps a score onto ALLOW / REVIEW / BLOCK using inclusive lower
// bounds.
func (c *Combiner) Classify(score float64) string {
	switch {
	case score >= c.blockThreshold:
		return models.DecisionBlock
	case score >= c.reviewThreshold:
		return models.DecisionReview
	default:
		return models.DecisionAllow
	}
}

// AppendMLReason appends ml_high_risk when the model dominated the rules:
// probability at or above the high-risk bound with a positive model weight.
// The tag is never duplicated.
func (c *Combiner) AppendMLReason(reasons []string, probability float64) []string {
	if probability < mlHighRiskProbability || c.mlWeight <= 0 {
		return reasons
	}
	for _, r := range reasons {
		if r == models.ReasonMLHighRisk {
			return reasons
		}
	}
	return append(reasons, models.ReasonMLHighRisk)
}
