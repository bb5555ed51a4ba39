package ensemble

import (
	"math"

	"github.com/marketmind/marketmind/internal/trade"
)

// MetaFeatures summarize the base providers' predictions for the
// stacking meta-learner.
type MetaFeatures struct {
	AgreementRatio   float64 `json:"agreement_ratio"`
	ConfidenceMean   float64 `json:"confidence_mean"`
	ConfidenceStd    float64 `json:"confidence_std"`
	ConfidenceMin    float64 `json:"confidence_min"`
	ConfidenceMax    float64 `json:"confidence_max"`
	ActionDiversity  int     `json:"action_diversity"`
	DominantAction   trade.Action
	DominantStrength float64 `json:"dominant_strength"`
}

// MetaLearner turns meta-features into a final verdict.
type MetaLearner interface {
	Predict(f MetaFeatures) (trade.Action, float64)
}

// defaultMetaLearner is a logistic blend of agreement and confidence:
// strong consensus passes the dominant action through, weak or split
// ensembles collapse to HOLD with damped confidence.
type defaultMetaLearner struct{}

func (defaultMetaLearner) Predict(f MetaFeatures) (trade.Action, float64) {
	// Squash agreement and mean confidence into a 0-1 conviction score.
	z := 6*(f.AgreementRatio-0.5) + 4*(f.ConfidenceMean/100-0.5)
	conviction := 1 / (1 + math.Exp(-z))

	if f.DominantAction == trade.ActionHold || conviction < 0.5 || f.ActionDiversity >= 3 {
		return trade.ActionHold, math.Min(f.ConfidenceMean, 60)
	}
	return f.DominantAction, conviction * f.ConfidenceMax
}

func computeMetaFeatures(votes []trade.ProviderDecision) MetaFeatures {
	f := MetaFeatures{ConfidenceMin: math.MaxFloat64, DominantAction: trade.ActionHold}
	counts := map[trade.Action]int{}

	sum := 0.0
	for _, v := range votes {
		counts[v.Action]++
		sum += v.Confidence
		f.ConfidenceMin = math.Min(f.ConfidenceMin, v.Confidence)
		f.ConfidenceMax = math.Max(f.ConfidenceMax, v.Confidence)
	}
	n := float64(len(votes))
	f.ConfidenceMean = sum / n

	variance := 0.0
	for _, v := range votes {
		dev := v.Confidence - f.ConfidenceMean
		variance += dev * dev
	}
	f.ConfidenceStd = math.Sqrt(variance / n)

	best := 0
	for _, action := range []trade.Action{trade.ActionBuy, trade.ActionSell, trade.ActionHold} {
		if counts[action] > best {
			best = counts[action]
			f.DominantAction = action
		}
	}
	f.ActionDiversity = len(counts)
	f.AgreementRatio = float64(best) / n
	f.DominantStrength = f.AgreementRatio * f.ConfidenceMean / 100
	return f
}

func (a *Aggregator) aggregateStacking(d *trade.Decision, votes []trade.ProviderDecision) {
	usable := usableVotes(votes)
	if len(usable) < minQuorum {
		holdForQuorum(d, "stacking needs at least two usable base providers")
		recordErrored(d, votes)
		return
	}

	f := computeMetaFeatures(usable)
	action, confidence := a.meta.Predict(f)

	d.Action = action
	d.Confidence = clamp(confidence, 0, 100)
	d.Reasoning = "stacked verdict from base predictions"
	d.Ensemble["meta_features"] = f
	recordErrored(d, votes)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
