package upload

import "sort"

// Tier buckets a confidence percentage for display.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

func ConfidenceTier(confidence float64) Tier {
	switch {
	case confidence >= 80:
		return TierHigh
	case confidence >= 60:
		return TierMedium
	default:
		return TierLow
	}
}

// RankedPrediction is one row of the results list.
type RankedPrediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Tier       Tier    `json:"tier"`
}

// RankPredictions orders classes by descending confidence, breaking ties by name.
func RankPredictions(all map[string]float64) []RankedPrediction {
	ranked := make([]RankedPrediction, 0, len(all))
	for class, confidence := range all {
		ranked = append(ranked, RankedPrediction{Class: class, Confidence: confidence, Tier: ConfidenceTier(confidence)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].Class < ranked[j].Class
	})
	return ranked
}
