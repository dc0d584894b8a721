package inference

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidScores is returned when a model output cannot be mapped onto a label set.
var ErrInvalidScores = errors.New("invalid model output")

// Prediction is the winning label with its confidence as a percentage rounded to two decimals.
type Prediction struct {
	Label      string
	Confidence float64
	Index      int
}

// Resolve picks the highest score and maps it onto labels. Scores must be probabilities;
// ties resolve to the lowest index.
func Resolve(labels []string, scores []float32) (Prediction, error) {
	if len(scores) == 0 {
		return Prediction{}, fmt.Errorf("%w: empty score vector", ErrInvalidScores)
	}
	if len(scores) != len(labels) {
		return Prediction{}, fmt.Errorf("%w: %d scores for %d labels", ErrInvalidScores, len(scores), len(labels))
	}

	best := 0
	for i, s := range scores {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > 1 {
			return Prediction{}, fmt.Errorf("%w: score %d is %v", ErrInvalidScores, i, s)
		}
		if s > scores[best] {
			best = i
		}
	}

	return Prediction{
		Label:      labels[best],
		Confidence: ConfidencePercent(scores[best]),
		Index:      best,
	}, nil
}

// ConfidencePercent converts a probability into a percentage with two decimals.
func ConfidencePercent(p float32) float64 {
	return math.Round(float64(p)*10000) / 100
}
