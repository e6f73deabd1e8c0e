package pipeline

import (
	"math"
	"strconv"

	"github.com/example/leafscan/internal/catalog"
)

// Kind tags an Outcome.
type Kind string

const (
	KindNoPlantDetected Kind = "no_plant_detected"
	KindLowConfidence   Kind = "low_confidence"
	KindDiagnosed       Kind = "diagnosed"
)

// Prediction is the winning class of one inference.
type Prediction struct {
	ClassIndex        int
	Class             catalog.Class
	ConfidencePercent string
	RawConfidence     float64
}

// Outcome is the only value a diagnosis produces. Prediction is set for
// LowConfidence and Diagnosed; Remedy and Treatment only for Diagnosed, and
// Treatment stays nil for classes without one.
type Outcome struct {
	Kind       Kind
	Language   string
	PlantRatio float64
	Prediction *Prediction
	Remedy     *catalog.Remedy
	Treatment  *catalog.Treatment
}

// FormatPercent renders a [0,1] confidence as a one-decimal percentage.
func FormatPercent(raw float64) string {
	return strconv.FormatFloat(raw*100, 'f', 1, 64)
}

// ArgMax returns the index of the largest score, skipping NaN. On exact
// ties the lowest index wins. It returns -1 when no score is a number.
func ArgMax(scores []float32) int {
	best := -1
	for i, v := range scores {
		if math.IsNaN(float64(v)) {
			continue
		}
		if best < 0 || v > scores[best] {
			best = i
		}
	}
	return best
}

// widen converts a model score to float64 through its shortest decimal
// form, so a score of float32(0.9) compares equal to a 0.9 threshold.
func widen(f float32) float64 {
	v, err := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'g', -1, 32), 64)
	if err != nil {
		return float64(f)
	}
	return v
}
