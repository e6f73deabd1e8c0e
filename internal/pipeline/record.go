package pipeline

import (
	"fmt"

	"github.com/example/leafscan/internal/catalog"
)

// Record is the storable form of an Outcome. Class text is not stored; it is
// looked up again from the catalog when the outcome is restored.
type Record struct {
	Kind          Kind    `json:"kind"`
	Language      string  `json:"language"`
	PlantRatio    float64 `json:"plant_ratio"`
	ClassIndex    int     `json:"class_index"`
	ClassID       string  `json:"class_id,omitempty"`
	RawConfidence float64 `json:"raw_confidence"`
}

// Record flattens o. ClassIndex is -1 when there is no prediction.
func (o Outcome) Record() Record {
	r := Record{Kind: o.Kind, Language: o.Language, PlantRatio: o.PlantRatio, ClassIndex: -1}
	if o.Prediction != nil {
		r.ClassIndex = o.Prediction.ClassIndex
		r.ClassID = o.Prediction.Class.ID
		r.RawConfidence = o.Prediction.RawConfidence
	}
	return r
}

// Restore rebuilds an Outcome from r. It fails if the class stored in r is
// no longer at the same catalog position.
func Restore(cat *catalog.Catalog, r Record) (Outcome, error) {
	out := Outcome{Kind: r.Kind, Language: cat.ResolveLanguage(r.Language), PlantRatio: r.PlantRatio}
	switch r.Kind {
	case KindNoPlantDetected:
		return out, nil
	case KindLowConfidence, KindDiagnosed:
	default:
		return Outcome{}, fmt.Errorf("unknown outcome kind %q", r.Kind)
	}

	if r.ClassIndex < 0 || r.ClassIndex >= cat.Len() {
		return Outcome{}, fmt.Errorf("%w: stored class index %d", catalog.ErrCatalogMismatch, r.ClassIndex)
	}
	class := cat.At(r.ClassIndex)
	if r.ClassID != "" && class.ID != r.ClassID {
		return Outcome{}, fmt.Errorf("%w: stored class %q is now %q", catalog.ErrCatalogMismatch, r.ClassID, class.ID)
	}
	out.Prediction = &Prediction{
		ClassIndex:        r.ClassIndex,
		Class:             class,
		ConfidencePercent: FormatPercent(r.RawConfidence),
		RawConfidence:     r.RawConfidence,
	}

	if r.Kind == KindDiagnosed {
		remedy, ok := cat.Remedy(class.ID, out.Language)
		if !ok {
			return Outcome{}, fmt.Errorf("no remedy for class %q", class.ID)
		}
		out.Remedy = &remedy
		if treatment, ok := cat.Treatment(class.ID); ok {
			out.Treatment = &treatment
		}
	}
	return out, nil
}

// Agrees reports whether t would decide r.Kind for r's plant ratio and
// confidence. A record decided under other thresholds may disagree.
func (t Thresholds) Agrees(r Record) bool {
	passed := r.PlantRatio >= t.PlantColor
	switch r.Kind {
	case KindNoPlantDetected:
		return !passed
	case KindLowConfidence:
		return passed && r.RawConfidence < t.Confidence
	case KindDiagnosed:
		return passed && r.RawConfidence >= t.Confidence
	default:
		return false
	}
}
