package handlers

import (
	"strings"
	"time"

	"github.com/example/leafscan/internal/catalog"
	"github.com/example/leafscan/internal/pipeline"
	"github.com/example/leafscan/internal/usecase"
)

// DiagnosisView is the JSON rendering of one diagnosis.
type DiagnosisView struct {
	DiagnosisID string             `json:"diagnosis_id"`
	Outcome     pipeline.Kind      `json:"outcome"`
	Language    string             `json:"lang"`
	Message     string             `json:"message"`
	PlantRatio  float64            `json:"plant_ratio"`
	Cached      bool               `json:"cached"`
	CreatedAt   time.Time          `json:"created_at"`
	ClassID     string             `json:"class_id,omitempty"`
	Name        string             `json:"name,omitempty"`
	Confidence  string             `json:"confidence,omitempty"`
	Healthy     *bool              `json:"healthy,omitempty"`
	Remedy      []string           `json:"remedy,omitempty"`
	Advice      string             `json:"advice,omitempty"`
	Treatment   *catalog.Treatment `json:"treatment,omitempty"`
}

var outcomeMessages = map[pipeline.Kind]map[string]string{
	pipeline.KindNoPlantDetected: {
		"en": "No leaf detected. Please upload a clear photo of a crop leaf.",
		"hi": "कोई पत्ती नहीं मिली। कृपया फसल की पत्ती की साफ़ फ़ोटो अपलोड करें।",
		"pa": "ਕੋਈ ਪੱਤਾ ਨਹੀਂ ਮਿਲਿਆ। ਕਿਰਪਾ ਕਰਕੇ ਫ਼ਸਲ ਦੇ ਪੱਤੇ ਦੀ ਸਾਫ਼ ਫ਼ੋਟੋ ਅਪਲੋਡ ਕਰੋ।",
	},
	pipeline.KindLowConfidence: {
		"en": "The result is unclear. Please retake the photo in good light.",
		"hi": "परिणाम स्पष्ट नहीं है। कृपया अच्छी रोशनी में फिर से फ़ोटो लें।",
		"pa": "ਨਤੀਜਾ ਸਪਸ਼ਟ ਨਹੀਂ ਹੈ। ਕਿਰਪਾ ਕਰਕੇ ਚੰਗੀ ਰੋਸ਼ਨੀ ਵਿੱਚ ਦੁਬਾਰਾ ਫ਼ੋਟੋ ਲਓ।",
	},
	pipeline.KindDiagnosed: {
		"en": "Diagnosis complete.",
		"hi": "निदान पूरा हुआ।",
		"pa": "ਨਿਦਾਨ ਪੂਰਾ ਹੋਇਆ।",
	},
}

func outcomeMessage(kind pipeline.Kind, lang string) string {
	messages := outcomeMessages[kind]
	if msg, ok := messages[lang]; ok {
		return msg
	}
	return messages[catalog.DefaultLanguage]
}

// PresentDiagnosis renders d for the client. Low-confidence outcomes carry
// the tentative class and confidence; health status, remedy and treatment
// are shown only for confident diagnoses.
func PresentDiagnosis(d *usecase.Diagnosis) DiagnosisView {
	out := d.Outcome
	view := DiagnosisView{
		DiagnosisID: d.ID,
		Outcome:     out.Kind,
		Language:    out.Language,
		Message:     outcomeMessage(out.Kind, out.Language),
		PlantRatio:  out.PlantRatio,
		Cached:      d.Cached,
		CreatedAt:   d.CreatedAt,
	}
	if out.Prediction == nil {
		return view
	}
	view.ClassID = out.Prediction.Class.ID
	view.Name = out.Prediction.Class.Name(out.Language)
	view.Confidence = out.Prediction.ConfidencePercent
	if out.Kind != pipeline.KindDiagnosed {
		return view
	}

	healthy := out.Prediction.Class.Healthy
	view.Healthy = &healthy
	view.Treatment = out.Treatment
	if out.Remedy != nil {
		view.Remedy = RemedyBullets(out.Remedy.Remedy)
		view.Advice = out.Remedy.Advice
	}
	return view
}

// RemedyBullets splits remedy text into sentences on '.' and the Devanagari
// danda, dropping empty pieces.
func RemedyBullets(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '।'
	})
	bullets := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			bullets = append(bullets, p)
		}
	}
	return bullets
}

// CatalogEntry is one class as listed by GET /catalog.
type CatalogEntry struct {
	Index   int    `json:"index"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// PresentCatalog lists the classes in model output order.
func PresentCatalog(cat *catalog.Catalog, lang string) []CatalogEntry {
	entries := make([]CatalogEntry, 0, cat.Len())
	for i := 0; i < cat.Len(); i++ {
		class := cat.At(i)
		entries = append(entries, CatalogEntry{Index: i, ID: class.ID, Name: class.Name(lang), Healthy: class.Healthy})
	}
	return entries
}
