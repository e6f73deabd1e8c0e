// Package pipeline turns one leaf image into a diagnosis outcome:
// colour gate, model load, preprocessing, inference, confidence gate and
// remedy lookup, in that order.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/example/leafscan/internal/catalog"
	"github.com/example/leafscan/internal/gate"
	"github.com/example/leafscan/internal/imageprocessor"
	"github.com/example/leafscan/internal/logging"
	"github.com/example/leafscan/internal/modelruntime"
)

// Model is the subset of the model runtime the pipeline drives.
type Model interface {
	EnsureLoaded(ctx context.Context) error
	Predict(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error)
}

// Thresholds are fixed for the life of a Pipeline.
type Thresholds struct {
	Confidence float64
	PlantColor float64
}

// Pipeline holds everything one diagnosis needs. It carries no per-request
// state and is safe for concurrent use.
type Pipeline struct {
	gate       *gate.Gate
	model      Model
	catalog    *catalog.Catalog
	thresholds Thresholds
	logger     *zap.Logger
}

// New builds a pipeline.
func New(model Model, cat *catalog.Catalog, thresholds Thresholds, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		gate:       gate.New(thresholds.PlantColor),
		model:      model,
		catalog:    cat,
		thresholds: thresholds,
		logger:     logger.Named("pipeline"),
	}
}

// Thresholds returns the configured thresholds.
func (p *Pipeline) Thresholds() Thresholds { return p.thresholds }

// Catalog returns the class catalog the pipeline decides against.
func (p *Pipeline) Catalog() *catalog.Catalog { return p.catalog }

// Diagnose runs the full decision for img. Rejections by the colour gate or
// the confidence threshold are Outcomes; a returned error always means the
// model could not be loaded or run.
func (p *Pipeline) Diagnose(ctx context.Context, diagnosisID string, img image.Image, lang string) (Outcome, error) {
	lang = p.catalog.ResolveLanguage(lang)
	opLogger := logging.WithOperation(p.logger, "pipeline.diagnose", diagnosisID)

	check := p.gate.Evaluate(img)
	if !check.Passed {
		opLogger.Info("image rejected by colour gate",
			zap.Float64("plant_ratio", check.Ratio),
			zap.Float64("threshold", p.gate.Threshold()),
		)
		return Outcome{Kind: KindNoPlantDetected, Language: lang, PlantRatio: check.Ratio}, nil
	}

	if err := p.model.EnsureLoaded(ctx); err != nil {
		return Outcome{}, logging.NewOperationError("pipeline.ensure_loaded", diagnosisID, err)
	}

	tensor, err := imageprocessor.Preprocess(img)
	if err != nil {
		return Outcome{}, logging.NewOperationError("pipeline.preprocess", diagnosisID, err)
	}

	start := time.Now()
	scores, err := p.model.Predict(ctx, tensor)
	if err != nil {
		return Outcome{}, logging.NewOperationError("pipeline.predict", diagnosisID, err)
	}

	prediction, err := p.decide(scores)
	if err != nil {
		return Outcome{}, logging.NewOperationError("pipeline.decide", diagnosisID, err)
	}
	opLogger = opLogger.With(
		zap.String("class", prediction.Class.ID),
		zap.Float64("confidence", prediction.RawConfidence),
		zap.Duration("inference", time.Since(start)),
	)

	out := Outcome{Language: lang, PlantRatio: check.Ratio, Prediction: prediction}
	if prediction.RawConfidence < p.thresholds.Confidence {
		opLogger.Info("prediction below confidence threshold", zap.Float64("threshold", p.thresholds.Confidence))
		out.Kind = KindLowConfidence
		return out, nil
	}

	remedy, ok := p.catalog.Remedy(prediction.Class.ID, lang)
	if !ok {
		return Outcome{}, logging.NewOperationError("pipeline.remedy", diagnosisID,
			fmt.Errorf("no remedy for class %q", prediction.Class.ID))
	}
	out.Kind = KindDiagnosed
	out.Remedy = &remedy
	if treatment, ok := p.catalog.Treatment(prediction.Class.ID); ok {
		out.Treatment = &treatment
	}
	opLogger.Info("diagnosis complete")
	return out, nil
}

func (p *Pipeline) decide(scores []float32) (*Prediction, error) {
	if len(scores) != p.catalog.Len() {
		return nil, fmt.Errorf("%w: %d scores for %d classes", catalog.ErrCatalogMismatch, len(scores), p.catalog.Len())
	}
	idx := ArgMax(scores)
	if idx < 0 {
		return nil, fmt.Errorf("%w: no numeric score in %d outputs", modelruntime.ErrInferenceFailed, len(scores))
	}
	raw := widen(scores[idx])
	if math.IsInf(raw, 0) || raw < 0 || raw > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", modelruntime.ErrInferenceFailed, raw)
	}
	return &Prediction{
		ClassIndex:        idx,
		Class:             p.catalog.At(idx),
		ConfidencePercent: FormatPercent(raw),
		RawConfidence:     raw,
	}, nil
}
