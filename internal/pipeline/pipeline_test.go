package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/leafscan/internal/catalog"
	"github.com/example/leafscan/internal/imageprocessor"
	"github.com/example/leafscan/internal/modelruntime"
)

var scenarioOrder = []string{"bacterial-spot", "early-blight", "late-blight", "healthy"}

type stubModel struct {
	mu          sync.Mutex
	scores      []float32
	loadErr     error
	predictErr  error
	loadCalls   int
	predictRuns int
}

func (m *stubModel) EnsureLoaded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	return m.loadErr
}

func (m *stubModel) Predict(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	defer input.Release()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictRuns++
	if m.predictErr != nil {
		return nil, m.predictErr
	}
	return append([]float32(nil), m.scores...), nil
}

func solid(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// hsl(100, 0.5, 0.5)
var leafGreen = solid(color.RGBA{R: 106, G: 191, B: 64, A: 255})

func newPipeline(t *testing.T, model Model, confidence float64) *Pipeline {
	t.Helper()
	cat, err := catalog.New(scenarioOrder, []string{"en", "hi", "pa"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return New(model, cat, Thresholds{Confidence: confidence, PlantColor: 0.05}, zap.NewNop())
}

func TestWhiteImageNeverReachesModel(t *testing.T) {
	model := &stubModel{scores: []float32{0.02, 0.03, 0.05, 0.90}}
	p := newPipeline(t, model, 0.80)

	out, err := p.Diagnose(context.Background(), "d-1", solid(color.White), "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != KindNoPlantDetected {
		t.Fatalf("expected no plant detected, got %s", out.Kind)
	}
	if out.Prediction != nil || out.Remedy != nil {
		t.Fatal("rejected outcome must not carry a prediction")
	}
	if model.loadCalls != 0 || model.predictRuns != 0 {
		t.Fatalf("model was invoked: loads=%d runs=%d", model.loadCalls, model.predictRuns)
	}
}

func TestConfidentPredictionIsDiagnosed(t *testing.T) {
	model := &stubModel{scores: []float32{0.02, 0.03, 0.05, 0.90}}
	p := newPipeline(t, model, 0.80)

	out, err := p.Diagnose(context.Background(), "d-2", leafGreen, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != KindDiagnosed {
		t.Fatalf("expected diagnosed, got %s", out.Kind)
	}
	if out.Prediction.ClassIndex != 3 || out.Prediction.Class.ID != "healthy" {
		t.Fatalf("unexpected winner %+v", out.Prediction)
	}
	if out.Prediction.ConfidencePercent != "90.0" || out.Prediction.RawConfidence != 0.90 {
		t.Fatalf("unexpected confidence %s / %v", out.Prediction.ConfidencePercent, out.Prediction.RawConfidence)
	}
	if out.Remedy == nil || out.Remedy.Advice != "Continue regular monitoring." {
		t.Fatalf("unexpected remedy %+v", out.Remedy)
	}
	if out.Treatment != nil {
		t.Fatal("healthy outcome should have no treatment")
	}
}

func TestConfidenceBelowThresholdIsWithheld(t *testing.T) {
	model := &stubModel{scores: []float32{0.02, 0.03, 0.05, 0.90}}
	p := newPipeline(t, model, 0.95)

	out, err := p.Diagnose(context.Background(), "d-3", leafGreen, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != KindLowConfidence {
		t.Fatalf("expected low confidence, got %s", out.Kind)
	}
	if out.Prediction == nil || out.Prediction.Class.ID != "healthy" || out.Prediction.RawConfidence != 0.90 {
		t.Fatalf("low confidence outcome must carry the winning class, got %+v", out.Prediction)
	}
	if out.Remedy != nil {
		t.Fatal("low confidence outcome must not carry a remedy")
	}
}

func TestConfidenceEqualToThresholdIsDiagnosed(t *testing.T) {
	model := &stubModel{scores: []float32{0.02, 0.03, 0.05, 0.90}}
	p := newPipeline(t, model, 0.90)

	out, err := p.Diagnose(context.Background(), "d-4", leafGreen, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != KindDiagnosed {
		t.Fatalf("expected diagnosed at the threshold, got %s", out.Kind)
	}
}

func TestRemedyFollowsLanguage(t *testing.T) {
	model := &stubModel{scores: []float32{0.01, 0.97, 0.01, 0.01}}
	p := newPipeline(t, model, 0.80)

	for lang, want := range map[string]string{
		"hi": "तांबा आधारित कवकनाशी का प्रयोग करें।",
		"pa": "ਤਾਂਬਾ ਅਧਾਰਿਤ ਉੱਲੀਨਾਸ਼ਕ ਦੀ ਵਰਤੋਂ ਕਰੋ।",
		"xx": "Use Copper-based Fungicide.",
	} {
		out, err := p.Diagnose(context.Background(), "d-lang", leafGreen, lang)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", lang, err)
		}
		if out.Remedy == nil || out.Remedy.Remedy != want {
			t.Fatalf("%s: unexpected remedy %+v", lang, out.Remedy)
		}
		if out.Treatment == nil {
			t.Fatalf("%s: expected early blight treatment", lang)
		}
	}
}

func TestTieBreakPicksLowestIndex(t *testing.T) {
	for i := 0; i < 20; i++ {
		if got := ArgMax([]float32{0.1, 0.45, 0.45, 0.0}); got != 1 {
			t.Fatalf("expected index 1, got %d", got)
		}
	}
	if got := ArgMax([]float32{0.5, 0.5}); got != 0 {
		t.Fatalf("expected index 0, got %d", got)
	}
	if got := ArgMax(nil); got != -1 {
		t.Fatalf("expected -1 for empty scores, got %d", got)
	}
}

func TestArgMaxSkipsNaN(t *testing.T) {
	nan := float32(math.NaN())
	if got := ArgMax([]float32{nan, 0.2, 0.7, 0.1}); got != 2 {
		t.Fatalf("expected index 2, got %d", got)
	}
	if got := ArgMax([]float32{nan, nan}); got != -1 {
		t.Fatalf("expected -1 when every score is NaN, got %d", got)
	}
}

func TestInvalidScoresAreInferenceFailures(t *testing.T) {
	nan := float32(math.NaN())
	cases := map[string][]float32{
		"all nan":      {nan, nan, nan, nan},
		"out of range": {0.1, 1.4, 0.2, 0.1},
		"infinite":     {0.1, float32(math.Inf(1)), 0.2, 0.1},
	}
	for name, scores := range cases {
		t.Run(name, func(t *testing.T) {
			p := newPipeline(t, &stubModel{scores: scores}, 0.80)
			if _, err := p.Diagnose(context.Background(), "d-6b", leafGreen, "en"); !errors.Is(err, modelruntime.ErrInferenceFailed) {
				t.Fatalf("expected ErrInferenceFailed, got %v", err)
			}
		})
	}

	p := newPipeline(t, &stubModel{scores: []float32{nan, 0.05, 0.9, 0.05}}, 0.80)
	out, err := p.Diagnose(context.Background(), "d-6c", leafGreen, "en")
	if err != nil {
		t.Fatalf("a single NaN must not win, got %v", err)
	}
	if out.Kind != KindDiagnosed || out.Prediction.ClassIndex != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestLoadFailureIsAnErrorNotAnOutcome(t *testing.T) {
	model := &stubModel{loadErr: modelruntime.ErrModelLoadFailed}
	p := newPipeline(t, model, 0.80)

	_, err := p.Diagnose(context.Background(), "d-5", leafGreen, "en")
	if !errors.Is(err, modelruntime.ErrModelLoadFailed) {
		t.Fatalf("expected ErrModelLoadFailed, got %v", err)
	}
	if model.predictRuns != 0 {
		t.Fatal("predict must not run after a failed load")
	}
}

func TestInferenceFailurePropagates(t *testing.T) {
	model := &stubModel{predictErr: modelruntime.ErrInferenceFailed}
	p := newPipeline(t, model, 0.80)

	if _, err := p.Diagnose(context.Background(), "d-6", leafGreen, "en"); !errors.Is(err, modelruntime.ErrInferenceFailed) {
		t.Fatalf("expected ErrInferenceFailed, got %v", err)
	}
}

func TestScoreVectorWidthIsChecked(t *testing.T) {
	model := &stubModel{scores: []float32{0.1, 0.9}}
	p := newPipeline(t, model, 0.80)

	if _, err := p.Diagnose(context.Background(), "d-7", leafGreen, "en"); !errors.Is(err, catalog.ErrCatalogMismatch) {
		t.Fatalf("expected ErrCatalogMismatch, got %v", err)
	}
}

// deterministicSession scores an input by its mean value so that identical
// inputs produce identical outputs.
type deterministicSession struct{}

func (deterministicSession) Run(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	var sum float64
	for _, v := range input.Data {
		sum += float64(v)
	}
	mean := float32(sum / float64(len(input.Data)))
	return []float32{0, 0, 1 - mean, mean}, nil
}

func (deterministicSession) Close() error { return nil }

type countingBackend struct {
	mu    sync.Mutex
	loads int
	delay time.Duration
}

func (b *countingBackend) Load(ctx context.Context, path string) (modelruntime.Session, modelruntime.Metadata, error) {
	b.mu.Lock()
	b.loads++
	b.mu.Unlock()
	time.Sleep(b.delay)
	return deterministicSession{}, modelruntime.Metadata{Classes: scenarioOrder}, nil
}

func newRuntimePipeline(t *testing.T, backend modelruntime.Backend) *Pipeline {
	t.Helper()
	cat, err := catalog.New(scenarioOrder, []string{"en"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	rt := modelruntime.New(backend, cat, modelruntime.Options{}, zap.NewNop())
	return New(rt, cat, Thresholds{Confidence: 0.1, PlantColor: 0.05}, zap.NewNop())
}

func TestRepeatedDiagnosisIsBitIdentical(t *testing.T) {
	p := newRuntimePipeline(t, &countingBackend{})

	first, err := p.Diagnose(context.Background(), "d-8", leafGreen, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.Diagnose(context.Background(), "d-9", leafGreen, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, b := first.Prediction, second.Prediction
	if a.ClassIndex != b.ClassIndex || a.RawConfidence != b.RawConfidence || a.ConfidencePercent != b.ConfidencePercent || a.Class.ID != b.Class.ID {
		t.Fatalf("predictions differ: %+v vs %+v", first.Prediction, second.Prediction)
	}
}

func TestConcurrentFirstDiagnosesLoadOnce(t *testing.T) {
	backend := &countingBackend{delay: 30 * time.Millisecond}
	p := newRuntimePipeline(t, backend)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = p.Diagnose(context.Background(), "concurrent", leafGreen, "en")
		}(i)
	}
	wg.Wait()

	for i := range outcomes {
		if errs[i] != nil {
			t.Fatalf("call %d failed: %v", i, errs[i])
		}
		if outcomes[i].Kind == KindNoPlantDetected || outcomes[i].Prediction == nil {
			t.Fatalf("call %d produced no prediction: %+v", i, outcomes[i])
		}
	}
	if backend.loads != 1 {
		t.Fatalf("expected exactly one model load, got %d", backend.loads)
	}
}

func TestFormatPercent(t *testing.T) {
	cases := map[float64]string{0.9: "90.0", 0.8766: "87.7", 1: "100.0", 0: "0.0"}
	for raw, want := range cases {
		if got := FormatPercent(raw); got != want {
			t.Fatalf("FormatPercent(%v) = %s, want %s", raw, got, want)
		}
	}
}
