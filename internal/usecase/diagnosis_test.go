package usecase

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/leafscan/internal/alert"
	"github.com/example/leafscan/internal/catalog"
	"github.com/example/leafscan/internal/imageprocessor"
	"github.com/example/leafscan/internal/pipeline"
	"github.com/example/leafscan/internal/repository"
)

type stubRepository struct {
	savedLogs []*repository.DiagnosisLog
	saveErr   error
	findLog   *repository.DiagnosisLog
	findErr   error
	findCalls int
	markedIDs []string
	aggregate *repository.Aggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.DiagnosisLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByDiagnosisIDAndFarmer(ctx context.Context, diagnosisID, farmerID string) (*repository.DiagnosisLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) MarkAlertSent(ctx context.Context, diagnosisID string) error {
	s.markedIDs = append(s.markedIDs, diagnosisID)
	return nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.Aggregation, error) {
	if s.aggregate == nil {
		return &repository.Aggregation{}, nil
	}
	return s.aggregate, nil
}

type stubCache struct {
	values  map[string]string
	setErrs []error
	getErrs []error
	setKeys []string
	getKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

type stubPipeline struct {
	cat        *catalog.Catalog
	thresholds pipeline.Thresholds
	record     pipeline.Record
	err        error
	calls      int
	langSeen   string
}

func (s *stubPipeline) Diagnose(ctx context.Context, diagnosisID string, img image.Image, lang string) (pipeline.Outcome, error) {
	s.calls++
	s.langSeen = lang
	if s.err != nil {
		return pipeline.Outcome{}, s.err
	}
	rec := s.record
	rec.Language = lang
	return pipeline.Restore(s.cat, rec)
}

func (s *stubPipeline) Catalog() *catalog.Catalog { return s.cat }

func (s *stubPipeline) Thresholds() pipeline.Thresholds { return s.thresholds }

type scoringModel struct {
	scores   []float32
	predicts int
}

func (m *scoringModel) EnsureLoaded(ctx context.Context) error { return nil }

func (m *scoringModel) Predict(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	defer input.Release()
	m.predicts++
	return append([]float32(nil), m.scores...), nil
}

type stubAlerter struct {
	alerts []alert.Alert
	result alert.Result
	err    error
}

func (s *stubAlerter) Send(ctx context.Context, diagnosisID string, a alert.Alert) (alert.Result, error) {
	s.alerts = append(s.alerts, a)
	return s.result, s.err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]string{"bacterial-spot", "early-blight", "late-blight", "healthy"}, []string{"en", "hi", "pa"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func leafPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 106, G: 191, B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

var lateBlight = pipeline.Record{Kind: pipeline.KindDiagnosed, PlantRatio: 0.9, ClassIndex: 2, ClassID: "late-blight", RawConfidence: 0.912}

type fixture struct {
	repo    *stubRepository
	cache   *stubCache
	model   *stubPipeline
	alerter *stubAlerter
	uc      *DiagnosisUseCase
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    &stubRepository{},
		cache:   newStubCache(),
		model:   &stubPipeline{cat: testCatalog(t), thresholds: pipeline.Thresholds{Confidence: 0.7, PlantColor: 0.05}, record: lateBlight},
		alerter: &stubAlerter{result: alert.Result{Sent: true, Provider: "stub"}},
	}
	f.uc = NewDiagnosisUseCase(f.repo, f.cache, f.model, f.alerter, time.Minute, zap.NewNop()).
		WithModelVersion(func() string { return "v7" })
	return f
}

func TestDiagnosePersistsAndCaches(t *testing.T) {
	f := newFixture(t)

	d, err := f.uc.Diagnose(context.Background(), "farmer-1", leafPNG(t), "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome.Kind != pipeline.KindDiagnosed || d.Outcome.Prediction.Class.ID != "late-blight" {
		t.Fatalf("unexpected outcome %+v", d.Outcome)
	}
	if d.Cached || len(d.ImageSHA1) != 40 {
		t.Fatalf("unexpected diagnosis %+v", d)
	}
	if f.model.langSeen != "hi" {
		t.Fatalf("expected language hi to reach the pipeline, got %q", f.model.langSeen)
	}
	if len(f.repo.savedLogs) != 1 {
		t.Fatalf("expected one saved log, got %d", len(f.repo.savedLogs))
	}
	log := f.repo.savedLogs[0]
	if log.DiagnosisID != d.ID || log.ClassID != "late-blight" || log.Outcome != "diagnosed" || log.ModelVersion != "v7" {
		t.Fatalf("unexpected log %+v", log)
	}
	if _, ok := f.cache.values[diagnosisKey(d.ID)]; !ok {
		t.Fatal("expected diagnosis to be cached by id")
	}
	if _, ok := f.cache.values[imageKey(d.ImageSHA1, "hi", "v7", f.model.thresholds)]; !ok {
		t.Fatal("expected diagnosis to be cached by image hash")
	}
}

func TestIdenticalImageReusesOutcome(t *testing.T) {
	f := newFixture(t)
	img := leafPNG(t)

	first, err := f.uc.Diagnose(context.Background(), "farmer-1", img, "en")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.uc.Diagnose(context.Background(), "farmer-2", img, "en")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if f.model.calls != 1 {
		t.Fatalf("expected the pipeline to run once, got %d", f.model.calls)
	}
	if !second.Cached || second.ID == first.ID {
		t.Fatalf("expected a new cached diagnosis, got %+v", second)
	}
	if second.Outcome.Prediction.RawConfidence != first.Outcome.Prediction.RawConfidence {
		t.Fatal("reused outcome differs from the first diagnosis")
	}
	if len(f.repo.savedLogs) != 2 {
		t.Fatalf("expected both requests to be logged, got %d", len(f.repo.savedLogs))
	}

	if _, err := f.uc.Diagnose(context.Background(), "farmer-1", img, "pa"); err != nil {
		t.Fatalf("third: %v", err)
	}
	if f.model.calls != 2 {
		t.Fatalf("a different language must run the pipeline, got %d calls", f.model.calls)
	}
}

func TestIdenticalImageIsRediagnosedAfterRedeploy(t *testing.T) {
	cache := newStubCache()
	cat := testCatalog(t)
	img := leafPNG(t)

	deploy := func(version string, confidence float64) (*DiagnosisUseCase, *scoringModel) {
		model := &scoringModel{scores: []float32{0.05, 0.05, 0.85, 0.05}}
		p := pipeline.New(model, cat, pipeline.Thresholds{Confidence: confidence, PlantColor: 0.05}, zap.NewNop())
		uc := NewDiagnosisUseCase(&stubRepository{}, cache, p, &stubAlerter{}, time.Minute, zap.NewNop()).
			WithModelVersion(func() string { return version })
		return uc, model
	}

	lenient, lenientModel := deploy("v7", 0.80)
	first, err := lenient.Diagnose(context.Background(), "farmer-1", img, "en")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Outcome.Kind != pipeline.KindDiagnosed || lenientModel.predicts != 1 {
		t.Fatalf("expected a fresh diagnosis at 0.80, got %+v after %d predictions", first.Outcome, lenientModel.predicts)
	}

	strict, strictModel := deploy("v7", 0.90)
	second, err := strict.Diagnose(context.Background(), "farmer-1", img, "en")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Outcome.Kind != pipeline.KindLowConfidence {
		t.Fatalf("0.85 is below the 0.90 threshold, got %s", second.Outcome.Kind)
	}
	if second.Cached || strictModel.predicts != 1 {
		t.Fatalf("expected the model to run again, cached=%v predictions=%d", second.Cached, strictModel.predicts)
	}

	retrained, retrainedModel := deploy("v8", 0.80)
	third, err := retrained.Diagnose(context.Background(), "farmer-1", img, "en")
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if third.Cached || retrainedModel.predicts != 1 {
		t.Fatalf("a new model version must not reuse outcomes, cached=%v predictions=%d", third.Cached, retrainedModel.predicts)
	}
}

func TestCachedOutcomeMustAgreeWithThresholds(t *testing.T) {
	f := newFixture(t)
	img := leafPNG(t)
	sum := sha1.Sum(img)
	hashHex := hex.EncodeToString(sum[:])

	stale := lateBlight
	stale.Language = "en"
	stale.RawConfidence = 0.65
	payload, err := json.Marshal(cachedDiagnosis{DiagnosisID: "old", FarmerID: "farmer-9", Record: stale, Hash: hashHex})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.cache.values[imageKey(hashHex, "en", "v7", f.model.thresholds)] = string(payload)

	d, err := f.uc.Diagnose(context.Background(), "farmer-1", img, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Cached || f.model.calls != 1 {
		t.Fatalf("expected a diagnosed record below the threshold to be ignored, cached=%v calls=%d", d.Cached, f.model.calls)
	}
}

func TestDiagnoseRetriesCacheSet(t *testing.T) {
	f := newFixture(t)
	f.cache.setErrs = []error{transientRedisError{}}

	if _, err := f.uc.Diagnose(context.Background(), "farmer-1", leafPNG(t), "en"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(f.cache.setKeys) != 3 {
		t.Fatalf("expected 3 cache set calls (retry + two keys), got %d", len(f.cache.setKeys))
	}
	if f.cache.setKeys[0] != f.cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", f.cache.setKeys[0], f.cache.setKeys[1])
	}
}

func TestCacheFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.cache.getErrs = []error{errors.New("connection refused")}
	f.cache.setErrs = []error{errors.New("boom"), errors.New("boom")}

	d, err := f.uc.Diagnose(context.Background(), "farmer-1", leafPNG(t), "en")
	if err != nil {
		t.Fatalf("cache failures must not fail the request, got %v", err)
	}
	if d.Outcome.Kind != pipeline.KindDiagnosed || len(f.repo.savedLogs) != 1 {
		t.Fatalf("unexpected result %+v", d)
	}
}

func TestDiagnoseWithoutCache(t *testing.T) {
	f := newFixture(t)
	uc := NewDiagnosisUseCase(f.repo, nil, f.model, f.alerter, 0, zap.NewNop())

	if _, err := uc.Diagnose(context.Background(), "farmer-1", leafPNG(t), "en"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.repo.savedLogs) != 1 {
		t.Fatal("expected log to be saved")
	}
}

func TestDiagnoseRejectsUndecodableImage(t *testing.T) {
	f := newFixture(t)

	_, err := f.uc.Diagnose(context.Background(), "farmer-1", []byte("not an image"), "en")
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if f.model.calls != 0 || len(f.repo.savedLogs) != 0 {
		t.Fatal("undecodable image must not reach the pipeline or the database")
	}
}

func TestDiagnosePropagatesPipelineErrors(t *testing.T) {
	f := newFixture(t)
	f.model.err = errors.New("model not loaded")

	if _, err := f.uc.Diagnose(context.Background(), "farmer-1", leafPNG(t), "en"); err == nil {
		t.Fatal("expected error")
	}
	if len(f.repo.savedLogs) != 0 {
		t.Fatal("failed diagnosis must not be logged as an outcome")
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	f := newFixture(t)
	f.repo.findLog = &repository.DiagnosisLog{
		DiagnosisID: "d-1", FarmerID: "farmer-1", Outcome: "diagnosed",
		ClassIndex: 2, ClassID: "late-blight", Confidence: 0.912, Language: "en",
	}

	d, err := f.uc.GetResult(context.Background(), "farmer-1", "d-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if d.Cached || d.Outcome.Remedy == nil || d.Outcome.Prediction.ConfidencePercent != "91.2" {
		t.Fatalf("unexpected diagnosis %+v", d)
	}
	if f.repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", f.repo.findCalls)
	}
}

func TestGetResultUsesCacheForOwner(t *testing.T) {
	f := newFixture(t)
	d, err := f.uc.Diagnose(context.Background(), "farmer-1", leafPNG(t), "en")
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}

	got, err := f.uc.GetResult(context.Background(), "farmer-1", d.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Cached || f.repo.findCalls != 0 {
		t.Fatalf("expected cache hit, got cached=%v findCalls=%d", got.Cached, f.repo.findCalls)
	}

	if _, err := f.uc.GetResult(context.Background(), "farmer-2", d.ID); err == nil {
		t.Fatal("another farmer must not read the cached diagnosis")
	}
	if f.repo.findCalls != 1 {
		t.Fatalf("expected the repository to decide ownership, got %d calls", f.repo.findCalls)
	}
}

func TestGetResultIgnoresStaleCache(t *testing.T) {
	f := newFixture(t)
	stale, _ := json.Marshal(cachedDiagnosis{
		DiagnosisID: "d-1",
		FarmerID:    "farmer-1",
		Record:      pipeline.Record{Kind: pipeline.KindDiagnosed, ClassIndex: 0, ClassID: "yellow-rust", RawConfidence: 0.9},
	})
	f.cache.values[diagnosisKey("d-1")] = string(stale)
	f.repo.findLog = &repository.DiagnosisLog{DiagnosisID: "d-1", FarmerID: "farmer-1", Outcome: "no_plant_detected", ClassIndex: -1}

	d, err := f.uc.GetResult(context.Background(), "farmer-1", "d-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome.Kind != pipeline.KindNoPlantDetected || f.repo.findCalls != 1 {
		t.Fatalf("expected repository result, got %+v", d)
	}
}

func TestSendAlertFillsFromDiagnosis(t *testing.T) {
	f := newFixture(t)
	d, err := f.uc.Diagnose(context.Background(), "farmer-1", leafPNG(t), "hi")
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}

	res, err := f.uc.SendAlert(context.Background(), "farmer-1", AlertRequest{DiagnosisID: d.ID, Phone: "9876543210", Language: "hi", Location: "Amritsar"})
	if err != nil || !res.Sent {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
	if len(f.alerter.alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(f.alerter.alerts))
	}
	a := f.alerter.alerts[0]
	if a.Confidence != "91.2" || a.Disease != d.Outcome.Prediction.Class.Name("hi") || a.Language != "hi" {
		t.Fatalf("unexpected alert %+v", a)
	}
	if len(f.repo.markedIDs) != 1 || f.repo.markedIDs[0] != d.ID {
		t.Fatalf("expected diagnosis to be marked, got %v", f.repo.markedIDs)
	}
}

func TestSendAlertRejectsInvalidPhoneBeforeLookup(t *testing.T) {
	f := newFixture(t)

	_, err := f.uc.SendAlert(context.Background(), "farmer-1", AlertRequest{DiagnosisID: "d-1", Phone: "12345"})
	if !errors.Is(err, alert.ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
	if f.repo.findCalls != 0 || len(f.alerter.alerts) != 0 {
		t.Fatal("invalid phone must not reach storage or the relay")
	}
}

func TestSendAlertRequiresConfidentDiagnosis(t *testing.T) {
	f := newFixture(t)
	f.repo.findLog = &repository.DiagnosisLog{DiagnosisID: "d-1", FarmerID: "farmer-1", Outcome: "low_confidence", ClassIndex: 1, ClassID: "early-blight", Confidence: 0.4}

	_, err := f.uc.SendAlert(context.Background(), "farmer-1", AlertRequest{DiagnosisID: "d-1", Phone: "9876543210"})
	if !errors.Is(err, ErrNotDiagnosed) {
		t.Fatalf("expected ErrNotDiagnosed, got %v", err)
	}
}

func TestSendAlertRelayFailureIsNotMarked(t *testing.T) {
	f := newFixture(t)
	f.alerter.result = alert.Result{Fallback: "sms:9000000000?body=x"}
	f.alerter.err = alert.ErrRelayFailed

	res, err := f.uc.SendAlert(context.Background(), "farmer-1", AlertRequest{Disease: "Late Blight", Confidence: "91.2", Phone: "9876543210"})
	if !errors.Is(err, alert.ErrRelayFailed) {
		t.Fatalf("expected ErrRelayFailed, got %v", err)
	}
	if !strings.HasPrefix(res.Fallback, "sms:") || len(f.repo.markedIDs) != 0 {
		t.Fatalf("unexpected result %+v marked=%v", res, f.repo.markedIDs)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	f := newFixture(t)
	f.repo.aggregate = &repository.Aggregation{
		TotalCount: 10,
		Outcomes: []repository.OutcomeCount{
			{Outcome: "diagnosed", Count: 6},
			{Outcome: "no_plant_detected", Count: 3},
			{Outcome: "low_confidence", Count: 1},
		},
		AverageDiagnosedConfidence: 0.91,
		AlertsSent:                 2,
	}

	summary, err := f.uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.DiagnosedRate != 0.6 || summary.NoPlantRate != 0.3 || summary.LowConfidenceRate != 0.1 {
		t.Fatalf("unexpected rates %+v", summary)
	}
	if summary.AlertsSent != 2 || summary.Outcomes["diagnosed"] != 6 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestGetResultReportsMissingDiagnosis(t *testing.T) {
	f := newFixture(t)
	f.repo.findErr = gorm.ErrRecordNotFound

	if _, err := f.uc.GetResult(context.Background(), "farmer-1", "missing"); !errors.Is(err, ErrDiagnosisNotFound) {
		t.Fatalf("expected ErrDiagnosisNotFound, got %v", err)
	}
}
