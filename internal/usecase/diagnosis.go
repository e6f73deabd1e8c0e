package usecase

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/leafscan/internal/alert"
	"github.com/example/leafscan/internal/catalog"
	"github.com/example/leafscan/internal/imageprocessor"
	"github.com/example/leafscan/internal/logging"
	"github.com/example/leafscan/internal/pipeline"
	"github.com/example/leafscan/internal/repository"
	"github.com/example/leafscan/internal/retry"
)

var (
	// ErrInvalidImage is returned when the upload cannot be decoded.
	ErrInvalidImage = errors.New("invalid image")
	// ErrDiagnosisNotFound is returned when no diagnosis with the id belongs
	// to the farmer.
	ErrDiagnosisNotFound = errors.New("diagnosis not found")
	// ErrNotDiagnosed is returned when an alert references a diagnosis
	// that did not end in a confident diagnosis.
	ErrNotDiagnosed = errors.New("diagnosis has no confident result to alert on")
)

// DiagnosisRepository defines the persistence operations needed by the use case.
type DiagnosisRepository interface {
	SaveLog(ctx context.Context, log *repository.DiagnosisLog) error
	FindByDiagnosisIDAndFarmer(ctx context.Context, diagnosisID, farmerID string) (*repository.DiagnosisLog, error)
	MarkAlertSent(ctx context.Context, diagnosisID string) error
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// Diagnoser runs the decision pipeline.
type Diagnoser interface {
	Diagnose(ctx context.Context, diagnosisID string, img image.Image, lang string) (pipeline.Outcome, error)
	Catalog() *catalog.Catalog
	Thresholds() pipeline.Thresholds
}

// Alerter forwards alerts to a messaging provider.
type Alerter interface {
	Send(ctx context.Context, diagnosisID string, a alert.Alert) (alert.Result, error)
}

// Diagnosis is a diagnosis as returned to callers.
type Diagnosis struct {
	ID        string
	FarmerID  string
	ImageSHA1 string
	Outcome   pipeline.Outcome
	CreatedAt time.Time
	Cached    bool
}

// AlertRequest is an alert a farmer asks to send. When DiagnosisID is set
// the disease and confidence are taken from that diagnosis.
type AlertRequest struct {
	DiagnosisID string
	Disease     string
	Confidence  string
	Location    string
	Phone       string
	Language    string
}

// DiagnosisUseCase encapsulates business logic for the diagnosis flow.
type DiagnosisUseCase struct {
	repo         DiagnosisRepository
	cache        Cache
	pipeline     Diagnoser
	relay        Alerter
	logger       *zap.Logger
	retry        retry.Policy
	cacheTTL     time.Duration
	modelVersion func() string
}

type cachedDiagnosis struct {
	DiagnosisID string          `json:"diagnosis_id"`
	FarmerID    string          `json:"farmer_id"`
	Record      pipeline.Record `json:"record"`
	Hash        string          `json:"sha1_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewDiagnosisUseCase constructs a new use case instance. cache may be nil,
// in which case every request runs the pipeline and reads hit the database.
func NewDiagnosisUseCase(repo DiagnosisRepository, cache Cache, p Diagnoser, relay Alerter, cacheTTL time.Duration, logger *zap.Logger) *DiagnosisUseCase {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &DiagnosisUseCase{
		repo:         repo,
		cache:        cache,
		pipeline:     p,
		relay:        relay,
		logger:       logger.Named("diagnosis_usecase"),
		retry:        retry.Default,
		cacheTTL:     cacheTTL,
		modelVersion: func() string { return "" },
	}
}

// WithModelVersion sets the function used to stamp logs and image cache
// keys with the model version.
func (uc *DiagnosisUseCase) WithModelVersion(fn func() string) *DiagnosisUseCase {
	uc.modelVersion = fn
	return uc
}

// Catalog exposes the class catalog used for decisions.
func (uc *DiagnosisUseCase) Catalog() *catalog.Catalog {
	return uc.pipeline.Catalog()
}

// Diagnose decodes imageBytes, runs the pipeline (or reuses the outcome of a
// byte-identical image in the same language, decided by the same model
// version and thresholds), persists and caches the result.
func (uc *DiagnosisUseCase) Diagnose(ctx context.Context, farmerID string, imageBytes []byte, lang string) (*Diagnosis, error) {
	diagnosisID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.diagnose", diagnosisID)
	lang = uc.Catalog().ResolveLanguage(lang)

	sum := sha1.Sum(imageBytes)
	hashHex := hex.EncodeToString(sum[:])

	result := &Diagnosis{
		ID:        diagnosisID,
		FarmerID:  farmerID,
		ImageSHA1: hashHex,
		CreatedAt: time.Now().UTC(),
	}

	if cached, ok := uc.lookupImage(ctx, diagnosisID, hashHex, lang); ok {
		result.Outcome = cached
		result.Cached = true
		opLogger.Info("reusing outcome for identical image", zap.String("sha1", hashHex))
	} else {
		img, _, err := imageprocessor.Decode(bytes.NewReader(imageBytes))
		if err != nil {
			return nil, logging.NewOperationError("usecase.decode_image", diagnosisID, fmt.Errorf("%w: %w", ErrInvalidImage, err))
		}
		outcome, err := uc.pipeline.Diagnose(ctx, diagnosisID, img, lang)
		if err != nil {
			opLogger.Error("diagnosis pipeline failed", zap.Error(err))
			return nil, err
		}
		result.Outcome = outcome
	}

	record := result.Outcome.Record()
	log := &repository.DiagnosisLog{
		DiagnosisID:  diagnosisID,
		FarmerID:     farmerID,
		Outcome:      string(record.Kind),
		ClassID:      record.ClassID,
		ClassIndex:   record.ClassIndex,
		Confidence:   record.RawConfidence,
		PlantRatio:   record.PlantRatio,
		Language:     record.Language,
		ImageSHA1:    hashHex,
		ModelVersion: uc.modelVersion(),
		CreatedAt:    result.CreatedAt,
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", diagnosisID, err)
		opLogger.Error("failed to persist diagnosis log", zap.Error(wrapped))
		return nil, wrapped
	}

	uc.store(ctx, uc.imageKeyFor(hashHex, lang), cachedDiagnosis{
		DiagnosisID: diagnosisID,
		FarmerID:    farmerID,
		Record:      record,
		Hash:        hashHex,
		CreatedAt:   result.CreatedAt,
	})

	return result, nil
}

// GetResult retrieves a diagnosis owned by farmerID from the cache or the
// database.
func (uc *DiagnosisUseCase) GetResult(ctx context.Context, farmerID, diagnosisID string) (*Diagnosis, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", diagnosisID)

	if payload, ok := uc.loadCached(ctx, diagnosisID, diagnosisKey(diagnosisID)); ok && payload.FarmerID == farmerID {
		outcome, err := pipeline.Restore(uc.Catalog(), payload.Record)
		if err == nil {
			return &Diagnosis{
				ID:        payload.DiagnosisID,
				FarmerID:  payload.FarmerID,
				ImageSHA1: payload.Hash,
				Outcome:   outcome,
				CreatedAt: payload.CreatedAt,
				Cached:    true,
			}, nil
		}
		opLogger.Warn("cached diagnosis no longer matches catalog", zap.Error(err))
	}

	log, err := uc.repo.FindByDiagnosisIDAndFarmer(ctx, diagnosisID, farmerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrDiagnosisNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	outcome, err := pipeline.Restore(uc.Catalog(), recordFromLog(log))
	if err != nil {
		return nil, logging.NewOperationError("usecase.restore_outcome", diagnosisID, err)
	}
	return &Diagnosis{
		ID:        log.DiagnosisID,
		FarmerID:  log.FarmerID,
		ImageSHA1: log.ImageSHA1,
		Outcome:   outcome,
		CreatedAt: log.CreatedAt,
	}, nil
}

// SendAlert validates and forwards an alert. Relay failures come back as
// alert.ErrRelayFailed or alert.ErrNotConfigured together with a result
// carrying the manual fallback; callers should treat them as non-fatal.
func (uc *DiagnosisUseCase) SendAlert(ctx context.Context, farmerID string, req AlertRequest) (alert.Result, error) {
	a := alert.Alert{
		Disease:    req.Disease,
		Confidence: req.Confidence,
		Language:   uc.Catalog().ResolveLanguage(req.Language),
		Phone:      req.Phone,
		Location:   req.Location,
	}

	if req.DiagnosisID != "" {
		// Validate before touching storage so a bad number never costs a lookup.
		if err := alert.ValidatePhone(req.Phone); err != nil {
			return alert.Result{}, err
		}
		d, err := uc.GetResult(ctx, farmerID, req.DiagnosisID)
		if err != nil {
			return alert.Result{}, err
		}
		if d.Outcome.Kind != pipeline.KindDiagnosed {
			return alert.Result{}, ErrNotDiagnosed
		}
		a.Disease = d.Outcome.Prediction.Class.Name(a.Language)
		a.Confidence = d.Outcome.Prediction.ConfidencePercent
	}

	res, err := uc.relay.Send(ctx, req.DiagnosisID, a)
	if err == nil && res.Sent && req.DiagnosisID != "" {
		if markErr := uc.repo.MarkAlertSent(ctx, req.DiagnosisID); markErr != nil {
			logging.WithOperation(uc.logger, "usecase.send_alert", req.DiagnosisID).Warn("failed to record sent alert", zap.Error(markErr))
		}
	}
	return res, err
}

func (uc *DiagnosisUseCase) lookupImage(ctx context.Context, diagnosisID, hashHex, lang string) (pipeline.Outcome, bool) {
	payload, ok := uc.loadCached(ctx, diagnosisID, uc.imageKeyFor(hashHex, lang))
	if !ok {
		return pipeline.Outcome{}, false
	}
	if !uc.pipeline.Thresholds().Agrees(payload.Record) {
		logging.WithOperation(uc.logger, "usecase.lookup_image", diagnosisID).Info("cached outcome disagrees with current thresholds",
			zap.String("kind", string(payload.Record.Kind)),
			zap.Float64("confidence", payload.Record.RawConfidence),
		)
		return pipeline.Outcome{}, false
	}
	outcome, err := pipeline.Restore(uc.Catalog(), payload.Record)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.lookup_image", diagnosisID).Warn("discarding stale cached outcome", zap.Error(err))
		return pipeline.Outcome{}, false
	}
	return outcome, true
}

func (uc *DiagnosisUseCase) loadCached(ctx context.Context, diagnosisID, key string) (*cachedDiagnosis, bool) {
	if uc.cache == nil {
		return nil, false
	}
	var raw string
	var miss bool
	err := retry.Do(ctx, uc.retry, uc.logger, "cache.get", diagnosisID, func() error {
		value, err := uc.cache.Get(ctx, key)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		logging.WithOperation(uc.logger, "cache.get", diagnosisID).Warn("failed to read cache", zap.Error(err))
		return nil, false
	}
	if miss {
		return nil, false
	}

	var payload cachedDiagnosis
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		logging.WithOperation(uc.logger, "cache.get", diagnosisID).Warn("failed to decode cached diagnosis", zap.Error(err))
		return nil, false
	}
	return &payload, true
}

// imageKeyFor scopes the image hash to the current model version and
// thresholds so a redeploy never reuses an outcome decided under others.
func (uc *DiagnosisUseCase) imageKeyFor(hashHex, lang string) string {
	return imageKey(hashHex, lang, uc.modelVersion(), uc.pipeline.Thresholds())
}

// store caches by diagnosis id and under imgKey. Cache failures are logged
// and otherwise ignored; the database remains the source of truth.
func (uc *DiagnosisUseCase) store(ctx context.Context, imgKey string, payload cachedDiagnosis) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set", payload.DiagnosisID).Error("failed to serialize diagnosis", zap.Error(err))
		return
	}
	for _, key := range []string{diagnosisKey(payload.DiagnosisID), imgKey} {
		if err := retry.Do(ctx, uc.retry, uc.logger, "cache.set", payload.DiagnosisID, func() error {
			return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
		}); err != nil {
			logging.WithOperation(uc.logger, "cache.set", payload.DiagnosisID).Warn("failed to cache diagnosis", zap.Error(err), zap.String("key", key))
		}
	}
}

func recordFromLog(log *repository.DiagnosisLog) pipeline.Record {
	return pipeline.Record{
		Kind:          pipeline.Kind(strings.TrimSpace(log.Outcome)),
		Language:      log.Language,
		PlantRatio:    log.PlantRatio,
		ClassIndex:    log.ClassIndex,
		ClassID:       log.ClassID,
		RawConfidence: log.Confidence,
	}
}
