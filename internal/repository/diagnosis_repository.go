package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/leafscan/internal/retry"
)

// DiagnosisLog is one persisted diagnosis request and its outcome.
type DiagnosisLog struct {
	ID           uint      `gorm:"primaryKey"`
	DiagnosisID  string    `gorm:"column:diagnosis_id;uniqueIndex;size:64"`
	FarmerID     string    `gorm:"column:farmer_id;index;size:64"`
	Outcome      string    `gorm:"column:outcome;size:32"`
	ClassID      string    `gorm:"column:class_id;size:64"`
	ClassIndex   int       `gorm:"column:class_index"`
	Confidence   float64   `gorm:"column:confidence"`
	PlantRatio   float64   `gorm:"column:plant_ratio"`
	Language     string    `gorm:"column:language;size:8"`
	ImageSHA1    string    `gorm:"column:image_sha1;index;size:40"`
	ModelVersion string    `gorm:"column:model_version;size:64"`
	AlertSent    bool      `gorm:"column:alert_sent"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (DiagnosisLog) TableName() string {
	return "diagnosis_logs"
}

// OutcomeCount is the number of logs with one outcome.
type OutcomeCount struct {
	Outcome string
	Count   int64
}

// Aggregation summarises persisted diagnoses.
type Aggregation struct {
	TotalCount                 int64
	Outcomes                   []OutcomeCount
	AverageDiagnosedConfidence float64
	AlertsSent                 int64
}

// DiagnosisRepository provides persistence APIs for diagnosis logs.
type DiagnosisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDiagnosisRepository creates a new repository instance.
func NewDiagnosisRepository(db *gorm.DB, logger *zap.Logger) *DiagnosisRepository {
	return &DiagnosisRepository{
		db:             db,
		logger:         logger.Named("diagnosis_repository"),
		retryAttempts:  retry.Default.Attempts,
		initialBackoff: retry.Default.InitialBackoff,
		maxBackoff:     retry.Default.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DiagnosisRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&DiagnosisLog{})
	})
}

// SaveLog persists a diagnosis log entry.
func (r *DiagnosisRepository) SaveLog(ctx context.Context, log *DiagnosisLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.DiagnosisID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByDiagnosisIDAndFarmer retrieves a log owned by farmerID.
func (r *DiagnosisRepository) FindByDiagnosisIDAndFarmer(ctx context.Context, diagnosisID, farmerID string) (*DiagnosisLog, error) {
	var log DiagnosisLog
	err := r.executeWithRetry(ctx, "repository.find_log", diagnosisID, func() error {
		return r.db.WithContext(ctx).First(&log, "diagnosis_id = ? AND farmer_id = ?", diagnosisID, farmerID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// MarkAlertSent records that an alert for the diagnosis reached a provider.
func (r *DiagnosisRepository) MarkAlertSent(ctx context.Context, diagnosisID string) error {
	return r.executeWithRetry(ctx, "repository.mark_alert_sent", diagnosisID, func() error {
		return r.db.WithContext(ctx).Model(&DiagnosisLog{}).
			Where("diagnosis_id = ?", diagnosisID).
			Update("alert_sent", true).Error
	})
}

// AggregateMetrics counts logs per outcome and averages diagnosed confidence.
func (r *DiagnosisRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	agg := &Aggregation{}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		db := r.db.WithContext(ctx).Model(&DiagnosisLog{})

		var outcomes []OutcomeCount
		if err := db.Select("outcome, COUNT(*) AS count").Group("outcome").Order("outcome").Scan(&outcomes).Error; err != nil {
			return err
		}

		var totals struct {
			AverageConfidence float64
			AlertsSent        int64
		}
		if err := r.db.WithContext(ctx).Model(&DiagnosisLog{}).
			Select("COALESCE(AVG(CASE WHEN outcome = 'diagnosed' THEN confidence END), 0) AS average_confidence, " +
				"COALESCE(SUM(CASE WHEN alert_sent THEN 1 ELSE 0 END), 0) AS alerts_sent").
			Scan(&totals).Error; err != nil {
			return err
		}

		agg.Outcomes = outcomes
		agg.TotalCount = 0
		for _, o := range outcomes {
			agg.TotalCount += o.Count
		}
		agg.AverageDiagnosedConfidence = totals.AverageConfidence
		agg.AlertsSent = totals.AlertsSent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func (r *DiagnosisRepository) executeWithRetry(ctx context.Context, operation, diagnosisID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, policy, r.logger, operation, diagnosisID, fn)
}
