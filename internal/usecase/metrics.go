package usecase

import (
	"context"

	"github.com/example/leafscan/internal/pipeline"
)

// MetricsSummary represents aggregated diagnosis insights.
type MetricsSummary struct {
	TotalRequests              int64            `json:"total_requests"`
	Outcomes                   map[string]int64 `json:"outcomes"`
	DiagnosedRate              float64          `json:"diagnosed_rate"`
	NoPlantRate                float64          `json:"no_plant_rate"`
	LowConfidenceRate          float64          `json:"low_confidence_rate"`
	AverageDiagnosedConfidence float64          `json:"average_diagnosed_confidence"`
	AlertsSent                 int64            `json:"alerts_sent"`
}

// GetMetricsSummary aggregates diagnosis metrics from persisted logs.
func (uc *DiagnosisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		Outcomes:                   make(map[string]int64, len(aggregation.Outcomes)),
		AverageDiagnosedConfidence: aggregation.AverageDiagnosedConfidence,
		AlertsSent:                 aggregation.AlertsSent,
	}
	for _, o := range aggregation.Outcomes {
		summary.Outcomes[o.Outcome] = o.Count
	}

	if aggregation.TotalCount > 0 {
		total := float64(aggregation.TotalCount)
		summary.DiagnosedRate = float64(summary.Outcomes[string(pipeline.KindDiagnosed)]) / total
		summary.NoPlantRate = float64(summary.Outcomes[string(pipeline.KindNoPlantDetected)]) / total
		summary.LowConfidenceRate = float64(summary.Outcomes[string(pipeline.KindLowConfidence)]) / total
	}

	return summary, nil
}
