package usecase

import (
	"context"

	"github.com/example/oral-check/internal/knowledge"
)

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalRequests        int64            `json:"total_requests"`
	AverageConfidence    float64          `json:"average_confidence"`
	AverageLatencyMs     float64          `json:"average_latency_ms"`
	ConditionBreakdown   map[string]int64 `json:"condition_breakdown"`
	SeverityBreakdown    map[string]int64 `json:"severity_breakdown"`
	HighSeverityFraction float64          `json:"high_severity_fraction"`
}

// GetMetricsSummary aggregates classification metrics from persisted logs.
func (uc *DiagnosisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		AverageConfidence:  aggregation.AverageConfidence,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
		ConditionBreakdown: make(map[string]int64, len(aggregation.ConditionBreakdown)),
		SeverityBreakdown:  make(map[string]int64, len(aggregation.SeverityBreakdown)),
	}
	for _, c := range aggregation.ConditionBreakdown {
		summary.ConditionBreakdown[c.ConditionKey] = c.Count
	}
	for _, s := range aggregation.SeverityBreakdown {
		summary.SeverityBreakdown[s.Severity] = s.Count
	}

	if aggregation.TotalCount > 0 {
		summary.HighSeverityFraction = float64(summary.SeverityBreakdown[string(knowledge.SeverityHigh)]) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
