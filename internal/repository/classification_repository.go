package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/oral-check/internal/logging"
)

// ClassificationLog represents a persisted classification result.
type ClassificationLog struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID        string    `gorm:"column:user_id;size:64;index:idx_user_hash"`
	ConditionKey  string    `gorm:"column:condition_key;size:64;index"`
	ConditionName string    `gorm:"column:condition_name;size:128"`
	Severity      string    `gorm:"column:severity;size:16"`
	Confidence    float64   `gorm:"column:confidence"`
	Backend       string    `gorm:"column:backend;size:32"`
	SHA1Hash      string    `gorm:"column:sha1_hash;size:40;index:idx_user_hash"`
	LatencyMs     int64     `gorm:"column:latency_ms"`
	ObservedAt    time.Time `gorm:"column:observed_at"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ClassificationLog) TableName() string {
	return "classification_logs"
}

// ConditionCount is the number of results per condition key.
type ConditionCount struct {
	ConditionKey string
	Count        int64
}

// SeverityCount is the number of results per severity tier.
type SeverityCount struct {
	Severity string
	Count    int64
}

// MetricsAggregation holds raw aggregates over all classification logs.
type MetricsAggregation struct {
	TotalCount         int64
	AverageConfidence  float64
	AverageLatencyMs   float64
	ConditionBreakdown []ConditionCount
	SeverityBreakdown  []SeverityCount
}

// ClassificationRepository provides persistence APIs for classification logs.
type ClassificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationRepository creates a new repository instance.
func NewClassificationRepository(db *gorm.DB, logger *zap.Logger) *ClassificationRepository {
	return &ClassificationRepository{
		db:             db,
		logger:         logger.Named("classification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ClassificationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ClassificationLog{})
	})
}

// SaveLog persists a classification log entry.
func (r *ClassificationRepository) SaveLog(ctx context.Context, log *ClassificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a classification log matching the request and owner.
func (r *ClassificationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*ClassificationLog, error) {
	var log ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists the user's other classifications of the same image bytes, newest first.
func (r *ClassificationRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*ClassificationLog, error) {
	var logs []*ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes totals and breakdowns across all logs.
func (r *ClassificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	agg := &MetricsAggregation{}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		db := r.db.WithContext(ctx).Model(&ClassificationLog{})
		var totals struct {
			TotalCount        int64
			AverageConfidence float64
			AverageLatencyMs  float64
		}
		if err := db.Select("COUNT(*) AS total_count, COALESCE(AVG(confidence), 0) AS average_confidence, COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Scan(&totals).Error; err != nil {
			return err
		}
		agg.TotalCount = totals.TotalCount
		agg.AverageConfidence = totals.AverageConfidence
		agg.AverageLatencyMs = totals.AverageLatencyMs

		agg.ConditionBreakdown = nil
		if err := r.db.WithContext(ctx).Model(&ClassificationLog{}).
			Select("condition_key, COUNT(*) AS count").
			Group("condition_key").Order("condition_key").
			Scan(&agg.ConditionBreakdown).Error; err != nil {
			return err
		}
		agg.SeverityBreakdown = nil
		return r.db.WithContext(ctx).Model(&ClassificationLog{}).
			Select("severity, COUNT(*) AS count").
			Group("severity").Order("severity").
			Scan(&agg.SeverityBreakdown).Error
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func (r *ClassificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) || !IsTransientError(err) {
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempts", attempts))
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransientError reports whether err is worth retrying: deadlines, timeouts and temporary faults.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
