package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/oral-check/internal/classifier"
	"github.com/example/oral-check/internal/knowledge"
	"github.com/example/oral-check/internal/logging"
	"github.com/example/oral-check/internal/repository"
)

// ErrRequestInProgress is returned when a caller already has a classification running.
var ErrRequestInProgress = errors.New("classification already in progress for this user")

const resultTTL = 5 * time.Minute

// Classifier is the orchestrator surface the use case depends on.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (*classifier.Result, error)
}

// ClassificationRepository defines the persistence operations needed by the use case.
type ClassificationRepository interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ClassificationLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.ClassificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ClassificationRecord is a stored classification together with its owner.
type ClassificationRecord struct {
	RequestID string            `json:"request_id"`
	UserID    string            `json:"user_id"`
	ImageSHA1 string            `json:"sha1_hash"`
	Result    classifier.Result `json:"result"`
}

// DuplicateReport lists earlier classifications of the same image.
type DuplicateReport struct {
	Request    *ClassificationRecord   `json:"request"`
	Duplicates []*ClassificationRecord `json:"duplicates"`
}

// DiagnosisUseCase runs classifications for callers and keeps their history.
type DiagnosisUseCase struct {
	classifier     Classifier
	repo           ClassificationRepository
	cache          Cache
	kb             *knowledge.Base
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewDiagnosisUseCase constructs a new use case instance.
func NewDiagnosisUseCase(c Classifier, repo ClassificationRepository, cache Cache, kb *knowledge.Base, logger *zap.Logger) *DiagnosisUseCase {
	return &DiagnosisUseCase{
		classifier:     c,
		repo:           repo,
		cache:          cache,
		kb:             kb,
		logger:         logger.Named("diagnosis_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		inflight:       make(map[string]struct{}),
	}
}

// Diagnose classifies image for userID, persists the outcome and caches it.
// Each user may have only one classification running at a time. Nothing is
// written under the request id until the classification has completed.
func (uc *DiagnosisUseCase) Diagnose(ctx context.Context, userID string, image []byte) (string, *classifier.Result, error) {
	if !uc.acquire(userID) {
		return "", nil, ErrRequestInProgress
	}
	defer uc.release(userID)

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.diagnose", requestID)

	started := time.Now()
	result, err := uc.classifier.Classify(ctx, image)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Warn("classification failed", logging.ErrorFields(wrapped)...)
		return "", nil, wrapped
	}
	latency := time.Since(started)

	hash := sha1.Sum(image)
	hashHex := hex.EncodeToString(hash[:])
	log := &repository.ClassificationLog{
		RequestID:     requestID,
		UserID:        userID,
		ConditionKey:  result.ConditionKey,
		ConditionName: result.ConditionName,
		Severity:      string(result.Severity),
		Confidence:    result.Confidence,
		Backend:       result.Backend,
		SHA1Hash:      hashHex,
		LatencyMs:     latency.Milliseconds(),
		ObservedAt:    result.ObservedAt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist classification log", logging.ErrorFields(wrapped)...)
		return "", nil, wrapped
	}

	record := ClassificationRecord{RequestID: requestID, UserID: userID, ImageSHA1: hashHex, Result: *result}
	serialized, err := json.Marshal(record)
	if err != nil {
		opLogger.Error("failed to serialize classification result", zap.Error(err))
		return "", nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultCacheKey(requestID), string(serialized), resultTTL)
	}); err != nil {
		// The log is already persisted; GetResult falls back to it.
		opLogger.Warn("failed to cache classification result", zap.Error(err))
	}

	opLogger.Info("classification completed",
		zap.String("condition", result.ConditionKey),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("latency", latency),
	)
	return requestID, result, nil
}

// GetResult retrieves a cached classification or loads it from persistence.
func (uc *DiagnosisUseCase) GetResult(ctx context.Context, userID, requestID string) (*ClassificationRecord, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultCacheKey(requestID)); err == nil {
		var record ClassificationRecord
		if err := json.Unmarshal([]byte(cached), &record); err != nil {
			opLogger.Debug("cached entry is not a result", zap.Error(err))
		} else if record.UserID == userID {
			return &record, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	return uc.recordFromLog(log), nil
}

// GetDuplicateReport builds a duplicate detection report for a classification request.
func (uc *DiagnosisUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	report := &DuplicateReport{
		Request:    uc.recordFromLog(log),
		Duplicates: make([]*ClassificationRecord, 0, len(duplicates)),
	}
	for _, dup := range duplicates {
		report.Duplicates = append(report.Duplicates, uc.recordFromLog(dup))
	}
	return report, nil
}

func (uc *DiagnosisUseCase) recordFromLog(log *repository.ClassificationLog) *ClassificationRecord {
	record := &ClassificationRecord{
		RequestID: log.RequestID,
		UserID:    log.UserID,
		ImageSHA1: log.SHA1Hash,
		Result: classifier.Result{
			ConditionKey:  log.ConditionKey,
			ConditionName: log.ConditionName,
			Severity:      knowledge.Severity(log.Severity),
			Confidence:    log.Confidence,
			Backend:       log.Backend,
			ObservedAt:    log.ObservedAt,
		},
	}
	entry, err := uc.kb.Lookup(log.ConditionKey)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.record_from_log", log.RequestID).
			Warn("stored condition no longer in knowledge base", zap.String("key", log.ConditionKey))
		return record
	}
	record.Result.Description = entry.Description
	record.Result.Recommendations = entry.Recommendations
	return record
}

func (uc *DiagnosisUseCase) acquire(userID string) bool {
	uc.inflightMu.Lock()
	defer uc.inflightMu.Unlock()
	if _, busy := uc.inflight[userID]; busy {
		return false
	}
	uc.inflight[userID] = struct{}{}
	return true
}

func (uc *DiagnosisUseCase) release(userID string) {
	uc.inflightMu.Lock()
	delete(uc.inflight, userID)
	uc.inflightMu.Unlock()
}

func resultCacheKey(requestID string) string {
	return fmt.Sprintf("classification:%s", requestID)
}

func (uc *DiagnosisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *DiagnosisUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
