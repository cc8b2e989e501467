package repository

import (
	"context"
	"errors"
	"time"

	"circlesync/internal/models"

	"gorm.io/gorm"
)

// ErrDuplicateKey is returned when inserting an idempotency record whose
// key already exists within the TTL window.
var ErrDuplicateKey = errors.New("idempotency key already exists")

// IdempotencyRepository stores key-result records. Every method takes a
// context because lookups sit on the job hot path and must observe the
// configured store timeout rather than hang.
type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Claim inserts a started record for the key. If the key is already
// present the existing record is returned along with ErrDuplicateKey so
// the caller can decide between cached-result return and no-op.
func (r *IdempotencyRepository) Claim(ctx context.Context, key, jobName string, ttl time.Duration) (*models.IdempotencyRecord, error) {
	record := &models.IdempotencyRecord{
		Key:       key,
		JobName:   jobName,
		Status:    models.IdempotencyStarted,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err == nil {
		return record, nil
	}

	// Insert failed; if a row with this key exists the delivery is a
	// duplicate, otherwise surface the original store problem.
	var existing models.IdempotencyRecord
	if fetchErr := r.db.WithContext(ctx).Where("job_key = ?", key).First(&existing).Error; fetchErr != nil {
		return nil, fetchErr
	}
	return &existing, ErrDuplicateKey
}

// Reclaim takes over an expired or failed record for re-execution
func (r *IdempotencyRepository) Reclaim(ctx context.Context, record *models.IdempotencyRecord, ttl time.Duration) error {
	return r.db.WithContext(ctx).Model(record).Updates(map[string]interface{}{
		"status":      models.IdempotencyStarted,
		"result_json": "",
		"last_error":  "",
		"expires_at":  time.Now().Add(ttl),
	}).Error
}

// MarkSucceeded stores the cached result for the key
func (r *IdempotencyRepository) MarkSucceeded(ctx context.Context, key, resultJSON string) error {
	return r.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("job_key = ?", key).
		Updates(map[string]interface{}{
			"status":      models.IdempotencySucceeded,
			"result_json": resultJSON,
		}).Error
}

// MarkFailed records a terminal failure under the key
func (r *IdempotencyRepository) MarkFailed(ctx context.Context, key, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("job_key = ?", key).
		Updates(map[string]interface{}{
			"status":     models.IdempotencyFailed,
			"last_error": errMsg,
		}).Error
}

// GetByKey retrieves a record by key
func (r *IdempotencyRepository) GetByKey(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var record models.IdempotencyRecord
	err := r.db.WithContext(ctx).Where("job_key = ?", key).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// DeleteExpired prunes records past their TTL
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) error {
	return r.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&models.IdempotencyRecord{}).Error
}
