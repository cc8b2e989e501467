package repository

import (
	"time"

	"circlesync/internal/models"

	"gorm.io/gorm"
)

type SyncResultRepository struct {
	db *gorm.DB
}

func NewSyncResultRepository(db *gorm.DB) *SyncResultRepository {
	return &SyncResultRepository{db: db}
}

// Create persists one sync job result
func (r *SyncResultRepository) Create(result *models.SyncJobResult) error {
	return r.db.Create(result).Error
}

// GetByKey retrieves recent results for (user, integration type)
func (r *SyncResultRepository) GetByKey(userID string, integrationType models.IntegrationType, limit int) ([]models.SyncJobResult, error) {
	var results []models.SyncJobResult
	err := r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error
	return results, err
}

// GetRecent retrieves the most recent results across all keys
func (r *SyncResultRepository) GetRecent(limit int) ([]models.SyncJobResult, error) {
	var results []models.SyncJobResult
	err := r.db.Order("created_at DESC").Limit(limit).Find(&results).Error
	return results, err
}

// GetLastByKey retrieves the most recent result for a key
func (r *SyncResultRepository) GetLastByKey(userID string, integrationType models.IntegrationType) (*models.SyncJobResult, error) {
	var result models.SyncJobResult
	err := r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Order("created_at DESC").
		First(&result).Error
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteOlderThan prunes result rows past the retention horizon
func (r *SyncResultRepository) DeleteOlderThan(cutoff time.Time) error {
	return r.db.Where("created_at < ?", cutoff).Delete(&models.SyncJobResult{}).Error
}

// GetStats returns aggregate outcome counts over a recent window
func (r *SyncResultRepository) GetStats(since time.Time) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, outcome := range []string{models.OutcomeSucceeded, models.OutcomeFailed, models.OutcomeSkipped} {
		var count int64
		if err := r.db.Model(&models.SyncJobResult{}).
			Where("outcome = ? AND created_at >= ?", outcome, since).
			Count(&count).Error; err != nil {
			return nil, err
		}
		stats[outcome] = count
	}
	return stats, nil
}
