package repository

import (
	"time"

	"circlesync/internal/models"

	"gorm.io/gorm"
)

type TokenHealthRepository struct {
	db *gorm.DB
}

func NewTokenHealthRepository(db *gorm.DB) *TokenHealthRepository {
	return &TokenHealthRepository{db: db}
}

// GetByKey retrieves the token health record for (user, integration type)
func (r *TokenHealthRepository) GetByKey(userID string, integrationType models.IntegrationType) (*models.TokenHealthRecord, error) {
	var record models.TokenHealthRecord
	err := r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert creates or updates the record for the key
func (r *TokenHealthRepository) Upsert(record *models.TokenHealthRecord) error {
	var existing models.TokenHealthRecord
	err := r.db.Where("user_id = ? AND integration_type = ?", record.UserID, record.IntegrationType).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return r.db.Create(record).Error
	}
	if err != nil {
		return err
	}
	record.ID = existing.ID
	return r.db.Save(record).Error
}

// RecordRefreshSuccess resets the failure counter and stamps the refresh
func (r *TokenHealthRepository) RecordRefreshSuccess(userID string, integrationType models.IntegrationType, expiresAt time.Time) error {
	now := time.Now()
	return r.db.Model(&models.TokenHealthRecord{}).
		Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Updates(map[string]interface{}{
			"expires_at":            expiresAt,
			"last_refresh_at":       now,
			"refresh_failure_count": 0,
		}).Error
}

// RecordRefreshFailure increments the failure counter and returns the new count
func (r *TokenHealthRepository) RecordRefreshFailure(userID string, integrationType models.IntegrationType) (int, error) {
	err := r.db.Model(&models.TokenHealthRecord{}).
		Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Update("refresh_failure_count", gorm.Expr("refresh_failure_count + 1")).Error
	if err != nil {
		return 0, err
	}
	record, err := r.GetByKey(userID, integrationType)
	if err != nil {
		return 0, err
	}
	return record.RefreshFailureCount, nil
}

// GetExpiringWithin retrieves records whose tokens lapse inside the margin
func (r *TokenHealthRepository) GetExpiringWithin(now time.Time, margin time.Duration) ([]models.TokenHealthRecord, error) {
	var records []models.TokenHealthRecord
	err := r.db.Where("expires_at IS NOT NULL AND expires_at < ?", now.Add(margin)).Find(&records).Error
	return records, err
}

// Delete removes the record for the key
func (r *TokenHealthRepository) Delete(userID string, integrationType models.IntegrationType) error {
	return r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Delete(&models.TokenHealthRecord{}).Error
}
