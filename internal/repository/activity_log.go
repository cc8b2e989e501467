package repository

import (
	"time"

	"circlesync/internal/models"

	"gorm.io/gorm"
)

type ActivityLogRepository struct {
	db *gorm.DB
}

func NewActivityLogRepository(db *gorm.DB) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

// Create persists one activity entry
func (r *ActivityLogRepository) Create(entry *models.ActivityLog) error {
	return r.db.Create(entry).Error
}

// GetRecent retrieves the most recent activity entries
func (r *ActivityLogRepository) GetRecent(limit int) ([]models.ActivityLog, error) {
	var entries []models.ActivityLog
	err := r.db.Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// GetByUser retrieves recent activity for one user
func (r *ActivityLogRepository) GetByUser(userID string, limit int) ([]models.ActivityLog, error) {
	var entries []models.ActivityLog
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// DeleteOlderThan prunes old entries
func (r *ActivityLogRepository) DeleteOlderThan(cutoff time.Time) error {
	return r.db.Where("created_at < ?", cutoff).Delete(&models.ActivityLog{}).Error
}
