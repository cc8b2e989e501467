package repository

import (
	"time"

	"circlesync/internal/models"

	"gorm.io/gorm"
)

type SyncScheduleRepository struct {
	db *gorm.DB
}

func NewSyncScheduleRepository(db *gorm.DB) *SyncScheduleRepository {
	return &SyncScheduleRepository{db: db}
}

// GetByKey retrieves the schedule for (user, integration type)
func (r *SyncScheduleRepository) GetByKey(userID string, integrationType models.IntegrationType) (*models.SyncSchedule, error) {
	var schedule models.SyncSchedule
	err := r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).First(&schedule).Error
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

// Create creates a new schedule
func (r *SyncScheduleRepository) Create(schedule *models.SyncSchedule) error {
	return r.db.Create(schedule).Error
}

// Update updates an existing schedule
func (r *SyncScheduleRepository) Update(schedule *models.SyncSchedule) error {
	return r.db.Save(schedule).Error
}

// Delete removes the schedule for (user, integration type)
func (r *SyncScheduleRepository) Delete(userID string, integrationType models.IntegrationType) error {
	return r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Delete(&models.SyncSchedule{}).Error
}

// GetDue retrieves unsuspended schedules whose next sync time has passed
func (r *SyncScheduleRepository) GetDue(now time.Time, limit int) ([]models.SyncSchedule, error) {
	var schedules []models.SyncSchedule
	err := r.db.Where("suspended = ?", false).
		Where("next_sync_at <= ?", now).
		Order("next_sync_at ASC").
		Limit(limit).
		Find(&schedules).Error
	return schedules, err
}

// HasCompletedSync reports whether a schedule row with a non-null
// last_sync_at exists for the key
func (r *SyncScheduleRepository) HasCompletedSync(userID string, integrationType models.IntegrationType) (bool, error) {
	var count int64
	err := r.db.Model(&models.SyncSchedule{}).
		Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Where("last_sync_at IS NOT NULL").
		Count(&count).Error
	return count > 0, err
}

// SetSuspended toggles automatic scheduling for the key
func (r *SyncScheduleRepository) SetSuspended(userID string, integrationType models.IntegrationType, suspended bool) error {
	return r.db.Model(&models.SyncSchedule{}).
		Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Update("suspended", suspended).Error
}

// GetAll retrieves all schedules (admin surface)
func (r *SyncScheduleRepository) GetAll() ([]models.SyncSchedule, error) {
	var schedules []models.SyncSchedule
	err := r.db.Order("next_sync_at ASC").Find(&schedules).Error
	return schedules, err
}
