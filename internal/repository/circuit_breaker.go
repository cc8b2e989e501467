package repository

import (
	"errors"

	"circlesync/internal/models"

	"gorm.io/gorm"
)

// ErrVersionConflict is returned when a compare-and-swap update loses the
// race against another worker. Callers reload and retry.
var ErrVersionConflict = errors.New("breaker row version conflict")

type CircuitBreakerRepository struct {
	db *gorm.DB
}

func NewCircuitBreakerRepository(db *gorm.DB) *CircuitBreakerRepository {
	return &CircuitBreakerRepository{db: db}
}

// GetOrCreate retrieves the breaker row for the key, creating a closed one
// if none exists yet. Concurrent creation races resolve via the unique
// index: the loser re-reads the winner's row.
func (r *CircuitBreakerRepository) GetOrCreate(userID string, integrationType models.IntegrationType) (*models.CircuitBreakerRecord, error) {
	var record models.CircuitBreakerRecord
	err := r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).First(&record).Error
	if err == nil {
		return &record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	record = models.CircuitBreakerRecord{
		UserID:          userID,
		IntegrationType: integrationType,
		State:           models.BreakerClosed,
	}
	if createErr := r.db.Create(&record).Error; createErr != nil {
		// Another worker created it first; fetch that row.
		if fetchErr := r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).First(&record).Error; fetchErr != nil {
			return nil, createErr
		}
	}
	return &record, nil
}

// Get retrieves the breaker row without creating it
func (r *CircuitBreakerRepository) Get(userID string, integrationType models.IntegrationType) (*models.CircuitBreakerRecord, error) {
	var record models.CircuitBreakerRecord
	err := r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpdateCAS persists a mutated breaker row only if nobody else has written
// it since it was read. The version column is the optimistic lock.
func (r *CircuitBreakerRepository) UpdateCAS(record *models.CircuitBreakerRecord) error {
	readVersion := record.Version
	record.Version = readVersion + 1

	result := r.db.Model(&models.CircuitBreakerRecord{}).
		Where("id = ? AND version = ?", record.ID, readVersion).
		Updates(map[string]interface{}{
			"state":             record.State,
			"failure_count":     record.FailureCount,
			"window_started_at": record.WindowStartedAt,
			"cooldown_until":    record.CooldownUntil,
			"cooldown_seconds":  record.CooldownSeconds,
			"probe_in_flight":   record.ProbeInFlight,
			"disabled_reason":   record.DisabledReason,
			"last_failure_kind": record.LastFailureKind,
			"version":           record.Version,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Delete removes the breaker row for the key
func (r *CircuitBreakerRepository) Delete(userID string, integrationType models.IntegrationType) error {
	return r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Delete(&models.CircuitBreakerRecord{}).Error
}

// GetAll retrieves all breaker rows (admin surface)
func (r *CircuitBreakerRepository) GetAll() ([]models.CircuitBreakerRecord, error) {
	var records []models.CircuitBreakerRecord
	err := r.db.Order("updated_at DESC").Find(&records).Error
	return records, err
}
