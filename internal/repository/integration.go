package repository

import (
	"time"

	"circlesync/internal/models"

	"gorm.io/gorm"
)

type IntegrationRepository struct {
	db *gorm.DB
}

func NewIntegrationRepository(db *gorm.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

// GetByKey retrieves an integration by (user, integration type)
func (r *IntegrationRepository) GetByKey(userID string, integrationType models.IntegrationType) (*models.Integration, error) {
	var integration models.Integration
	err := r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).First(&integration).Error
	if err != nil {
		return nil, err
	}
	return &integration, nil
}

// Create creates a new integration
func (r *IntegrationRepository) Create(integration *models.Integration) error {
	return r.db.Create(integration).Error
}

// Update updates an existing integration
func (r *IntegrationRepository) Update(integration *models.Integration) error {
	return r.db.Save(integration).Error
}

// GetActive retrieves all integrations eligible for syncing
func (r *IntegrationRepository) GetActive() ([]models.Integration, error) {
	var integrations []models.Integration
	err := r.db.Where("status = ?", models.IntegrationStatusActive).Find(&integrations).Error
	return integrations, err
}

// GetByUser retrieves all integrations for a user
func (r *IntegrationRepository) GetByUser(userID string) ([]models.Integration, error) {
	var integrations []models.Integration
	err := r.db.Where("user_id = ?", userID).Find(&integrations).Error
	return integrations, err
}

// UpdateStatus updates the integration status and last error message
func (r *IntegrationRepository) UpdateStatus(userID string, integrationType models.IntegrationType, status, errorMsg string) error {
	updates := map[string]interface{}{
		"status": status,
	}
	if errorMsg != "" {
		updates["last_sync_error"] = errorMsg
	} else {
		updates["last_sync_error"] = gorm.Expr("NULL")
	}
	return r.db.Model(&models.Integration{}).
		Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Updates(updates).Error
}

// UpdateTokens stores refreshed OAuth credentials
func (r *IntegrationRepository) UpdateTokens(userID string, integrationType models.IntegrationType, accessToken, refreshToken string, expiresAt time.Time) error {
	updates := map[string]interface{}{
		"access_token":     accessToken,
		"token_expires_at": expiresAt,
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return r.db.Model(&models.Integration{}).
		Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Updates(updates).Error
}

// UpdateSyncToken stores the provider's incremental-sync cursor
func (r *IntegrationRepository) UpdateSyncToken(userID string, integrationType models.IntegrationType, syncToken string) error {
	return r.db.Model(&models.Integration{}).
		Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Update("sync_token", syncToken).Error
}
