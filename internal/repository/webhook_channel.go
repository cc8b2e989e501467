package repository

import (
	"time"

	"circlesync/internal/models"

	"gorm.io/gorm"
)

type WebhookChannelRepository struct {
	db *gorm.DB
}

func NewWebhookChannelRepository(db *gorm.DB) *WebhookChannelRepository {
	return &WebhookChannelRepository{db: db}
}

// GetByKey retrieves the channel for (user, integration type)
func (r *WebhookChannelRepository) GetByKey(userID string, integrationType models.IntegrationType) (*models.WebhookChannel, error) {
	var channel models.WebhookChannel
	err := r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).First(&channel).Error
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

// Upsert creates or replaces the channel for the key
func (r *WebhookChannelRepository) Upsert(channel *models.WebhookChannel) error {
	var existing models.WebhookChannel
	err := r.db.Where("user_id = ? AND integration_type = ?", channel.UserID, channel.IntegrationType).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return r.db.Create(channel).Error
	}
	if err != nil {
		return err
	}
	channel.ID = existing.ID
	return r.db.Save(channel).Error
}

// GetExpiringWithin retrieves active channels lapsing inside the margin
func (r *WebhookChannelRepository) GetExpiringWithin(now time.Time, margin time.Duration) ([]models.WebhookChannel, error) {
	var channels []models.WebhookChannel
	err := r.db.Where("active = ?", true).
		Where("expiration < ?", now.Add(margin)).
		Find(&channels).Error
	return channels, err
}

// MarkInactive flags a channel as lapsed; the integration falls back to polling
func (r *WebhookChannelRepository) MarkInactive(userID string, integrationType models.IntegrationType) error {
	return r.db.Model(&models.WebhookChannel{}).
		Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Update("active", false).Error
}

// UpdateExpiration extends a renewed channel
func (r *WebhookChannelRepository) UpdateExpiration(userID string, integrationType models.IntegrationType, expiration time.Time) error {
	return r.db.Model(&models.WebhookChannel{}).
		Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Updates(map[string]interface{}{
			"expiration": expiration,
			"active":     true,
		}).Error
}

// Delete removes the channel row for the key
func (r *WebhookChannelRepository) Delete(userID string, integrationType models.IntegrationType) error {
	return r.db.Where("user_id = ? AND integration_type = ?", userID, integrationType).
		Delete(&models.WebhookChannel{}).Error
}

// GetByChannelID resolves a provider notification back to its key
func (r *WebhookChannelRepository) GetByChannelID(channelID string) (*models.WebhookChannel, error) {
	var channel models.WebhookChannel
	err := r.db.Where("channel_id = ?", channelID).First(&channel).Error
	if err != nil {
		return nil, err
	}
	return &channel, nil
}
