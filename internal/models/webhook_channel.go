package models

import (
	"time"
)

// WebhookChannel tracks one provider push-notification channel.
// When renewal fails the integration silently falls back to the polling
// cadence; the channel row stays inactive until the next connect.
type WebhookChannel struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          string          `gorm:"size:64;not null;index:uniq_channel,unique" json:"user_id"`
	IntegrationType IntegrationType `gorm:"size:20;not null;index:uniq_channel,unique" json:"integration_type"`
	ChannelID       string          `gorm:"size:128;not null" json:"channel_id"`
	ResourceID      string          `gorm:"size:128" json:"resource_id,omitempty"`
	Expiration      time.Time       `gorm:"index" json:"expiration"`
	Active          bool            `gorm:"default:true;index" json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (WebhookChannel) TableName() string {
	return "webhook_channels"
}

// ExpiresWithin reports whether the channel lapses inside the margin
func (c *WebhookChannel) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return c.Expiration.Sub(now) < margin
}
