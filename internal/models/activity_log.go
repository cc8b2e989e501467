package models

import (
	"time"
)

// ActivityType classifies entries in the activity feed
type ActivityType string

const (
	// Sync activities
	ActivitySyncStarted   ActivityType = "sync_started"
	ActivitySyncCompleted ActivityType = "sync_completed"
	ActivitySyncFailed    ActivityType = "sync_failed"
	ActivitySyncSkipped   ActivityType = "sync_skipped"

	// Integration lifecycle
	ActivityIntegrationConnected    ActivityType = "integration_connected"
	ActivityIntegrationDisconnected ActivityType = "integration_disconnected"
	ActivityIntegrationReauthNeeded ActivityType = "integration_reauth_required"

	// Breaker transitions
	ActivityBreakerTripped   ActivityType = "breaker_tripped"
	ActivityBreakerRecovered ActivityType = "breaker_recovered"

	// Token and webhook maintenance
	ActivityTokenRefreshed     ActivityType = "token_refreshed"
	ActivityTokenRefreshFailed ActivityType = "token_refresh_failed"
	ActivityWebhookRenewed     ActivityType = "webhook_renewed"
	ActivityWebhookLapsed      ActivityType = "webhook_lapsed"
)

// ActivityLog is one entry in the admin-visible activity feed
type ActivityLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	Type        ActivityType `gorm:"type:varchar(50);not null;index" json:"type"`
	Title       string       `gorm:"type:varchar(255);not null" json:"title"`
	Description string       `gorm:"type:text" json:"description"`

	UserID          string          `gorm:"size:64;index" json:"user_id,omitempty"`
	IntegrationType IntegrationType `gorm:"size:20;index" json:"integration_type,omitempty"`

	// Extra metadata as JSON text
	Metadata string `gorm:"type:text" json:"metadata,omitempty"`

	Status string `gorm:"type:varchar(50);default:'success'" json:"status"` // success, failed, pending
}

// TableName specifies the table name for GORM
func (ActivityLog) TableName() string {
	return "activity_logs"
}
