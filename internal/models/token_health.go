package models

import (
	"time"
)

// TokenHealthRecord tracks OAuth token freshness for one integration
type TokenHealthRecord struct {
	ID                  uint            `gorm:"primaryKey" json:"id"`
	UserID              string          `gorm:"size:64;not null;index:uniq_token_health,unique" json:"user_id"`
	IntegrationType     IntegrationType `gorm:"size:20;not null;index:uniq_token_health,unique" json:"integration_type"`
	ExpiresAt           *time.Time      `gorm:"index" json:"expires_at,omitempty"`
	LastRefreshAt       *time.Time      `json:"last_refresh_at,omitempty"`
	RefreshFailureCount int             `gorm:"default:0" json:"refresh_failure_count"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (TokenHealthRecord) TableName() string {
	return "token_health_records"
}

// NeedsRefresh reports whether the token expires within the margin
func (r *TokenHealthRecord) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if r.ExpiresAt == nil {
		return false
	}
	return r.ExpiresAt.Sub(now) < margin
}
