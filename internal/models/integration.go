package models

import (
	"time"
)

// IntegrationType identifies one external provider relationship
type IntegrationType string

const (
	IntegrationContacts IntegrationType = "contacts"
	IntegrationCalendar IntegrationType = "calendar"
)

// AllIntegrationTypes returns the closed set of integration types
func AllIntegrationTypes() []IntegrationType {
	return []IntegrationType{IntegrationContacts, IntegrationCalendar}
}

// IsValidIntegrationType checks if the integration type is valid
func IsValidIntegrationType(t IntegrationType) bool {
	for _, known := range AllIntegrationTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Integration status constants
const (
	IntegrationStatusActive       = "active"
	IntegrationStatusReauthNeeded = "reauth_required"
	IntegrationStatusDisconnected = "disconnected"
)

// Integration represents a user's connection to one external provider
type Integration struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          string          `gorm:"size:64;not null;index:uniq_integration,unique" json:"user_id"`
	IntegrationType IntegrationType `gorm:"size:20;not null;index:uniq_integration,unique" json:"integration_type"`
	Provider        string          `gorm:"size:50;default:google" json:"provider"`
	AccessToken     string          `gorm:"type:text" json:"-"`
	RefreshToken    string          `gorm:"type:text" json:"-"`
	TokenExpiresAt  *time.Time      `json:"token_expires_at,omitempty"`
	SyncToken       string          `gorm:"type:text" json:"-"` // provider incremental-sync cursor
	Status          string          `gorm:"size:30;default:active;index" json:"status"`
	LastSyncError   string          `gorm:"type:text" json:"last_sync_error,omitempty"`
	ConnectedAt     time.Time       `json:"connected_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Integration) TableName() string {
	return "integrations"
}

// IsConnected reports whether the integration may be synced at all
func (i *Integration) IsConnected() bool {
	return i.Status != IntegrationStatusDisconnected
}
