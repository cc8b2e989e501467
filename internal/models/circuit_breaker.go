package models

import (
	"time"
)

// BreakerState represents the state of a circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
	// BreakerDisabled is the persistent sentinel: the key stays blocked
	// until the user reconnects, regardless of cooldowns.
	BreakerDisabled BreakerState = "disabled"
)

// Breaker disabled-reason constants
const (
	DisabledReasonDisconnected = "disconnected"
	DisabledReasonReauth       = "reauth-required"
)

// CircuitBreakerRecord is the durable per-(user, integration) breaker row.
// Any worker may mutate it, so every transition goes through an
// optimistic-version compare-and-swap rather than in-process state.
type CircuitBreakerRecord struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          string          `gorm:"size:64;not null;index:uniq_breaker,unique" json:"user_id"`
	IntegrationType IntegrationType `gorm:"size:20;not null;index:uniq_breaker,unique" json:"integration_type"`
	State           BreakerState    `gorm:"size:20;not null;default:closed" json:"state"`
	FailureCount    int             `gorm:"default:0" json:"failure_count"`
	WindowStartedAt *time.Time      `json:"window_started_at,omitempty"`
	CooldownUntil   *time.Time      `json:"cooldown_until,omitempty"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	// ProbeInFlight marks the single permitted half-open probe as claimed.
	ProbeInFlight   bool            `gorm:"default:false" json:"probe_in_flight"`
	DisabledReason  string          `gorm:"size:50" json:"disabled_reason,omitempty"`
	LastFailureKind string          `gorm:"size:50" json:"last_failure_kind,omitempty"`
	Version         int64           `gorm:"default:0" json:"version"` // optimistic lock
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (CircuitBreakerRecord) TableName() string {
	return "circuit_breakers"
}

// CooldownElapsed reports whether the open-state cooldown has passed
func (r *CircuitBreakerRecord) CooldownElapsed(now time.Time) bool {
	return r.CooldownUntil == nil || !now.Before(*r.CooldownUntil)
}
