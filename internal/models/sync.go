package models

import (
	"time"
)

// SyncType identifies how a sync job was triggered and what it fetches
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeManual      SyncType = "manual"
	SyncTypeInitial     SyncType = "initial"
)

// IsValidSyncType checks if the sync type is valid
func IsValidSyncType(t SyncType) bool {
	switch t {
	case SyncTypeFull, SyncTypeIncremental, SyncTypeManual, SyncTypeInitial:
		return true
	default:
		return false
	}
}

// FeedsAdaptiveInterval reports whether outcomes of this sync type may
// mutate the adaptive schedule. Manual and initial syncs never do.
func (t SyncType) FeedsAdaptiveInterval() bool {
	return t == SyncTypeFull || t == SyncTypeIncremental
}

// BypassesBreaker reports whether the circuit breaker gate is skipped
// for this sync type.
func (t SyncType) BypassesBreaker() bool {
	return t == SyncTypeManual || t == SyncTypeInitial
}

// SyncSchedule tracks the adaptive sync cadence for one integration.
// Created on first connection, deleted on disconnect.
type SyncSchedule struct {
	ID                       uint            `gorm:"primaryKey" json:"id"`
	UserID                   string          `gorm:"size:64;not null;index:uniq_schedule,unique" json:"user_id"`
	IntegrationType          IntegrationType `gorm:"size:20;not null;index:uniq_schedule,unique" json:"integration_type"`
	LastSyncAt               *time.Time      `json:"last_sync_at,omitempty"`
	NextSyncAt               time.Time       `gorm:"index" json:"next_sync_at"`
	CurrentIntervalSeconds   int             `json:"current_interval_seconds"`
	ConsecutiveNoChangeCount int             `gorm:"default:0" json:"consecutive_no_change_count"`
	// Suspended stops automatic scheduling after a fatal error until the
	// user reconnects. Manual syncs remain possible.
	Suspended bool      `gorm:"default:false;index" json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (SyncSchedule) TableName() string {
	return "sync_schedules"
}

// Sync outcome constants
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Skip reason constants
const (
	SkipReasonCircuitOpen  = "circuit-open"
	SkipReasonDisconnected = "disconnected"
	SkipReasonDuplicate    = "duplicate-delivery"
)

// SyncJobConfig is the payload carried by a dispatched sync job
type SyncJobConfig struct {
	UserID          string          `json:"user_id"`
	IntegrationType IntegrationType `json:"integration_type"`
	SyncType        SyncType        `json:"sync_type"`
	IdempotencyKey  string          `json:"idempotency_key"`
	ScheduledAt     time.Time       `json:"scheduled_at"`
	AttemptNumber   int             `json:"attempt_number"`
}

// SyncJobResult records the terminal outcome of one executed or skipped
// sync job. One row is persisted per job for observability.
type SyncJobResult struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          string          `gorm:"size:64;not null;index" json:"user_id"`
	IntegrationType IntegrationType `gorm:"size:20;not null;index" json:"integration_type"`
	SyncType        SyncType        `gorm:"size:20;not null" json:"sync_type"`
	IdempotencyKey  string          `gorm:"size:128;index" json:"idempotency_key"`
	Outcome         string          `gorm:"size:20;not null;index" json:"outcome"`
	SkipReason      string          `gorm:"size:50" json:"skip_reason,omitempty"`
	ItemsProcessed  int             `gorm:"default:0" json:"items_processed"`
	ChangesDetected bool            `gorm:"default:false" json:"changes_detected"`
	DurationMs      int64           `gorm:"default:0" json:"duration_ms"`
	ErrorKind       string          `gorm:"size:50" json:"error_kind,omitempty"`
	AttemptNumber   int             `gorm:"default:1" json:"attempt_number"`
	CreatedAt       time.Time       `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for GORM
func (SyncJobResult) TableName() string {
	return "sync_job_results"
}
