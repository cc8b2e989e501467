package models

import (
	"time"
)

// IdempotencyStatus tracks the lifecycle of one deduplicated job execution
type IdempotencyStatus string

const (
	IdempotencyStarted   IdempotencyStatus = "started"
	IdempotencySucceeded IdempotencyStatus = "succeeded"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord provides durable, store-backed deduplication for
// at-least-once job delivery. The key is unique; a second delivery of the
// same key either returns the cached result or becomes a no-op.
type IdempotencyRecord struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	Key        string            `gorm:"column:job_key;size:128;not null;uniqueIndex" json:"key"`
	JobName    string            `gorm:"size:100;not null" json:"job_name"`
	Status     IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	ResultJSON string            `gorm:"type:text" json:"result_json,omitempty"`
	LastError  string            `gorm:"type:text" json:"last_error,omitempty"`
	ExpiresAt  time.Time         `gorm:"index" json:"expires_at"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}

// IsExpired checks if the record has passed its retention TTL
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
