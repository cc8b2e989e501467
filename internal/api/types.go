package api

import (
	"encoding/json"
	"net/http"

	"circlesync/internal/models"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	// Error message
	Error string `json:"error"`
	// HTTP status code
	Code int `json:"code"`
	// Additional details about the error (optional)
	Details string `json:"details,omitempty"`
}

// TriggerSyncRequest represents the request body for the manual sync endpoint
type TriggerSyncRequest struct {
	UserID          string                 `json:"user_id"`
	IntegrationType models.IntegrationType `json:"integration_type"`
}

// TriggerSyncResponse represents the response for the manual sync endpoint
type TriggerSyncResponse struct {
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
}

// DisconnectRequest represents the request body for the disconnect endpoint
type DisconnectRequest struct {
	UserID          string                 `json:"user_id"`
	IntegrationType models.IntegrationType `json:"integration_type"`
}

// BreakerStatusResponse represents one breaker row in admin responses
type BreakerStatusResponse struct {
	UserID          string                 `json:"user_id"`
	IntegrationType models.IntegrationType `json:"integration_type"`
	State           models.BreakerState    `json:"state"`
	FailureCount    int                    `json:"failure_count"`
	CooldownUntil   string                 `json:"cooldown_until,omitempty"`
	DisabledReason  string                 `json:"disabled_reason,omitempty"`
	LastFailureKind string                 `json:"last_failure_kind,omitempty"`
}

// IntegrationStatusResponse pairs an integration with its most recent
// sync outcome for the admin listing.
type IntegrationStatusResponse struct {
	models.Integration
	LastOutcome   string `json:"last_outcome,omitempty"`
	LastErrorKind string `json:"last_error_kind,omitempty"`
	LastSyncedAt  string `json:"last_synced_at,omitempty"`
}

// JobResponse represents the body returned to the job transport
type JobResponse struct {
	Status     string          `json:"status"`
	Outcome    string          `json:"outcome,omitempty"`
	SkipReason string          `json:"skip_reason,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError writes a standard error response
func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    status,
		Details: details,
	})
}
