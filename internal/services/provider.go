package services

import (
	"context"
	"sync"
	"time"

	"circlesync/internal/models"
)

// ProviderSyncResult is what a provider executor reports back after one
// sync pass over the user's contacts or calendar data.
type ProviderSyncResult struct {
	ItemsProcessed  int    `json:"items_processed"`
	ChangesDetected bool   `json:"changes_detected"`
	NextSyncToken   string `json:"next_sync_token,omitempty"`
}

// SyncExecutor is the provider-specific collaborator that actually fetches
// and diffs external data. One implementation is registered per
// integration type; the orchestration layer never looks inside it.
type SyncExecutor interface {
	// IntegrationType returns the integration this executor serves
	IntegrationType() models.IntegrationType

	// PerformFullSync fetches the complete remote data set
	PerformFullSync(ctx context.Context, userID, accessToken string) (*ProviderSyncResult, error)

	// PerformIncrementalSync fetches changes since the given sync token
	PerformIncrementalSync(ctx context.Context, userID, accessToken, syncToken string) (*ProviderSyncResult, error)
}

// ChannelRegistrar is optionally implemented by executors whose provider
// supports push-notification channels.
type ChannelRegistrar interface {
	// CreateChannel registers a push channel; returns the provider-assigned
	// channel/resource identifiers and the granted expiration.
	CreateChannel(ctx context.Context, integration *models.Integration, ttl time.Duration) (channelID, resourceID string, expiration time.Time, err error)

	// RenewChannel extends an existing channel, returning the new expiration
	RenewChannel(ctx context.Context, integration *models.Integration, channel *models.WebhookChannel) (time.Time, error)

	// StopChannel tears a channel down
	StopChannel(ctx context.Context, integration *models.Integration, channel *models.WebhookChannel) error
}

// ExecutorRegistry maps integration types to their registered executors.
// It is thread-safe for concurrent access.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[models.IntegrationType]SyncExecutor
}

// NewExecutorRegistry creates a new empty executor registry
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[models.IntegrationType]SyncExecutor),
	}
}

// Register adds an executor to the registry, replacing any previous one
// for the same integration type.
func (r *ExecutorRegistry) Register(executor SyncExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executor.IntegrationType()] = executor
}

// Get retrieves the executor for an integration type
func (r *ExecutorRegistry) Get(integrationType models.IntegrationType) (SyncExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[integrationType]
	return executor, ok
}

// RegistrarFor returns the executor's channel registrar when the provider
// supports push channels, nil otherwise.
func (r *ExecutorRegistry) RegistrarFor(integrationType models.IntegrationType) ChannelRegistrar {
	executor, ok := r.Get(integrationType)
	if !ok {
		return nil
	}
	if registrar, ok := executor.(ChannelRegistrar); ok {
		return registrar
	}
	return nil
}

// Types returns all registered integration types
func (r *ExecutorRegistry) Types() []models.IntegrationType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.IntegrationType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}
