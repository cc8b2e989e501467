package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circlesync/internal/config"
	"circlesync/internal/models"
	"circlesync/internal/repository"
	"circlesync/internal/utils"

	"gorm.io/gorm"
)

// SyncOrchestrator runs one dispatched sync job end to end: breaker
// gate, token acquisition, provider execution, outcome classification,
// and schedule/breaker feedback. It owns no provider logic; that lives
// behind SyncExecutor.
type SyncOrchestrator struct {
	integrationRepo *repository.IntegrationRepository
	resultRepo      *repository.SyncResultRepository
	breaker         *CircuitBreakerManager
	scheduler       *AdaptiveScheduler
	tokens          *TokenService
	registry        *ExecutorRegistry
	activity        *ActivityService
	dispatchCfg     config.DispatchConfig
	tokenCfg        config.TokenConfig
	logger          *utils.Logger
}

// NewSyncOrchestrator creates a new sync orchestrator
func NewSyncOrchestrator(
	integrationRepo *repository.IntegrationRepository,
	resultRepo *repository.SyncResultRepository,
	breaker *CircuitBreakerManager,
	scheduler *AdaptiveScheduler,
	tokens *TokenService,
	registry *ExecutorRegistry,
	activity *ActivityService,
	dispatchCfg config.DispatchConfig,
	tokenCfg config.TokenConfig,
) *SyncOrchestrator {
	return &SyncOrchestrator{
		integrationRepo: integrationRepo,
		resultRepo:      resultRepo,
		breaker:         breaker,
		scheduler:       scheduler,
		tokens:          tokens,
		registry:        registry,
		activity:        activity,
		dispatchCfg:     dispatchCfg,
		tokenCfg:        tokenCfg,
		logger:          utils.NewLogger("SyncOrchestrator"),
	}
}

// ExecuteSyncJob runs one delivered sync job. The returned SyncJobResult
// is the cached idempotent result; the error, when non-nil, is a
// classified *SyncError whose Retryable() decides the transport status.
func (o *SyncOrchestrator) ExecuteSyncJob(ctx context.Context, job models.SyncJobConfig) (*models.SyncJobResult, error) {
	start := time.Now()

	if !models.IsValidSyncType(job.SyncType) {
		return nil, &SyncError{Kind: ErrKindFatalConfig, Err: fmt.Errorf("invalid sync type %q", job.SyncType)}
	}

	integration, err := o.integrationRepo.GetByKey(job.UserID, job.IntegrationType)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Integration deleted after the job was enqueued.
			return o.recordSkip(job, models.SkipReasonDisconnected, start), nil
		}
		return nil, &SyncError{Kind: ErrKindTransient, Err: fmt.Errorf("failed to load integration: %w", err)}
	}
	if !integration.IsConnected() {
		return o.recordSkip(job, models.SkipReasonDisconnected, start), nil
	}

	if !job.SyncType.BypassesBreaker() {
		allowed, err := o.breaker.AllowRequest(job.UserID, job.IntegrationType)
		if err != nil {
			return nil, &SyncError{Kind: ErrKindTransient, Err: fmt.Errorf("breaker check failed: %w", err)}
		}
		if !allowed {
			o.logger.Debug("Sync skipped for %s/%s: circuit open", job.UserID, job.IntegrationType)
			return o.recordSkip(job, models.SkipReasonCircuitOpen, start), nil
		}
	}

	o.activity.LogSync(models.ActivitySyncStarted, job.UserID, job.IntegrationType,
		map[string]interface{}{"sync_type": job.SyncType})

	providerResult, execErr := o.executeProviderSync(ctx, integration, job)
	if execErr != nil {
		return nil, o.handleFailure(job, execErr, start)
	}
	return o.handleSuccess(integration, job, providerResult, start)
}

// executeProviderSync acquires a token and runs the provider executor,
// retrying once through a forced refresh when the provider rejects the
// token, and falling back to a full sync when the incremental cursor has
// expired.
func (o *SyncOrchestrator) executeProviderSync(ctx context.Context, integration *models.Integration, job models.SyncJobConfig) (*ProviderSyncResult, error) {
	executor, ok := o.registry.Get(job.IntegrationType)
	if !ok {
		return nil, &SyncError{Kind: ErrKindFatalConfig, Err: fmt.Errorf("no executor registered for %s", job.IntegrationType)}
	}

	accessToken, err := o.tokens.ValidAccessToken(ctx, integration)
	if err != nil {
		return nil, err
	}

	result, err := o.runExecutor(ctx, executor, integration, job, accessToken)
	if err == nil {
		return result, nil
	}

	if Classify(err).Kind == ErrKindAuthExpired {
		// The stored expiry can lag a server-side revocation. One forced
		// refresh then one retry; a second rejection stands.
		o.logger.Info("Provider rejected token for %s/%s, refreshing and retrying",
			job.UserID, job.IntegrationType)
		accessToken, refreshErr := o.tokens.Refresh(ctx, integration)
		if refreshErr != nil {
			return nil, refreshErr
		}
		return o.runExecutor(ctx, executor, integration, job, accessToken)
	}
	return nil, err
}

// runExecutor performs the actual full or incremental provider call
// under the provider timeout.
func (o *SyncOrchestrator) runExecutor(ctx context.Context, executor SyncExecutor, integration *models.Integration, job models.SyncJobConfig, accessToken string) (*ProviderSyncResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.dispatchCfg.ProviderTimeout)
	defer cancel()

	incremental := job.SyncType == models.SyncTypeIncremental && integration.SyncToken != ""
	if !incremental {
		return executor.PerformFullSync(callCtx, job.UserID, accessToken)
	}

	result, err := executor.PerformIncrementalSync(callCtx, job.UserID, accessToken, integration.SyncToken)
	if err == nil {
		return result, nil
	}
	if IsSyncTokenExpired(err) {
		o.logger.Info("Sync cursor expired for %s/%s, falling back to full sync",
			job.UserID, job.IntegrationType)
		if clearErr := o.integrationRepo.UpdateSyncToken(job.UserID, job.IntegrationType, ""); clearErr != nil {
			o.logger.Warn("Failed to clear expired sync cursor: %v", clearErr)
		}
		integration.SyncToken = ""
		return executor.PerformFullSync(callCtx, job.UserID, accessToken)
	}
	return nil, err
}

// handleSuccess feeds success back into breaker and schedule and
// persists the result row.
func (o *SyncOrchestrator) handleSuccess(integration *models.Integration, job models.SyncJobConfig, providerResult *ProviderSyncResult, start time.Time) (*models.SyncJobResult, error) {
	// A disconnect racing the sync wins: discard instead of resurrecting
	// state for a key the user just removed.
	if fresh, err := o.integrationRepo.GetByKey(job.UserID, job.IntegrationType); err != nil || !fresh.IsConnected() {
		o.logger.Info("Integration %s/%s disconnected mid-sync, discarding result",
			job.UserID, job.IntegrationType)
		return o.recordSkip(job, models.SkipReasonDisconnected, start), nil
	}

	if providerResult.NextSyncToken != "" {
		if err := o.integrationRepo.UpdateSyncToken(job.UserID, job.IntegrationType, providerResult.NextSyncToken); err != nil {
			o.logger.Warn("Failed to store sync cursor for %s/%s: %v",
				job.UserID, job.IntegrationType, err)
		}
	}

	// Manual and initial syncs leave the breaker record untouched so a
	// user-forced success cannot fake out a half-open probe.
	if !job.SyncType.BypassesBreaker() {
		if err := o.breaker.RecordSuccess(job.UserID, job.IntegrationType); err != nil {
			o.logger.Warn("Failed to record breaker success for %s/%s: %v",
				job.UserID, job.IntegrationType, err)
		}
	}

	if job.SyncType.FeedsAdaptiveInterval() {
		if _, err := o.scheduler.ComputeNextSync(job.UserID, job.IntegrationType, providerResult.ChangesDetected); err != nil {
			o.logger.Warn("Failed to update schedule for %s/%s: %v",
				job.UserID, job.IntegrationType, err)
		}
	} else if job.SyncType == models.SyncTypeInitial {
		// The initial import marks the key as having completed a sync
		// without shaping the cadence.
		if err := o.scheduler.MarkSyncAttempt(job.UserID, job.IntegrationType); err != nil {
			o.logger.Warn("Failed to stamp initial sync for %s/%s: %v",
				job.UserID, job.IntegrationType, err)
		}
	}

	result := &models.SyncJobResult{
		UserID:          job.UserID,
		IntegrationType: job.IntegrationType,
		SyncType:        job.SyncType,
		IdempotencyKey:  job.IdempotencyKey,
		Outcome:         models.OutcomeSucceeded,
		ItemsProcessed:  providerResult.ItemsProcessed,
		ChangesDetected: providerResult.ChangesDetected,
		DurationMs:      time.Since(start).Milliseconds(),
		AttemptNumber:   job.AttemptNumber,
	}
	o.persistResult(result)

	o.activity.LogSync(models.ActivitySyncCompleted, job.UserID, job.IntegrationType, map[string]interface{}{
		"sync_type":        job.SyncType,
		"items_processed":  providerResult.ItemsProcessed,
		"changes_detected": providerResult.ChangesDetected,
		"duration_ms":      result.DurationMs,
	})
	o.logger.Info("Sync %s for %s/%s: %d items, changes=%v, %dms",
		job.SyncType, job.UserID, job.IntegrationType,
		providerResult.ItemsProcessed, providerResult.ChangesDetected, result.DurationMs)
	return result, nil
}

// handleFailure classifies the error, feeds the breaker, adjusts the
// schedule, and persists the failed result row. The classified error is
// returned for the transport status mapping.
func (o *SyncOrchestrator) handleFailure(job models.SyncJobConfig, cause error, start time.Time) error {
	classified := Classify(cause)

	// Repeated timeouts stop being "try again later" at some point; the
	// schedule suspends instead of hammering a hanging provider forever.
	if classified.Kind == ErrKindTimeout && job.AttemptNumber >= o.tokenCfg.TimeoutEscalation {
		o.logger.Warn("Sync for %s/%s timed out on attempt %d, escalating to fatal",
			job.UserID, job.IntegrationType, job.AttemptNumber)
		classified = &SyncError{Kind: ErrKindFatalConfig, Err: classified.Err}
	}

	if !job.SyncType.BypassesBreaker() {
		if err := o.breaker.RecordFailure(job.UserID, job.IntegrationType, classified.Kind); err != nil {
			o.logger.Warn("Failed to record breaker failure for %s/%s: %v",
				job.UserID, job.IntegrationType, err)
		}
	}

	if job.SyncType.FeedsAdaptiveInterval() || job.SyncType == models.SyncTypeInitial {
		if classified.Retryable() {
			if err := o.scheduler.MarkSyncAttempt(job.UserID, job.IntegrationType); err != nil {
				o.logger.Warn("Failed to advance schedule for %s/%s: %v",
					job.UserID, job.IntegrationType, err)
			}
		} else {
			if err := o.scheduler.Suspend(job.UserID, job.IntegrationType); err != nil {
				o.logger.Warn("Failed to suspend schedule for %s/%s: %v",
					job.UserID, job.IntegrationType, err)
			}
		}
	}

	if classified.Kind == ErrKindFatalConfig {
		if err := o.integrationRepo.UpdateStatus(job.UserID, job.IntegrationType,
			models.IntegrationStatusReauthNeeded, classified.Error()); err != nil {
			o.logger.Error("Failed to mark integration %s/%s for re-auth: %v",
				job.UserID, job.IntegrationType, err)
		}
	}

	o.persistResult(&models.SyncJobResult{
		UserID:          job.UserID,
		IntegrationType: job.IntegrationType,
		SyncType:        job.SyncType,
		IdempotencyKey:  job.IdempotencyKey,
		Outcome:         models.OutcomeFailed,
		DurationMs:      time.Since(start).Milliseconds(),
		ErrorKind:       classified.Kind,
		AttemptNumber:   job.AttemptNumber,
	})

	o.activity.LogSync(models.ActivitySyncFailed, job.UserID, job.IntegrationType, map[string]interface{}{
		"sync_type":  job.SyncType,
		"error_kind": classified.Kind,
		"attempt":    job.AttemptNumber,
	})
	o.logger.Warn("Sync %s for %s/%s failed (%s, attempt %d): %v",
		job.SyncType, job.UserID, job.IntegrationType, classified.Kind, job.AttemptNumber, classified.Err)
	return classified
}

// recordSkip persists a skipped result row
func (o *SyncOrchestrator) recordSkip(job models.SyncJobConfig, reason string, start time.Time) *models.SyncJobResult {
	result := &models.SyncJobResult{
		UserID:          job.UserID,
		IntegrationType: job.IntegrationType,
		SyncType:        job.SyncType,
		IdempotencyKey:  job.IdempotencyKey,
		Outcome:         models.OutcomeSkipped,
		SkipReason:      reason,
		DurationMs:      time.Since(start).Milliseconds(),
		AttemptNumber:   job.AttemptNumber,
	}
	o.persistResult(result)
	o.activity.LogSync(models.ActivitySyncSkipped, job.UserID, job.IntegrationType,
		map[string]interface{}{"sync_type": job.SyncType, "skip_reason": reason})
	return result
}

// persistResult writes the result row, logging rather than failing the
// job when the write does not stick.
func (o *SyncOrchestrator) persistResult(result *models.SyncJobResult) {
	if err := o.resultRepo.Create(result); err != nil {
		o.logger.Warn("Failed to persist sync result for %s/%s: %v",
			result.UserID, result.IntegrationType, err)
	}
}
