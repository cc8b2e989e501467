package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circlesync/internal/models"
	"circlesync/internal/repository"
	"circlesync/internal/utils"

	"gorm.io/gorm"
)

// ConnectRequest carries the OAuth grant produced by the user-facing
// authorization flow.
type ConnectRequest struct {
	UserID          string                 `json:"user_id"`
	IntegrationType models.IntegrationType `json:"integration_type"`
	Provider        string                 `json:"provider"`
	AccessToken     string                 `json:"access_token"`
	RefreshToken    string                 `json:"refresh_token"`
	TokenExpiresAt  *time.Time             `json:"token_expires_at,omitempty"`
}

// ConnectionService runs the connect and disconnect flows, wiring all
// per-key state (schedule, breaker, token health, push channel) up and
// down together.
type ConnectionService struct {
	integrationRepo *repository.IntegrationRepository
	healthRepo      *repository.TokenHealthRepository
	scheduler       *AdaptiveScheduler
	breaker         *CircuitBreakerManager
	webhooks        *WebhookRenewalService
	planner         *SyncPlanner
	activity        *ActivityService
	logger          *utils.Logger
}

// NewConnectionService creates a new connection service
func NewConnectionService(
	integrationRepo *repository.IntegrationRepository,
	healthRepo *repository.TokenHealthRepository,
	scheduler *AdaptiveScheduler,
	breaker *CircuitBreakerManager,
	webhooks *WebhookRenewalService,
	planner *SyncPlanner,
	activity *ActivityService,
) *ConnectionService {
	return &ConnectionService{
		integrationRepo: integrationRepo,
		healthRepo:      healthRepo,
		scheduler:       scheduler,
		breaker:         breaker,
		webhooks:        webhooks,
		planner:         planner,
		activity:        activity,
		logger:          utils.NewLogger("Connection"),
	}
}

// Connect establishes or re-establishes an integration. Reconnecting a
// disconnected or reauth-required key resets its breaker and resumes its
// schedule; a brand-new key additionally gets an initial import job.
func (s *ConnectionService) Connect(ctx context.Context, req ConnectRequest) (*models.Integration, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if !models.IsValidIntegrationType(req.IntegrationType) {
		return nil, fmt.Errorf("invalid integration type %q", req.IntegrationType)
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		return nil, fmt.Errorf("access and refresh tokens are required")
	}

	// First-connection status must be read before any state is written.
	firstConnection, err := s.scheduler.IsFirstConnection(req.UserID, req.IntegrationType)
	if err != nil {
		return nil, fmt.Errorf("failed to check connection history: %w", err)
	}

	integration, err := s.upsertIntegration(req)
	if err != nil {
		return nil, err
	}

	if _, err := s.scheduler.EnsureSchedule(req.UserID, req.IntegrationType); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	if err := s.breaker.Reset(req.UserID, req.IntegrationType); err != nil {
		return nil, fmt.Errorf("failed to reset breaker: %w", err)
	}
	if err := s.healthRepo.Upsert(&models.TokenHealthRecord{
		UserID:          req.UserID,
		IntegrationType: req.IntegrationType,
		ExpiresAt:       req.TokenExpiresAt,
	}); err != nil {
		s.logger.Warn("Failed to seed token health for %s/%s: %v",
			req.UserID, req.IntegrationType, err)
	}

	s.webhooks.EnsureChannel(ctx, integration)

	if firstConnection {
		if _, err := s.planner.TriggerInitial(ctx, req.UserID, req.IntegrationType); err != nil {
			s.logger.Warn("Failed to enqueue initial sync for %s/%s: %v",
				req.UserID, req.IntegrationType, err)
		}
	}

	s.logger.Info("Connected %s/%s (first=%v)", req.UserID, req.IntegrationType, firstConnection)
	s.activity.LogIntegration(models.ActivityIntegrationConnected, req.UserID, req.IntegrationType)
	return integration, nil
}

// upsertIntegration creates or refreshes the integration row
func (s *ConnectionService) upsertIntegration(req ConnectRequest) (*models.Integration, error) {
	provider := req.Provider
	if provider == "" {
		provider = "google"
	}

	existing, err := s.integrationRepo.GetByKey(req.UserID, req.IntegrationType)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load integration: %w", err)
		}
		integration := &models.Integration{
			UserID:          req.UserID,
			IntegrationType: req.IntegrationType,
			Provider:        provider,
			AccessToken:     req.AccessToken,
			RefreshToken:    req.RefreshToken,
			TokenExpiresAt:  req.TokenExpiresAt,
			Status:          models.IntegrationStatusActive,
			ConnectedAt:     time.Now(),
		}
		if err := s.integrationRepo.Create(integration); err != nil {
			return nil, fmt.Errorf("failed to create integration: %w", err)
		}
		return integration, nil
	}

	existing.Provider = provider
	existing.AccessToken = req.AccessToken
	existing.RefreshToken = req.RefreshToken
	existing.TokenExpiresAt = req.TokenExpiresAt
	existing.Status = models.IntegrationStatusActive
	existing.LastSyncError = ""
	existing.ConnectedAt = time.Now()
	// A reconnect invalidates the old incremental cursor.
	existing.SyncToken = ""
	if err := s.integrationRepo.Update(existing); err != nil {
		return nil, fmt.Errorf("failed to update integration: %w", err)
	}
	return existing, nil
}

// Disconnect tears an integration down. The breaker moves to its
// disabled sentinel rather than being deleted, so any in-flight sync
// that finishes afterwards cannot resurrect the key.
func (s *ConnectionService) Disconnect(ctx context.Context, userID string, integrationType models.IntegrationType) error {
	integration, err := s.integrationRepo.GetByKey(userID, integrationType)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load integration: %w", err)
	}

	if err := s.breaker.Disable(userID, integrationType, models.DisabledReasonDisconnected); err != nil {
		return fmt.Errorf("failed to disable breaker: %w", err)
	}
	if err := s.integrationRepo.UpdateStatus(userID, integrationType,
		models.IntegrationStatusDisconnected, ""); err != nil {
		return fmt.Errorf("failed to mark integration disconnected: %w", err)
	}
	if err := s.scheduler.Delete(userID, integrationType); err != nil {
		s.logger.Warn("Failed to delete schedule for %s/%s: %v", userID, integrationType, err)
	}
	s.webhooks.StopChannel(ctx, integration)
	if err := s.healthRepo.Delete(userID, integrationType); err != nil {
		s.logger.Warn("Failed to delete token health for %s/%s: %v", userID, integrationType, err)
	}

	s.logger.Info("Disconnected %s/%s", userID, integrationType)
	s.activity.LogIntegration(models.ActivityIntegrationDisconnected, userID, integrationType)
	return nil
}
