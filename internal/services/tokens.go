package services

import (
	"context"
	"fmt"
	"time"

	"circlesync/internal/config"
	"circlesync/internal/models"
	"circlesync/internal/repository"
	"circlesync/internal/utils"

	"golang.org/x/oauth2"
)

// TokenService obtains valid access tokens for provider calls and runs
// the refresh flow against the OAuth endpoint. Refresh failures are a
// first-class breaker input: after the configured number of consecutive
// failures the integration is forced into re-authentication and its
// breaker is disabled until the user reconnects.
type TokenService struct {
	integrationRepo *repository.IntegrationRepository
	healthRepo      *repository.TokenHealthRepository
	breaker         *CircuitBreakerManager
	activity        *ActivityService
	oauthCfg        config.OAuthConfig
	tokenCfg        config.TokenConfig
	logger          *utils.Logger
}

// NewTokenService creates a new token service
func NewTokenService(
	integrationRepo *repository.IntegrationRepository,
	healthRepo *repository.TokenHealthRepository,
	breaker *CircuitBreakerManager,
	activity *ActivityService,
	oauthCfg config.OAuthConfig,
	tokenCfg config.TokenConfig,
) *TokenService {
	return &TokenService{
		integrationRepo: integrationRepo,
		healthRepo:      healthRepo,
		breaker:         breaker,
		activity:        activity,
		oauthCfg:        oauthCfg,
		tokenCfg:        tokenCfg,
		logger:          utils.NewLogger("TokenService"),
	}
}

// ValidAccessToken returns an access token usable for a provider call,
// refreshing first when the stored one has expired or is about to.
func (s *TokenService) ValidAccessToken(ctx context.Context, integration *models.Integration) (string, error) {
	if integration.TokenExpiresAt == nil || time.Until(*integration.TokenExpiresAt) > time.Minute {
		return integration.AccessToken, nil
	}
	return s.Refresh(ctx, integration)
}

// Refresh exchanges the refresh token for a fresh access token and
// persists the result. Failures bump the health counter; hitting the
// limit marks the integration for re-authentication.
func (s *TokenService) Refresh(ctx context.Context, integration *models.Integration) (string, error) {
	if integration.RefreshToken == "" {
		return "", &SyncError{Kind: ErrKindFatalConfig, Err: fmt.Errorf("no refresh token stored")}
	}

	conf := &oauth2.Config{
		ClientID:     s.oauthCfg.ClientID,
		ClientSecret: s.oauthCfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.oauthCfg.TokenURL},
	}

	refreshCtx, cancel := context.WithTimeout(ctx, s.tokenCfg.RefreshTimeout)
	defer cancel()

	source := conf.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: integration.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return "", s.handleRefreshFailure(integration, err)
	}

	if err := s.integrationRepo.UpdateTokens(integration.UserID, integration.IntegrationType,
		token.AccessToken, token.RefreshToken, token.Expiry); err != nil {
		return "", fmt.Errorf("failed to store refreshed token: %w", err)
	}
	if err := s.healthRepo.RecordRefreshSuccess(integration.UserID, integration.IntegrationType, token.Expiry); err != nil {
		s.logger.Warn("Failed to update token health for %s/%s: %v",
			integration.UserID, integration.IntegrationType, err)
	}

	integration.AccessToken = token.AccessToken
	expiry := token.Expiry
	integration.TokenExpiresAt = &expiry

	s.logger.Info("Refreshed token for %s/%s", integration.UserID, integration.IntegrationType)
	s.activity.LogMaintenance(models.ActivityTokenRefreshed, integration.UserID, integration.IntegrationType, nil)
	return token.AccessToken, nil
}

// RefreshForKey resolves the integration and refreshes its token. Used by
// the dispatched token-refresh job.
func (s *TokenService) RefreshForKey(ctx context.Context, userID string, integrationType models.IntegrationType) error {
	integration, err := s.integrationRepo.GetByKey(userID, integrationType)
	if err != nil {
		return fmt.Errorf("failed to load integration: %w", err)
	}
	if !integration.IsConnected() {
		return nil
	}
	_, err = s.Refresh(ctx, integration)
	return err
}

// handleRefreshFailure records the failure and escalates to the
// re-authentication sentinel when the consecutive limit is reached.
func (s *TokenService) handleRefreshFailure(integration *models.Integration, cause error) error {
	classified := Classify(cause)
	s.logger.Warn("Token refresh failed for %s/%s: %v",
		integration.UserID, integration.IntegrationType, cause)

	count, err := s.healthRepo.RecordRefreshFailure(integration.UserID, integration.IntegrationType)
	if err != nil {
		s.logger.Warn("Failed to record refresh failure: %v", err)
	}

	s.activity.LogMaintenance(models.ActivityTokenRefreshFailed, integration.UserID, integration.IntegrationType,
		map[string]interface{}{"failure_count": count, "error_kind": classified.Kind})

	if classified.Kind == ErrKindFatalConfig || count >= s.tokenCfg.MaxRefreshFailures {
		s.markReauthRequired(integration)
		return &SyncError{Kind: ErrKindFatalConfig, Err: cause}
	}
	return classified
}

// markReauthRequired flips the integration and its breaker into the
// until-reconnect sentinel states.
func (s *TokenService) markReauthRequired(integration *models.Integration) {
	if err := s.integrationRepo.UpdateStatus(integration.UserID, integration.IntegrationType,
		models.IntegrationStatusReauthNeeded, "token refresh failed"); err != nil {
		s.logger.Error("Failed to mark integration for re-auth: %v", err)
	}
	if err := s.breaker.Disable(integration.UserID, integration.IntegrationType, models.DisabledReasonReauth); err != nil {
		s.logger.Error("Failed to disable breaker for re-auth: %v", err)
	}
	s.activity.LogIntegration(models.ActivityIntegrationReauthNeeded, integration.UserID, integration.IntegrationType)
}
