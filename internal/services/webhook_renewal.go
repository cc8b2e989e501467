package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"circlesync/internal/config"
	"circlesync/internal/models"
	"circlesync/internal/repository"
	"circlesync/internal/utils"

	"gorm.io/gorm"
)

// WebhookRenewalService keeps provider push channels alive. Channels are
// an optimization over polling, so every failure path here degrades to
// the polling cadence instead of marking anything unhealthy.
type WebhookRenewalService struct {
	channelRepo     *repository.WebhookChannelRepository
	integrationRepo *repository.IntegrationRepository
	registry        *ExecutorRegistry
	activity        *ActivityService
	cfg             config.WebhookConfig
	logger          *utils.Logger

	running    bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewWebhookRenewalService creates a new webhook renewal service
func NewWebhookRenewalService(
	channelRepo *repository.WebhookChannelRepository,
	integrationRepo *repository.IntegrationRepository,
	registry *ExecutorRegistry,
	activity *ActivityService,
	cfg config.WebhookConfig,
) *WebhookRenewalService {
	return &WebhookRenewalService{
		channelRepo:     channelRepo,
		integrationRepo: integrationRepo,
		registry:        registry,
		activity:        activity,
		cfg:             cfg,
		logger:          utils.NewLogger("WebhookRenewal"),
		shutdownCh:      make(chan struct{}),
	}
}

// Start begins the periodic renewal sweep
func (s *WebhookRenewalService) Start() {
	if s.running {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Webhook renewal started (sweep %v, margin %v)", s.cfg.SweepInterval, s.cfg.RenewalMargin)
}

// Stop halts the renewal loop
func (s *WebhookRenewalService) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.shutdownCh)
	s.wg.Wait()
	s.logger.Info("Webhook renewal stopped")
}

func (s *WebhookRenewalService) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.shutdownCh:
			return
		}
	}
}

// Sweep renews every active channel lapsing inside the margin
func (s *WebhookRenewalService) Sweep(ctx context.Context) {
	channels, err := s.channelRepo.GetExpiringWithin(time.Now(), s.cfg.RenewalMargin)
	if err != nil {
		s.logger.Error("Failed to scan expiring channels: %v", err)
		return
	}

	for _, channel := range channels {
		if err := s.renew(ctx, &channel); err != nil {
			s.lapse(&channel, err)
		}
	}
}

// renew extends one channel through its provider registrar
func (s *WebhookRenewalService) renew(ctx context.Context, channel *models.WebhookChannel) error {
	integration, err := s.integrationRepo.GetByKey(channel.UserID, channel.IntegrationType)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.channelRepo.Delete(channel.UserID, channel.IntegrationType)
		}
		return err
	}
	if integration.Status != models.IntegrationStatusActive {
		return s.channelRepo.MarkInactive(channel.UserID, channel.IntegrationType)
	}

	registrar := s.registry.RegistrarFor(channel.IntegrationType)
	if registrar == nil {
		return s.channelRepo.MarkInactive(channel.UserID, channel.IntegrationType)
	}

	expiration, err := registrar.RenewChannel(ctx, integration, channel)
	if err != nil {
		return err
	}

	if err := s.channelRepo.UpdateExpiration(channel.UserID, channel.IntegrationType, expiration); err != nil {
		return err
	}
	s.logger.Info("Renewed push channel for %s/%s until %v",
		channel.UserID, channel.IntegrationType, expiration)
	s.activity.LogMaintenance(models.ActivityWebhookRenewed, channel.UserID, channel.IntegrationType,
		map[string]interface{}{"expiration": expiration})
	return nil
}

// lapse marks a channel inactive after a failed renewal. Scheduled
// polling continues regardless, so the key stays healthy.
func (s *WebhookRenewalService) lapse(channel *models.WebhookChannel, cause error) {
	s.logger.Warn("Push channel renewal failed for %s/%s, falling back to polling: %v",
		channel.UserID, channel.IntegrationType, cause)
	if err := s.channelRepo.MarkInactive(channel.UserID, channel.IntegrationType); err != nil {
		s.logger.Error("Failed to mark channel inactive: %v", err)
	}
	s.activity.LogMaintenance(models.ActivityWebhookLapsed, channel.UserID, channel.IntegrationType,
		map[string]interface{}{"error": cause.Error()})
}

// EnsureChannel registers a push channel on connect when the provider
// supports one. Failure is logged and swallowed; polling covers the key.
func (s *WebhookRenewalService) EnsureChannel(ctx context.Context, integration *models.Integration) {
	registrar := s.registry.RegistrarFor(integration.IntegrationType)
	if registrar == nil {
		return
	}

	channelID, resourceID, expiration, err := registrar.CreateChannel(ctx, integration, s.cfg.ChannelTTL)
	if err != nil {
		s.logger.Warn("Failed to create push channel for %s/%s, polling only: %v",
			integration.UserID, integration.IntegrationType, err)
		return
	}

	channel := &models.WebhookChannel{
		UserID:          integration.UserID,
		IntegrationType: integration.IntegrationType,
		ChannelID:       channelID,
		ResourceID:      resourceID,
		Expiration:      expiration,
		Active:          true,
	}
	if err := s.channelRepo.Upsert(channel); err != nil {
		s.logger.Error("Failed to persist push channel for %s/%s: %v",
			integration.UserID, integration.IntegrationType, err)
		return
	}
	s.logger.Info("Created push channel for %s/%s until %v",
		integration.UserID, integration.IntegrationType, expiration)
}

// StopChannel tears down the channel on disconnect. Provider-side stop
// failures are ignored; the channel expires on its own.
func (s *WebhookRenewalService) StopChannel(ctx context.Context, integration *models.Integration) {
	channel, err := s.channelRepo.GetByKey(integration.UserID, integration.IntegrationType)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("Failed to load channel for %s/%s: %v",
				integration.UserID, integration.IntegrationType, err)
		}
		return
	}

	if registrar := s.registry.RegistrarFor(integration.IntegrationType); registrar != nil {
		if err := registrar.StopChannel(ctx, integration, channel); err != nil {
			s.logger.Warn("Failed to stop provider channel for %s/%s: %v",
				integration.UserID, integration.IntegrationType, err)
		}
	}
	if err := s.channelRepo.Delete(integration.UserID, integration.IntegrationType); err != nil {
		s.logger.Error("Failed to delete channel row for %s/%s: %v",
			integration.UserID, integration.IntegrationType, err)
	}
}
