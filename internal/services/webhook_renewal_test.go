package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"circlesync/internal/config"
	"circlesync/internal/models"
	"circlesync/internal/repository"

	"gorm.io/gorm"
)

// channelExecutor is a fake executor that also registers push channels
type channelExecutor struct {
	fakeExecutor

	renewErr       error
	renewedUntil   time.Time
	renewCalls     int
	createErr      error
	createdChannel string
	stopCalls      int
}

func (c *channelExecutor) CreateChannel(_ context.Context, _ *models.Integration, _ time.Duration) (string, string, time.Time, error) {
	if c.createErr != nil {
		return "", "", time.Time{}, c.createErr
	}
	c.createdChannel = "chan-new"
	return "chan-new", "res-new", time.Now().Add(7 * 24 * time.Hour), nil
}

func (c *channelExecutor) RenewChannel(_ context.Context, _ *models.Integration, _ *models.WebhookChannel) (time.Time, error) {
	c.renewCalls++
	if c.renewErr != nil {
		return time.Time{}, c.renewErr
	}
	return c.renewedUntil, nil
}

func (c *channelExecutor) StopChannel(_ context.Context, _ *models.Integration, _ *models.WebhookChannel) error {
	c.stopCalls++
	return nil
}

func newRenewalFixture(t *testing.T) (*WebhookRenewalService, *channelExecutor, *repository.WebhookChannelRepository, *gorm.DB) {
	db := newTestDB(t)
	channelRepo := repository.NewWebhookChannelRepository(db)
	executor := &channelExecutor{fakeExecutor: fakeExecutor{integrationType: models.IntegrationCalendar}}
	registry := NewExecutorRegistry()
	registry.Register(executor)

	svc := NewWebhookRenewalService(channelRepo, repository.NewIntegrationRepository(db), registry,
		newTestActivity(t, db), config.WebhookConfig{
			RenewalMargin: 24 * time.Hour,
			SweepInterval: time.Hour,
			ChannelTTL:    7 * 24 * time.Hour,
		})
	return svc, executor, channelRepo, db
}

func seedChannel(t *testing.T, repo *repository.WebhookChannelRepository, expiration time.Time) {
	t.Helper()
	if err := repo.Upsert(&models.WebhookChannel{
		UserID:          "u1",
		IntegrationType: models.IntegrationCalendar,
		ChannelID:       "chan-1",
		ResourceID:      "res-1",
		Expiration:      expiration,
		Active:          true,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestSweepRenewsExpiringChannel(t *testing.T) {
	svc, executor, channelRepo, db := newRenewalFixture(t)
	seedIntegration(t, db, "u1", models.IntegrationCalendar)
	seedChannel(t, channelRepo, time.Now().Add(2*time.Hour))
	executor.renewedUntil = time.Now().Add(7 * 24 * time.Hour)

	svc.Sweep(context.Background())

	if executor.renewCalls != 1 {
		t.Fatalf("renew calls = %d, want 1", executor.renewCalls)
	}
	channel, _ := channelRepo.GetByKey("u1", models.IntegrationCalendar)
	if !channel.Active {
		t.Fatal("renewed channel marked inactive")
	}
	if channel.Expiration.Before(time.Now().Add(6 * 24 * time.Hour)) {
		t.Fatalf("expiration = %v, want extended", channel.Expiration)
	}
}

func TestSweepLeavesDistantChannelsAlone(t *testing.T) {
	svc, executor, channelRepo, db := newRenewalFixture(t)
	seedIntegration(t, db, "u1", models.IntegrationCalendar)
	seedChannel(t, channelRepo, time.Now().Add(5*24*time.Hour))

	svc.Sweep(context.Background())

	if executor.renewCalls != 0 {
		t.Fatalf("renew calls = %d for a distant channel, want 0", executor.renewCalls)
	}
}

func TestSweepRenewalFailureFallsBackToPolling(t *testing.T) {
	svc, executor, channelRepo, db := newRenewalFixture(t)
	seedIntegration(t, db, "u1", models.IntegrationCalendar)
	seedChannel(t, channelRepo, time.Now().Add(time.Hour))
	executor.renewErr = errors.New("provider rejected renewal")

	svc.Sweep(context.Background())

	channel, err := channelRepo.GetByKey("u1", models.IntegrationCalendar)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if channel.Active {
		t.Fatal("failed renewal left the channel active")
	}
}

func TestEnsureChannelPersistsRegistration(t *testing.T) {
	svc, _, channelRepo, db := newRenewalFixture(t)
	integration := seedIntegration(t, db, "u1", models.IntegrationCalendar)

	svc.EnsureChannel(context.Background(), integration)

	channel, err := channelRepo.GetByKey("u1", models.IntegrationCalendar)
	if err != nil {
		t.Fatalf("channel not persisted: %v", err)
	}
	if channel.ChannelID != "chan-new" || !channel.Active {
		t.Fatalf("channel = %+v, want active chan-new", channel)
	}
}

func TestEnsureChannelFailureIsSilent(t *testing.T) {
	svc, executor, channelRepo, db := newRenewalFixture(t)
	integration := seedIntegration(t, db, "u1", models.IntegrationCalendar)
	executor.createErr = errors.New("channels unsupported for this account")

	svc.EnsureChannel(context.Background(), integration)

	if _, err := channelRepo.GetByKey("u1", models.IntegrationCalendar); err == nil {
		t.Fatal("failed registration still persisted a channel")
	}
}

func TestStopChannelTearsDown(t *testing.T) {
	svc, executor, channelRepo, db := newRenewalFixture(t)
	integration := seedIntegration(t, db, "u1", models.IntegrationCalendar)
	seedChannel(t, channelRepo, time.Now().Add(time.Hour))

	svc.StopChannel(context.Background(), integration)

	if executor.stopCalls != 1 {
		t.Fatalf("stop calls = %d, want 1", executor.stopCalls)
	}
	if _, err := channelRepo.GetByKey("u1", models.IntegrationCalendar); err == nil {
		t.Fatal("channel row survived stop")
	}
}
