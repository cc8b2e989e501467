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

// duePageSize bounds one planner scan so a backlog cannot flood the
// transport in a single tick.
const duePageSize = 200

// SyncPlanner periodically scans for due schedules and enqueues the
// corresponding sync jobs. It is also the entry point for webhook pings
// and manual triggers, which both turn into the same enqueue path.
type SyncPlanner struct {
	scheduler       *AdaptiveScheduler
	integrationRepo *repository.IntegrationRepository
	channelRepo     *repository.WebhookChannelRepository
	dispatcher      *Dispatcher
	cfg             config.SchedulerConfig
	dispatchCfg     config.DispatchConfig
	logger          *utils.Logger

	running    bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewSyncPlanner creates a new sync planner
func NewSyncPlanner(
	scheduler *AdaptiveScheduler,
	integrationRepo *repository.IntegrationRepository,
	channelRepo *repository.WebhookChannelRepository,
	dispatcher *Dispatcher,
	cfg config.SchedulerConfig,
	dispatchCfg config.DispatchConfig,
) *SyncPlanner {
	return &SyncPlanner{
		scheduler:       scheduler,
		integrationRepo: integrationRepo,
		channelRepo:     channelRepo,
		dispatcher:      dispatcher,
		cfg:             cfg,
		dispatchCfg:     dispatchCfg,
		logger:          utils.NewLogger("SyncPlanner"),
		shutdownCh:      make(chan struct{}),
	}
}

// Start begins the periodic due-schedule scan
func (p *SyncPlanner) Start() {
	if p.running {
		return
	}
	p.running = true
	p.wg.Add(1)
	go p.run()
	p.logger.Info("Sync planner started (tick %v)", p.cfg.TickInterval)
}

// Stop halts the scan loop
func (p *SyncPlanner) Stop() {
	if !p.running {
		return
	}
	p.running = false
	close(p.shutdownCh)
	p.wg.Wait()
	p.logger.Info("Sync planner stopped")
}

func (p *SyncPlanner) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.EnqueueDue(context.Background())
		case <-p.shutdownCh:
			return
		}
	}
}

// EnqueueDue scans for due schedules and enqueues one sync job each.
// The deterministic idempotency key makes a tick racing another replica
// harmless: both enqueue, one executes.
func (p *SyncPlanner) EnqueueDue(ctx context.Context) {
	now := time.Now()
	schedules, err := p.scheduler.DueSchedules(now, duePageSize)
	if err != nil {
		p.logger.Error("Failed to scan due schedules: %v", err)
		return
	}

	for _, schedule := range schedules {
		if err := p.enqueueScheduled(ctx, schedule.UserID, schedule.IntegrationType, now); err != nil {
			p.logger.Warn("Failed to enqueue sync for %s/%s: %v",
				schedule.UserID, schedule.IntegrationType, err)
			continue
		}
		// Stamp the attempt so the next tick does not re-enqueue while the
		// job is still in flight.
		if err := p.scheduler.MarkSyncAttempt(schedule.UserID, schedule.IntegrationType); err != nil {
			p.logger.Warn("Failed to stamp attempt for %s/%s: %v",
				schedule.UserID, schedule.IntegrationType, err)
		}
	}
	if len(schedules) > 0 {
		p.logger.Debug("Enqueued %d due syncs", len(schedules))
	}
}

// enqueueScheduled enqueues an automatic sync, incremental when a cursor
// exists, full otherwise.
func (p *SyncPlanner) enqueueScheduled(ctx context.Context, userID string, integrationType models.IntegrationType, at time.Time) error {
	integration, err := p.integrationRepo.GetByKey(userID, integrationType)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Orphaned schedule; disconnect cleanup will have removed it or
			// the next delete sweep will.
			return p.scheduler.Delete(userID, integrationType)
		}
		return err
	}
	if integration.Status != models.IntegrationStatusActive {
		return nil
	}

	syncType := models.SyncTypeFull
	if integration.SyncToken != "" {
		syncType = models.SyncTypeIncremental
	}

	return p.dispatcher.EnqueueSyncJob(ctx, models.SyncJobConfig{
		UserID:          userID,
		IntegrationType: integrationType,
		SyncType:        syncType,
		IdempotencyKey:  ScheduledIdempotencyKey(userID, integrationType, syncType, at, p.dispatchCfg.KeyBucket),
		ScheduledAt:     at,
		AttemptNumber:   1,
	})
}

// HandleWebhookPing reacts to a provider change notification by pulling
// the key's sync forward. The deterministic key coalesces a burst of
// pings inside one bucket into a single job.
func (p *SyncPlanner) HandleWebhookPing(ctx context.Context, channelID string) error {
	channel, err := p.channelRepo.GetByChannelID(channelID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Unknown or already-stopped channel; providers keep notifying
			// briefly after a stop.
			return nil
		}
		return err
	}
	if !channel.Active {
		return nil
	}
	p.logger.Debug("Webhook ping for %s/%s", channel.UserID, channel.IntegrationType)
	return p.enqueueScheduled(ctx, channel.UserID, channel.IntegrationType, time.Now())
}

// TriggerManual enqueues a user-initiated sync with a fresh key so it
// never deduplicates against scheduled work.
func (p *SyncPlanner) TriggerManual(ctx context.Context, userID string, integrationType models.IntegrationType) (string, error) {
	integration, err := p.integrationRepo.GetByKey(userID, integrationType)
	if err != nil {
		return "", err
	}
	if !integration.IsConnected() {
		return "", &SyncError{Kind: ErrKindFatalConfig, Err: errors.New("integration is disconnected")}
	}

	key := ManualIdempotencyKey()
	err = p.dispatcher.EnqueueSyncJob(ctx, models.SyncJobConfig{
		UserID:          userID,
		IntegrationType: integrationType,
		SyncType:        models.SyncTypeManual,
		IdempotencyKey:  key,
		ScheduledAt:     time.Now(),
		AttemptNumber:   1,
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("Manual sync triggered for %s/%s", userID, integrationType)
	return key, nil
}

// TriggerInitial enqueues the first-connection import
func (p *SyncPlanner) TriggerInitial(ctx context.Context, userID string, integrationType models.IntegrationType) (string, error) {
	key := ManualIdempotencyKey()
	err := p.dispatcher.EnqueueSyncJob(ctx, models.SyncJobConfig{
		UserID:          userID,
		IntegrationType: integrationType,
		SyncType:        models.SyncTypeInitial,
		IdempotencyKey:  key,
		ScheduledAt:     time.Now(),
		AttemptNumber:   1,
	})
	if err != nil {
		return "", err
	}
	return key, nil
}
