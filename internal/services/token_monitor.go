package services

import (
	"context"
	"sync"
	"time"

	"circlesync/internal/config"
	"circlesync/internal/repository"
	"circlesync/internal/utils"
)

// TokenMonitor sweeps for tokens approaching expiry and enqueues
// refresh jobs ahead of the first provider call that would need them.
// Refreshing proactively keeps sync latency flat and surfaces revoked
// refresh tokens before a user notices stale data.
type TokenMonitor struct {
	healthRepo *repository.TokenHealthRepository
	dispatcher *Dispatcher
	cfg        config.TokenConfig
	logger     *utils.Logger

	running    bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewTokenMonitor creates a new token monitor
func NewTokenMonitor(healthRepo *repository.TokenHealthRepository, dispatcher *Dispatcher, cfg config.TokenConfig) *TokenMonitor {
	return &TokenMonitor{
		healthRepo: healthRepo,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     utils.NewLogger("TokenMonitor"),
		shutdownCh: make(chan struct{}),
	}
}

// Start begins the periodic expiry sweep
func (m *TokenMonitor) Start() {
	if m.running {
		return
	}
	m.running = true
	m.wg.Add(1)
	go m.run()
	m.logger.Info("Token monitor started (sweep %v, margin %v)", m.cfg.SweepInterval, m.cfg.RefreshMargin)
}

// Stop halts the sweep loop
func (m *TokenMonitor) Stop() {
	if !m.running {
		return
	}
	m.running = false
	close(m.shutdownCh)
	m.wg.Wait()
	m.logger.Info("Token monitor stopped")
}

func (m *TokenMonitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(context.Background())
		case <-m.shutdownCh:
			return
		}
	}
}

// Sweep enqueues a refresh job for every token expiring inside the
// margin. Keys already forced into re-auth have their health row gone
// or their refresh jobs short-circuit on the disconnected check.
func (m *TokenMonitor) Sweep(ctx context.Context) {
	records, err := m.healthRepo.GetExpiringWithin(time.Now(), m.cfg.RefreshMargin)
	if err != nil {
		m.logger.Error("Failed to scan expiring tokens: %v", err)
		return
	}

	for _, record := range records {
		if record.RefreshFailureCount >= m.cfg.MaxRefreshFailures {
			// Already escalated to re-auth; no point queueing more refreshes.
			continue
		}
		if err := m.dispatcher.EnqueueTokenRefresh(ctx, record.UserID, record.IntegrationType); err != nil {
			m.logger.Warn("Failed to enqueue token refresh for %s/%s: %v",
				record.UserID, record.IntegrationType, err)
		}
	}
	if len(records) > 0 {
		m.logger.Debug("Swept %d expiring tokens", len(records))
	}
}
