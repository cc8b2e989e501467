package services

import (
	"encoding/json"
	"fmt"
	"sync"

	"circlesync/internal/models"
	"circlesync/internal/repository"
	"circlesync/internal/utils"
)

// ActivityService persists the admin-visible activity feed and fans
// entries out to live websocket subscribers.
type ActivityService struct {
	repo  *repository.ActivityLogRepository
	queue chan *models.ActivityLog
	wg    sync.WaitGroup

	subMu       sync.RWMutex
	subscribers map[chan models.ActivityLog]struct{}

	logger *utils.Logger
}

// NewActivityService creates a new activity service
func NewActivityService(repo *repository.ActivityLogRepository) *ActivityService {
	return &ActivityService{
		repo:        repo,
		queue:       make(chan *models.ActivityLog, 1000),
		subscribers: make(map[chan models.ActivityLog]struct{}),
		logger:      utils.NewLogger("Activity"),
	}
}

// Start starts the background writer
func (s *ActivityService) Start() {
	s.wg.Add(1)
	go s.processQueue()
}

// Stop drains the queue and stops the writer
func (s *ActivityService) Stop() {
	close(s.queue)
	s.wg.Wait()
}

// processQueue persists queued entries
func (s *ActivityService) processQueue() {
	defer s.wg.Done()

	for entry := range s.queue {
		if err := s.repo.Create(entry); err != nil {
			s.logger.Warn("Failed to save activity log: %v", err)
		}
		s.broadcast(*entry)
	}
}

// Subscribe registers a live feed channel
func (s *ActivityService) Subscribe() chan models.ActivityLog {
	ch := make(chan models.ActivityLog, 100)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes a live feed channel
func (s *ActivityService) Unsubscribe(ch chan models.ActivityLog) {
	s.subMu.Lock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.subMu.Unlock()
}

// broadcast fans an entry out to subscribers, dropping when a channel is full
func (s *ActivityService) broadcast(entry models.ActivityLog) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

// enqueue hands an entry to the background writer, saving directly when
// the queue is saturated
func (s *ActivityService) enqueue(entry *models.ActivityLog) {
	select {
	case s.queue <- entry:
	default:
		go func() {
			_ = s.repo.Create(entry)
		}()
	}
}

// LogSync records a sync lifecycle event
func (s *ActivityService) LogSync(activityType models.ActivityType, userID string, integrationType models.IntegrationType, metadata map[string]interface{}) {
	title := ""
	status := "success"
	switch activityType {
	case models.ActivitySyncStarted:
		title = "Sync started"
	case models.ActivitySyncCompleted:
		title = "Sync completed"
	case models.ActivitySyncFailed:
		title = "Sync failed"
		status = "failed"
	case models.ActivitySyncSkipped:
		title = "Sync skipped"
	}

	s.enqueue(&models.ActivityLog{
		Type:            activityType,
		Title:           title,
		Description:     fmt.Sprintf("%s sync for user %s", integrationType, userID),
		UserID:          userID,
		IntegrationType: integrationType,
		Metadata:        encodeMetadata(metadata),
		Status:          status,
	})
}

// LogIntegration records an integration lifecycle event
func (s *ActivityService) LogIntegration(activityType models.ActivityType, userID string, integrationType models.IntegrationType) {
	title := ""
	status := "success"
	switch activityType {
	case models.ActivityIntegrationConnected:
		title = "Integration connected"
	case models.ActivityIntegrationDisconnected:
		title = "Integration disconnected"
	case models.ActivityIntegrationReauthNeeded:
		title = "Re-authentication required"
		status = "failed"
	}

	s.enqueue(&models.ActivityLog{
		Type:            activityType,
		Title:           title,
		Description:     fmt.Sprintf("%s integration for user %s", integrationType, userID),
		UserID:          userID,
		IntegrationType: integrationType,
		Status:          status,
	})
}

// LogBreaker records a breaker transition
func (s *ActivityService) LogBreaker(activityType models.ActivityType, userID string, integrationType models.IntegrationType, metadata map[string]interface{}) {
	title := "Circuit breaker tripped"
	status := "failed"
	if activityType == models.ActivityBreakerRecovered {
		title = "Circuit breaker recovered"
		status = "success"
	}

	s.enqueue(&models.ActivityLog{
		Type:            activityType,
		Title:           title,
		Description:     fmt.Sprintf("%s integration for user %s", integrationType, userID),
		UserID:          userID,
		IntegrationType: integrationType,
		Metadata:        encodeMetadata(metadata),
		Status:          status,
	})
}

// LogMaintenance records token refresh and webhook channel events
func (s *ActivityService) LogMaintenance(activityType models.ActivityType, userID string, integrationType models.IntegrationType, metadata map[string]interface{}) {
	title := ""
	status := "success"
	switch activityType {
	case models.ActivityTokenRefreshed:
		title = "Token refreshed"
	case models.ActivityTokenRefreshFailed:
		title = "Token refresh failed"
		status = "failed"
	case models.ActivityWebhookRenewed:
		title = "Push channel renewed"
	case models.ActivityWebhookLapsed:
		title = "Push channel lapsed, polling fallback"
	}

	s.enqueue(&models.ActivityLog{
		Type:            activityType,
		Title:           title,
		Description:     fmt.Sprintf("%s integration for user %s", integrationType, userID),
		UserID:          userID,
		IntegrationType: integrationType,
		Metadata:        encodeMetadata(metadata),
		Status:          status,
	})
}

// encodeMetadata serializes metadata to JSON text, empty on failure
func encodeMetadata(metadata map[string]interface{}) string {
	if len(metadata) == 0 {
		return ""
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(data)
}
