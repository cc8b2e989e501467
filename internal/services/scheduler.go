package services

import (
	"errors"
	"fmt"
	"time"

	"circlesync/internal/config"
	"circlesync/internal/models"
	"circlesync/internal/repository"
	"circlesync/internal/utils"

	"gorm.io/gorm"
)

// AdaptiveScheduler computes the next sync time per (user, integration)
// from change-detection history: finding changes predicts more changes
// soon, finding none backs the cadence off toward the maximum interval.
type AdaptiveScheduler struct {
	repo   *repository.SyncScheduleRepository
	cfg    config.SchedulerConfig
	logger *utils.Logger
}

// NewAdaptiveScheduler creates a new adaptive scheduler
func NewAdaptiveScheduler(repo *repository.SyncScheduleRepository, cfg config.SchedulerConfig) *AdaptiveScheduler {
	return &AdaptiveScheduler{
		repo:   repo,
		cfg:    cfg,
		logger: utils.NewLogger("AdaptiveScheduler"),
	}
}

// EnsureSchedule creates the schedule row on first connection. The next
// sync time is now, so the planner picks the key up on its next tick.
func (s *AdaptiveScheduler) EnsureSchedule(userID string, integrationType models.IntegrationType) (*models.SyncSchedule, error) {
	schedule, err := s.repo.GetByKey(userID, integrationType)
	if err == nil {
		if schedule.Suspended {
			schedule.Suspended = false
			if err := s.repo.Update(schedule); err != nil {
				return nil, err
			}
		}
		return schedule, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	schedule = &models.SyncSchedule{
		UserID:                 userID,
		IntegrationType:        integrationType,
		NextSyncAt:             time.Now(),
		CurrentIntervalSeconds: int(s.cfg.MinInterval / time.Second),
	}
	if err := s.repo.Create(schedule); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	return schedule, nil
}

// IsFirstConnection reports whether the key has never completed a sync:
// true iff no schedule row with a non-null last sync time exists.
func (s *AdaptiveScheduler) IsFirstConnection(userID string, integrationType models.IntegrationType) (bool, error) {
	completed, err := s.repo.HasCompletedSync(userID, integrationType)
	if err != nil {
		return false, err
	}
	return !completed, nil
}

// ComputeNextSync updates the adaptive cadence after a completed
// automatic sync. Only full and incremental outcomes reach this; manual
// and initial syncs never feed the interval.
func (s *AdaptiveScheduler) ComputeNextSync(userID string, integrationType models.IntegrationType, changesDetected bool) (*models.SyncSchedule, error) {
	schedule, err := s.loadOrInit(userID, integrationType)
	if err != nil {
		return nil, err
	}

	interval := time.Duration(schedule.CurrentIntervalSeconds) * time.Second
	if changesDetected {
		interval = s.cfg.MinInterval
		schedule.ConsecutiveNoChangeCount = 0
	} else {
		interval = time.Duration(float64(interval) * s.cfg.BackoffFactor)
		schedule.ConsecutiveNoChangeCount++
	}
	interval = s.clamp(interval)

	now := time.Now()
	schedule.LastSyncAt = &now
	schedule.NextSyncAt = now.Add(interval)
	schedule.CurrentIntervalSeconds = int(interval / time.Second)

	if err := s.repo.Update(schedule); err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	s.logger.Debug("Next sync for %s/%s in %v (no-change streak %d)",
		userID, integrationType, interval, schedule.ConsecutiveNoChangeCount)
	return schedule, nil
}

// MarkSyncAttempt pushes the next sync time out by the current interval
// without touching the adaptive state. Used after a retryable failure so
// the planner does not immediately re-enqueue a struggling key.
func (s *AdaptiveScheduler) MarkSyncAttempt(userID string, integrationType models.IntegrationType) error {
	schedule, err := s.repo.GetByKey(userID, integrationType)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	interval := s.clamp(time.Duration(schedule.CurrentIntervalSeconds) * time.Second)
	schedule.NextSyncAt = time.Now().Add(interval)
	return s.repo.Update(schedule)
}

// Suspend stops automatic scheduling for the key until reconnect
func (s *AdaptiveScheduler) Suspend(userID string, integrationType models.IntegrationType) error {
	return s.repo.SetSuspended(userID, integrationType, true)
}

// Delete removes the schedule on disconnect
func (s *AdaptiveScheduler) Delete(userID string, integrationType models.IntegrationType) error {
	return s.repo.Delete(userID, integrationType)
}

// DueSchedules returns unsuspended schedules whose next sync is due
func (s *AdaptiveScheduler) DueSchedules(now time.Time, limit int) ([]models.SyncSchedule, error) {
	return s.repo.GetDue(now, limit)
}

// loadOrInit fetches the schedule, creating it when the row is missing
// (a sync can land before the connect flow finished persisting).
func (s *AdaptiveScheduler) loadOrInit(userID string, integrationType models.IntegrationType) (*models.SyncSchedule, error) {
	schedule, err := s.repo.GetByKey(userID, integrationType)
	if err == nil {
		return schedule, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return s.EnsureSchedule(userID, integrationType)
}

// clamp bounds an interval to [MinInterval, MaxInterval]
func (s *AdaptiveScheduler) clamp(interval time.Duration) time.Duration {
	if interval < s.cfg.MinInterval {
		return s.cfg.MinInterval
	}
	if interval > s.cfg.MaxInterval {
		return s.cfg.MaxInterval
	}
	return interval
}
