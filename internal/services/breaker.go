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

// casRetries bounds the reload-and-retry loop when a compare-and-swap
// update loses the race against another worker.
const casRetries = 5

// CircuitBreakerManager is the per-(user, integration) failure-isolation
// state machine. All state lives in durable rows so any worker may act on
// any key; every transition is an optimistic compare-and-swap.
type CircuitBreakerManager struct {
	repo     *repository.CircuitBreakerRepository
	cfg      config.BreakerConfig
	activity *ActivityService
	logger   *utils.Logger
}

// NewCircuitBreakerManager creates a new breaker manager
func NewCircuitBreakerManager(repo *repository.CircuitBreakerRepository, cfg config.BreakerConfig, activity *ActivityService) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		repo:     repo,
		cfg:      cfg,
		activity: activity,
		logger:   utils.NewLogger("CircuitBreaker"),
	}
}

// AllowRequest reports whether a request for the key may proceed. In the
// half-open state exactly one caller wins the probe claim; everyone else
// is rejected until the probe outcome resolves.
func (m *CircuitBreakerManager) AllowRequest(userID string, integrationType models.IntegrationType) (bool, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		record, err := m.repo.GetOrCreate(userID, integrationType)
		if err != nil {
			return false, fmt.Errorf("failed to load breaker state: %w", err)
		}

		now := time.Now()
		switch record.State {
		case models.BreakerClosed:
			return true, nil

		case models.BreakerDisabled:
			return false, nil

		case models.BreakerOpen:
			if !record.CooldownElapsed(now) {
				return false, nil
			}
			// Cooldown has passed: move to half-open and claim the probe
			// in the same swap, so the winner is the single prober.
			record.State = models.BreakerHalfOpen
			record.ProbeInFlight = true
			if err := m.repo.UpdateCAS(record); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					continue
				}
				return false, err
			}
			m.logger.Info("Breaker half-open for %s/%s, probe claimed", userID, integrationType)
			return true, nil

		case models.BreakerHalfOpen:
			if record.ProbeInFlight {
				return false, nil
			}
			record.ProbeInFlight = true
			if err := m.repo.UpdateCAS(record); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					continue
				}
				return false, err
			}
			return true, nil

		default:
			return false, fmt.Errorf("unknown breaker state %q", record.State)
		}
	}
	// Heavy contention on this key; reject rather than guess.
	return false, nil
}

// RecordSuccess feeds a successful provider call back into the breaker
func (m *CircuitBreakerManager) RecordSuccess(userID string, integrationType models.IntegrationType) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		record, err := m.repo.GetOrCreate(userID, integrationType)
		if err != nil {
			return fmt.Errorf("failed to load breaker state: %w", err)
		}

		switch record.State {
		case models.BreakerHalfOpen:
			record.State = models.BreakerClosed
			record.FailureCount = 0
			record.WindowStartedAt = nil
			record.CooldownUntil = nil
			record.CooldownSeconds = 0
			record.ProbeInFlight = false
			if err := m.repo.UpdateCAS(record); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					continue
				}
				return err
			}
			m.logger.Info("Breaker closed for %s/%s after probe success", userID, integrationType)
			m.activity.LogBreaker(models.ActivityBreakerRecovered, userID, integrationType, nil)
			return nil

		case models.BreakerClosed:
			if record.FailureCount == 0 && record.WindowStartedAt == nil {
				return nil
			}
			record.FailureCount = 0
			record.WindowStartedAt = nil
			if err := m.repo.UpdateCAS(record); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					continue
				}
				return err
			}
			return nil

		default:
			// Open and disabled ignore stray successes.
			return nil
		}
	}
	return repository.ErrVersionConflict
}

// RecordFailure feeds a failed provider call back into the breaker
func (m *CircuitBreakerManager) RecordFailure(userID string, integrationType models.IntegrationType, errorKind string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		record, err := m.repo.GetOrCreate(userID, integrationType)
		if err != nil {
			return fmt.Errorf("failed to load breaker state: %w", err)
		}

		now := time.Now()
		record.LastFailureKind = errorKind

		switch record.State {
		case models.BreakerHalfOpen:
			// The probe failed: reopen with a doubled cooldown.
			m.trip(record, now)
			record.ProbeInFlight = false
			if err := m.repo.UpdateCAS(record); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					continue
				}
				return err
			}
			m.logger.Warn("Breaker reopened for %s/%s after probe failure (%s), cooldown %ds",
				userID, integrationType, errorKind, record.CooldownSeconds)
			return nil

		case models.BreakerClosed:
			if record.WindowStartedAt == nil || now.Sub(*record.WindowStartedAt) > m.cfg.FailureWindow {
				// Stale window: this failure starts a fresh one.
				record.WindowStartedAt = &now
				record.FailureCount = 1
			} else {
				record.FailureCount++
			}

			if record.FailureCount >= m.cfg.FailureThreshold {
				m.trip(record, now)
			}
			if err := m.repo.UpdateCAS(record); err != nil {
				if errors.Is(err, repository.ErrVersionConflict) {
					continue
				}
				return err
			}
			if record.State == models.BreakerOpen {
				m.logger.Warn("Breaker tripped for %s/%s after %d failures (%s)",
					userID, integrationType, record.FailureCount, errorKind)
				m.activity.LogBreaker(models.ActivityBreakerTripped, userID, integrationType, map[string]interface{}{
					"failure_count": record.FailureCount,
					"error_kind":    errorKind,
					"cooldown_s":    record.CooldownSeconds,
				})
			}
			return nil

		default:
			// Already open or disabled; nothing further to record.
			return nil
		}
	}
	return repository.ErrVersionConflict
}

// trip moves a record into the open state and doubles the next cooldown,
// capped at the configured maximum.
func (m *CircuitBreakerManager) trip(record *models.CircuitBreakerRecord, now time.Time) {
	cooldown := time.Duration(record.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = m.cfg.BaseCooldown
	}
	until := now.Add(cooldown)

	record.State = models.BreakerOpen
	record.CooldownUntil = &until

	next := cooldown * 2
	if next > m.cfg.MaxCooldown {
		next = m.cfg.MaxCooldown
	}
	record.CooldownSeconds = int(next / time.Second)
}

// GetState returns the current breaker state for the key
func (m *CircuitBreakerManager) GetState(userID string, integrationType models.IntegrationType) (models.BreakerState, error) {
	record, err := m.repo.GetOrCreate(userID, integrationType)
	if err != nil {
		return "", err
	}
	return record.State, nil
}

// GetRecord returns the full breaker row for the key
func (m *CircuitBreakerManager) GetRecord(userID string, integrationType models.IntegrationType) (*models.CircuitBreakerRecord, error) {
	return m.repo.GetOrCreate(userID, integrationType)
}

// Disable forces the breaker into its persistent sentinel state. Used on
// disconnect and when token refresh gives up; only Reset (reconnect)
// clears it.
func (m *CircuitBreakerManager) Disable(userID string, integrationType models.IntegrationType, reason string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		record, err := m.repo.GetOrCreate(userID, integrationType)
		if err != nil {
			return err
		}
		if record.State == models.BreakerDisabled && record.DisabledReason == reason {
			return nil
		}
		record.State = models.BreakerDisabled
		record.DisabledReason = reason
		record.ProbeInFlight = false
		if err := m.repo.UpdateCAS(record); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return err
		}
		m.logger.Info("Breaker disabled for %s/%s: %s", userID, integrationType, reason)
		return nil
	}
	return repository.ErrVersionConflict
}

// IsDisabled reports whether the key is under the persistent sentinel
func (m *CircuitBreakerManager) IsDisabled(userID string, integrationType models.IntegrationType) (bool, string, error) {
	record, err := m.repo.Get(userID, integrationType)
	if err != nil {
		// No row yet means nothing has disabled the key.
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, "", nil
		}
		return false, "", err
	}
	return record.State == models.BreakerDisabled, record.DisabledReason, nil
}

// Reset returns the key to a fresh closed breaker. Called on reconnect.
func (m *CircuitBreakerManager) Reset(userID string, integrationType models.IntegrationType) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		record, err := m.repo.GetOrCreate(userID, integrationType)
		if err != nil {
			return err
		}
		record.State = models.BreakerClosed
		record.FailureCount = 0
		record.WindowStartedAt = nil
		record.CooldownUntil = nil
		record.CooldownSeconds = 0
		record.ProbeInFlight = false
		record.DisabledReason = ""
		record.LastFailureKind = ""
		if err := m.repo.UpdateCAS(record); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return repository.ErrVersionConflict
}
