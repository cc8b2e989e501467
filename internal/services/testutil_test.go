package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"circlesync/internal/config"
	"circlesync/internal/database"
	"circlesync/internal/models"
	"circlesync/internal/repository"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A named shared-cache database keeps the pool's connections on the
	// same in-memory store while isolating tests from each other.
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    10 * time.Minute,
		BaseCooldown:     15 * time.Minute,
		MaxCooldown:      time.Hour,
	}
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MinInterval:   5 * time.Minute,
		MaxInterval:   24 * time.Hour,
		BackoffFactor: 1.5,
		TickInterval:  time.Minute,
	}
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		IdempotencyTTL:  time.Hour,
		KeyBucket:       5 * time.Minute,
		ProviderTimeout: 5 * time.Second,
		StoreTimeout:    2 * time.Second,
	}
}

func newTestActivity(t *testing.T, db *gorm.DB) *ActivityService {
	t.Helper()
	activity := NewActivityService(repository.NewActivityLogRepository(db))
	activity.Start()
	t.Cleanup(activity.Stop)
	return activity
}

func seedIntegration(t *testing.T, db *gorm.DB, userID string, integrationType models.IntegrationType) *models.Integration {
	t.Helper()
	integration := &models.Integration{
		UserID:          userID,
		IntegrationType: integrationType,
		Provider:        "google",
		AccessToken:     "access-token",
		RefreshToken:    "refresh-token",
		Status:          models.IntegrationStatusActive,
		ConnectedAt:     time.Now(),
	}
	if err := repository.NewIntegrationRepository(db).Create(integration); err != nil {
		t.Fatalf("failed to seed integration: %v", err)
	}
	return integration
}

// recordingTaskClient captures enqueued tasks for assertions
type recordingTaskClient struct {
	tasks []Task
	err   error
}

func (c *recordingTaskClient) Enqueue(_ context.Context, task Task) error {
	if c.err != nil {
		return c.err
	}
	c.tasks = append(c.tasks, task)
	return nil
}
