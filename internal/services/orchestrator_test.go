package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"circlesync/internal/config"
	"circlesync/internal/models"
	"circlesync/internal/repository"

	"google.golang.org/api/googleapi"
	"gorm.io/gorm"
)

// fakeExecutor scripts provider behavior per test
type fakeExecutor struct {
	integrationType models.IntegrationType

	fullResult  *ProviderSyncResult
	fullErr     error
	fullCalls   int
	incrResult  *ProviderSyncResult
	incrErr     error
	incrCalls   int
	gotToken    string
	gotCursor   string
	onFullSync  func()
}

func (f *fakeExecutor) IntegrationType() models.IntegrationType { return f.integrationType }

func (f *fakeExecutor) PerformFullSync(_ context.Context, _, accessToken string) (*ProviderSyncResult, error) {
	f.fullCalls++
	f.gotToken = accessToken
	if f.onFullSync != nil {
		f.onFullSync()
	}
	return f.fullResult, f.fullErr
}

func (f *fakeExecutor) PerformIncrementalSync(_ context.Context, _, accessToken, syncToken string) (*ProviderSyncResult, error) {
	f.incrCalls++
	f.gotToken = accessToken
	f.gotCursor = syncToken
	return f.incrResult, f.incrErr
}

type orchestratorFixture struct {
	db           *gorm.DB
	orchestrator *SyncOrchestrator
	breaker      *CircuitBreakerManager
	scheduler    *AdaptiveScheduler
	executor     *fakeExecutor
	integRepo    *repository.IntegrationRepository
	resultRepo   *repository.SyncResultRepository
	breakerRepo  *repository.CircuitBreakerRepository
	scheduleRepo *repository.SyncScheduleRepository
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	db := newTestDB(t)
	activity := newTestActivity(t, db)

	integRepo := repository.NewIntegrationRepository(db)
	resultRepo := repository.NewSyncResultRepository(db)
	breakerRepo := repository.NewCircuitBreakerRepository(db)
	scheduleRepo := repository.NewSyncScheduleRepository(db)
	healthRepo := repository.NewTokenHealthRepository(db)

	breaker := NewCircuitBreakerManager(breakerRepo, testBreakerConfig(), activity)
	scheduler := NewAdaptiveScheduler(scheduleRepo, testSchedulerConfig())
	tokens := NewTokenService(integRepo, healthRepo, breaker, activity,
		config.OAuthConfig{}, config.TokenConfig{RefreshTimeout: time.Second, MaxRefreshFailures: 3, TimeoutEscalation: 3})

	executor := &fakeExecutor{integrationType: models.IntegrationContacts}
	registry := NewExecutorRegistry()
	registry.Register(executor)

	orchestrator := NewSyncOrchestrator(
		integRepo, resultRepo, breaker, scheduler, tokens, registry, activity,
		testDispatchConfig(), config.TokenConfig{TimeoutEscalation: 3})

	return &orchestratorFixture{
		db:           db,
		orchestrator: orchestrator,
		breaker:      breaker,
		scheduler:    scheduler,
		executor:     executor,
		integRepo:    integRepo,
		resultRepo:   resultRepo,
		breakerRepo:  breakerRepo,
		scheduleRepo: scheduleRepo,
	}
}

func syncJob(syncType models.SyncType) models.SyncJobConfig {
	return models.SyncJobConfig{
		UserID:          "u1",
		IntegrationType: models.IntegrationContacts,
		SyncType:        syncType,
		IdempotencyKey:  "key-1",
		ScheduledAt:     time.Now(),
		AttemptNumber:   1,
	}
}

func TestExecuteSyncJobSuccess(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedIntegration(t, f.db, "u1", models.IntegrationContacts)
	f.scheduler.EnsureSchedule("u1", models.IntegrationContacts)
	f.executor.fullResult = &ProviderSyncResult{ItemsProcessed: 12, ChangesDetected: true, NextSyncToken: "cursor-1"}

	result, err := f.orchestrator.ExecuteSyncJob(context.Background(), syncJob(models.SyncTypeFull))
	if err != nil {
		t.Fatalf("ExecuteSyncJob: %v", err)
	}
	if result.Outcome != models.OutcomeSucceeded {
		t.Fatalf("outcome = %s, want succeeded", result.Outcome)
	}
	if result.ItemsProcessed != 12 || !result.ChangesDetected {
		t.Fatalf("result = %+v, want provider numbers carried over", result)
	}

	integration, _ := f.integRepo.GetByKey("u1", models.IntegrationContacts)
	if integration.SyncToken != "cursor-1" {
		t.Fatalf("sync cursor = %q, want cursor-1", integration.SyncToken)
	}

	schedule, _ := f.scheduleRepo.GetByKey("u1", models.IntegrationContacts)
	if schedule.LastSyncAt == nil {
		t.Fatal("schedule not updated after success")
	}
	if schedule.CurrentIntervalSeconds != 300 {
		t.Fatalf("interval = %ds after changes, want min 300", schedule.CurrentIntervalSeconds)
	}
}

func TestExecuteSyncJobIncrementalUsesCursor(t *testing.T) {
	f := newOrchestratorFixture(t)
	integration := seedIntegration(t, f.db, "u1", models.IntegrationContacts)
	integration.SyncToken = "cursor-0"
	f.integRepo.Update(integration)
	f.executor.incrResult = &ProviderSyncResult{ItemsProcessed: 2, NextSyncToken: "cursor-1"}

	if _, err := f.orchestrator.ExecuteSyncJob(context.Background(), syncJob(models.SyncTypeIncremental)); err != nil {
		t.Fatalf("ExecuteSyncJob: %v", err)
	}
	if f.executor.incrCalls != 1 || f.executor.fullCalls != 0 {
		t.Fatalf("calls = incr %d / full %d, want incremental only", f.executor.incrCalls, f.executor.fullCalls)
	}
	if f.executor.gotCursor != "cursor-0" {
		t.Fatalf("cursor passed to provider = %q", f.executor.gotCursor)
	}
}

func TestExecuteSyncJobExpiredCursorFallsBack(t *testing.T) {
	f := newOrchestratorFixture(t)
	integration := seedIntegration(t, f.db, "u1", models.IntegrationContacts)
	integration.SyncToken = "cursor-stale"
	f.integRepo.Update(integration)

	f.executor.incrErr = &googleapi.Error{Code: 410, Message: "sync token expired"}
	f.executor.fullResult = &ProviderSyncResult{ItemsProcessed: 40, ChangesDetected: true, NextSyncToken: "cursor-new"}

	result, err := f.orchestrator.ExecuteSyncJob(context.Background(), syncJob(models.SyncTypeIncremental))
	if err != nil {
		t.Fatalf("ExecuteSyncJob: %v", err)
	}
	if result.Outcome != models.OutcomeSucceeded {
		t.Fatalf("outcome = %s, want succeeded via full-sync fallback", result.Outcome)
	}
	if f.executor.fullCalls != 1 {
		t.Fatal("full sync fallback not executed")
	}

	refreshed, _ := f.integRepo.GetByKey("u1", models.IntegrationContacts)
	if refreshed.SyncToken != "cursor-new" {
		t.Fatalf("cursor = %q, want replaced with cursor-new", refreshed.SyncToken)
	}
}

func TestExecuteSyncJobSkipsWhenBreakerOpen(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedIntegration(t, f.db, "u1", models.IntegrationContacts)
	for i := 0; i < testBreakerConfig().FailureThreshold; i++ {
		f.breaker.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)
	}

	result, err := f.orchestrator.ExecuteSyncJob(context.Background(), syncJob(models.SyncTypeFull))
	if err != nil {
		t.Fatalf("ExecuteSyncJob: %v", err)
	}
	if result.Outcome != models.OutcomeSkipped || result.SkipReason != models.SkipReasonCircuitOpen {
		t.Fatalf("result = %+v, want circuit-open skip", result)
	}
	if f.executor.fullCalls != 0 {
		t.Fatal("provider called despite open breaker")
	}
}

func TestExecuteSyncJobManualBypassesBreaker(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedIntegration(t, f.db, "u1", models.IntegrationContacts)
	f.scheduler.EnsureSchedule("u1", models.IntegrationContacts)
	for i := 0; i < testBreakerConfig().FailureThreshold; i++ {
		f.breaker.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)
	}
	f.executor.fullResult = &ProviderSyncResult{ItemsProcessed: 3, ChangesDetected: true}

	result, err := f.orchestrator.ExecuteSyncJob(context.Background(), syncJob(models.SyncTypeManual))
	if err != nil {
		t.Fatalf("ExecuteSyncJob: %v", err)
	}
	if result.Outcome != models.OutcomeSucceeded {
		t.Fatalf("outcome = %s, want succeeded despite open breaker", result.Outcome)
	}

	// The manual success must not touch the breaker: the half-open probe
	// discipline stays intact.
	record, _ := f.breakerRepo.Get("u1", models.IntegrationContacts)
	if record.State != models.BreakerOpen {
		t.Fatalf("breaker state = %s after manual sync, want still open", record.State)
	}

	// Manual syncs also stay out of the adaptive cadence.
	schedule, _ := f.scheduleRepo.GetByKey("u1", models.IntegrationContacts)
	if schedule.LastSyncAt != nil {
		t.Fatal("manual sync mutated the adaptive schedule")
	}
}

func TestExecuteSyncJobFailureFeedsBreaker(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedIntegration(t, f.db, "u1", models.IntegrationContacts)
	f.scheduler.EnsureSchedule("u1", models.IntegrationContacts)
	f.executor.fullErr = &googleapi.Error{Code: 503, Message: "backend error"}

	_, err := f.orchestrator.ExecuteSyncJob(context.Background(), syncJob(models.SyncTypeFull))
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("err = %v, want classified SyncError", err)
	}
	if syncErr.Kind != ErrKindTransient || !syncErr.Retryable() {
		t.Fatalf("classified = %+v, want retryable transient", syncErr)
	}

	record, _ := f.breakerRepo.Get("u1", models.IntegrationContacts)
	if record.FailureCount != 1 {
		t.Fatalf("breaker failure count = %d, want 1", record.FailureCount)
	}

	results, _ := f.resultRepo.GetByKey("u1", models.IntegrationContacts, 10)
	if len(results) != 1 || results[0].Outcome != models.OutcomeFailed || results[0].ErrorKind != ErrKindTransient {
		t.Fatalf("results = %+v, want one failed transient row", results)
	}
}

func TestExecuteSyncJobFatalSuspendsSchedule(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedIntegration(t, f.db, "u1", models.IntegrationContacts)
	f.scheduler.EnsureSchedule("u1", models.IntegrationContacts)
	f.executor.fullErr = &googleapi.Error{Code: 403, Message: "insufficient scopes"}

	_, err := f.orchestrator.ExecuteSyncJob(context.Background(), syncJob(models.SyncTypeFull))
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Kind != ErrKindFatalConfig {
		t.Fatalf("err = %v, want fatal_config", err)
	}

	schedule, _ := f.scheduleRepo.GetByKey("u1", models.IntegrationContacts)
	if !schedule.Suspended {
		t.Fatal("fatal failure did not suspend the schedule")
	}

	integration, _ := f.integRepo.GetByKey("u1", models.IntegrationContacts)
	if integration.Status != models.IntegrationStatusReauthNeeded {
		t.Fatalf("integration status = %s, want reauth_required", integration.Status)
	}
}

func TestExecuteSyncJobTimeoutEscalation(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedIntegration(t, f.db, "u1", models.IntegrationContacts)
	f.scheduler.EnsureSchedule("u1", models.IntegrationContacts)
	f.executor.fullErr = context.DeadlineExceeded

	job := syncJob(models.SyncTypeFull)
	job.AttemptNumber = 3

	_, err := f.orchestrator.ExecuteSyncJob(context.Background(), job)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Kind != ErrKindFatalConfig {
		t.Fatalf("err = %v, want timeout escalated to fatal on attempt 3", err)
	}

	schedule, _ := f.scheduleRepo.GetByKey("u1", models.IntegrationContacts)
	if !schedule.Suspended {
		t.Fatal("escalated timeout did not suspend the schedule")
	}
}

func TestExecuteSyncJobDisconnectedSkips(t *testing.T) {
	f := newOrchestratorFixture(t)
	integration := seedIntegration(t, f.db, "u1", models.IntegrationContacts)
	f.integRepo.UpdateStatus(integration.UserID, integration.IntegrationType,
		models.IntegrationStatusDisconnected, "")

	result, err := f.orchestrator.ExecuteSyncJob(context.Background(), syncJob(models.SyncTypeFull))
	if err != nil {
		t.Fatalf("ExecuteSyncJob: %v", err)
	}
	if result.Outcome != models.OutcomeSkipped || result.SkipReason != models.SkipReasonDisconnected {
		t.Fatalf("result = %+v, want disconnected skip", result)
	}
}

func TestExecuteSyncJobDiscardsResultAfterMidSyncDisconnect(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedIntegration(t, f.db, "u1", models.IntegrationContacts)
	f.scheduler.EnsureSchedule("u1", models.IntegrationContacts)

	f.executor.fullResult = &ProviderSyncResult{ItemsProcessed: 5, ChangesDetected: true, NextSyncToken: "cursor-1"}
	f.executor.onFullSync = func() {
		// Disconnect races the in-flight sync.
		if err := f.integRepo.UpdateStatus("u1", models.IntegrationContacts,
			models.IntegrationStatusDisconnected, ""); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	}

	result, err := f.orchestrator.ExecuteSyncJob(context.Background(), syncJob(models.SyncTypeFull))
	if err != nil {
		t.Fatalf("ExecuteSyncJob: %v", err)
	}
	if result.Outcome != models.OutcomeSkipped || result.SkipReason != models.SkipReasonDisconnected {
		t.Fatalf("result = %+v, want discarded as disconnected", result)
	}

	integration, _ := f.integRepo.GetByKey("u1", models.IntegrationContacts)
	if integration.SyncToken != "" {
		t.Fatal("discarded sync still persisted its cursor")
	}
	schedule, _ := f.scheduleRepo.GetByKey("u1", models.IntegrationContacts)
	if schedule.LastSyncAt != nil {
		t.Fatal("discarded sync still updated the schedule")
	}
}

func TestExecuteSyncJobUnknownIntegrationSkips(t *testing.T) {
	f := newOrchestratorFixture(t)

	result, err := f.orchestrator.ExecuteSyncJob(context.Background(), syncJob(models.SyncTypeFull))
	if err != nil {
		t.Fatalf("ExecuteSyncJob: %v", err)
	}
	if result.Outcome != models.OutcomeSkipped || result.SkipReason != models.SkipReasonDisconnected {
		t.Fatalf("result = %+v, want skip for missing integration", result)
	}
}
