package services

import (
	"testing"
	"time"

	"circlesync/internal/models"
	"circlesync/internal/repository"
)

func newTestScheduler(t *testing.T) (*AdaptiveScheduler, *repository.SyncScheduleRepository) {
	db := newTestDB(t)
	repo := repository.NewSyncScheduleRepository(db)
	return NewAdaptiveScheduler(repo, testSchedulerConfig()), repo
}

func TestEnsureScheduleStartsAtMinInterval(t *testing.T) {
	s, _ := newTestScheduler(t)

	schedule, err := s.EnsureSchedule("u1", models.IntegrationContacts)
	if err != nil {
		t.Fatalf("EnsureSchedule: %v", err)
	}
	if got := schedule.CurrentIntervalSeconds; got != int((5 * time.Minute).Seconds()) {
		t.Fatalf("interval = %ds, want min interval 300", got)
	}
	if schedule.NextSyncAt.After(time.Now().Add(time.Second)) {
		t.Fatal("new schedule not due immediately")
	}
	if schedule.LastSyncAt != nil {
		t.Fatal("new schedule has a last sync time")
	}
}

func TestEnsureScheduleUnsuspends(t *testing.T) {
	s, repo := newTestScheduler(t)

	if _, err := s.EnsureSchedule("u1", models.IntegrationContacts); err != nil {
		t.Fatalf("EnsureSchedule: %v", err)
	}
	if err := s.Suspend("u1", models.IntegrationContacts); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	if _, err := s.EnsureSchedule("u1", models.IntegrationContacts); err != nil {
		t.Fatalf("EnsureSchedule: %v", err)
	}
	schedule, err := repo.GetByKey("u1", models.IntegrationContacts)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if schedule.Suspended {
		t.Fatal("reconnect left the schedule suspended")
	}
}

func TestComputeNextSyncChangesResetInterval(t *testing.T) {
	s, repo := newTestScheduler(t)
	s.EnsureSchedule("u1", models.IntegrationContacts)

	// Back off a few times first.
	for i := 0; i < 3; i++ {
		if _, err := s.ComputeNextSync("u1", models.IntegrationContacts, false); err != nil {
			t.Fatalf("ComputeNextSync: %v", err)
		}
	}
	schedule, _ := repo.GetByKey("u1", models.IntegrationContacts)
	if schedule.CurrentIntervalSeconds <= int((5 * time.Minute).Seconds()) {
		t.Fatalf("interval did not back off: %ds", schedule.CurrentIntervalSeconds)
	}
	if schedule.ConsecutiveNoChangeCount != 3 {
		t.Fatalf("no-change streak = %d, want 3", schedule.ConsecutiveNoChangeCount)
	}

	// Changes snap straight back to the minimum.
	if _, err := s.ComputeNextSync("u1", models.IntegrationContacts, true); err != nil {
		t.Fatalf("ComputeNextSync: %v", err)
	}
	schedule, _ = repo.GetByKey("u1", models.IntegrationContacts)
	if schedule.CurrentIntervalSeconds != int((5 * time.Minute).Seconds()) {
		t.Fatalf("interval = %ds after changes, want min 300", schedule.CurrentIntervalSeconds)
	}
	if schedule.ConsecutiveNoChangeCount != 0 {
		t.Fatalf("no-change streak = %d after changes, want 0", schedule.ConsecutiveNoChangeCount)
	}
	if schedule.LastSyncAt == nil {
		t.Fatal("ComputeNextSync did not stamp last sync time")
	}
}

func TestComputeNextSyncBackoffFactor(t *testing.T) {
	s, repo := newTestScheduler(t)
	s.EnsureSchedule("u1", models.IntegrationContacts)

	if _, err := s.ComputeNextSync("u1", models.IntegrationContacts, false); err != nil {
		t.Fatalf("ComputeNextSync: %v", err)
	}
	schedule, _ := repo.GetByKey("u1", models.IntegrationContacts)
	if got := schedule.CurrentIntervalSeconds; got != 450 {
		t.Fatalf("interval = %ds after one no-change pass, want 300*1.5 = 450", got)
	}
}

func TestComputeNextSyncClampsAtMax(t *testing.T) {
	s, repo := newTestScheduler(t)
	s.EnsureSchedule("u1", models.IntegrationContacts)

	schedule, _ := repo.GetByKey("u1", models.IntegrationContacts)
	schedule.CurrentIntervalSeconds = int((23 * time.Hour).Seconds())
	if err := repo.Update(schedule); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.ComputeNextSync("u1", models.IntegrationContacts, false); err != nil {
			t.Fatalf("ComputeNextSync: %v", err)
		}
	}
	schedule, _ = repo.GetByKey("u1", models.IntegrationContacts)
	if got := schedule.CurrentIntervalSeconds; got != int((24 * time.Hour).Seconds()) {
		t.Fatalf("interval = %ds, want clamped at 86400", got)
	}
}

func TestMarkSyncAttemptKeepsAdaptiveState(t *testing.T) {
	s, repo := newTestScheduler(t)
	s.EnsureSchedule("u1", models.IntegrationContacts)
	s.ComputeNextSync("u1", models.IntegrationContacts, false)

	before, _ := repo.GetByKey("u1", models.IntegrationContacts)
	if err := s.MarkSyncAttempt("u1", models.IntegrationContacts); err != nil {
		t.Fatalf("MarkSyncAttempt: %v", err)
	}

	after, _ := repo.GetByKey("u1", models.IntegrationContacts)
	if after.CurrentIntervalSeconds != before.CurrentIntervalSeconds {
		t.Fatalf("attempt changed interval: %d -> %d", before.CurrentIntervalSeconds, after.CurrentIntervalSeconds)
	}
	if after.ConsecutiveNoChangeCount != before.ConsecutiveNoChangeCount {
		t.Fatal("attempt changed the no-change streak")
	}
	if !after.NextSyncAt.After(time.Now()) {
		t.Fatal("attempt did not push next sync into the future")
	}
}

func TestDueSchedulesSkipsSuspended(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.EnsureSchedule("u1", models.IntegrationContacts)
	s.EnsureSchedule("u2", models.IntegrationContacts)
	if err := s.Suspend("u2", models.IntegrationContacts); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	due, err := s.DueSchedules(time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("DueSchedules: %v", err)
	}
	if len(due) != 1 || due[0].UserID != "u1" {
		t.Fatalf("due = %+v, want only u1", due)
	}
}

func TestIsFirstConnection(t *testing.T) {
	s, _ := newTestScheduler(t)

	first, err := s.IsFirstConnection("u1", models.IntegrationContacts)
	if err != nil {
		t.Fatalf("IsFirstConnection: %v", err)
	}
	if !first {
		t.Fatal("unknown key not reported as first connection")
	}

	s.EnsureSchedule("u1", models.IntegrationContacts)
	first, _ = s.IsFirstConnection("u1", models.IntegrationContacts)
	if !first {
		t.Fatal("schedule without completed sync must still count as first connection")
	}

	s.ComputeNextSync("u1", models.IntegrationContacts, true)
	first, _ = s.IsFirstConnection("u1", models.IntegrationContacts)
	if first {
		t.Fatal("completed sync still reported as first connection")
	}
}
