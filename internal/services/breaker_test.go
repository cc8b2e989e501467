package services

import (
	"testing"
	"time"

	"circlesync/internal/models"
	"circlesync/internal/repository"
)

func newTestBreaker(t *testing.T) (*CircuitBreakerManager, *repository.CircuitBreakerRepository) {
	db := newTestDB(t)
	repo := repository.NewCircuitBreakerRepository(db)
	return NewCircuitBreakerManager(repo, testBreakerConfig(), newTestActivity(t, db)), repo
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	m, _ := newTestBreaker(t)

	for i := 0; i < 2; i++ {
		if err := m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		state, err := m.GetState("u1", models.IntegrationContacts)
		if err != nil {
			t.Fatalf("GetState: %v", err)
		}
		if state != models.BreakerClosed {
			t.Fatalf("breaker tripped after %d failures, want threshold 3", i+1)
		}
	}

	if err := m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	state, _ := m.GetState("u1", models.IntegrationContacts)
	if state != models.BreakerOpen {
		t.Fatalf("state = %s after threshold failures, want open", state)
	}

	allowed, err := m.AllowRequest("u1", models.IntegrationContacts)
	if err != nil {
		t.Fatalf("AllowRequest: %v", err)
	}
	if allowed {
		t.Fatal("open breaker allowed a request before cooldown")
	}
}

func TestBreakerSuccessResetsWindow(t *testing.T) {
	m, _ := newTestBreaker(t)

	m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)
	m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)
	if err := m.RecordSuccess("u1", models.IntegrationContacts); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	// Two more failures would have tripped had the counter survived.
	m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)
	m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)

	state, _ := m.GetState("u1", models.IntegrationContacts)
	if state != models.BreakerClosed {
		t.Fatalf("state = %s, want closed after success reset", state)
	}
}

func TestBreakerStaleWindowStartsFresh(t *testing.T) {
	m, repo := newTestBreaker(t)

	m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)
	m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)

	// Age the window past the configured 10 minutes.
	record, err := repo.Get("u1", models.IntegrationContacts)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	stale := time.Now().Add(-time.Hour)
	record.WindowStartedAt = &stale
	if err := repo.UpdateCAS(record); err != nil {
		t.Fatalf("UpdateCAS: %v", err)
	}

	m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)
	record, _ = repo.Get("u1", models.IntegrationContacts)
	if record.State != models.BreakerClosed {
		t.Fatalf("state = %s, want closed: stale window should reset the count", record.State)
	}
	if record.FailureCount != 1 {
		t.Fatalf("FailureCount = %d, want 1 after stale window reset", record.FailureCount)
	}
}

func tripBreaker(t *testing.T, m *CircuitBreakerManager, userID string, integrationType models.IntegrationType) {
	t.Helper()
	for i := 0; i < testBreakerConfig().FailureThreshold; i++ {
		if err := m.RecordFailure(userID, integrationType, ErrKindTransient); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
}

func expireCooldown(t *testing.T, repo *repository.CircuitBreakerRepository, userID string, integrationType models.IntegrationType) {
	t.Helper()
	record, err := repo.Get(userID, integrationType)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	past := time.Now().Add(-time.Second)
	record.CooldownUntil = &past
	if err := repo.UpdateCAS(record); err != nil {
		t.Fatalf("UpdateCAS: %v", err)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	m, repo := newTestBreaker(t)
	tripBreaker(t, m, "u1", models.IntegrationContacts)
	expireCooldown(t, repo, "u1", models.IntegrationContacts)

	first, err := m.AllowRequest("u1", models.IntegrationContacts)
	if err != nil {
		t.Fatalf("AllowRequest: %v", err)
	}
	if !first {
		t.Fatal("expected the first post-cooldown request to win the probe")
	}

	second, err := m.AllowRequest("u1", models.IntegrationContacts)
	if err != nil {
		t.Fatalf("AllowRequest: %v", err)
	}
	if second {
		t.Fatal("second request allowed while probe in flight")
	}

	state, _ := m.GetState("u1", models.IntegrationContacts)
	if state != models.BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", state)
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	m, repo := newTestBreaker(t)
	tripBreaker(t, m, "u1", models.IntegrationContacts)
	expireCooldown(t, repo, "u1", models.IntegrationContacts)

	if allowed, _ := m.AllowRequest("u1", models.IntegrationContacts); !allowed {
		t.Fatal("probe not granted")
	}
	if err := m.RecordSuccess("u1", models.IntegrationContacts); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	record, _ := repo.Get("u1", models.IntegrationContacts)
	if record.State != models.BreakerClosed {
		t.Fatalf("state = %s, want closed", record.State)
	}
	if record.FailureCount != 0 || record.CooldownSeconds != 0 || record.ProbeInFlight {
		t.Fatalf("probe success did not fully reset: %+v", record)
	}
}

func TestBreakerProbeFailureDoublesCooldown(t *testing.T) {
	m, repo := newTestBreaker(t)
	tripBreaker(t, m, "u1", models.IntegrationContacts)

	record, _ := repo.Get("u1", models.IntegrationContacts)
	firstCooldown := record.CooldownSeconds
	if firstCooldown != int((30 * time.Minute).Seconds()) {
		t.Fatalf("next cooldown = %ds after first trip, want doubled base 1800", firstCooldown)
	}

	expireCooldown(t, repo, "u1", models.IntegrationContacts)
	if allowed, _ := m.AllowRequest("u1", models.IntegrationContacts); !allowed {
		t.Fatal("probe not granted")
	}
	if err := m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	record, _ = repo.Get("u1", models.IntegrationContacts)
	if record.State != models.BreakerOpen {
		t.Fatalf("state = %s after probe failure, want open", record.State)
	}
	if record.CooldownSeconds != int(time.Hour.Seconds()) {
		t.Fatalf("next cooldown = %ds, want capped 3600", record.CooldownSeconds)
	}
	if record.ProbeInFlight {
		t.Fatal("probe flag not cleared after probe failure")
	}
}

func TestBreakerCooldownCap(t *testing.T) {
	m, repo := newTestBreaker(t)
	tripBreaker(t, m, "u1", models.IntegrationContacts)

	// Fail the probe repeatedly; the cooldown must stop at the max.
	for i := 0; i < 4; i++ {
		expireCooldown(t, repo, "u1", models.IntegrationContacts)
		if allowed, _ := m.AllowRequest("u1", models.IntegrationContacts); !allowed {
			t.Fatal("probe not granted")
		}
		m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)
	}

	record, _ := repo.Get("u1", models.IntegrationContacts)
	if record.CooldownSeconds > int(time.Hour.Seconds()) {
		t.Fatalf("cooldown %ds exceeds max %v", record.CooldownSeconds, time.Hour)
	}
}

func TestBreakerDisabledSentinel(t *testing.T) {
	m, _ := newTestBreaker(t)

	if err := m.Disable("u1", models.IntegrationContacts, models.DisabledReasonDisconnected); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	if allowed, _ := m.AllowRequest("u1", models.IntegrationContacts); allowed {
		t.Fatal("disabled breaker allowed a request")
	}

	// Stray success and failure feedback must not leave the sentinel.
	m.RecordSuccess("u1", models.IntegrationContacts)
	m.RecordFailure("u1", models.IntegrationContacts, ErrKindTransient)

	disabled, reason, err := m.IsDisabled("u1", models.IntegrationContacts)
	if err != nil {
		t.Fatalf("IsDisabled: %v", err)
	}
	if !disabled || reason != models.DisabledReasonDisconnected {
		t.Fatalf("IsDisabled = (%v, %q), want disabled with disconnect reason", disabled, reason)
	}

	if err := m.Reset("u1", models.IntegrationContacts); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if allowed, _ := m.AllowRequest("u1", models.IntegrationContacts); !allowed {
		t.Fatal("reset breaker rejected a request")
	}
}

func TestBreakerIsDisabledWithoutRow(t *testing.T) {
	m, _ := newTestBreaker(t)

	disabled, _, err := m.IsDisabled("unknown", models.IntegrationCalendar)
	if err != nil {
		t.Fatalf("IsDisabled: %v", err)
	}
	if disabled {
		t.Fatal("missing breaker row reported disabled")
	}
}
