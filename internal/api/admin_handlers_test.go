package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"circlesync/internal/models"
	"circlesync/internal/services"

	"google.golang.org/api/googleapi"
)

func adminGet(t *testing.T, f *jobFixture, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestGetIntegrationsIncludesLastOutcome(t *testing.T) {
	f := newJobFixture(t)
	f.executor.err = &googleapi.Error{Code: 403, Message: "insufficient scopes"}
	postJob(t, f, services.JobContactsSync, contactsJob("key-1"))

	var listed []IntegrationStatusResponse
	if code := adminGet(t, f, "/api/integrations/u1", &listed); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d integrations, want 1", len(listed))
	}
	if listed[0].LastOutcome != models.OutcomeFailed {
		t.Fatalf("last outcome = %q, want failed", listed[0].LastOutcome)
	}
	if listed[0].LastErrorKind != services.ErrKindFatalConfig {
		t.Fatalf("last error kind = %q, want %s", listed[0].LastErrorKind, services.ErrKindFatalConfig)
	}
	if listed[0].LastSyncedAt == "" {
		t.Fatal("last synced timestamp missing")
	}
}

func TestGetIntegrationsWithoutHistory(t *testing.T) {
	f := newJobFixture(t)

	var listed []IntegrationStatusResponse
	if code := adminGet(t, f, "/api/integrations/u1", &listed); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d integrations, want 1", len(listed))
	}
	if listed[0].LastOutcome != "" || listed[0].LastSyncedAt != "" {
		t.Fatalf("fresh integration carries sync history: %+v", listed[0])
	}
}

func TestGetStatsCountsActiveIntegrations(t *testing.T) {
	f := newJobFixture(t)
	f.executor.result = &services.ProviderSyncResult{ItemsProcessed: 2, ChangesDetected: true}
	postJob(t, f, services.JobContactsSync, contactsJob("key-1"))

	var stats map[string]int64
	if code := adminGet(t, f, "/api/stats", &stats); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if stats["active_integrations"] != 1 {
		t.Fatalf("active_integrations = %d, want 1", stats["active_integrations"])
	}
	if stats[models.OutcomeSucceeded] != 1 {
		t.Fatalf("succeeded = %d, want 1", stats[models.OutcomeSucceeded])
	}
}

func TestGetJobRecord(t *testing.T) {
	f := newJobFixture(t)
	f.executor.result = &services.ProviderSyncResult{ItemsProcessed: 2, ChangesDetected: true}
	postJob(t, f, services.JobContactsSync, contactsJob("key-1"))

	var record models.IdempotencyRecord
	if code := adminGet(t, f, "/api/jobs/key-1", &record); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if record.Status != models.IdempotencySucceeded {
		t.Fatalf("record status = %s, want succeeded", record.Status)
	}
	if record.JobName != services.JobContactsSync {
		t.Fatalf("record job = %s, want %s", record.JobName, services.JobContactsSync)
	}

	if code := adminGet(t, f, "/api/jobs/key-unknown", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d for an unknown key, want 404", code)
	}
}
