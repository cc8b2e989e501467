package services

import (
	"testing"

	"circlesync/internal/models"
)

func TestExecutorRegistry(t *testing.T) {
	registry := NewExecutorRegistry()

	if _, ok := registry.Get(models.IntegrationContacts); ok {
		t.Fatal("empty registry returned an executor")
	}
	if len(registry.Types()) != 0 {
		t.Fatalf("empty registry lists %v", registry.Types())
	}

	plain := &fakeExecutor{integrationType: models.IntegrationContacts}
	withChannels := &channelExecutor{fakeExecutor: fakeExecutor{integrationType: models.IntegrationCalendar}}
	registry.Register(plain)
	registry.Register(withChannels)

	got, ok := registry.Get(models.IntegrationContacts)
	if !ok || got != SyncExecutor(plain) {
		t.Fatal("registered contacts executor not returned")
	}

	types := registry.Types()
	if len(types) != 2 {
		t.Fatalf("registered types = %v, want both", types)
	}
	seen := map[models.IntegrationType]bool{}
	for _, it := range types {
		seen[it] = true
	}
	if !seen[models.IntegrationContacts] || !seen[models.IntegrationCalendar] {
		t.Fatalf("registered types = %v, want contacts and calendar", types)
	}

	// Only providers that actually support push channels expose a registrar.
	if registry.RegistrarFor(models.IntegrationContacts) != nil {
		t.Fatal("plain executor reported a channel registrar")
	}
	if registry.RegistrarFor(models.IntegrationCalendar) == nil {
		t.Fatal("channel-capable executor hid its registrar")
	}
}
