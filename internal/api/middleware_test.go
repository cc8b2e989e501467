package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"circlesync/internal/config"

	"golang.org/x/crypto/bcrypt"
)

func adminProbe(t *testing.T, cfg config.ServerConfig, token string) int {
	t.Helper()
	var reached bool
	handler := AdminAuthMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/schedules", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK && !reached {
		t.Fatal("200 without reaching the inner handler")
	}
	return rec.Code
}

func TestAdminAuthOpenWithoutToken(t *testing.T) {
	if code := adminProbe(t, config.ServerConfig{}, ""); code != http.StatusOK {
		t.Fatalf("status = %d with no token configured, want 200", code)
	}
}

func TestAdminAuthPlainToken(t *testing.T) {
	cfg := config.ServerConfig{AdminToken: "s3cret"}

	if code := adminProbe(t, cfg, "s3cret"); code != http.StatusOK {
		t.Fatalf("status = %d with the right token, want 200", code)
	}
	if code := adminProbe(t, cfg, "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("status = %d with the wrong token, want 401", code)
	}
	if code := adminProbe(t, cfg, ""); code != http.StatusUnauthorized {
		t.Fatalf("status = %d with no Authorization header, want 401", code)
	}
}

func TestAdminAuthHashedToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	cfg := config.ServerConfig{AdminTokenHash: string(hash)}

	if code := adminProbe(t, cfg, "s3cret"); code != http.StatusOK {
		t.Fatalf("status = %d with the right token against a hash, want 200", code)
	}
	if code := adminProbe(t, cfg, "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("status = %d with the wrong token against a hash, want 401", code)
	}
}

func TestAdminAuthHashTakesPrecedence(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	cfg := config.ServerConfig{AdminToken: "plain", AdminTokenHash: string(hash)}

	if code := adminProbe(t, cfg, "plain"); code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want the plaintext ignored when a hash is set", code)
	}
	if code := adminProbe(t, cfg, "hashed"); code != http.StatusOK {
		t.Fatalf("status = %d with the hashed token, want 200", code)
	}
}
