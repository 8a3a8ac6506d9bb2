package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_DISABLED", "true")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Fatalf("Port=%d, want 8080", cfg.Port)
	}
	if cfg.RegistryEntryTTL != 30*time.Minute {
		t.Fatalf("RegistryEntryTTL=%v, want 30m", cfg.RegistryEntryTTL)
	}
	if cfg.MaxWorkersPerUser != 2 {
		t.Fatalf("MaxWorkersPerUser=%d, want 2", cfg.MaxWorkersPerUser)
	}
	if cfg.JournalPath != "" {
		t.Fatalf("JournalPath=%q, want empty (journal disabled by default)", cfg.JournalPath)
	}
}

func TestLoadRequiresJWKSUnlessAuthDisabled(t *testing.T) {
	t.Setenv("AUTH_DISABLED", "false")
	t.Setenv("JWKS_ENDPOINT", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when auth is enabled without a JWKS endpoint")
	}
}

func TestLoadDerivesIssuerFromJWKSEndpoint(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("JWKS_ENDPOINT", "https://auth.example.com/.well-known/jwks.json")
	t.Setenv("JWT_ISSUER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.JWTIssuer != "https://auth.example.com" {
		t.Fatalf("JWTIssuer=%q, want derived origin", cfg.JWTIssuer)
	}
}

func TestLoadRejectsNonPositiveFairnessCaps(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_WORKERS_PER_USER", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for MAX_WORKERS_PER_USER=0")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WORKER_IDLE_TIMEOUT", "90s")
	t.Setenv("LOAD_SHED_THRESHOLD", "2.5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.WorkerIdleTimeout != 90*time.Second {
		t.Fatalf("WorkerIdleTimeout=%v, want 90s", cfg.WorkerIdleTimeout)
	}
	if cfg.LoadShedThreshold != 2.5 {
		t.Fatalf("LoadShedThreshold=%v, want 2.5", cfg.LoadShedThreshold)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("AllowedOrigins=%v, want two trimmed entries", cfg.AllowedOrigins)
	}
}
