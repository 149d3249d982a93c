package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.TokenTTL != defaultTokenTTL {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.CategoryTimeout != 30*time.Second || cfg.Concurrency != defaultConcurrency {
		t.Fatalf("unexpected discovery defaults %+v", cfg)
	}
	if err := cfg.ValidateServer(); err == nil {
		t.Fatalf("expected missing signing secret to fail server validation")
	}
	if err := cfg.ValidateClient(); err == nil {
		t.Fatalf("expected missing profile to fail client validation")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("QUESTSYNC_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("QUESTSYNC_PROFILE_ID", " profile-1 ")
	t.Setenv("QUESTSYNC_CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("QUESTSYNC_REMOTE_RATE_LIMIT", "5")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("expected server config to validate: %v", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("expected client config to validate: %v", err)
	}
	if cfg.ProfileID != "profile-1" {
		t.Fatalf("expected trimmed profile, got %q", cfg.ProfileID)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.RateLimit != 5 {
		t.Fatalf("unexpected rate limit %v", cfg.RateLimit)
	}
}

func TestLoadRejectsUnknownBlobBackend(t *testing.T) {
	configViper := NewViper()
	configViper.Set("blobs.backend", "ftp")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
	configViper.Set("blobs.backend", "s3")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected s3 backend without bucket to fail")
	}
	configViper.Set("s3.bucket", "attachments")
	if _, err := Load(configViper); err != nil {
		t.Fatalf("expected s3 backend with bucket to load: %v", err)
	}
}
