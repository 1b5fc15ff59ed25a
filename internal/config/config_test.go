package config

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.OutputDir != "./output" {
		t.Errorf("Expected output dir './output', got %s", cfg.OutputDir)
	}

	if cfg.RequestDelay != 1500*time.Millisecond {
		t.Errorf("Expected request delay 1.5s, got %v", cfg.RequestDelay)
	}

	if cfg.BackoffFactor != 2.0 {
		t.Errorf("Expected backoff factor 2.0, got %v", cfg.BackoffFactor)
	}

	if cfg.MaxRetries != 3 {
		t.Errorf("Expected max retries 3, got %d", cfg.MaxRetries)
	}

	if len(cfg.RetryStatusCodes) != 5 {
		t.Errorf("Expected 5 retry status codes, got %v", cfg.RetryStatusCodes)
	}

	if cfg.MediaIdentity != MediaIdentitySHA256 {
		t.Errorf("Expected media identity sha256, got %s", cfg.MediaIdentity)
	}

	if cfg.UserAgent != DefaultUserAgent {
		t.Errorf("Expected user agent %q, got %s", DefaultUserAgent, cfg.UserAgent)
	}

	if cfg.MaxPages != 0 {
		t.Errorf("Expected max pages 0, got %d", cfg.MaxPages)
	}

	if cfg.DatabasePath != "" {
		t.Errorf("Expected no database by default, got %s", cfg.DatabasePath)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*MirrorConfig)
		want   error
	}{
		{"valid config", func(*MirrorConfig) {}, nil},
		{"empty output dir", func(c *MirrorConfig) { c.OutputDir = "" }, ErrEmptyOutputDir},
		{"negative max pages", func(c *MirrorConfig) { c.MaxPages = -1 }, ErrInvalidMaxPages},
		{"invalid timeout", func(c *MirrorConfig) { c.RequestTimeout = 0 }, ErrInvalidTimeout},
		{"no retries", func(c *MirrorConfig) { c.MaxRetries = 0 }, ErrInvalidRetries},
		{"inverted delay bounds", func(c *MirrorConfig) { c.MinDelay = 5 * time.Second; c.MaxDelay = time.Second }, ErrInvalidDelayBounds},
		{"negative min delay", func(c *MirrorConfig) { c.MinDelay = -time.Second }, ErrInvalidDelayBounds},
		{"backoff below one", func(c *MirrorConfig) { c.BackoffFactor = 0.5 }, ErrInvalidBackoff},
		{"unknown media identity", func(c *MirrorConfig) { c.MediaIdentity = "md5" }, ErrInvalidMediaIdentity},
		{"heuristic media identity", func(c *MirrorConfig) { c.MediaIdentity = MediaIdentityHeuristic }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateClampsDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinDelay = time.Second
	cfg.MaxDelay = 10 * time.Second

	cfg.RequestDelay = 100 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.RequestDelay != time.Second {
		t.Errorf("Expected delay raised to min, got %v", cfg.RequestDelay)
	}

	cfg.RequestDelay = time.Minute
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.RequestDelay != 10*time.Second {
		t.Errorf("Expected delay lowered to max, got %v", cfg.RequestDelay)
	}

	cfg.MediaIdentity = ""
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.MediaIdentity != MediaIdentitySHA256 {
		t.Errorf("Expected empty media identity to default to sha256, got %q", cfg.MediaIdentity)
	}
}

func TestRequireSource(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.RequireSource(); !errors.Is(err, ErrNoSource) {
		t.Errorf("Expected ErrNoSource, got %v", err)
	}

	for _, set := range []func(*MirrorConfig){
		func(c *MirrorConfig) { c.SeedURL = "https://example.com/" },
		func(c *MirrorConfig) { c.SitemapURL = "https://example.com/sitemap.xml" },
		func(c *MirrorConfig) { c.InputFile = "urls.txt" },
	} {
		cfg := DefaultConfig()
		set(cfg)
		if err := cfg.RequireSource(); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	}
}

func TestAuthCredentials(t *testing.T) {
	t.Setenv("SM_TEST_USER", "env-user")
	t.Setenv("SM_TEST_TOKEN", "env-token")

	cfg := DefaultConfig()
	if u, p := cfg.GetBasicAuthCredentials(); u != "" || p != "" {
		t.Errorf("Expected no credentials, got %q/%q", u, p)
	}
	if tok := cfg.GetBearerToken(); tok != "" {
		t.Errorf("Expected no token, got %q", tok)
	}

	cfg.Auth = &Auth{
		Type:   "basic",
		Basic:  &BasicAuth{UsernameEnv: "SM_TEST_USER", Password: "secret"},
		Bearer: &BearerAuth{TokenEnv: "SM_TEST_TOKEN"},
	}
	u, p := cfg.GetBasicAuthCredentials()
	if u != "env-user" || p != "secret" {
		t.Errorf("Expected env-user/secret, got %q/%q", u, p)
	}
	if tok := cfg.GetBearerToken(); tok != "env-token" {
		t.Errorf("Expected env-token, got %q", tok)
	}
}
