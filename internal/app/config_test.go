package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel=%q", cfg.LogLevel)
	}
	if cfg.ReadTimeout != 15*time.Second || cfg.IdleTimeout != 60*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg)
	}
	if cfg.DBMaxConns != 10 {
		t.Fatalf("DBMaxConns=%d", cfg.DBMaxConns)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("GAPSHAP_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("GAPSHAP_LOG_LEVEL", "debug")
	t.Setenv("GAPSHAP_HTTP_READ_TIMEOUT", "3s")
	t.Setenv("GAPSHAP_READINESS_REQUIRE_DB", "true")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" || cfg.LogLevel != "debug" {
		t.Fatalf("overrides lost: %+v", cfg)
	}
	if cfg.ReadTimeout != 3*time.Second {
		t.Fatalf("ReadTimeout=%v", cfg.ReadTimeout)
	}
	if !cfg.ReadinessRequireDB {
		t.Fatal("ReadinessRequireDB not set")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	var cfg Config
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing token secret must fail validation")
	}

	cfg.TokenSecret = "short"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "32") {
		t.Fatalf("short secret: %v", err)
	}

	cfg.TokenSecret = strings.Repeat("s", 32)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid secret rejected: %v", err)
	}
}
