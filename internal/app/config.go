package app

import (
	"errors"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Symmetric key for verifying identity tokens. Required; min 32 bytes.
	TokenSecret string

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("GAPSHAP_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("GAPSHAP_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("GAPSHAP_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("GAPSHAP_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("GAPSHAP_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("GAPSHAP_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("GAPSHAP_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("GAPSHAP_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("GAPSHAP_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("GAPSHAP_DB_MIN_CONNS", 0),

		TokenSecret: EnvString("GAPSHAP_TOKEN_SECRET", ""),

		ReadinessRequireDB: EnvBool("GAPSHAP_READINESS_REQUIRE_DB", false),
	}
}

// Validate enforces startup policy. Fail-fast: a server without a verifiable
// identity secret must not come up.
func (c Config) Validate() error {
	if len(c.TokenSecret) < 32 {
		return errors.New("GAPSHAP_TOKEN_SECRET is required and must be at least 32 bytes")
	}
	return nil
}
