package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, read from IDENTITY_*
// environment variables. A .env file in the working directory is
// loaded first when present; real environment variables win.
type Config struct {
	Addr string
	Env  string

	PGDSN string

	KeycloakBaseURL      string
	KeycloakRealm        string
	KeycloakClientID     string
	KeycloakClientSecret string

	// TokenHashKey keys the ledger hash; empty falls back to plain
	// SHA-256.
	TokenHashKey string

	SweepInterval    time.Duration
	SweepEnabled     bool
	ProviderRPS      float64
	ProviderBurst    int
	RateLimitPerMin  int
	RequestBodyLimit int64
}

// Load reads the environment. Only the provider coordinates are
// required; everything else has a workable default.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:             getenv("IDENTITY_ADDR", ":8080"),
		Env:              getenv("IDENTITY_ENV", "dev"),
		PGDSN:            os.Getenv("IDENTITY_PG_DSN"),
		KeycloakBaseURL:  os.Getenv("IDENTITY_KEYCLOAK_URL"),
		KeycloakRealm:    getenv("IDENTITY_KEYCLOAK_REALM", "careersync"),
		KeycloakClientID: os.Getenv("IDENTITY_KEYCLOAK_CLIENT_ID"),
		TokenHashKey:     os.Getenv("IDENTITY_TOKEN_HASH_KEY"),
	}
	cfg.KeycloakClientSecret = os.Getenv("IDENTITY_KEYCLOAK_CLIENT_SECRET")

	if cfg.KeycloakBaseURL == "" {
		return nil, fmt.Errorf("config: IDENTITY_KEYCLOAK_URL is required")
	}
	if cfg.KeycloakClientID == "" {
		return nil, fmt.Errorf("config: IDENTITY_KEYCLOAK_CLIENT_ID is required")
	}

	var err error
	if cfg.SweepInterval, err = getenvDuration("IDENTITY_SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.SweepEnabled, err = getenvBool("IDENTITY_SWEEP_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.ProviderRPS, err = getenvFloat("IDENTITY_PROVIDER_RPS", 10); err != nil {
		return nil, err
	}
	if cfg.ProviderBurst, err = getenvInt("IDENTITY_PROVIDER_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMin, err = getenvInt("IDENTITY_RATE_LIMIT_PER_MIN", 300); err != nil {
		return nil, err
	}
	var bodyLimit int
	if bodyLimit, err = getenvInt("IDENTITY_MAX_BODY_BYTES", 1<<20); err != nil {
		return nil, err
	}
	cfg.RequestBodyLimit = int64(bodyLimit)

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
