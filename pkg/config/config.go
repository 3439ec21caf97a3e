// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	PolicyFile  string
	ActionsFile string

	AuditCapacity      int
	AuditDriver        string // sqlite or postgres; empty keeps the log in memory only
	AuditDSN           string
	AuditArchiveBucket string
	AuditArchivePrefix string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ControlPlanePort int
	ApprovalTimeout  time.Duration

	JWTSecret    string
	SignerSeed   string
	SignerLabel  string
	UseHSM       bool
	OTLPEndpoint string
}

// Load loads configuration from WARDEN_* environment variables. Values
// that are set but malformed are an error rather than silently defaulted.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getenv("WARDEN_PORT", "8080"),
		LogLevel:           getenv("WARDEN_LOG_LEVEL", "INFO"),
		PolicyFile:         os.Getenv("WARDEN_POLICY_FILE"),
		ActionsFile:        os.Getenv("WARDEN_ACTIONS_FILE"),
		AuditDriver:        strings.ToLower(os.Getenv("WARDEN_AUDIT_DRIVER")),
		AuditDSN:           os.Getenv("WARDEN_AUDIT_DSN"),
		AuditArchiveBucket: os.Getenv("WARDEN_AUDIT_ARCHIVE_BUCKET"),
		AuditArchivePrefix: getenv("WARDEN_AUDIT_ARCHIVE_PREFIX", "audit/"),
		RedisAddr:          os.Getenv("WARDEN_REDIS_ADDR"),
		RedisPassword:      os.Getenv("WARDEN_REDIS_PASSWORD"),
		JWTSecret:          os.Getenv("WARDEN_JWT_SECRET"),
		SignerSeed:         os.Getenv("WARDEN_SIGNER_SEED"),
		SignerLabel:        getenv("WARDEN_SIGNER_LABEL", "warden-signer"),
		UseHSM:             os.Getenv("WARDEN_SIGNER_HSM") == "true",
		OTLPEndpoint:       os.Getenv("WARDEN_OTEL_ENDPOINT"),
	}

	var err error
	if cfg.AuditCapacity, err = intEnv("WARDEN_AUDIT_CAPACITY", 1000); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intEnv("WARDEN_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.ControlPlanePort, err = intEnv("WARDEN_CONTROL_PLANE_PORT", 0); err != nil {
		return nil, err
	}
	if cfg.ApprovalTimeout, err = durationEnv("WARDEN_APPROVAL_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.AuditDriver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported WARDEN_AUDIT_DRIVER %q", c.AuditDriver)
	}
	if c.AuditDriver != "" && c.AuditDSN == "" {
		return fmt.Errorf("config: WARDEN_AUDIT_DSN is required with driver %s", c.AuditDriver)
	}
	if c.AuditCapacity <= 0 {
		return fmt.Errorf("config: WARDEN_AUDIT_CAPACITY must be positive")
	}
	if c.ControlPlanePort < 0 || c.ControlPlanePort > 65535 {
		return fmt.Errorf("config: WARDEN_CONTROL_PLANE_PORT out of range")
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("config: WARDEN_APPROVAL_TIMEOUT must be positive")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
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

func durationEnv(key string, def time.Duration) (time.Duration, error) {
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
