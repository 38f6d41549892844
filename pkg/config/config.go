// Package config loads the kernel's runtime configuration from the
// environment. Every knob has a working default so the in-memory profile
// starts with no configuration at all.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the environment-driven runtime configuration.
type Config struct {
	// DatabaseURL selects the storage profile: a Postgres DSN for the
	// durable profile, empty for the in-memory profile.
	DatabaseURL string

	// PodID identifies this replica for job claiming and worker ids.
	PodID string

	// MetricsAddr is the Prometheus listen address; empty disables it.
	MetricsAddr string

	// Registry and tenant configuration files.
	RegistryPath    string
	LayersDir       string
	TenantConfigDir string

	// Audit keyring: a JSON keyring, or a single dev secret fallback.
	AuditKeysJSON string
	AuditSecret   string

	// Worker pool.
	Workers              int
	WorkerPollMS         int
	TenantMaxConcurrency int

	// Event log projections.
	SnapshotEvery  int
	RefreshMVEvery int

	// Approval interlock.
	ApprovalWaitS  int
	ApprovalPollMS int
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PodID:                "local",
		MetricsAddr:          ":9090",
		RegistryPath:         "./config/registry.json",
		LayersDir:            "./config/layers",
		TenantConfigDir:      "./config/tenants",
		Workers:              4,
		WorkerPollMS:         300,
		TenantMaxConcurrency: 2,
		SnapshotEvery:        25,
		RefreshMVEvery:       50,
		ApprovalWaitS:        3600,
		ApprovalPollMS:       500,
	}
}

// Load reads the configuration from the environment over the defaults.
func Load() *Config {
	cfg := Default()
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.PodID = resolvePodID()
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.RegistryPath = getEnv("REGISTRY_PATH", cfg.RegistryPath)
	cfg.LayersDir = getEnv("LAYERS_DIR", cfg.LayersDir)
	cfg.TenantConfigDir = getEnv("TENANT_CONFIG_DIR", cfg.TenantConfigDir)
	cfg.AuditKeysJSON = getEnv("AUDIT_KEYS_JSON", cfg.AuditKeysJSON)
	cfg.AuditSecret = getEnv("AUDIT_SECRET", cfg.AuditSecret)
	cfg.Workers = getEnvInt("WORKER_COUNT", cfg.Workers)
	cfg.WorkerPollMS = getEnvInt("WORKER_POLL_MS", cfg.WorkerPollMS)
	cfg.TenantMaxConcurrency = getEnvInt("TENANT_MAX_CONCURRENCY", cfg.TenantMaxConcurrency)
	cfg.SnapshotEvery = getEnvInt("SNAPSHOT_EVERY", cfg.SnapshotEvery)
	cfg.RefreshMVEvery = getEnvInt("REFRESH_MV_EVERY", cfg.RefreshMVEvery)
	cfg.ApprovalWaitS = getEnvInt("APPROVAL_WAIT_S", cfg.ApprovalWaitS)
	cfg.ApprovalPollMS = getEnvInt("APPROVAL_POLL_MS", cfg.ApprovalPollMS)
	return cfg
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Workers)
	}
	if c.WorkerPollMS < 1 {
		return fmt.Errorf("WORKER_POLL_MS must be positive, got %d", c.WorkerPollMS)
	}
	if c.TenantMaxConcurrency < 1 {
		return fmt.Errorf("TENANT_MAX_CONCURRENCY must be at least 1, got %d", c.TenantMaxConcurrency)
	}
	if c.SnapshotEvery < 1 {
		return fmt.Errorf("SNAPSHOT_EVERY must be positive, got %d", c.SnapshotEvery)
	}
	if c.RefreshMVEvery < 1 {
		return fmt.Errorf("REFRESH_MV_EVERY must be positive, got %d", c.RefreshMVEvery)
	}
	if c.ApprovalWaitS < 1 || c.ApprovalPollMS < 1 {
		return fmt.Errorf("approval wait/poll must be positive, got %ds/%dms", c.ApprovalWaitS, c.ApprovalPollMS)
	}
	return nil
}

// Postgres reports whether the durable storage profile is selected.
func (c *Config) Postgres() bool {
	return c.DatabaseURL != ""
}

// resolvePodID determines the replica identifier.
// Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return n
}
