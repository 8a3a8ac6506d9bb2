// Package config provides configuration loading for streamd.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for streamd. Every policy knob of
// the stream lifecycle (TTLs, quotas, debounce windows) is configuration
// rather than a constant so operators can tune them without a rebuild.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// JWT settings
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string
	AuthDisabled bool

	// Cancellation registry
	RegistryEntryTTL     time.Duration
	RegistryReapEvery    time.Duration
	CancelCompleteBudget time.Duration

	// Stream buffer
	BufferRetention time.Duration
	BufferGCEvery   time.Duration
	BufferMaxChunks int
	JournalPath     string // empty disables the SQLite journal

	// Worker pool
	MaxWorkers             int
	WorkersPerCoreRatio    float64
	MaxWorkersPerUser      int
	MaxWorkersPerWorkspace int
	QueueDepthPerUser      int
	QueueDepthPerWorkspace int
	QueueDepthGlobal       int
	WorkerIdleTimeout      time.Duration
	WorkerMaxAge           time.Duration
	ReclaimEvery           time.Duration
	OrphanSweepEvery       time.Duration
	OrphanGracePeriod      time.Duration

	// Host pressure gating
	LoadShedThreshold float64
	PidHighWaterRatio float64
	PidMinHeadroom    int
	PressureRecheck   time.Duration

	// Worker execution
	AgentCommand        string
	AgentArgs           []string
	WorkerUsePTY        bool
	WorkerInitTimeout   time.Duration
	WorkerPromptTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("STREAMD_PORT", 8080),
		Host:           getEnv("STREAMD_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "streamd"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		AuthDisabled: getEnvBool("AUTH_DISABLED", false),

		RegistryEntryTTL:     getEnvDuration("REGISTRY_ENTRY_TTL", 30*time.Minute),
		RegistryReapEvery:    getEnvDuration("REGISTRY_REAP_INTERVAL", time.Minute),
		CancelCompleteBudget: getEnvDuration("CANCEL_COMPLETE_BUDGET", 5*time.Second),

		BufferRetention: getEnvDuration("BUFFER_RETENTION", 10*time.Minute),
		BufferGCEvery:   getEnvDuration("BUFFER_GC_INTERVAL", time.Minute),
		BufferMaxChunks: getEnvInt("BUFFER_MAX_CHUNKS", 4096),
		JournalPath:     getEnv("JOURNAL_DB_PATH", ""),

		MaxWorkers:             getEnvInt("MAX_WORKERS", 16),
		WorkersPerCoreRatio:    getEnvFloat("WORKERS_PER_CORE_RATIO", 1.5),
		MaxWorkersPerUser:      getEnvInt("MAX_WORKERS_PER_USER", 2),
		MaxWorkersPerWorkspace: getEnvInt("MAX_WORKERS_PER_WORKSPACE", 4),
		QueueDepthPerUser:      getEnvInt("QUEUE_DEPTH_PER_USER", 2),
		QueueDepthPerWorkspace: getEnvInt("QUEUE_DEPTH_PER_WORKSPACE", 4),
		QueueDepthGlobal:       getEnvInt("QUEUE_DEPTH_GLOBAL", 32),
		WorkerIdleTimeout:      getEnvDuration("WORKER_IDLE_TIMEOUT", 10*time.Minute),
		WorkerMaxAge:           getEnvDuration("WORKER_MAX_AGE", 2*time.Hour),
		ReclaimEvery:           getEnvDuration("WORKER_RECLAIM_INTERVAL", 30*time.Second),
		OrphanSweepEvery:       getEnvDuration("ORPHAN_SWEEP_INTERVAL", 30*time.Second),
		OrphanGracePeriod:      getEnvDuration("ORPHAN_GRACE_PERIOD", 5*time.Second),

		LoadShedThreshold: getEnvFloat("LOAD_SHED_THRESHOLD", 1.5),
		PidHighWaterRatio: getEnvFloat("PID_HIGH_WATER_RATIO", 0.85),
		PidMinHeadroom:    getEnvInt("PID_MIN_HEADROOM", 2048),
		PressureRecheck:   getEnvDuration("PRESSURE_RECHECK_INTERVAL", 10*time.Second),

		AgentCommand:        getEnv("AGENT_COMMAND", "claude-code-acp"),
		AgentArgs:           getEnvStringSlice("AGENT_ARGS", nil),
		WorkerUsePTY:        getEnvBool("WORKER_USE_PTY", false),
		WorkerInitTimeout:   getEnvDuration("WORKER_INIT_TIMEOUT", 30*time.Second),
		WorkerPromptTimeout: getEnvDuration("WORKER_PROMPT_TIMEOUT", 10*time.Minute),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
	}

	if !cfg.AuthDisabled && cfg.JWKSEndpoint == "" {
		return nil, fmt.Errorf("JWKS_ENDPOINT is required unless AUTH_DISABLED=true")
	}
	if cfg.JWTIssuer == "" && cfg.JWKSEndpoint != "" {
		// Derive issuer from the JWKS origin when not set explicitly.
		cfg.JWTIssuer = strings.TrimSuffix(cfg.JWKSEndpoint, "/.well-known/jwks.json")
	}
	if cfg.MaxWorkersPerUser <= 0 {
		return nil, fmt.Errorf("MAX_WORKERS_PER_USER must be positive")
	}
	if cfg.MaxWorkersPerWorkspace <= 0 {
		return nil, fmt.Errorf("MAX_WORKERS_PER_WORKSPACE must be positive")
	}

	// The registry TTL is a safety net that must comfortably exceed the
	// slowest legitimate execution; a TTL close to the prompt timeout
	// kills long-running work that is still making progress.
	if cfg.RegistryEntryTTL < 3*cfg.WorkerPromptTimeout {
		slog.Warn("REGISTRY_ENTRY_TTL is less than 3x WORKER_PROMPT_TIMEOUT; long executions may be reaped while alive",
			"registryEntryTTL", cfg.RegistryEntryTTL, "workerPromptTimeout", cfg.WorkerPromptTimeout)
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
