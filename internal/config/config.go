package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Warden control plane.
type Config struct {
	Port      int
	Version   string
	Mode      string
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Audit     AuditConfig
	Skills    SkillsConfig
	Queue     QueueConfig
	Alerts    AlertConfig
	Loop      LoopConfig
	Adapters  AdapterConfig
	Auth      AuthConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	// URL selects the backend: empty for in-memory, sqlite://path or postgres://...
	URL            string
	MaxConnections int
	// DataDir is where the in-memory store snapshots to when set.
	DataDir string
}

type RedisConfig struct {
	URL     string
	Channel string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Version      string
}

type AuditConfig struct {
	ExportPath     string
	ExportSchedule string
	Compress       bool
}

type SkillsConfig struct {
	File       string
	Timeout    time.Duration
	RetryDelay time.Duration
	// LogLimit caps the number of log lines kept on an execution.
	LogLimit int
}

type QueueConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	StaleAfter  time.Duration
	// LocalWorker runs an in-process worker that claims skill tasks.
	LocalWorker bool
	WorkerID    string
}

type AlertConfig struct {
	WebhookURL    string
	WebhookSecret string
}

type AdapterConfig struct {
	DockerBinary    string
	ProxmoxURL      string
	ProxmoxToken    string
	ProxmoxInsecure bool
}

type AuthConfig struct {
	// APIKeys are accepted on mutating routes; empty disables the check.
	APIKeys []string
}

type LoopConfig struct {
	Enabled      bool
	TickInterval time.Duration
	// Targets are the scheme://id references the detector inspects each tick.
	Targets []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	version := envStr("WARDEN_VERSION", "0.1.0")
	return &Config{
		Port:    envInt("WARDEN_PORT", 8080),
		Version: version,
		Mode:    strings.ToLower(envStr("WARDEN_MODE", "mock")),
		Log: LogConfig{
			Level:  envStr("WARDEN_LOG_LEVEL", "info"),
			Format: envStr("WARDEN_LOG_FORMAT", "console"),
		},
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
			DataDir:        envStr("WARDEN_DATA_DIR", ""),
		},
		Redis: RedisConfig{
			URL:     envStr("REDIS_URL", ""),
			Channel: envStr("WARDEN_REDIS_CHANNEL", "warden:tasks"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "warden-control-plane"),
			Version:      version,
		},
		Audit: AuditConfig{
			ExportPath:     envStr("WARDEN_AUDIT_EXPORT_PATH", ""),
			ExportSchedule: envStr("WARDEN_AUDIT_EXPORT_SCHEDULE", "@daily"),
			Compress:       envBool("WARDEN_AUDIT_EXPORT_COMPRESS", false),
		},
		Skills: SkillsConfig{
			File:       envStr("WARDEN_SKILLS_FILE", ""),
			Timeout:    envDuration("WARDEN_SKILL_TIMEOUT", 60*time.Second),
			RetryDelay: envDuration("WARDEN_RETRY_DELAY", 2*time.Second),
			LogLimit:   envInt("WARDEN_SKILL_LOG_LIMIT", 200),
		},
		Queue: QueueConfig{
			MaxAttempts: envInt("WARDEN_QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase: envDuration("WARDEN_QUEUE_BACKOFF_BASE", time.Second),
			BackoffMax:  envDuration("WARDEN_QUEUE_BACKOFF_MAX", time.Hour),
			StaleAfter:  envDuration("WARDEN_WORKER_STALE_AFTER", 90*time.Second),
			LocalWorker: envBool("WARDEN_LOCAL_WORKER", true),
			WorkerID:    envStr("WARDEN_WORKER_ID", hostnameOr("warden-local")),
		},
		Alerts: AlertConfig{
			WebhookURL:    envStr("WARDEN_ALERT_WEBHOOK_URL", ""),
			WebhookSecret: envStr("WARDEN_ALERT_WEBHOOK_SECRET", ""),
		},
		Loop: LoopConfig{
			Enabled:      envBool("WARDEN_LOOP_ENABLED", true),
			TickInterval: envDuration("WARDEN_TICK_INTERVAL", 30*time.Second),
			Targets:      envList("WARDEN_WATCH_TARGETS"),
		},
		Adapters: AdapterConfig{
			DockerBinary:    envStr("WARDEN_DOCKER_BINARY", "docker"),
			ProxmoxURL:      envStr("WARDEN_PROXMOX_URL", ""),
			ProxmoxToken:    envStr("WARDEN_PROXMOX_TOKEN", ""),
			ProxmoxInsecure: envBool("WARDEN_PROXMOX_INSECURE", false),
		},
		Auth: AuthConfig{
			APIKeys: envList("WARDEN_API_KEYS"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// envBool accepts the boolean-ish spellings operators tend to use in
// compose files (1/true/yes/on) on top of strconv.ParseBool.
func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return Truthy(v)
}

func envList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// Truthy reports whether s is one of 1/true/yes/on, case-insensitive.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on", "y", "t":
		return true
	}
	return false
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
