// Package config loads the control plane's environment-driven
// configuration (spec §6.6), with an optional config.yaml overlay for
// values that are awkward to express as environment variables (worker
// env propagation, allowed CORS origins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every environment-configurable knob the control plane
// reads at startup.
type Config struct {
	HomeDir string `yaml:"-"`

	// Driver selects the worker-lifecycle façade: "static", "local" or
	// "orchestrated" (spec §4.2, §6.6).
	Driver          string `yaml:"driver"`
	StaticWorkerURL string `yaml:"static_worker_url"`
	WorkerImage     string `yaml:"worker_image"`
	WorkerPort      string `yaml:"worker_port"`

	// Orchestrated-driver-only settings.
	Namespace        string `yaml:"namespace"`
	WorkspaceStorage string `yaml:"workspace_storage"` // "ephemeral" | "persistent"
	StorageClass     string `yaml:"storage_class"`
	WorkerMemoryMB   int64  `yaml:"worker_memory_mb"`
	IdleTTLSeconds   int    `yaml:"idle_ttl_seconds"` // 0 disables the reaper

	// RedisURL, if set, backs the orchestrated driver's endpoint cache with
	// Redis instead of an in-process map so multiple control-plane
	// replicas share acquire/release/idle-reap state.
	RedisURL string `yaml:"redis_url"`

	// WorkerEnv is propagated verbatim to every worker pod/container:
	// model credentials and identifiers the agent runtime needs (spec
	// §6.6 "Worker env propagation").
	WorkerEnv map[string]string `yaml:"worker_env"`

	// DataDir is the Store's SQLite data directory.
	DataDir string `yaml:"data_dir"`

	BindAddr     string   `yaml:"bind_addr"`
	LogLevel     string   `yaml:"log_level"`
	AllowOrigins []string `yaml:"allow_origins"`

	// Title generator collaborator settings (spec §6.6, §9 — the
	// generator itself is out of scope; only its connection settings are
	// owned here).
	TitleGenAPIKey  string `yaml:"title_gen_api_key"`
	TitleGenBaseURL string `yaml:"title_gen_base_url"`
	TitleGenModel   string `yaml:"title_gen_model"`

	// Platform channel registrations. Empty tokens leave the channel
	// unregistered; only the webhook and duplex channels are mandatory.
	TelegramToken       string `yaml:"telegram_token"`
	TelegramSecretToken string `yaml:"telegram_secret_token"`
	DiscordBotToken     string `yaml:"discord_bot_token"`
	DiscordPublicKey    string `yaml:"discord_public_key"`

	// Telemetry (spec ambient stack — off by default, matches the teacher's
	// otel.Config.Enabled default of false).
	OtelEnabled     bool    `yaml:"otel_enabled"`
	OtelExporter    string  `yaml:"otel_exporter"`
	OtelEndpoint    string  `yaml:"otel_endpoint"`
	OtelSampleRate  float64 `yaml:"otel_sample_rate"`

	CronInterval time.Duration `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		Driver:           "static",
		WorkerPort:       "8080",
		WorkspaceStorage: "ephemeral",
		WorkerMemoryMB:   512,
		DataDir:          "./data",
		BindAddr:         "0.0.0.0:8080",
		LogLevel:         "info",
		OtelExporter:     "stdout",
		OtelSampleRate:   1.0,
		CronInterval:     time.Minute,
	}
}

// HomeDir returns the directory config.yaml and the watcher live in,
// honoring AGENTPLANE_HOME.
func HomeDir() string {
	if override := os.Getenv("AGENTPLANE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentplane")
}

// Load builds the effective Config: defaults, overlaid by config.yaml (if
// present), overlaid by the environment variables named in spec §6.6.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentplane home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	strVar := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	intVar := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	int64Var := func(env string, dst *int64) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	strVar("DRIVER", &cfg.Driver)
	strVar("STATIC_WORKER_URL", &cfg.StaticWorkerURL)
	strVar("WORKER_IMAGE", &cfg.WorkerImage)
	strVar("WORKER_PORT", &cfg.WorkerPort)
	strVar("NAMESPACE", &cfg.Namespace)
	strVar("WORKSPACE_STORAGE", &cfg.WorkspaceStorage)
	strVar("STORAGE_CLASS", &cfg.StorageClass)
	int64Var("WORKER_MEMORY_MB", &cfg.WorkerMemoryMB)
	intVar("IDLE_TTL_SECONDS", &cfg.IdleTTLSeconds)
	strVar("AGENTPLANE_REDIS_URL", &cfg.RedisURL)
	strVar("DATA_DIR", &cfg.DataDir)
	strVar("BIND_ADDR", &cfg.BindAddr)
	strVar("LOG_LEVEL", &cfg.LogLevel)
	strVar("TITLE_GEN_API_KEY", &cfg.TitleGenAPIKey)
	strVar("TITLE_GEN_BASE_URL", &cfg.TitleGenBaseURL)
	strVar("TITLE_GEN_MODEL", &cfg.TitleGenModel)
	strVar("TELEGRAM_TOKEN", &cfg.TelegramToken)
	strVar("TELEGRAM_SECRET_TOKEN", &cfg.TelegramSecretToken)
	strVar("DISCORD_BOT_TOKEN", &cfg.DiscordBotToken)
	strVar("DISCORD_PUBLIC_KEY", &cfg.DiscordPublicKey)
	strVar("OTEL_EXPORTER", &cfg.OtelExporter)
	strVar("OTEL_ENDPOINT", &cfg.OtelEndpoint)
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		cfg.OtelEnabled = v == "1" || strings.EqualFold(v, "true")
	}

	if v := os.Getenv("ALLOW_ORIGINS"); v != "" {
		cfg.AllowOrigins = splitAndTrim(v)
	}

	// Worker env propagation: any AGENTPLANE_WORKER_ENV_<NAME>=value is
	// forwarded to worker pods as <NAME>=value (spec §6.6).
	const workerEnvPrefix = "AGENTPLANE_WORKER_ENV_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, workerEnvPrefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(kv, workerEnvPrefix), "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		if cfg.WorkerEnv == nil {
			cfg.WorkerEnv = make(map[string]string)
		}
		cfg.WorkerEnv[parts[0]] = parts[1]
	}
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalize(cfg *Config) {
	if cfg.Driver == "" {
		cfg.Driver = "static"
	}
	if cfg.WorkerPort == "" {
		cfg.WorkerPort = "8080"
	}
	if cfg.WorkspaceStorage == "" {
		cfg.WorkspaceStorage = "ephemeral"
	}
	if cfg.WorkerMemoryMB <= 0 {
		cfg.WorkerMemoryMB = 512
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0:8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
