package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the live bridge service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	UpstreamProvider    string `yaml:"upstream_provider"`
	GeminiAPIKey        string `yaml:"gemini_api_key"`
	GeminiUseVertexAI   bool   `yaml:"gemini_use_vertexai"`
	GoogleCloudProject  string `yaml:"google_cloud_project"`
	GoogleCloudLocation string `yaml:"google_cloud_location"`
	LiveModel           string `yaml:"live_model"`

	DefaultVoice             string `yaml:"default_voice"`
	DefaultLanguage          string `yaml:"default_language"`
	DefaultSystemInstruction string `yaml:"default_system_instruction"`
	VADStartSensitivity      string `yaml:"vad_start_sensitivity"`
	VADEndSensitivity        string `yaml:"vad_end_sensitivity"`

	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	MaxSessions        int           `yaml:"max_sessions"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`

	ReceiveBackoff    time.Duration `yaml:"receive_backoff"`
	ReceiveBackoffMax time.Duration `yaml:"receive_backoff_max"`
	ReceiveMaxRetries int           `yaml:"receive_max_retries"`

	DatabaseURL string `yaml:"database_url"`
}

// Defaults returns the baseline configuration before file and env overrides.
func Defaults() Config {
	return Config{
		BindAddr:         ":8080",
		ShutdownTimeout:  15 * time.Second,
		MetricsNamespace: "livebridge",
		LogLevel:         "info",
		LogFormat:        "json",
		UpstreamProvider: "auto",
		// Native audio dialog model; half-cascade models also work for voice.
		LiveModel:                "gemini-2.5-flash-preview-native-audio-dialog",
		GoogleCloudLocation:      "us-central1",
		DefaultVoice:             "Kore",
		DefaultSystemInstruction: "You are a helpful AI assistant having a natural conversation.",
		VADStartSensitivity:      "high",
		VADEndSensitivity:        "high",
		SessionIdleTimeout:       300 * time.Second,
		SweepInterval:            60 * time.Second,
		MaxSessions:              100,
		HandshakeTimeout:         10 * time.Second,
		ReceiveBackoff:           time.Second,
		ReceiveBackoffMax:        8 * time.Second,
		ReceiveMaxRetries:        5,
	}
}

// Load applies the optional YAML file named by APP_CONFIG_FILE, then
// environment variables, on top of Defaults.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("LOG_FORMAT", cfg.LogFormat))
	cfg.UpstreamProvider = strings.ToLower(envOrDefault("UPSTREAM_PROVIDER", cfg.UpstreamProvider))
	cfg.GeminiAPIKey = envOrDefault("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GoogleCloudProject = envOrDefault("GOOGLE_CLOUD_PROJECT", cfg.GoogleCloudProject)
	cfg.GoogleCloudLocation = envOrDefault("GOOGLE_CLOUD_LOCATION", cfg.GoogleCloudLocation)
	cfg.LiveModel = envOrDefault("GEMINI_LIVE_MODEL", cfg.LiveModel)
	cfg.DefaultVoice = envOrDefault("LIVE_DEFAULT_VOICE", cfg.DefaultVoice)
	cfg.DefaultLanguage = envOrDefault("LIVE_DEFAULT_LANGUAGE", cfg.DefaultLanguage)
	cfg.DefaultSystemInstruction = envOrDefault("LIVE_DEFAULT_SYSTEM_INSTRUCTION", cfg.DefaultSystemInstruction)
	cfg.VADStartSensitivity = strings.ToLower(envOrDefault("VAD_START_SENSITIVITY", cfg.VADStartSensitivity))
	cfg.VADEndSensitivity = strings.ToLower(envOrDefault("VAD_END_SENSITIVITY", cfg.VADEndSensitivity))
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("LIVE_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationFromEnv("LIVE_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = durationFromEnv("LIVE_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReceiveBackoff, err = durationFromEnv("LIVE_RECEIVE_BACKOFF", cfg.ReceiveBackoff); err != nil {
		return Config{}, err
	}
	if cfg.ReceiveBackoffMax, err = durationFromEnv("LIVE_RECEIVE_BACKOFF_MAX", cfg.ReceiveBackoffMax); err != nil {
		return Config{}, err
	}
	if cfg.MaxSessions, err = intFromEnv("LIVE_MAX_SESSIONS", cfg.MaxSessions); err != nil {
		return Config{}, err
	}
	if cfg.ReceiveMaxRetries, err = intFromEnv("LIVE_RECEIVE_MAX_RETRIES", cfg.ReceiveMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.GeminiUseVertexAI, err = boolFromEnv("GEMINI_USE_VERTEXAI", cfg.GeminiUseVertexAI); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.SessionIdleTimeout < 5*time.Second {
		return fmt.Errorf("LIVE_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("LIVE_SWEEP_INTERVAL must be at least 1s")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("LIVE_HANDSHAKE_TIMEOUT must be positive")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("LIVE_MAX_SESSIONS must be >= 0")
	}
	if c.ReceiveBackoff <= 0 || c.ReceiveBackoffMax < c.ReceiveBackoff {
		return fmt.Errorf("LIVE_RECEIVE_BACKOFF must be positive and not exceed LIVE_RECEIVE_BACKOFF_MAX")
	}
	if c.ReceiveMaxRetries <= 0 {
		return fmt.Errorf("LIVE_RECEIVE_MAX_RETRIES must be positive")
	}
	switch c.UpstreamProvider {
	case "auto", "gemini", "mock":
	default:
		return fmt.Errorf("invalid UPSTREAM_PROVIDER: %q (expected auto|gemini|mock)", c.UpstreamProvider)
	}
	for key, v := range map[string]string{
		"VAD_START_SENSITIVITY": c.VADStartSensitivity,
		"VAD_END_SENSITIVITY":   c.VADEndSensitivity,
	} {
		if v != "low" && v != "high" {
			return fmt.Errorf("%s must be low or high, got %q", key, v)
		}
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
