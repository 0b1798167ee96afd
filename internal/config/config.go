package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Limits        LimitsConfig        `yaml:"limits"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	Langfuse      LangfuseConfig      `yaml:"langfuse"`
	Playground    PlaygroundConfig    `yaml:"playground"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

type StorageConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type AuthConfig struct {
	Enabled bool           `yaml:"enabled"`
	Header  string         `yaml:"header"`
	Keys    []APIKeyConfig `yaml:"keys"`
	// Identity used for every request while auth is disabled.
	AnonymousUserID string `yaml:"anonymous_user_id"`
	AnonymousRole   string `yaml:"anonymous_role"`
}

type APIKeyConfig struct {
	ID          string   `yaml:"id"`
	Token       string   `yaml:"token"`
	TokenHash   string   `yaml:"token_hash"`
	UserID      string   `yaml:"user_id"`
	Role        string   `yaml:"role"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type LimitsConfig struct {
	PerUser    RateLimitConfig `yaml:"per_user"`
	Playground RateLimitConfig `yaml:"playground"`
}

type RateLimitConfig struct {
	StartsPerMinute int `yaml:"starts_per_minute"`
	Burst           int `yaml:"burst"`
}

type TrackerConfig struct {
	LiveWindowSeconds int `yaml:"live_window_seconds"`
	RecentLimit       int `yaml:"recent_limit"`
	RegistryShards    int `yaml:"registry_shards"`
}

func (c TrackerConfig) LiveWindow() time.Duration {
	return time.Duration(c.LiveWindowSeconds) * time.Second
}

type LangfuseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	PublicKey       string `yaml:"public_key"`
	SecretKey       string `yaml:"secret_key"`
	QueueSize       int    `yaml:"queue_size"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	MaxRetries      int    `yaml:"max_retries"`
}

type PlaygroundConfig struct {
	Enabled      bool                   `yaml:"enabled"`
	BaseURL      string                 `yaml:"base_url"`
	APIKey       string                 `yaml:"api_key"`
	DefaultModel string                 `yaml:"default_model"`
	Pricing      map[string]PriceConfig `yaml:"pricing"`
}

type PriceConfig struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

type ObservabilityConfig struct {
	LogLevel string     `yaml:"log_level"`
	OTel     OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "promptlab"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

const envPrefix = "PROMPTLAB_"

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ShutdownTimeoutMS: 10000,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/promptlab.db",
		},
		Auth: AuthConfig{
			Enabled:         false,
			Header:          "X-Promptlab-Key",
			AnonymousUserID: "local",
			AnonymousRole:   "owner",
		},
		Limits: LimitsConfig{
			PerUser:    RateLimitConfig{StartsPerMinute: 600},
			Playground: RateLimitConfig{StartsPerMinute: 30},
		},
		Tracker: TrackerConfig{
			LiveWindowSeconds: 3600,
			RecentLimit:       10,
			RegistryShards:    32,
		},
		Langfuse: LangfuseConfig{
			Enabled:         false,
			Host:            "https://cloud.langfuse.com",
			QueueSize:       1024,
			BatchSize:       50,
			FlushIntervalMS: 1000,
			TimeoutMS:       10000,
			MaxRetries:      3,
		},
		Playground: PlaygroundConfig{
			Enabled:      false,
			BaseURL:      "https://api.openai.com/v1",
			DefaultModel: "gpt-4o-mini",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeoutMS <= 0 {
		return fmt.Errorf("server.shutdown_timeout_ms must be > 0 (got %d)", cfg.Server.ShutdownTimeoutMS)
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
		if cfg.Storage.MaxConns < 0 || cfg.Storage.MinConns < 0 {
			return errors.New("storage.max_conns and storage.min_conns must be >= 0")
		}
		if cfg.Storage.MaxConns > 0 && cfg.Storage.MinConns > cfg.Storage.MaxConns {
			return fmt.Errorf("storage.min_conns (%d) must not exceed storage.max_conns (%d)", cfg.Storage.MinConns, cfg.Storage.MaxConns)
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if err := validateAuth(cfg.Auth); err != nil {
		return err
	}
	if err := validateRateLimit("limits.per_user", cfg.Limits.PerUser); err != nil {
		return err
	}
	if err := validateRateLimit("limits.playground", cfg.Limits.Playground); err != nil {
		return err
	}

	if cfg.Tracker.LiveWindowSeconds <= 0 {
		return fmt.Errorf("tracker.live_window_seconds must be > 0 (got %d)", cfg.Tracker.LiveWindowSeconds)
	}
	if cfg.Tracker.RecentLimit <= 0 || cfg.Tracker.RecentLimit > 100 {
		return fmt.Errorf("tracker.recent_limit must be between 1 and 100 (got %d)", cfg.Tracker.RecentLimit)
	}
	if cfg.Tracker.RegistryShards <= 0 {
		return fmt.Errorf("tracker.registry_shards must be > 0 (got %d)", cfg.Tracker.RegistryShards)
	}

	if err := validateLangfuse(cfg.Langfuse); err != nil {
		return err
	}
	if err := validatePlayground(cfg.Playground); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Observability.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level must be one of debug, info, warn, error (got %q)", cfg.Observability.LogLevel)
	}
	return validateOTelConfig(cfg.Observability.OTel)
}

func validateAuth(cfg AuthConfig) error {
	if strings.TrimSpace(cfg.Header) == "" {
		return errors.New("auth.header must not be empty")
	}
	if !cfg.Enabled {
		if strings.TrimSpace(cfg.AnonymousUserID) == "" {
			return errors.New("auth.anonymous_user_id is required when auth is disabled")
		}
		return nil
	}
	if len(cfg.Keys) == 0 {
		return errors.New("auth.keys must contain at least one key when auth.enabled=true")
	}
	for idx, key := range cfg.Keys {
		name := fmt.Sprintf("auth.keys[%d]", idx)
		if strings.TrimSpace(key.ID) == "" {
			return fmt.Errorf("%s.id is required", name)
		}
		if strings.TrimSpace(key.Token) == "" && strings.TrimSpace(key.TokenHash) == "" {
			return fmt.Errorf("%s requires token or token_hash", name)
		}
		if strings.TrimSpace(key.UserID) == "" {
			return fmt.Errorf("%s.user_id is required", name)
		}
	}
	return nil
}

func validateRateLimit(name string, cfg RateLimitConfig) error {
	if cfg.StartsPerMinute < 0 {
		return fmt.Errorf("%s.starts_per_minute must be >= 0 (got %d)", name, cfg.StartsPerMinute)
	}
	if cfg.Burst < 0 {
		return fmt.Errorf("%s.burst must be >= 0 (got %d)", name, cfg.Burst)
	}
	return nil
}

func validateLangfuse(cfg LangfuseConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if err := validateURL("langfuse.host", cfg.Host); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.PublicKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return errors.New("langfuse.public_key and langfuse.secret_key are required when langfuse.enabled=true")
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("langfuse.queue_size must be > 0 (got %d)", cfg.QueueSize)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("langfuse.batch_size must be > 0 (got %d)", cfg.BatchSize)
	}
	if cfg.FlushIntervalMS < 0 {
		return fmt.Errorf("langfuse.flush_interval_ms must be >= 0 (got %d)", cfg.FlushIntervalMS)
	}
	if cfg.TimeoutMS <= 0 {
		return fmt.Errorf("langfuse.timeout_ms must be > 0 (got %d)", cfg.TimeoutMS)
	}
	return nil
}

func validatePlayground(cfg PlaygroundConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if err := validateURL("playground.base_url", cfg.BaseURL); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return errors.New("playground.api_key is required when playground.enabled=true")
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		return errors.New("playground.default_model is required when playground.enabled=true")
	}
	for model, price := range cfg.Pricing {
		if price.InputPer1K < 0 || price.OutputPer1K < 0 {
			return fmt.Errorf("playground.pricing[%q] must not be negative", model)
		}
	}
	return nil
}

func validateURL(name, raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

type envOverlay struct {
	err error
}

func (e *envOverlay) str(name string, dst *string) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		*dst = value
	}
}

func (e *envOverlay) integer(name string, dst *int) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" || e.err != nil {
		return
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %w", name, err)
		return
	}
	*dst = v
}

func (e *envOverlay) boolean(name string, dst *bool) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" || e.err != nil {
		return false
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %w", name, err)
		return false
	}
	*dst = v
	return true
}

func applyEnv(cfg *Config) error {
	env := &envOverlay{}

	env.str(envPrefix+"HOST", &cfg.Server.Host)
	env.integer(envPrefix+"PORT", &cfg.Server.Port)

	env.str(envPrefix+"STORAGE_DRIVER", &cfg.Storage.Driver)
	env.str(envPrefix+"STORAGE_PATH", &cfg.Storage.Path)
	env.str(envPrefix+"STORAGE_DSN", &cfg.Storage.DSN)

	env.boolean(envPrefix+"AUTH_ENABLED", &cfg.Auth.Enabled)
	env.str(envPrefix+"AUTH_HEADER", &cfg.Auth.Header)

	env.integer(envPrefix+"LIMITS_STARTS_PER_MINUTE", &cfg.Limits.PerUser.StartsPerMinute)
	env.integer(envPrefix+"LIMITS_PLAYGROUND_RUNS_PER_MINUTE", &cfg.Limits.Playground.StartsPerMinute)

	env.integer(envPrefix+"LIVE_WINDOW_SECONDS", &cfg.Tracker.LiveWindowSeconds)
	env.integer(envPrefix+"RECENT_LIMIT", &cfg.Tracker.RecentLimit)

	env.boolean(envPrefix+"LANGFUSE_ENABLED", &cfg.Langfuse.Enabled)
	env.str(envPrefix+"LANGFUSE_HOST", &cfg.Langfuse.Host)
	env.str(envPrefix+"LANGFUSE_PUBLIC_KEY", &cfg.Langfuse.PublicKey)
	env.str(envPrefix+"LANGFUSE_SECRET_KEY", &cfg.Langfuse.SecretKey)

	env.boolean(envPrefix+"PLAYGROUND_ENABLED", &cfg.Playground.Enabled)
	env.str(envPrefix+"PLAYGROUND_BASE_URL", &cfg.Playground.BaseURL)
	env.str(envPrefix+"PLAYGROUND_DEFAULT_MODEL", &cfg.Playground.DefaultModel)
	env.str(envPrefix+"OPENAI_API_KEY", &cfg.Playground.APIKey)

	env.str(envPrefix+"LOG_LEVEL", &cfg.Observability.LogLevel)
	if env.err != nil {
		return env.err
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

func applyOTelEnv(cfg *OTelConfig) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
