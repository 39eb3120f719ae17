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
	LLM           LLMConfig           `yaml:"llm"`
	Evaluation    EvaluationConfig    `yaml:"evaluation"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Aggregator    AggregatorConfig    `yaml:"aggregator"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

const (
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type StorageConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	DSNSecret string `yaml:"dsn_secret"`
}

type LLMConfig struct {
	Endpoint          string `yaml:"endpoint"`
	APIKey            string `yaml:"api_key"`
	APIKeySecret      string `yaml:"api_key_secret"`
	APIVersion        string `yaml:"api_version"`
	Azure             bool   `yaml:"azure"`
	DefaultDeployment string `yaml:"default_deployment"`
	MaxTokens         int    `yaml:"max_tokens"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	MaxRetries        int    `yaml:"max_retries"`
	InitialBackoffMS  int    `yaml:"initial_backoff_ms"`
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c LLMConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMS) * time.Millisecond
}

const (
	SamplingPolicyDeterministic = "deterministic"
	SamplingPolicyRandom        = "random"
)

type EvaluationConfig struct {
	Workers                  int     `yaml:"workers"`
	SamplingPolicy           string  `yaml:"sampling_policy"`
	DefaultVarianceThreshold float64 `yaml:"default_variance_threshold"`
}

type IngestConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type AggregatorConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMS int  `yaml:"interval_ms"`
}

func (c AggregatorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

type SecretsConfig struct {
	Dir string `yaml:"dir"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
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
	defaultOTELServiceName            = "llmops"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: StorageDriverSQLite,
			Path:   "./data/llmops.db",
		},
		LLM: LLMConfig{
			Endpoint:         "https://api.openai.com/v1",
			APIKeySecret:     "llm-api-key",
			APIVersion:       "2024-02-15-preview",
			MaxTokens:        200,
			TimeoutMS:        30000,
			MaxRetries:       2,
			InitialBackoffMS: 1000,
		},
		Evaluation: EvaluationConfig{
			Workers:                  4,
			SamplingPolicy:           SamplingPolicyDeterministic,
			DefaultVarianceThreshold: 0.05,
		},
		Ingest: IngestConfig{
			QueueSize: 256,
		},
		Aggregator: AggregatorConfig{
			Enabled:    true,
			IntervalMS: 300000,
		},
		Secrets: SecretsConfig{
			Dir: "/run/secrets",
		},
		Observability: ObservabilityConfig{
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

// Validate checks configuration invariants required at runtime. Credentials
// are not required here; they may still arrive from the secret store.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case StorageDriverSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" && strings.TrimSpace(cfg.Storage.DSNSecret) == "" {
			return errors.New("storage.dsn or storage.dsn_secret is required when storage.driver=postgres")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres, memory (got %q)", cfg.Storage.Driver)
	}

	if err := validateLLM(cfg.LLM); err != nil {
		return err
	}
	if err := validateEvaluation(cfg.Evaluation); err != nil {
		return err
	}
	if cfg.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be > 0 (got %d)", cfg.Ingest.QueueSize)
	}
	if cfg.Aggregator.Enabled && cfg.Aggregator.IntervalMS <= 0 {
		return fmt.Errorf("aggregator.interval_ms must be > 0 when aggregator.enabled=true (got %d)", cfg.Aggregator.IntervalMS)
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}
	return nil
}

func validateLLM(cfg LLMConfig) error {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return errors.New("llm.endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse llm.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("llm.endpoint must include scheme and host (got %q)", cfg.Endpoint)
	}
	if cfg.Azure && strings.TrimSpace(cfg.APIVersion) == "" {
		return errors.New("llm.api_version is required when llm.azure=true")
	}
	if cfg.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be > 0 (got %d)", cfg.MaxTokens)
	}
	if cfg.TimeoutMS <= 0 {
		return fmt.Errorf("llm.timeout_ms must be > 0 (got %d)", cfg.TimeoutMS)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.InitialBackoffMS < 0 {
		return fmt.Errorf("llm.initial_backoff_ms must be >= 0 (got %d)", cfg.InitialBackoffMS)
	}
	return nil
}

func validateEvaluation(cfg EvaluationConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("evaluation.workers must be > 0 (got %d)", cfg.Workers)
	}
	switch cfg.SamplingPolicy {
	case SamplingPolicyDeterministic, SamplingPolicyRandom:
	default:
		return fmt.Errorf("evaluation.sampling_policy must be one of deterministic, random (got %q)", cfg.SamplingPolicy)
	}
	if cfg.DefaultVarianceThreshold <= 0 {
		return fmt.Errorf("evaluation.default_variance_threshold must be > 0 (got %f)", cfg.DefaultVarianceThreshold)
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

func applyEnv(cfg *Config) error {
	if host := os.Getenv("LLMOPS_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("LLMOPS_PORT", &cfg.Server.Port); err != nil {
		return err
	}

	if storageDriver := os.Getenv("LLMOPS_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("LLMOPS_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("LLMOPS_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if endpoint := os.Getenv("LLMOPS_LLM_ENDPOINT"); endpoint != "" {
		cfg.LLM.Endpoint = endpoint
	}
	if apiKey := os.Getenv("LLMOPS_LLM_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if apiVersion := os.Getenv("LLMOPS_LLM_API_VERSION"); apiVersion != "" {
		cfg.LLM.APIVersion = apiVersion
	}
	if azure := os.Getenv("LLMOPS_LLM_AZURE"); azure != "" {
		v, err := strconv.ParseBool(azure)
		if err != nil {
			return fmt.Errorf("invalid LLMOPS_LLM_AZURE: %w", err)
		}
		cfg.LLM.Azure = v
	}
	if deployment := os.Getenv("LLMOPS_LLM_DEFAULT_DEPLOYMENT"); deployment != "" {
		cfg.LLM.DefaultDeployment = deployment
	}
	if err := envInt("LLMOPS_LLM_TIMEOUT_MS", &cfg.LLM.TimeoutMS); err != nil {
		return err
	}
	if err := envInt("LLMOPS_LLM_MAX_RETRIES", &cfg.LLM.MaxRetries); err != nil {
		return err
	}

	if err := envInt("LLMOPS_EVALUATION_WORKERS", &cfg.Evaluation.Workers); err != nil {
		return err
	}
	if policy := os.Getenv("LLMOPS_SAMPLING_POLICY"); policy != "" {
		cfg.Evaluation.SamplingPolicy = strings.ToLower(strings.TrimSpace(policy))
	}
	if threshold := strings.TrimSpace(os.Getenv("LLMOPS_VARIANCE_THRESHOLD")); threshold != "" {
		v, err := strconv.ParseFloat(threshold, 64)
		if err != nil {
			return fmt.Errorf("invalid LLMOPS_VARIANCE_THRESHOLD: %w", err)
		}
		cfg.Evaluation.DefaultVarianceThreshold = v
	}
	if err := envInt("LLMOPS_INGEST_QUEUE_SIZE", &cfg.Ingest.QueueSize); err != nil {
		return err
	}
	if err := envInt("LLMOPS_AGGREGATOR_INTERVAL_MS", &cfg.Aggregator.IntervalMS); err != nil {
		return err
	}
	if dir := os.Getenv("LLMOPS_SECRETS_DIR"); dir != "" {
		cfg.Secrets.Dir = dir
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
	if present, err := envIntSet("OTEL_EXPORTER_OTLP_TIMEOUT", &cfg.ExportTimeoutMS); err != nil {
		return err
	} else if present {
		otelConfigured = true
	}
	if present, err := envIntSet("OTEL_METRIC_EXPORT_INTERVAL", &cfg.MetricExportIntervalMS); err != nil {
		return err
	} else if present {
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func envInt(name string, target *int) error {
	_, err := envIntSet(name, target)
	return err
}

func envIntSet(name string, target *int) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = v
	return true, nil
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
