package config

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

// Package config provides configuration management for kubilitics-anomaly.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (ANOMALY_* prefix, dots become underscores)
//   2. YAML config file (default: /etc/kubilitics/anomaly.yaml)
//   3. Built-in defaults
//
// Main Configuration Sections:
//
//   1. Server       - HTTP listen address, gRPC health port, websocket origins
//   2. Logging      - level, format, optional rotated log file
//   3. Model        - isolation forest hyperparameters
//   4. Training     - minimum samples, persistence, retraining policy
//   5. Severity     - z-score band thresholds
//   6. Storage      - model blob store: "file" | "s3" | "none"
//   7. Tracking     - run tracking store: "sqlite" | "postgres" | "disabled"
//   8. Remediation  - optional action template file and LLM advisor
//   9. Stream       - websocket fan-out queue sizes
//  10. Tracing      - OTLP/HTTP exporter

// Config struct contains all configuration fields
type Config struct {
	Server struct {
		Host     string
		Port     int
		GRPCPort int // 0 disables the gRPC health server
		// AllowedOrigins lists browser origins permitted on the websocket stream.
		AllowedOrigins         []string
		ShutdownTimeoutSeconds int
		RateLimitPerMinute     int // 0 disables rate limiting
	}

	Logging struct {
		Level      string
		Format     string // json | console
		File       string // empty logs to stderr only
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	Model struct {
		Contamination float64
		NumTrees      int
		SubSampleSize int
		MaxDepth      int
		Seed          int64
	}

	Training struct {
		MinSamples             int
		PersistModels          bool
		RestoreOnStart         bool
		RetrainProbability     float64
		RetrainIntervalSeconds int
		HistorySize            int
	}

	Severity struct {
		Low  float64
		High float64
	}

	Storage struct {
		Type string
		Dir  string
		S3   struct {
			Bucket          string
			Region          string
			Endpoint        string
			Prefix          string
			AccessKeyID     string
			SecretAccessKey string
			UsePathStyle    bool
		}
	}

	Tracking struct {
		Type        string
		SQLitePath  string
		PostgresURL string
	}

	Remediation struct {
		TemplatesFile string
		Advisor       struct {
			Enabled bool
			// APIKeyEnv names the environment variable holding the API key.
			APIKeyEnv       string
			Model           string
			BaseURL         string
			MaxTokens       int
			Temperature     float64
			TimeoutSeconds  int
			CacheTTLSeconds int
			CacheSize       int
		}
	}

	Stream struct {
		QueueSize    int
		ClientBuffer int
	}

	Tracing struct {
		Enabled     bool
		Endpoint    string
		Insecure    bool
		SampleRate  float64
		ServiceName string
	}
}

// AnomalyConfig converts the model, training and severity sections.
func (c *Config) AnomalyConfig() anomaly.Config {
	cfg := anomaly.DefaultConfig()
	cfg.MinSamples = c.Training.MinSamples
	cfg.Contamination = c.Model.Contamination
	cfg.NumTrees = c.Model.NumTrees
	cfg.SubSampleSize = c.Model.SubSampleSize
	cfg.MaxDepth = c.Model.MaxDepth
	cfg.Seed = c.Model.Seed
	cfg.PersistModels = c.Training.PersistModels && c.Storage.Type != StorageNone
	cfg.Thresholds = anomaly.SeverityThresholds{Low: c.Severity.Low, High: c.Severity.High}
	return cfg
}

// PipelineConfig converts the training section's retraining policy.
func (c *Config) PipelineConfig() analytics.PipelineConfig {
	cfg := analytics.DefaultPipelineConfig()
	cfg.HistorySize = c.Training.HistorySize
	cfg.RetrainProbability = c.Training.RetrainProbability
	cfg.RetrainMinSamples = c.Training.MinSamples
	cfg.RetrainInterval = time.Duration(c.Training.RetrainIntervalSeconds) * time.Second
	cfg.Seed = c.Model.Seed
	return cfg
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch reloads on config file changes and sends each new configuration.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads all sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}
