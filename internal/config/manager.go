package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan Config

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("ANOMALY")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.AutomaticEnv()

	m.setDefaults()

	if err := m.readConfigFile(); err != nil {
		return err
	}
	m.unmarshalConfig()
	return nil
}

// readConfigFile tolerates a missing file; defaults and env vars still apply.
func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads. Updates that fail
// validation are dropped.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		cfg := m.unmarshalConfig()
		if len(cfg.Validate()) > 0 {
			return
		}
		select {
		case m.watchChan <- *cfg:
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	m.unmarshalConfig()
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.host", d.Server.Host)
	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.grpc_port", d.Server.GRPCPort)
	m.viper.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	m.viper.SetDefault("server.shutdown_timeout_seconds", d.Server.ShutdownTimeoutSeconds)
	m.viper.SetDefault("server.rate_limit_per_minute", d.Server.RateLimitPerMinute)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)
	m.viper.SetDefault("logging.file", d.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	m.viper.SetDefault("model.contamination", d.Model.Contamination)
	m.viper.SetDefault("model.num_trees", d.Model.NumTrees)
	m.viper.SetDefault("model.sub_sample_size", d.Model.SubSampleSize)
	m.viper.SetDefault("model.max_depth", d.Model.MaxDepth)
	m.viper.SetDefault("model.seed", d.Model.Seed)

	m.viper.SetDefault("training.min_samples", d.Training.MinSamples)
	m.viper.SetDefault("training.persist_models", d.Training.PersistModels)
	m.viper.SetDefault("training.restore_on_start", d.Training.RestoreOnStart)
	m.viper.SetDefault("training.retrain_probability", d.Training.RetrainProbability)
	m.viper.SetDefault("training.retrain_interval_seconds", d.Training.RetrainIntervalSeconds)
	m.viper.SetDefault("training.history_size", d.Training.HistorySize)

	m.viper.SetDefault("severity.low", d.Severity.Low)
	m.viper.SetDefault("severity.high", d.Severity.High)

	m.viper.SetDefault("storage.type", d.Storage.Type)
	m.viper.SetDefault("storage.dir", d.Storage.Dir)
	m.viper.SetDefault("storage.s3.bucket", d.Storage.S3.Bucket)
	m.viper.SetDefault("storage.s3.region", d.Storage.S3.Region)
	m.viper.SetDefault("storage.s3.endpoint", d.Storage.S3.Endpoint)
	m.viper.SetDefault("storage.s3.prefix", d.Storage.S3.Prefix)
	m.viper.SetDefault("storage.s3.access_key_id", d.Storage.S3.AccessKeyID)
	m.viper.SetDefault("storage.s3.secret_access_key", d.Storage.S3.SecretAccessKey)
	m.viper.SetDefault("storage.s3.use_path_style", d.Storage.S3.UsePathStyle)

	m.viper.SetDefault("tracking.type", d.Tracking.Type)
	m.viper.SetDefault("tracking.sqlite_path", d.Tracking.SQLitePath)
	m.viper.SetDefault("tracking.postgres_url", d.Tracking.PostgresURL)

	m.viper.SetDefault("remediation.templates_file", d.Remediation.TemplatesFile)
	m.viper.SetDefault("remediation.advisor.enabled", d.Remediation.Advisor.Enabled)
	m.viper.SetDefault("remediation.advisor.api_key_env", d.Remediation.Advisor.APIKeyEnv)
	m.viper.SetDefault("remediation.advisor.model", d.Remediation.Advisor.Model)
	m.viper.SetDefault("remediation.advisor.base_url", d.Remediation.Advisor.BaseURL)
	m.viper.SetDefault("remediation.advisor.max_tokens", d.Remediation.Advisor.MaxTokens)
	m.viper.SetDefault("remediation.advisor.temperature", d.Remediation.Advisor.Temperature)
	m.viper.SetDefault("remediation.advisor.timeout_seconds", d.Remediation.Advisor.TimeoutSeconds)
	m.viper.SetDefault("remediation.advisor.cache_ttl_seconds", d.Remediation.Advisor.CacheTTLSeconds)
	m.viper.SetDefault("remediation.advisor.cache_size", d.Remediation.Advisor.CacheSize)

	m.viper.SetDefault("stream.queue_size", d.Stream.QueueSize)
	m.viper.SetDefault("stream.client_buffer", d.Stream.ClientBuffer)

	m.viper.SetDefault("tracing.enabled", d.Tracing.Enabled)
	m.viper.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	m.viper.SetDefault("tracing.insecure", d.Tracing.Insecure)
	m.viper.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	m.viper.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// unmarshalConfig builds a Config from viper, installs it and returns it.
func (m *viperConfigManager) unmarshalConfig() *Config {
	v := m.viper
	cfg := &Config{}

	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.GRPCPort = v.GetInt("server.grpc_port")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.ShutdownTimeoutSeconds = v.GetInt("server.shutdown_timeout_seconds")
	cfg.Server.RateLimitPerMinute = v.GetInt("server.rate_limit_per_minute")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")

	cfg.Model.Contamination = v.GetFloat64("model.contamination")
	cfg.Model.NumTrees = v.GetInt("model.num_trees")
	cfg.Model.SubSampleSize = v.GetInt("model.sub_sample_size")
	cfg.Model.MaxDepth = v.GetInt("model.max_depth")
	cfg.Model.Seed = v.GetInt64("model.seed")

	cfg.Training.MinSamples = v.GetInt("training.min_samples")
	cfg.Training.PersistModels = v.GetBool("training.persist_models")
	cfg.Training.RestoreOnStart = v.GetBool("training.restore_on_start")
	cfg.Training.RetrainProbability = v.GetFloat64("training.retrain_probability")
	cfg.Training.RetrainIntervalSeconds = v.GetInt("training.retrain_interval_seconds")
	cfg.Training.HistorySize = v.GetInt("training.history_size")

	cfg.Severity.Low = v.GetFloat64("severity.low")
	cfg.Severity.High = v.GetFloat64("severity.high")

	cfg.Storage.Type = v.GetString("storage.type")
	cfg.Storage.Dir = v.GetString("storage.dir")
	cfg.Storage.S3.Bucket = v.GetString("storage.s3.bucket")
	cfg.Storage.S3.Region = v.GetString("storage.s3.region")
	cfg.Storage.S3.Endpoint = v.GetString("storage.s3.endpoint")
	cfg.Storage.S3.Prefix = v.GetString("storage.s3.prefix")
	cfg.Storage.S3.AccessKeyID = v.GetString("storage.s3.access_key_id")
	cfg.Storage.S3.SecretAccessKey = v.GetString("storage.s3.secret_access_key")
	cfg.Storage.S3.UsePathStyle = v.GetBool("storage.s3.use_path_style")

	cfg.Tracking.Type = v.GetString("tracking.type")
	cfg.Tracking.SQLitePath = v.GetString("tracking.sqlite_path")
	cfg.Tracking.PostgresURL = v.GetString("tracking.postgres_url")

	cfg.Remediation.TemplatesFile = v.GetString("remediation.templates_file")
	cfg.Remediation.Advisor.Enabled = v.GetBool("remediation.advisor.enabled")
	cfg.Remediation.Advisor.APIKeyEnv = v.GetString("remediation.advisor.api_key_env")
	cfg.Remediation.Advisor.Model = v.GetString("remediation.advisor.model")
	cfg.Remediation.Advisor.BaseURL = v.GetString("remediation.advisor.base_url")
	cfg.Remediation.Advisor.MaxTokens = v.GetInt("remediation.advisor.max_tokens")
	cfg.Remediation.Advisor.Temperature = v.GetFloat64("remediation.advisor.temperature")
	cfg.Remediation.Advisor.TimeoutSeconds = v.GetInt("remediation.advisor.timeout_seconds")
	cfg.Remediation.Advisor.CacheTTLSeconds = v.GetInt("remediation.advisor.cache_ttl_seconds")
	cfg.Remediation.Advisor.CacheSize = v.GetInt("remediation.advisor.cache_size")

	cfg.Stream.QueueSize = v.GetInt("stream.queue_size")
	cfg.Stream.ClientBuffer = v.GetInt("stream.client_buffer")

	cfg.Tracing.Enabled = v.GetBool("tracing.enabled")
	cfg.Tracing.Endpoint = v.GetString("tracing.endpoint")
	cfg.Tracing.Insecure = v.GetBool("tracing.insecure")
	cfg.Tracing.SampleRate = v.GetFloat64("tracing.sample_rate")
	cfg.Tracing.ServiceName = v.GetString("tracing.service_name")

	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return cfg
}

// applyEnvOverrides reads well-known variables used by other tooling when the
// corresponding setting is empty.
func applyEnvOverrides(cfg *Config) {
	if cfg.Tracking.PostgresURL == "" {
		if url := os.Getenv("DATABASE_URL"); url != "" {
			cfg.Tracking.PostgresURL = url
		}
	}
	if cfg.Tracing.Endpoint == "" {
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			cfg.Tracing.Endpoint = ep
		}
	}
}
