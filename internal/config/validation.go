package config

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, invalid("server.port", "port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, invalid("server.grpc_port", "port must be between 0 and 65535, got %d", c.Server.GRPCPort))
	} else if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, invalid("server.grpc_port", "must differ from server.port"))
	}
	if c.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, invalid("server.shutdown_timeout_seconds", "must be at least 1, got %d", c.Server.ShutdownTimeoutSeconds))
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, invalid("server.rate_limit_per_minute", "must not be negative, got %d", c.Server.RateLimitPerMinute))
	}

	// Logging
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, invalid("logging.level", "invalid log level '%s'", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, invalid("logging.format", "invalid log format '%s', must be json or console", c.Logging.Format))
	}

	// Model
	if c.Model.Contamination <= 0 || c.Model.Contamination >= 1 {
		errs = append(errs, invalid("model.contamination", "must be in (0, 1), got %v", c.Model.Contamination))
	}
	if c.Model.NumTrees < 1 {
		errs = append(errs, invalid("model.num_trees", "must be at least 1, got %d", c.Model.NumTrees))
	}
	if c.Model.SubSampleSize < 1 {
		errs = append(errs, invalid("model.sub_sample_size", "must be at least 1, got %d", c.Model.SubSampleSize))
	}
	if c.Model.MaxDepth < 0 {
		errs = append(errs, invalid("model.max_depth", "must not be negative, got %d", c.Model.MaxDepth))
	}

	// Training
	if c.Training.MinSamples < 1 {
		errs = append(errs, invalid("training.min_samples", "must be at least 1, got %d", c.Training.MinSamples))
	}
	if c.Training.RetrainProbability < 0 || c.Training.RetrainProbability > 1 {
		errs = append(errs, invalid("training.retrain_probability", "must be in [0, 1], got %v", c.Training.RetrainProbability))
	}
	if c.Training.RetrainIntervalSeconds < 0 {
		errs = append(errs, invalid("training.retrain_interval_seconds", "must not be negative"))
	}
	if c.Training.HistorySize < c.Training.MinSamples {
		errs = append(errs, invalid("training.history_size", "must be at least min_samples (%d), got %d",
			c.Training.MinSamples, c.Training.HistorySize))
	}

	// Severity
	if c.Severity.Low <= 0 || c.Severity.High <= c.Severity.Low {
		errs = append(errs, invalid("severity", "thresholds must satisfy 0 < low < high, got low=%v high=%v",
			c.Severity.Low, c.Severity.High))
	}

	// Storage
	switch c.Storage.Type {
	case StorageFile:
		if c.Storage.Dir == "" {
			errs = append(errs, invalid("storage.dir", "dir is required when storage type is file"))
		}
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, invalid("storage.s3.bucket", "bucket is required when storage type is s3"))
		}
		if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
			errs = append(errs, invalid("storage.s3", "access_key_id and secret_access_key must be set together"))
		}
	case StorageNone:
	default:
		errs = append(errs, invalid("storage.type", "invalid storage type '%s', must be one of: file, s3, none", c.Storage.Type))
	}

	// Tracking
	switch c.Tracking.Type {
	case TrackingSQLite:
		if c.Tracking.SQLitePath == "" {
			errs = append(errs, invalid("tracking.sqlite_path", "sqlite_path is required when tracking type is sqlite"))
		}
	case TrackingPostgres:
		if c.Tracking.PostgresURL == "" {
			errs = append(errs, invalid("tracking.postgres_url", "postgres_url is required when tracking type is postgres"))
		}
	case TrackingDisabled:
	default:
		errs = append(errs, invalid("tracking.type", "invalid tracking type '%s', must be one of: sqlite, postgres, disabled", c.Tracking.Type))
	}

	// Remediation
	if f := c.Remediation.TemplatesFile; f != "" {
		if _, err := os.Stat(f); err != nil {
			errs = append(errs, invalid("remediation.templates_file", "cannot read templates file: %v", err))
		}
	}

	if adv := c.Remediation.Advisor; adv.Enabled {
		if adv.APIKeyEnv == "" {
			errs = append(errs, invalid("remediation.advisor.api_key_env", "api_key_env is required when the advisor is enabled"))
		}
		if adv.MaxTokens < 1 {
			errs = append(errs, invalid("remediation.advisor.max_tokens", "must be at least 1, got %d", adv.MaxTokens))
		}
		if adv.Temperature < 0 || adv.Temperature > 2 {
			errs = append(errs, invalid("remediation.advisor.temperature", "must be in [0, 2], got %v", adv.Temperature))
		}
		if adv.TimeoutSeconds < 1 || adv.CacheTTLSeconds < 0 || adv.CacheSize < 1 {
			errs = append(errs, invalid("remediation.advisor", "timeout_seconds and cache_size must be at least 1 and cache_ttl_seconds must not be negative"))
		}
	}

	// Stream
	if c.Stream.QueueSize < 1 || c.Stream.ClientBuffer < 1 {
		errs = append(errs, invalid("stream", "queue_size and client_buffer must be at least 1"))
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, invalid("tracing.endpoint", "endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, invalid("tracing.sample_rate", "must be in [0, 1], got %v", c.Tracing.SampleRate))
	}

	return errs
}
