package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, 0.05, cfg.Model.Contamination)
	assert.Equal(t, 100, cfg.Model.NumTrees)
	assert.Equal(t, int64(42), cfg.Model.Seed)
	assert.Equal(t, 10, cfg.Training.MinSamples)
	assert.True(t, cfg.Training.PersistModels)

	assert.Equal(t, 0.8, cfg.Severity.Low)
	assert.Equal(t, 1.5, cfg.Severity.High)

	assert.False(t, cfg.Remediation.Advisor.Enabled)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Remediation.Advisor.APIKeyEnv)
	assert.Equal(t, 3600, cfg.Remediation.Advisor.CacheTTLSeconds)

	assert.Equal(t, StorageFile, cfg.Storage.Type)
	assert.Equal(t, TrackingSQLite, cfg.Tracking.Type)
	assert.False(t, cfg.Tracing.Enabled)

	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modifyFn func(*Config)
		field    string
	}{
		{"port too low", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"grpc port clashes", func(c *Config) { c.Server.GRPCPort = c.Server.Port }, "server.grpc_port"},
		{"invalid log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"contamination zero", func(c *Config) { c.Model.Contamination = 0 }, "model.contamination"},
		{"contamination one", func(c *Config) { c.Model.Contamination = 1 }, "model.contamination"},
		{"no trees", func(c *Config) { c.Model.NumTrees = 0 }, "model.num_trees"},
		{"no subsample", func(c *Config) { c.Model.SubSampleSize = 0 }, "model.sub_sample_size"},
		{"min samples zero", func(c *Config) { c.Training.MinSamples = 0 }, "training.min_samples"},
		{"retrain probability", func(c *Config) { c.Training.RetrainProbability = 1.5 }, "training.retrain_probability"},
		{"history below min samples", func(c *Config) { c.Training.HistorySize = 5 }, "training.history_size"},
		{"severity inverted", func(c *Config) { c.Severity.Low, c.Severity.High = 1.5, 0.8 }, "severity"},
		{"severity equal", func(c *Config) { c.Severity.High = c.Severity.Low }, "severity"},
		{"invalid storage", func(c *Config) { c.Storage.Type = "ftp" }, "storage.type"},
		{"file storage without dir", func(c *Config) { c.Storage.Dir = "" }, "storage.dir"},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = StorageS3 }, "storage.s3.bucket"},
		{"s3 half credentials", func(c *Config) {
			c.Storage.Type = StorageS3
			c.Storage.S3.Bucket = "models"
			c.Storage.S3.AccessKeyID = "AKIA"
		}, "storage.s3"},
		{"invalid tracking", func(c *Config) { c.Tracking.Type = "mlflow" }, "tracking.type"},
		{"postgres without url", func(c *Config) { c.Tracking.Type = TrackingPostgres }, "tracking.postgres_url"},
		{"missing templates file", func(c *Config) { c.Remediation.TemplatesFile = "/nonexistent/actions.yaml" }, "remediation.templates_file"},
		{"advisor without key env", func(c *Config) {
			c.Remediation.Advisor.Enabled = true
			c.Remediation.Advisor.APIKeyEnv = ""
		}, "remediation.advisor.api_key_env"},
		{"advisor temperature", func(c *Config) {
			c.Remediation.Advisor.Enabled = true
			c.Remediation.Advisor.Temperature = 3
		}, "remediation.advisor.temperature"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "tracing.sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)
			errs := cfg.Validate()
			require.NotEmpty(t, errs)

			var fields []string
			for _, err := range errs {
				var ve *ValidationError
				require.True(t, errors.As(err, &ve))
				fields = append(fields, ve.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestConfigConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.NumTrees = 25
	cfg.Training.MinSamples = 30
	cfg.Training.RetrainIntervalSeconds = 60
	cfg.Severity.Low = 1
	cfg.Severity.High = 2

	ac := cfg.AnomalyConfig()
	assert.Equal(t, 25, ac.NumTrees)
	assert.Equal(t, 30, ac.MinSamples)
	assert.Equal(t, 1.0, ac.Thresholds.Low)
	assert.True(t, ac.PersistModels)
	require.NoError(t, ac.Validate())

	cfg.Storage.Type = StorageNone
	assert.False(t, cfg.AnomalyConfig().PersistModels)

	pc := cfg.PipelineConfig()
	assert.Equal(t, time.Minute, pc.RetrainInterval)
	assert.Equal(t, 30, pc.RetrainMinSamples)
	assert.Equal(t, 1000, pc.HistorySize)
}

func TestConfigManagerLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "anomaly.yaml")
	content := `
server:
  port: 8100
  allowed_origins: ["https://ops.example.com"]
logging:
  level: debug
  format: console
model:
  contamination: 0.1
  num_trees: 64
training:
  min_samples: 25
severity:
  low: 1.0
  high: 2.0
storage:
  type: s3
  s3:
    bucket: anomaly-models
    region: eu-west-1
tracking:
  type: disabled
remediation:
  advisor:
    enabled: true
    model: gpt-4o
    cache_ttl_seconds: 600
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 8100, cfg.Server.Port)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 0.1, cfg.Model.Contamination)
	assert.True(t, cfg.Remediation.Advisor.Enabled)
	assert.Equal(t, "gpt-4o", cfg.Remediation.Advisor.Model)
	assert.Equal(t, 600, cfg.Remediation.Advisor.CacheTTLSeconds)
	assert.Equal(t, 200, cfg.Remediation.Advisor.MaxTokens)
	assert.Equal(t, 64, cfg.Model.NumTrees)
	assert.Equal(t, 256, cfg.Model.SubSampleSize, "unset keys keep defaults")
	assert.Equal(t, 25, cfg.Training.MinSamples)
	assert.Equal(t, "anomaly-models", cfg.Storage.S3.Bucket)
	assert.Equal(t, TrackingDisabled, cfg.Tracking.Type)
	assert.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("ANOMALY_SERVER_PORT", "7070")
	t.Setenv("ANOMALY_SEVERITY_HIGH", "3.5")
	t.Setenv("ANOMALY_STORAGE_S3_BUCKET", "env-bucket")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/anomaly")

	configPath := filepath.Join(t.TempDir(), "anomaly.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 8100\n"), 0o644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 7070, cfg.Server.Port, "environment overrides the file")
	assert.Equal(t, 3.5, cfg.Severity.High)
	assert.Equal(t, "env-bucket", cfg.Storage.S3.Bucket)
	assert.Equal(t, "postgres://u:p@db/anomaly", cfg.Tracking.PostgresURL)
}

func TestConfigManagerMissingFile(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 8090, mgr.Get(ctx).Server.Port)
}

func TestConfigManagerValidation(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "anomaly.yaml")
	content := `
server:
  port: 99999
model:
  contamination: 2
storage:
  type: tape
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "storage.type")
}

func TestConfigManagerReload(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "anomaly.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0o644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, "info", mgr.Get(ctx).Logging.Level)

	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: warn\n"), 0o644))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, "warn", mgr.Get(ctx).Logging.Level)
}

func TestConfigManagerBadYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "anomaly.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unterminated"), 0o644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	assert.Error(t, mgr.Load(context.Background()))
}
